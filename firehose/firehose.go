// Package firehose buffers posts from the Jetstream firehose and serves them
// to the poller as if they came from a timeline endpoint.
package firehose

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"groupfeed/models"
)

// FirehoseConfig holds configuration for the firehose processing
type FirehoseConfig struct {
	JetstreamHosts    []string
	JetstreamCompress bool
	UserAgent         string
	// Only posts by these DIDs are buffered, every author when empty
	WantedDids []string

	// Replies are left out, matching what the author feed source shows
	SkipReplies          bool
	Languages            []string
	RunLanguageDetection bool
	ConfidenceThreshold  float64

	// Posts held between two polls; the oldest are dropped beyond it
	MaxBuffered int
	Workers     int
}

const defaultMaxBuffered = 1000

// Source subscribes to Jetstream and hands out everything buffered since the
// previous fetch. Post ids are the Jetstream time_us of the commit.
type Source struct {
	config    FirehoseConfig
	processor *PostProcessor

	mu      sync.Mutex
	pending []models.Post
	// time_us of the newest event seen, used to resume after reconnects
	cursor int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(config FirehoseConfig) (*Source, error) {
	if config.MaxBuffered <= 0 {
		config.MaxBuffered = defaultMaxBuffered
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}

	processor, err := NewPostProcessor(config)
	if err != nil {
		return nil, err
	}

	return &Source{
		config:    config,
		processor: processor,
	}, nil
}

// Start subscribes to Jetstream in the background until ctx is done or Stop
// is called. Lost connections are resumed from the last seen event.
func (s *Source) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	pp := NewParallelProcessor(ctx, s.config.Workers, s.config.MaxBuffered, s)
	pp.start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer pp.wait()

		for ctx.Err() == nil {
			cursor := s.resumeCursor()
			err := SubscribeJetstreamWithMessages(ctx, JetstreamConfig{
				Hosts:             s.config.JetstreamHosts,
				Compress:          s.config.JetstreamCompress,
				UserAgent:         s.config.UserAgent,
				WantedCollections: []string{postCollection},
				WantedDids:        s.config.WantedDids,
				Cursor:            cursor,
			}, pp.workerQueue)
			if err != nil && ctx.Err() == nil {
				log.WithError(err).Error("Jetstream subscription failed")
				time.Sleep(time.Second)
			}
		}
	}()
}

// Stop closes the subscription and waits for the workers to exit
func (s *Source) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// resumeCursor starts a few seconds before the last seen event so nothing is
// missed; replayed posts are dropped by the poller.
func (s *Source) resumeCursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cursor == 0 {
		return 0
	}
	return s.cursor - (5 * time.Second).Microseconds()
}

// handle processes a single raw message
func (s *Source) handle(msg *RawMessage) error {
	event, err := s.processor.Event(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if event.TimeUS > s.cursor {
		s.cursor = event.TimeUS
	}
	s.mu.Unlock()

	post, ok, err := s.processor.ProcessEvent(event)
	if err != nil || !ok {
		return err
	}

	s.add(post)
	return nil
}

func (s *Source) add(post models.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, post)
	if overflow := len(s.pending) - s.config.MaxBuffered; overflow > 0 {
		s.pending = s.pending[overflow:]
		bufferDropped.Add(float64(overflow))
		log.WithFields(log.Fields{
			"dropped": overflow,
		}).Warn("Firehose buffer full, dropping oldest posts")
	}
	bufferedPosts.Set(float64(len(s.pending)))
}

// FetchTimeline drains the buffer. The cursor is not needed since the buffer
// only holds posts received after the previous fetch.
func (s *Source) FetchTimeline(ctx context.Context, cursor models.Cursor) ([]models.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	posts := s.pending
	s.pending = nil
	bufferedPosts.Set(0)

	return posts, nil
}
