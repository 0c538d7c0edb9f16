// Package poller periodically pulls new posts from a feed source and hands
// them to the group registry, oldest first, exactly once.
package poller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"groupfeed/models"
)

// DefaultInterval between two polls when none is configured
const DefaultInterval = 60 * time.Second

// Source returns the most recent page of posts. The order of the returned
// posts is undefined and posts at or below cursor.SinceId may be included.
type Source interface {
	FetchTimeline(ctx context.Context, cursor models.Cursor) ([]models.Post, error)
}

// Distributor routes a single post into the groups
type Distributor interface {
	Distribute(post models.Post) int
}

// State of the poller
type State int32

const (
	Idle State = iota
	Fetching
	Distributing
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Distributing:
		return "distributing"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// FetchError wraps a failed request to the feed source
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch timeline: %v", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ErrAbandoned is returned when a poll was cancelled after its fetch returned
// and the batch was dropped without being distributed.
var ErrAbandoned = errors.New("poll abandoned before distribution")

// Result of a completed poll
type Result struct {
	Fetched     int
	Distributed int
	Duplicates  int
}

type Poller struct {
	source      Source
	distributor Distributor
	interval    time.Duration
	now         func() time.Time

	// pollMu keeps polls from overlapping
	pollMu sync.Mutex

	mu         sync.Mutex
	state      State
	lastSeenId int64
	lastUpdate time.Time

	// loopMu guards the running loop
	loopMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Poller)

// WithInterval sets the time between two scheduled polls
func WithInterval(interval time.Duration) Option {
	return func(p *Poller) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithClock replaces the wall clock used for the advisory since parameter
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

// WithCursor starts the poller from a known last seen id
func WithCursor(lastSeenId int64) Option {
	return func(p *Poller) {
		p.lastSeenId = lastSeenId
	}
}

func New(source Source, distributor Distributor, opts ...Option) *Poller {
	p := &Poller{
		source:      source,
		distributor: distributor,
		interval:    DefaultInterval,
		now:         time.Now,
		state:       Idle,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the current state of the poller
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// LastSeenId returns the highest distributed post id, zero if nothing was distributed yet
func (p *Poller) LastSeenId() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeenId
}

// LastUpdate returns when the last successful poll was issued
func (p *Poller) LastUpdate() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUpdate
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	pollerState.Set(float64(s))
}

func (p *Poller) cursor() models.Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.Cursor{SinceId: p.lastSeenId, Since: p.lastUpdate}
}

// Poll fetches the newest page once and distributes every post newer than the
// last seen id, oldest first. A failed fetch leaves the cursor untouched.
func (p *Poller) Poll(ctx context.Context) (Result, error) {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	cursor := p.cursor()
	issuedAt := p.now().UTC()

	log.WithFields(log.Fields{
		"sinceId": cursor.SinceId,
		"since":   cursor.Since,
	}).Debug("Fetching timeline")

	p.setState(Fetching)
	start := time.Now()
	posts, err := p.source.FetchTimeline(ctx, cursor)
	pollDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		p.setState(Failed)
		polls.WithLabelValues("failed").Inc()
		log.WithError(err).Warn("Failed to fetch timeline, retrying on next poll")
		p.setState(Idle)
		return Result{}, &FetchError{Err: err}
	}

	// Nothing from a batch is applied once the poll has been cancelled
	if ctx.Err() != nil {
		polls.WithLabelValues("abandoned").Inc()
		p.setState(Idle)
		return Result{}, fmt.Errorf("%w: %w", ErrAbandoned, ctx.Err())
	}

	p.setState(Distributing)
	result := p.distribute(posts)

	p.mu.Lock()
	p.lastUpdate = issuedAt
	p.mu.Unlock()

	polls.WithLabelValues("ok").Inc()
	p.setState(Idle)

	log.WithFields(log.Fields{
		"fetched":     result.Fetched,
		"distributed": result.Distributed,
		"duplicates":  result.Duplicates,
		"lastSeenId":  p.LastSeenId(),
	}).Info("Polled timeline")

	return result, nil
}

func (p *Poller) distribute(posts []models.Post) Result {
	result := Result{Fetched: len(posts)}

	ordered := slices.Clone(posts)
	slices.SortStableFunc(ordered, func(a, b models.Post) int {
		switch {
		case a.Id < b.Id:
			return -1
		case a.Id > b.Id:
			return 1
		}
		return 0
	})

	for _, post := range ordered {
		p.mu.Lock()
		lastSeenId := p.lastSeenId
		p.mu.Unlock()

		if lastSeenId != 0 && post.Id <= lastSeenId {
			result.Duplicates++
			duplicates.Inc()
			continue
		}

		p.distributor.Distribute(post)

		p.mu.Lock()
		p.lastSeenId = post.Id
		p.mu.Unlock()
		lastSeen.Set(float64(post.Id))
		result.Distributed++
	}

	return result
}

// Start polls immediately and then on every interval until ctx is done or
// Stop is called. Starting a running poller does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()

	if p.cancel != nil {
		log.Warn("Poller already started")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		log.WithFields(log.Fields{
			"interval": p.interval,
		}).Info("Starting poller")

		for {
			if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("Poll failed")
			}

			select {
			case <-ctx.Done():
				log.Info("Stopping poller")
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop cancels a poll in flight and waits for the loop to exit
func (p *Poller) Stop() {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()

	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.wg.Wait()
}
