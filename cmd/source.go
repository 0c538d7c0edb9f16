package cmd

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"groupfeed/bluesky"
	"groupfeed/config"
	"groupfeed/firehose"
	"groupfeed/poller"
	"groupfeed/timeline"
)

// backgroundSource is a source that has to run between polls
type backgroundSource interface {
	Start(ctx context.Context)
	Stop()
}

// newSource builds the feed source selected in the config
func newSource(cfg *config.TomlConfig, userAgent string) (poller.Source, error) {
	if cfg.Source.UserAgent != "" {
		userAgent = cfg.Source.UserAgent
	}

	log.WithFields(log.Fields{
		"type": cfg.Source.Type,
	}).Info("Configuring feed source")

	switch cfg.Source.Type {
	case config.SourceTimeline:
		source, err := timeline.New(timeline.Config{
			URL:       cfg.Source.Timeline.URL,
			UserAgent: userAgent,
			Timeout:   cfg.Source.Timeline.Timeout,
			Retries:   cfg.Source.Timeline.Retries,
		})
		if err != nil {
			return nil, err
		}
		return source, nil

	case config.SourceBluesky:
		actors := cfg.Source.Bluesky.Actors
		if len(actors) == 0 {
			actors = cfg.Members()
		}
		client, err := bluesky.NewClient(bluesky.Config{
			Host:      cfg.Source.Bluesky.Host,
			Actors:    actors,
			Limit:     cfg.Source.Bluesky.Limit,
			UserAgent: userAgent,
		})
		if err != nil {
			return nil, err
		}
		return client, nil

	case config.SourceJetstream:
		js := cfg.Source.Jetstream
		wantedDids := js.WantedDids
		// Without an unrestricted group only member posts can land anywhere
		if len(wantedDids) == 0 && !lo.SomeBy(cfg.Groups, config.TomlGroup.Unrestricted) {
			wantedDids = cfg.Members()
		}
		source, err := firehose.New(firehose.FirehoseConfig{
			JetstreamHosts:       js.Hosts,
			JetstreamCompress:    js.Compress,
			UserAgent:            userAgent,
			WantedDids:           wantedDids,
			SkipReplies:          js.SkipReplies,
			Languages:            js.Languages,
			RunLanguageDetection: js.RunLanguageDetection,
			ConfidenceThreshold:  js.ConfidenceThreshold,
			MaxBuffered:          js.MaxBuffered,
			Workers:              js.Workers,
		})
		if err != nil {
			return nil, err
		}
		return source, nil
	}

	return nil, fmt.Errorf("unknown source type %q", cfg.Source.Type)
}

// startSource starts sources that run in the background and returns the
// function that stops them again.
func startSource(ctx context.Context, source poller.Source) func() {
	bg, ok := source.(backgroundSource)
	if !ok {
		return func() {}
	}
	bg.Start(ctx)
	return bg.Stop
}
