package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"groupfeed/config"
	"groupfeed/models"
	"groupfeed/poller"
	"groupfeed/server"
)

func subscribeCmd() *cli.Command {
	return &cli.Command{
		Name:  "subscribe",
		Usage: "Log every group change to the command line",
		Description: `Poll the feed and print every change to the configured groups.

Returns each event as a JSON object on a single line. Use a tool like jq to
process the output.

Prints all other log messages to stderr.`,
		Flags: []cli.Flag{
			configFlag(),
			&cli.DurationFlag{
				Name:    "interval",
				Usage:   "Time between polls, overrides the config file",
				EnvVars: []string{"GROUPFEED_INTERVAL"},
			},
			&cli.StringFlag{
				Name:    "user-agent",
				Value:   defaultUserAgent,
				Usage:   "User agent sent to the feed source",
				EnvVars: []string{"GROUPFEED_USER_AGENT"},
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := config.LoadConfig(ctx.String("config"))
			if err != nil {
				return err
			}

			broadcaster := server.NewBroadcaster()
			registry, err := cfg.BuildRegistry(broadcaster)
			if err != nil {
				return err
			}

			source, err := newSource(cfg, ctx.String("user-agent"))
			if err != nil {
				return fmt.Errorf("error creating feed source: %w", err)
			}

			events := make(chan models.Event, 1000)
			broadcaster.AddClient("stdout", events)

			runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			p := poller.New(source, registry, poller.WithInterval(pollInterval(ctx, cfg)))
			stopSource := startSource(runCtx, source)
			p.Start(runCtx)

			go func() {
				<-runCtx.Done()
				log.Info("Stopping subscription")
				p.Stop()
				stopSource()
				broadcaster.Shutdown()
			}()

			// Drains until the broadcaster closes the channel
			for event := range events {
				printEvent(os.Stdout, event)
			}
			return nil
		},
	}
}

// printEvent writes event as a single line of JSON
func printEvent(w io.Writer, event models.Event) {
	line, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).Error("Error marshalling event")
		return
	}
	fmt.Fprintln(w, string(line))
}
