package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"groupfeed/config"
	"groupfeed/poller"
	"groupfeed/server"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Poll the feed and serve the groups over HTTP",
		Description: `Starts the poller and the groupfeed HTTP server.

Groups are read from the config file. Every poll distributes new posts into
the groups, which can be read from /groups and followed live on /events/sse.
Members are moved between groups by posting to /transfer.`,
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:    "host",
				Value:   "0.0.0.0",
				Usage:   "Host to listen on",
				EnvVars: []string{"GROUPFEED_HOST"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   3000,
				Usage:   "Port to listen on",
				EnvVars: []string{"GROUPFEED_PORT"},
			},
			&cli.DurationFlag{
				Name:    "interval",
				Usage:   "Time between polls, overrides the config file",
				EnvVars: []string{"GROUPFEED_INTERVAL"},
			},
			&cli.StringFlag{
				Name:    "allow-origins",
				Value:   "*",
				Usage:   "Comma separated origins allowed to call the API from a browser",
				EnvVars: []string{"GROUPFEED_ALLOW_ORIGINS"},
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

			p := poller.New(source, registry, poller.WithInterval(pollInterval(ctx, cfg)))

			app := server.Server(&server.ServerConfig{
				Registry:     registry,
				Broadcaster:  broadcaster,
				Poller:       p,
				AllowOrigins: ctx.String("allow-origins"),
			})

			// Graceful shutdown
			runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			stopSource := startSource(runCtx, source)
			p.Start(runCtx)

			listenErr := make(chan error, 1)
			go func() {
				address := fmt.Sprintf("%s:%d", ctx.String("host"), ctx.Int("port"))
				log.WithFields(log.Fields{
					"address": address,
				}).Info("Starting server")
				listenErr <- app.Listen(address)
			}()

			select {
			case <-runCtx.Done():
				err = nil
			case err = <-listenErr:
			}

			log.Info("Gracefully shutting down...")
			p.Stop()
			stopSource()
			broadcaster.Shutdown()
			if shutdownErr := app.ShutdownWithTimeout(60 * time.Second); shutdownErr != nil {
				log.WithError(shutdownErr).Error("Error shutting down server")
			}

			log.Info("Done!")
			return err
		},
	}
}

// pollInterval prefers the flag over the config file and the config file
// over the default.
func pollInterval(ctx *cli.Context, cfg *config.TomlConfig) time.Duration {
	if ctx.IsSet("interval") {
		return ctx.Duration("interval")
	}
	if cfg.Poller.Interval > 0 {
		return cfg.Poller.Interval
	}
	return poller.DefaultInterval
}
