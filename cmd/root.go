package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const defaultUserAgent = "groupfeed/1.0"

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "groupfeed.toml",
		Usage:   "Path to the TOML file describing groups and the feed source",
		EnvVars: []string{"GROUPFEED_CONFIG"},
	}
}

func RootApp() *cli.App {
	return &cli.App{
		Name:  "groupfeed",
		Usage: "Sort a polled feed of posts into author groups",
		Description: `Polls a timeline and sorts every new post into named groups.

		A group shows the newest posts of its members, a group without a member
		list shows posts from everyone. Members can be moved between groups and
		take their posts with them.

		Flags can generally be set via environment variables, e.g.:

		--config => GROUPFEED_CONFIG=groupfeed.toml
		--port => GROUPFEED_PORT=3000
		`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (trace, debug, info, warn, error)",
				EnvVars: []string{"GROUPFEED_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:    "log-json",
				Usage:   "Log as JSON instead of text",
				EnvVars: []string{"GROUPFEED_LOG_JSON"},
			},
		},
		Before: func(ctx *cli.Context) error {
			level, err := log.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}
			log.SetLevel(level)
			// stdout is reserved for command output
			log.SetOutput(os.Stderr)
			if ctx.Bool("log-json") {
				log.SetFormatter(&log.JSONFormatter{})
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCmd(),
			subscribeCmd(),
			transferCmd(),
			groupsCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}

func Execute() {
	if err := RootApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
