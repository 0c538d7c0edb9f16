package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/urfave/cli/v2"

	"groupfeed/config"
	"groupfeed/group"
)

func groupsCmd() *cli.Command {
	return &cli.Command{
		Name:  "groups",
		Usage: "List the groups in the config file",
		Flags: []cli.Flag{
			configFlag(),
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := config.LoadConfig(ctx.String("config"))
			if err != nil {
				return err
			}

			registry, err := cfg.BuildRegistry(nil)
			if err != nil {
				return err
			}

			printGroups(ctx.App.Writer, registry.Groups())
			return nil
		},
	}
}

func printGroups(w io.Writer, groups []*group.Group) {
	for _, g := range groups {
		members := "everyone"
		if g.Restricted() {
			members = strings.Join(g.Members(), ", ")
			if members == "" {
				members = "nobody"
			}
		}
		fmt.Fprintf(w, "%s (capacity %d): %s\n", g.Name(), g.Capacity(), members)
	}
}
