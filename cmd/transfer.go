package cmd

import (
	"fmt"

	"github.com/cqroot/prompt"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"groupfeed/server"
)

func transferCmd() *cli.Command {
	return &cli.Command{
		Name:  "transfer",
		Usage: "Move a member and their posts to another group",
		Description: `Move a member from one group to another on a running groupfeed server.

Prompts for the source group, the member and the destination group unless
they are given as flags. Members can only be moved out of groups with a
member list.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:3000",
				Usage:   "URL of the groupfeed server",
				EnvVars: []string{"GROUPFEED_SERVER"},
			},
			&cli.StringFlag{
				Name:  "author",
				Usage: "Member to move",
			},
			&cli.StringFlag{
				Name:  "from",
				Usage: "Group the member is moved out of",
			},
			&cli.StringFlag{
				Name:  "to",
				Usage: "Group the member is moved into",
			},
		},
		Action: func(ctx *cli.Context) error {
			api := newAPIClient(ctx.String("server"))

			request := server.TransferRequest{
				AuthorId: ctx.String("author"),
				From:     ctx.String("from"),
				To:       ctx.String("to"),
			}

			if request.AuthorId == "" || request.From == "" || request.To == "" {
				groups, err := api.groups()
				if err != nil {
					return err
				}
				if err := completeTransfer(&request, groups, promptChooser); err != nil {
					return err
				}
			}

			response, err := api.transfer(request)
			if err != nil {
				return err
			}

			log.WithFields(log.Fields{
				"author": request.AuthorId,
				"from":   request.From,
				"to":     request.To,
				"status": response.Status,
			}).Info("Transfer done")

			for _, g := range response.Groups {
				fmt.Printf("%s: %d posts, members %v\n", g.Name, len(g.Items), g.Members)
			}
			return nil
		},
	}
}

// chooser picks one of choices
type chooser func(question string, choices []string) (string, error)

func promptChooser(question string, choices []string) (string, error) {
	return prompt.New().Ask(question).Choose(choices)
}

// completeTransfer asks for every part of request that is still missing
func completeTransfer(request *server.TransferRequest, groups []server.GroupView, choose chooser) error {
	var err error

	if request.From == "" {
		sources := lo.FilterMap(groups, func(g server.GroupView, _ int) (string, bool) {
			return g.Name, g.Restricted && len(g.Members) > 0
		})
		if len(sources) == 0 {
			return fmt.Errorf("no group has members to move")
		}
		if request.From, err = choose("Move from group:", sources); err != nil {
			return err
		}
	}

	from, ok := lo.Find(groups, func(g server.GroupView) bool { return g.Name == request.From })
	if !ok {
		return fmt.Errorf("unknown group %q", request.From)
	}

	if request.AuthorId == "" {
		if len(from.Members) == 0 {
			return fmt.Errorf("group %q has no members to move", from.Name)
		}
		if request.AuthorId, err = choose("Member:", from.Members); err != nil {
			return err
		}
	}

	if request.To == "" {
		destinations := lo.FilterMap(groups, func(g server.GroupView, _ int) (string, bool) {
			return g.Name, g.Name != from.Name
		})
		if len(destinations) == 0 {
			return fmt.Errorf("no other group to move to")
		}
		if request.To, err = choose("Move to group:", destinations); err != nil {
			return err
		}
	}

	return nil
}
