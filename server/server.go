package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"groupfeed/group"
	"groupfeed/models"
	"groupfeed/poller"
)

type ServerConfig struct {
	// The groups to serve and transfer between
	Registry *group.Registry

	// Broadcast channels to pass feed changes to SSE clients. It must be the
	// registry's sink for item ids to resolve.
	Broadcaster *Broadcaster

	// Reported on the health endpoint when set
	Poller *poller.Poller

	// Origins allowed to call the API from a browser
	AllowOrigins string

	// Interval between keep-alive pings on the event stream
	PingInterval time.Duration
}

// GroupView is a group as rendered for clients, posts newest first
type GroupView struct {
	Name       string   `json:"name"`
	Capacity   int      `json:"capacity"`
	Restricted bool     `json:"restricted"`
	Members    []string `json:"members,omitempty"`
	Items      []Item   `json:"items"`
}

// TransferRequest moves an author named directly, or the author of a
// rendered item, to the group named by To.
type TransferRequest struct {
	AuthorId string `json:"authorId,omitempty"`
	From     string `json:"from,omitempty"`
	ItemId   string `json:"itemId,omitempty"`
	To       string `json:"to"`
}

// TransferResponse reports the outcome of a transfer and the resulting state
// of both groups.
type TransferResponse struct {
	Status string      `json:"status"`
	Groups []GroupView `json:"groups,omitempty"`
}

const (
	TransferMoved     = "moved"
	TransferUnchanged = "unchanged"
)

// Returns a fiber.App instance to be used as an HTTP server for the groups
func Server(config *ServerConfig) *fiber.App {
	bc := config.Broadcaster
	if bc == nil {
		bc = NewBroadcaster()
	}
	pingInterval := config.PingInterval
	if pingInterval <= 0 {
		pingInterval = 5 * time.Second
	}
	allowOrigins := config.AllowOrigins
	if allowOrigins == "" {
		allowOrigins = "*"
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"status":  c.Response().StatusCode(),
			"latency": time.Since(start),
		}).Info("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowHeaders: "Cache-Control, Content-Type",
	}))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		health := fiber.Map{"status": "ok"}
		if config.Poller != nil {
			health["poller"] = fiber.Map{
				"state":      config.Poller.State().String(),
				"lastSeenId": config.Poller.LastSeenId(),
				"lastUpdate": config.Poller.LastUpdate(),
			}
		}
		return c.JSON(health)
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/groups", func(c *fiber.Ctx) error {
		snapshots := config.Registry.Snapshot()
		views := make([]GroupView, 0, len(snapshots))
		for _, s := range snapshots {
			views = append(views, groupView(s, bc.Items()))
		}
		return c.JSON(views)
	})

	app.Get("/groups/:name", func(c *fiber.Ctx) error {
		name := c.Params("name")
		snapshot, ok := config.Registry.GroupSnapshot(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": fmt.Sprintf("unknown group %q", name)})
		}
		return c.JSON(groupView(snapshot, bc.Items()))
	})

	app.Post("/transfer", func(c *fiber.Ctx) error {
		var req TransferRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid transfer request"})
		}

		if req.ItemId != "" {
			item, ok := bc.Items().Lookup(req.ItemId)
			if !ok {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": fmt.Sprintf("unknown item %q", req.ItemId)})
			}
			req.From = item.Group
			req.AuthorId = item.Post.AuthorId
		}

		if req.AuthorId == "" || req.From == "" || req.To == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "authorId, from and to are required"})
		}

		from, fromOk := config.Registry.Group(req.From)
		to, toOk := config.Registry.Group(req.To)
		if !fromOk || !toOk {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": group.ErrUnknownGroup.Error()})
		}

		err := config.Registry.Apply(group.Transfer{AuthorId: req.AuthorId, From: from, To: to})
		switch {
		case errors.Is(err, group.ErrNoOpTransfer):
			return c.JSON(TransferResponse{Status: TransferUnchanged})
		case errors.Is(err, group.ErrUnknownGroup):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, group.ErrUnrestrictedGroupEviction):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
		case err != nil:
			log.WithError(err).Error("Transfer failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "transfer failed"})
		}

		response := TransferResponse{Status: TransferMoved}
		for _, name := range []string{req.From, req.To} {
			if snapshot, ok := config.Registry.GroupSnapshot(name); ok {
				response.Groups = append(response.Groups, groupView(snapshot, bc.Items()))
			}
		}
		return c.JSON(response)
	})

	app.Delete("/events/sse", func(c *fiber.Ctx) error {
		key := c.Query("key", "")
		bc.RemoveClient(key)
		return c.Status(200).SendString("OK")
	})

	app.Get("/events/sse", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		// Unique client key
		key := uuid.New().String()
		events := make(chan models.Event, 100)
		bc.AddClient(key, events)

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			alive := time.NewTicker(pingInterval)
			defer alive.Stop()
			defer func() {
				log.Infof("Cleaning up SSE stream for client: %s", key)
				bc.RemoveClient(key)
			}()

			fmt.Fprintf(w, "event: init\ndata: %s\n\n", key)
			if err := w.Flush(); err != nil {
				log.Errorf("Failed to send init event: %v", err)
				return
			}

			for {
				select {
				case <-alive.C:
					fmt.Fprintf(w, "event: ping\ndata: \n\n")
					if err := w.Flush(); err != nil {
						log.Warnf("Failed to flush ping for client %s: %v", key, err)
						return
					}

				case event, ok := <-events:
					if !ok {
						log.Debugf("Event channel closed for client %s", key)
						return
					}
					if err := writeEvent(w, event); err != nil {
						log.Warnf("Failed to send %s event to client %s: %v", event.Type, key, err)
						return
					}
				}
			}
		}))

		return nil
	})

	return app
}

func writeEvent(w *bufio.Writer, event models.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("error marshalling event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return err
	}
	return w.Flush()
}

func groupView(s group.Snapshot, items *ItemIndex) GroupView {
	view := GroupView{
		Name:       s.Name,
		Capacity:   s.Capacity,
		Restricted: s.Restricted,
		Members:    s.Members,
		Items:      make([]Item, 0, len(s.Posts)),
	}
	for _, post := range s.Posts {
		id, _ := items.ItemId(s.Name, post.Id)
		view.Items = append(view.Items, Item{Id: id, Group: s.Name, Post: post})
	}
	return view
}
