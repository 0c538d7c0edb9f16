package bluesky

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/xrpc"
	log "github.com/sirupsen/logrus"

	"groupfeed/models"
)

// DefaultAppViewHost serves author feeds without authentication
const DefaultAppViewHost = "https://public.api.bsky.app"

// Config for the Bluesky author feed source
type Config struct {
	Host string
	// Actors whose author feeds are polled, as handles or DIDs
	Actors []string
	// Posts requested per actor, at most 100
	Limit     int64
	UserAgent string
}

type Client struct {
	xrpc   *xrpc.Client
	actors []string
	limit  int64
}

func NewClient(config Config) (*Client, error) {
	if len(config.Actors) == 0 {
		return nil, fmt.Errorf("no actors configured")
	}

	host := config.Host
	if host == "" {
		host = DefaultAppViewHost
	}

	limit := config.Limit
	if limit <= 0 || limit > 100 {
		limit = 30
	}

	var userAgent *string
	if config.UserAgent != "" {
		userAgent = &config.UserAgent
	}

	return &Client{
		xrpc: &xrpc.Client{
			Host:      host,
			Client:    &http.Client{Timeout: 30 * time.Second},
			UserAgent: userAgent,
		},
		actors: config.Actors,
		limit:  limit,
	}, nil
}

// GetAuthorFeed returns the newest page of original posts by actor.
// Reposts and posts by other authors are left out.
func (c *Client) GetAuthorFeed(ctx context.Context, actor string) ([]models.Post, error) {
	params := map[string]interface{}{
		"actor":  actor,
		"filter": "posts_no_replies",
		"limit":  c.limit,
	}

	var out bsky.FeedGetAuthorFeed_Output
	if err := c.xrpc.Do(ctx, xrpc.Query, "", "app.bsky.feed.getAuthorFeed", params, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get author feed for %s: %w", actor, err)
	}

	posts := make([]models.Post, 0, len(out.Feed))
	for _, item := range out.Feed {
		if item == nil || item.Post == nil || item.Reason != nil {
			continue
		}

		post, err := postFromView(item.Post)
		if err != nil {
			log.WithFields(log.Fields{
				"actor": actor,
				"uri":   item.Post.Uri,
			}).WithError(err).Warn("Skipping post")
			continue
		}
		posts = append(posts, post)
	}

	return posts, nil
}

// FetchTimeline polls every configured actor once. Any failing actor fails
// the whole poll so that the poller does not advance past its posts.
func (c *Client) FetchTimeline(ctx context.Context, cursor models.Cursor) ([]models.Post, error) {
	var posts []models.Post
	for _, actor := range c.actors {
		actorPosts, err := c.GetAuthorFeed(ctx, actor)
		if err != nil {
			return nil, err
		}
		for _, post := range actorPosts {
			if cursor.IsSet() && post.Id <= cursor.SinceId {
				continue
			}
			posts = append(posts, post)
		}
	}

	log.WithFields(log.Fields{
		"actors": len(c.actors),
		"posts":  len(posts),
	}).Debug("Fetched author feeds")

	return posts, nil
}

// postFromView uses the record key TID as post id. TIDs are timestamp based,
// so later posts get higher ids.
func postFromView(view *bsky.FeedDefs_PostView) (models.Post, error) {
	if view.Author == nil {
		return models.Post{}, fmt.Errorf("post without author")
	}

	uri, err := syntax.ParseATURI(view.Uri)
	if err != nil {
		return models.Post{}, fmt.Errorf("failed to parse uri: %w", err)
	}
	if view.Author.Did != uri.Authority().String() {
		return models.Post{}, fmt.Errorf("post not authored by %s", view.Author.Did)
	}

	tid, err := syntax.ParseTID(uri.RecordKey().String())
	if err != nil {
		return models.Post{}, fmt.Errorf("record key is not a TID: %w", err)
	}

	if view.Record == nil {
		return models.Post{}, fmt.Errorf("post without record")
	}
	record, ok := view.Record.Val.(*bsky.FeedPost)
	if !ok {
		return models.Post{}, fmt.Errorf("unexpected record type %T", view.Record.Val)
	}

	createdAt, err := time.Parse(time.RFC3339, record.CreatedAt)
	if err != nil {
		createdAt = tid.Time()
	}

	return models.Post{
		Id:        int64(tid.Integer()),
		AuthorId:  view.Author.Did,
		CreatedAt: createdAt.UTC(),
		Body:      record.Text,
	}, nil
}
