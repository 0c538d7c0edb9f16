// Package timeline polls a REST endpoint returning the newest page of a home
// timeline as a JSON array of status records.
package timeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"groupfeed/models"
)

// Config for the timeline endpoint
type Config struct {
	// URL of the endpoint, e.g. https://example.com/statuses/home_timeline.json
	URL       string
	UserAgent string
	Timeout   time.Duration
	// Retries for transient failures inside a single poll
	Retries uint64
}

// Status is a single record as returned by the endpoint
type Status struct {
	Id        int64  `json:"id"`
	User      User   `json:"user"`
	CreatedAt string `json:"created_at"`
	Text      string `json:"text"`
}

type User struct {
	Id         AuthorId `json:"id"`
	ScreenName string   `json:"screen_name"`
}

// AuthorId accepts both numeric and string user ids
type AuthorId string

func (a *AuthorId) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = AuthorId(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid user id %s: %w", string(data), err)
	}
	*a = AuthorId(n.String())
	return nil
}

// Layouts accepted for created_at
var createdAtLayouts = []string{
	time.RubyDate,
	time.RFC3339Nano,
	time.RFC1123Z,
	time.RFC1123,
}

func parseCreatedAt(value string) (time.Time, error) {
	for _, layout := range createdAtLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unknown created_at format: %q", value)
}

// ToPost converts the status record into a post
func (s Status) ToPost() (models.Post, error) {
	if s.Id == 0 {
		return models.Post{}, fmt.Errorf("status without id")
	}
	if s.User.Id == "" {
		return models.Post{}, fmt.Errorf("status %d without user id", s.Id)
	}

	createdAt, err := parseCreatedAt(s.CreatedAt)
	if err != nil {
		return models.Post{}, fmt.Errorf("status %d: %w", s.Id, err)
	}

	return models.Post{
		Id:        s.Id,
		AuthorId:  string(s.User.Id),
		CreatedAt: createdAt,
		Body:      s.Text,
	}, nil
}

// Source fetches the timeline over HTTP
type Source struct {
	config Config
	client *fasthttp.Client
}

func New(config Config) (*Source, error) {
	if _, err := url.ParseRequestURI(config.URL); err != nil {
		return nil, fmt.Errorf("invalid timeline url: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &Source{
		config: config,
		client: &fasthttp.Client{
			Name:                     config.UserAgent,
			ReadTimeout:              config.Timeout,
			WriteTimeout:             config.Timeout,
			NoDefaultUserAgentHeader: config.UserAgent == "",
		},
	}, nil
}

// requestURL adds the cursor to the configured url. since is the coarse time
// filter, since_id the id filter; neither is trusted for deduplication.
func (s *Source) requestURL(cursor models.Cursor) (string, error) {
	u, err := url.Parse(s.config.URL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}

	q := u.Query()
	if !cursor.Since.IsZero() {
		q.Set("since", cursor.Since.UTC().Format(http.TimeFormat))
	}
	if cursor.IsSet() {
		q.Set("since_id", strconv.FormatInt(cursor.SinceId, 10))
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// FetchTimeline requests the newest page and converts it into posts.
// Records that cannot be converted are skipped.
func (s *Source) FetchTimeline(ctx context.Context, cursor models.Cursor) ([]models.Post, error) {
	target, err := s.requestURL(cursor)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"url": target,
	}).Debug("Fetching timeline")

	var statuses []Status
	operation := func() error {
		body, err := s.get(ctx, target)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &statuses); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to unmarshal timeline: %w", err))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = s.config.Timeout

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, s.config.Retries), ctx)); err != nil {
		return nil, err
	}

	posts := make([]models.Post, 0, len(statuses))
	for _, status := range statuses {
		post, err := status.ToPost()
		if err != nil {
			log.WithError(err).Warn("Skipping malformed status")
			continue
		}
		posts = append(posts, post)
	}

	return posts, nil
}

func (s *Source) get(ctx context.Context, target string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, backoff.Permanent(err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(target)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	timeout := s.config.Timeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}

	if err := s.client.DoTimeout(req, resp, timeout); err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	status := resp.StatusCode()
	switch {
	case status == fasthttp.StatusTooManyRequests || status >= 500:
		return nil, fmt.Errorf("unexpected status %d", status)
	case status != fasthttp.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("unexpected status %d", status))
	}

	return bytes.Clone(resp.Body()), nil
}
