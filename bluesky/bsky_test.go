package bluesky_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupfeed/bluesky"
	"groupfeed/models"
)

const aliceFeed = `{
	"feed": [
		{
			"post": {
				"uri": "at://did:plc:alice/app.bsky.feed.post/3jzfcijpj2z2a",
				"cid": "bafyreia",
				"author": {"did": "did:plc:alice", "handle": "alice.test"},
				"record": {"$type": "app.bsky.feed.post", "text": "hello", "createdAt": "2024-01-03T10:00:00Z"},
				"indexedAt": "2024-01-03T10:00:01Z"
			}
		},
		{
			"post": {
				"uri": "at://did:plc:carol/app.bsky.feed.post/3jzfcijpj2z2b",
				"cid": "bafyreib",
				"author": {"did": "did:plc:carol", "handle": "carol.test"},
				"record": {"$type": "app.bsky.feed.post", "text": "reposted", "createdAt": "2024-01-03T09:00:00Z"},
				"indexedAt": "2024-01-03T09:00:01Z"
			},
			"reason": {
				"$type": "app.bsky.feed.defs#reasonRepost",
				"by": {"did": "did:plc:alice", "handle": "alice.test"},
				"indexedAt": "2024-01-03T09:30:00Z"
			}
		},
		{
			"post": {
				"uri": "at://did:plc:alice/app.bsky.feed.post/self",
				"cid": "bafyreic",
				"author": {"did": "did:plc:alice", "handle": "alice.test"},
				"record": {"$type": "app.bsky.feed.post", "text": "not a tid", "createdAt": "2024-01-03T08:00:00Z"},
				"indexedAt": "2024-01-03T08:00:01Z"
			}
		}
	]
}`

func newServer(t *testing.T, feeds map[string]string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/xrpc/app.bsky.feed.getAuthorFeed" {
			http.NotFound(w, r)
			return
		}
		body, ok := feeds[r.URL.Query().Get("actor")]
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error": "InvalidRequest", "message": "Profile not found"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestGetAuthorFeed(t *testing.T) {
	server := newServer(t, map[string]string{"alice.test": aliceFeed})

	client, err := bluesky.NewClient(bluesky.Config{Host: server.URL, Actors: []string{"alice.test"}})
	require.NoError(t, err)

	posts, err := client.GetAuthorFeed(context.Background(), "alice.test")
	require.NoError(t, err)

	tid, err := syntax.ParseTID("3jzfcijpj2z2a")
	require.NoError(t, err)

	assert.Equal(t, []models.Post{{
		Id:        int64(tid.Integer()),
		AuthorId:  "did:plc:alice",
		CreatedAt: time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC),
		Body:      "hello",
	}}, posts)
}

func TestFetchTimelineAppliesCursor(t *testing.T) {
	server := newServer(t, map[string]string{"alice.test": aliceFeed})

	client, err := bluesky.NewClient(bluesky.Config{Host: server.URL, Actors: []string{"alice.test"}})
	require.NoError(t, err)

	tid, err := syntax.ParseTID("3jzfcijpj2z2a")
	require.NoError(t, err)

	posts, err := client.FetchTimeline(context.Background(), models.Cursor{SinceId: int64(tid.Integer())})
	require.NoError(t, err)
	assert.Empty(t, posts)
}

func TestFetchTimelineFailsWhenAnyActorFails(t *testing.T) {
	server := newServer(t, map[string]string{"alice.test": aliceFeed})

	client, err := bluesky.NewClient(bluesky.Config{Host: server.URL, Actors: []string{"alice.test", "missing.test"}})
	require.NoError(t, err)

	posts, err := client.FetchTimeline(context.Background(), models.Cursor{})
	assert.Error(t, err)
	assert.Nil(t, posts)
}

func TestNewClientRequiresActors(t *testing.T) {
	_, err := bluesky.NewClient(bluesky.Config{})
	assert.Error(t, err)
}
