package firehose_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupfeed/firehose"
	"groupfeed/models"
)

const jetstreamPost = `{"did":"did:plc:alice","time_us":1725911162329308,"kind":"commit","commit":{"rev":"3l3qo2vutsw2b","operation":"create","collection":"app.bsky.feed.post","rkey":"3l3qo2vuowo2b","record":{"$type":"app.bsky.feed.post","text":"Hello over the wire","createdAt":"2024-09-09T19:46:02.102Z"},"cid":"bafyreidwaivazkwu67xztlmuobx35hs2lnfh3kolmgfmucldvhd3sgzcqi"}}`

func TestSourceReceivesPostsOverWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	queries := make(chan string, 10)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(jetstreamPost))
		// Keep the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	source, err := firehose.New(firehose.FirehoseConfig{
		JetstreamHosts: []string{"ws" + strings.TrimPrefix(server.URL, "http")},
		WantedDids:     []string{"did:plc:alice"},
	})
	require.NoError(t, err)

	source.Start(context.Background())
	defer source.Stop()

	var posts []models.Post
	assert.Eventually(t, func() bool {
		fetched, err := source.FetchTimeline(context.Background(), models.Cursor{})
		if err != nil {
			return false
		}
		posts = append(posts, fetched...)
		return len(posts) > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.Len(t, posts, 1)
	assert.Equal(t, "did:plc:alice", posts[0].AuthorId)
	assert.Equal(t, "Hello over the wire", posts[0].Body)
	assert.Equal(t, int64(1725911162329308), posts[0].Id)

	query := <-queries
	assert.Contains(t, query, "wantedDids=did%3Aplc%3Aalice")
	assert.Contains(t, query, "wantedCollections=app.bsky.feed.post")
}

func TestSubscribeJetstreamWithoutHosts(t *testing.T) {
	_, err := firehose.SubscribeJetstream(context.Background(), firehose.JetstreamConfig{})
	assert.Error(t, err)
}

func TestSubscribeJetstreamStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := firehose.SubscribeJetstream(ctx, firehose.JetstreamConfig{
		Hosts: []string{"ws://127.0.0.1:1"},
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
