package cmd

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupfeed/bluesky"
	"groupfeed/config"
	"groupfeed/firehose"
	"groupfeed/group"
	"groupfeed/models"
	"groupfeed/poller"
	"groupfeed/server"
	"groupfeed/timeline"
)

var testGroups = []server.GroupView{
	{Name: "friends", Restricted: true, Members: []string{"alice", "bob"}},
	{Name: "muted", Restricted: true},
	{Name: "everyone"},
}

// scriptedChooser answers with the first choice and records the questions
func scriptedChooser(asked *[][]string) chooser {
	return func(question string, choices []string) (string, error) {
		*asked = append(*asked, choices)
		return choices[0], nil
	}
}

func TestCompleteTransfer(t *testing.T) {
	var asked [][]string
	request := server.TransferRequest{}

	require.NoError(t, completeTransfer(&request, testGroups, scriptedChooser(&asked)))

	assert.Equal(t, server.TransferRequest{AuthorId: "alice", From: "friends", To: "muted"}, request)
	assert.Equal(t, [][]string{
		{"friends"},
		{"alice", "bob"},
		{"muted", "everyone"},
	}, asked)
}

func TestCompleteTransferOnlyAsksForMissingParts(t *testing.T) {
	var asked [][]string
	request := server.TransferRequest{From: "friends", AuthorId: "bob"}

	require.NoError(t, completeTransfer(&request, testGroups, scriptedChooser(&asked)))

	assert.Equal(t, "muted", request.To)
	assert.Len(t, asked, 1)
}

func TestCompleteTransferErrors(t *testing.T) {
	var asked [][]string

	tests := []struct {
		name    string
		request server.TransferRequest
		groups  []server.GroupView
	}{
		{"no movable members", server.TransferRequest{}, []server.GroupView{{Name: "everyone"}}},
		{"unknown group", server.TransferRequest{From: "nope"}, testGroups},
		{"empty group", server.TransferRequest{From: "muted"}, testGroups},
		{"nowhere to go", server.TransferRequest{From: "friends", AuthorId: "alice"}, testGroups[:1]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			request := tt.request
			assert.Error(t, completeTransfer(&request, tt.groups, scriptedChooser(&asked)))
		})
	}
}

func TestCompleteTransferAborted(t *testing.T) {
	aborted := errors.New("aborted")
	request := server.TransferRequest{}

	err := completeTransfer(&request, testGroups, func(string, []string) (string, error) {
		return "", aborted
	})
	assert.ErrorIs(t, err, aborted)
}

func TestPrintGroups(t *testing.T) {
	registry := group.NewRegistry(nil)
	_, err := registry.RegisterGroup("friends", 5, group.Members("bob", "alice"))
	require.NoError(t, err)
	_, err = registry.RegisterGroup("muted", 0, group.Members())
	require.NoError(t, err)
	_, err = registry.RegisterGroup("everyone", 0, group.Unrestricted())
	require.NoError(t, err)

	var out bytes.Buffer
	printGroups(&out, registry.Groups())

	assert.Equal(t, "friends (capacity 5): alice, bob\n"+
		"muted (capacity 10): nobody\n"+
		"everyone (capacity 10): everyone\n", out.String())
}

func TestPrintEvent(t *testing.T) {
	var out bytes.Buffer
	printEvent(&out, models.Event{
		Type: models.EventMemberTransferred,
		Data: models.MembershipEvent{AuthorId: "alice", From: "a", To: "b", Moved: 2},
	})

	assert.Equal(t, `{"type":"member-transferred","data":{"authorId":"alice","from":"a","to":"b","moved":2}}`+"\n", out.String())
}

func TestNewSource(t *testing.T) {
	tests := []struct {
		name     string
		config   string
		expected interface{}
	}{
		{
			name: "timeline",
			config: `
[[groups]]
name = "all"
[source]
type = "timeline"
[source.timeline]
url = "https://example.com/timeline.json"`,
			expected: &timeline.Source{},
		},
		{
			name: "bluesky",
			config: `
[[groups]]
name = "friends"
members = ["did:plc:alice"]
[source]
type = "bluesky"`,
			expected: &bluesky.Client{},
		},
		{
			name: "jetstream",
			config: `
[[groups]]
name = "friends"
members = ["did:plc:alice"]
[source]
type = "jetstream"
[source.jetstream]
hosts = ["wss://jetstream.example"]`,
			expected: &firehose.Source{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.ParseConfig([]byte(tt.config))
			require.NoError(t, err)

			source, err := newSource(cfg, defaultUserAgent)
			require.NoError(t, err)
			assert.IsType(t, tt.expected, source)
		})
	}
}

func TestAPIClientAgainstServer(t *testing.T) {
	bc := server.NewBroadcaster()
	registry := group.NewRegistry(bc)
	_, err := registry.RegisterGroup("friends", 10, group.Members("alice"))
	require.NoError(t, err)
	_, err = registry.RegisterGroup("others", 10, group.Members())
	require.NoError(t, err)
	registry.Distribute(models.Post{Id: 7, AuthorId: "alice"})

	app := server.Server(&server.ServerConfig{Registry: registry, Broadcaster: bc})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go app.Listener(ln)
	defer app.Shutdown()

	api := newAPIClient("http://" + ln.Addr().String() + "/")

	groups, err := api.groups()
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Len(t, groups[0].Items, 1)

	response, err := api.transfer(server.TransferRequest{AuthorId: "alice", From: "friends", To: "others"})
	require.NoError(t, err)
	assert.Equal(t, server.TransferMoved, response.Status)

	_, err = api.transfer(server.TransferRequest{AuthorId: "alice", From: "friends", To: "nope"})
	assert.ErrorContains(t, err, "unknown group")
}

func TestBlueskyPostsReachMemberGroups(t *testing.T) {
	appView := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("actor") != "did:plc:alice" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error": "InvalidRequest", "message": "Profile not found"}`))
			return
		}
		w.Write([]byte(`{"feed": [{"post": {
			"uri": "at://did:plc:alice/app.bsky.feed.post/3jzfcijpj2z2a",
			"cid": "bafyreia",
			"author": {"did": "did:plc:alice", "handle": "alice.test"},
			"record": {"$type": "app.bsky.feed.post", "text": "hello", "createdAt": "2024-01-03T10:00:00Z"},
			"indexedAt": "2024-01-03T10:00:01Z"
		}}]}`))
	}))
	defer appView.Close()

	cfg, err := config.ParseConfig([]byte(`
[[groups]]
name = "friends"
members = ["did:plc:alice"]

[source]
type = "bluesky"

[source.bluesky]
host = "` + appView.URL + `"
`))
	require.NoError(t, err)

	registry, err := cfg.BuildRegistry(nil)
	require.NoError(t, err)
	source, err := newSource(cfg, defaultUserAgent)
	require.NoError(t, err)

	result, err := poller.New(source, registry).Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Distributed)

	friends, ok := registry.Group("friends")
	require.True(t, ok)
	assert.Equal(t, 1, friends.Len())
}
