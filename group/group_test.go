package group

import (
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupfeed/models"
)

func post(id int64, author string) models.Post {
	return models.Post{
		Id:        id,
		AuthorId:  author,
		CreatedAt: time.Unix(id, 0).UTC(),
		Body:      "post",
	}
}

func ids(posts []models.Post) []int64 {
	return lo.Map(posts, func(p models.Post, _ int) int64 { return p.Id })
}

type recordedEvent struct {
	kind  string
	group string
	id    int64
	index int
}

type recordingSink struct {
	events    []recordedEvent
	transfers []models.MembershipEvent
}

func (s *recordingSink) PostAdmitted(g *Group, p models.Post, index int) {
	s.events = append(s.events, recordedEvent{kind: "admitted", group: g.Name(), id: p.Id, index: index})
}

func (s *recordingSink) PostEvicted(g *Group, p models.Post) {
	s.events = append(s.events, recordedEvent{kind: "evicted", group: g.Name(), id: p.Id, index: -1})
}

func (s *recordingSink) MemberTransferred(event models.MembershipEvent) {
	s.transfers = append(s.transfers, event)
}

func testGroup(t *testing.T, capacity int, membership Membership) (*Group, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	registry := NewRegistry(sink)
	g, err := registry.RegisterGroup("test", capacity, membership)
	require.NoError(t, err)
	return g, sink
}

func TestAdmitKeepsOrderAndCapacity(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		admit    []int64
		expected []int64
	}{
		{
			name:     "capacity boundary",
			capacity: 3,
			admit:    []int64{5, 4, 3, 2, 1},
			expected: []int64{5, 4, 3},
		},
		{
			name:     "newer post pushes out the oldest",
			capacity: 2,
			admit:    []int64{10, 8, 12},
			expected: []int64{12, 10},
		},
		{
			name:     "ascending arrival",
			capacity: 4,
			admit:    []int64{1, 2, 3, 4, 5, 6},
			expected: []int64{6, 5, 4, 3},
		},
		{
			name:     "out of order arrival",
			capacity: 10,
			admit:    []int64{7, 3, 9, 1, 5},
			expected: []int64{9, 7, 5, 3, 1},
		},
		{
			name:     "duplicate ids are kept once",
			capacity: 10,
			admit:    []int64{4, 4, 2, 4},
			expected: []int64{4, 2},
		},
		{
			name:     "default capacity",
			capacity: 0,
			admit:    []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
			expected: []int64{12, 11, 10, 9, 8, 7, 6, 5, 4, 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := testGroup(t, tt.capacity, Unrestricted())

			for _, id := range tt.admit {
				g.admit(post(id, "a"))

				posts := ids(g.Posts())
				assert.LessOrEqual(t, len(posts), g.Capacity())
				assert.IsNonIncreasing(t, posts)
				assert.Equal(t, len(posts), len(lo.Uniq(posts)))
			}

			assert.Equal(t, tt.expected, ids(g.Posts()))
		})
	}
}

func TestAdmitReportsWhetherPostWasKept(t *testing.T) {
	g, _ := testGroup(t, 2, Unrestricted())

	assert.True(t, g.admit(post(10, "a")))
	assert.True(t, g.admit(post(8, "a")))
	assert.False(t, g.admit(post(5, "a")), "older than everything in a full group")
	assert.False(t, g.admit(post(10, "a")), "already present")
	assert.True(t, g.admit(post(12, "a")))
}

func TestAdmitIgnoresNonMembers(t *testing.T) {
	g, sink := testGroup(t, 10, Members("alice"))

	g.admit(post(1, "alice"))
	before := g.Posts()
	eventsBefore := len(sink.events)

	assert.False(t, g.admit(post(2, "bob")))
	assert.Equal(t, before, g.Posts())
	assert.Len(t, sink.events, eventsBefore)
}

func TestIsMember(t *testing.T) {
	restricted, _ := testGroup(t, 10, Members("alice"))
	unrestricted, _ := testGroup(t, 10, Unrestricted())
	empty, _ := testGroup(t, 10, Members())

	assert.True(t, restricted.IsMember("alice"))
	assert.False(t, restricted.IsMember("bob"))
	assert.True(t, unrestricted.IsMember("anyone"))
	assert.False(t, empty.IsMember("alice"))
	assert.True(t, restricted.Restricted())
	assert.False(t, unrestricted.Restricted())
	assert.Nil(t, unrestricted.Members())
	assert.Equal(t, []string{"alice"}, restricted.Members())
}

func TestAdmitEmitsEvents(t *testing.T) {
	g, sink := testGroup(t, 2, Unrestricted())

	g.admit(post(10, "a"))
	g.admit(post(8, "a"))
	g.admit(post(12, "a"))

	assert.Equal(t, []recordedEvent{
		{kind: "admitted", group: "test", id: 10, index: 0},
		{kind: "admitted", group: "test", id: 8, index: 1},
		{kind: "admitted", group: "test", id: 12, index: 0},
		{kind: "evicted", group: "test", id: 8, index: -1},
	}, sink.events)
}

func TestEvictMember(t *testing.T) {
	g, sink := testGroup(t, 10, Members("alice", "bob"))

	for _, p := range []models.Post{post(1, "alice"), post(2, "bob"), post(3, "alice"), post(4, "bob"), post(5, "alice")} {
		g.admit(p)
	}
	sink.events = nil

	removed, err := g.evictMember("alice")
	require.NoError(t, err)

	assert.Equal(t, []int64{5, 3, 1}, ids(removed))
	assert.Equal(t, []int64{4, 2}, ids(g.Posts()))
	assert.False(t, g.IsMember("alice"))
	assert.True(t, g.IsMember("bob"))
	assert.Len(t, sink.events, 3)
	for _, e := range sink.events {
		assert.Equal(t, "evicted", e.kind)
	}
}

func TestEvictMemberFromUnrestrictedGroup(t *testing.T) {
	g, _ := testGroup(t, 10, Unrestricted())
	g.admit(post(1, "alice"))

	removed, err := g.evictMember("alice")

	assert.ErrorIs(t, err, ErrUnrestrictedGroupEviction)
	assert.Nil(t, removed)
	assert.Equal(t, []int64{1}, ids(g.Posts()))
	assert.True(t, g.IsMember("alice"))
}

func TestAdmitMemberMerges(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		existing []int64
		incoming []int64
		expected []int64
	}{
		{
			name:     "interleaved",
			capacity: 10,
			existing: []int64{9, 6, 3},
			incoming: []int64{8, 7, 2, 1},
			expected: []int64{9, 8, 7, 6, 3, 2, 1},
		},
		{
			name:     "all newer",
			capacity: 10,
			existing: []int64{3, 2},
			incoming: []int64{6, 5},
			expected: []int64{6, 5, 3, 2},
		},
		{
			name:     "all older fills the tail",
			capacity: 10,
			existing: []int64{9, 8},
			incoming: []int64{4, 3, 2},
			expected: []int64{9, 8, 4, 3, 2},
		},
		{
			name:     "into an empty group",
			capacity: 10,
			existing: nil,
			incoming: []int64{4, 2},
			expected: []int64{4, 2},
		},
		{
			name:     "trims once after the merge",
			capacity: 4,
			existing: []int64{10, 6, 2},
			incoming: []int64{9, 7, 5, 1},
			expected: []int64{10, 9, 7, 6},
		},
		{
			name:     "unsorted batch is still merged in order",
			capacity: 10,
			existing: []int64{5},
			incoming: []int64{2, 8, 6},
			expected: []int64{8, 6, 5, 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := testGroup(t, tt.capacity, Members("bob"))
			for _, id := range tt.existing {
				g.admit(post(id, "bob"))
			}

			incoming := lo.Map(tt.incoming, func(id int64, _ int) models.Post { return post(id, "alice") })
			require.NoError(t, g.admitMember("alice", incoming))

			assert.Equal(t, tt.expected, ids(g.Posts()))
			assert.True(t, g.IsMember("alice"))
		})
	}
}

func TestAdmitMemberEventsAreInIndexOrder(t *testing.T) {
	g, sink := testGroup(t, 10, Members("bob"))
	g.admit(post(9, "bob"))
	g.admit(post(5, "bob"))
	sink.events = nil

	require.NoError(t, g.admitMember("alice", []models.Post{post(7, "alice"), post(3, "alice")}))

	assert.Equal(t, []recordedEvent{
		{kind: "admitted", group: "test", id: 7, index: 1},
		{kind: "admitted", group: "test", id: 3, index: 3},
	}, sink.events)
}

func TestAdmitMemberDuplicate(t *testing.T) {
	g, _ := testGroup(t, 10, Members("alice"))
	g.admit(post(5, "alice"))

	err := g.admitMember("alice", []models.Post{post(3, "alice")})

	assert.ErrorIs(t, err, ErrDuplicateMembership)
	assert.Equal(t, []int64{5}, ids(g.Posts()))
}

func TestAdmitMemberIntoUnrestrictedGroupIsDuplicate(t *testing.T) {
	g, _ := testGroup(t, 10, Unrestricted())

	err := g.admitMember("alice", []models.Post{post(3, "alice")})

	assert.ErrorIs(t, err, ErrDuplicateMembership)
	assert.Empty(t, g.Posts())
}
