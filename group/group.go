// Package group keeps the bounded, newest-first feeds that posts are routed into.
package group

import (
	"slices"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"groupfeed/models"
)

// DefaultCapacity is used when a group is registered without a positive capacity
const DefaultCapacity = 10

// Membership describes which authors a group accepts.
// The zero value is unrestricted.
type Membership struct {
	restricted bool
	authors    []string
}

// Unrestricted accepts posts from every author
func Unrestricted() Membership {
	return Membership{}
}

// Members accepts posts from the listed authors only. An empty list is a
// restricted group with nobody in it yet.
func Members(authors ...string) Membership {
	return Membership{restricted: true, authors: authors}
}

// Group is a named feed of posts sorted by id, newest first, holding at most
// Capacity posts. Groups are only mutated through their Registry.
type Group struct {
	name     string
	capacity int
	// nil when unrestricted
	members mapset.Set[string]
	posts   []models.Post
	sink    Sink
}

func newGroup(name string, capacity int, membership Membership, sink Sink) *Group {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	g := &Group{
		name:     name,
		capacity: capacity,
		posts:    make([]models.Post, 0, capacity+1),
		sink:     sink,
	}
	if membership.restricted {
		g.members = mapset.NewThreadUnsafeSet(membership.authors...)
	}
	return g
}

func (g *Group) Name() string {
	return g.name
}

func (g *Group) Capacity() int {
	return g.capacity
}

// Restricted reports whether the group filters posts by author
func (g *Group) Restricted() bool {
	return g.members != nil
}

// IsMember reports whether posts by author are eligible for this group
func (g *Group) IsMember(author string) bool {
	if g.members == nil {
		return true
	}
	return g.members.Contains(author)
}

// Members returns the sorted member list, nil for unrestricted groups
func (g *Group) Members() []string {
	if g.members == nil {
		return nil
	}
	members := g.members.ToSlice()
	sort.Strings(members)
	return members
}

// Posts returns a copy of the feed, newest first
func (g *Group) Posts() []models.Post {
	return slices.Clone(g.posts)
}

func (g *Group) Len() int {
	return len(g.posts)
}

// admit inserts post at its sorted position if its author is a member and
// trims the oldest posts beyond capacity. It reports whether the post is
// still in the feed afterwards.
func (g *Group) admit(post models.Post) bool {
	if !g.IsMember(post.AuthorId) {
		return false
	}

	idx, found := g.position(post.Id)
	if found {
		log.WithFields(log.Fields{
			"group": g.name,
			"id":    post.Id,
		}).Debug("Post already in group, skipping")
		return false
	}

	g.posts = slices.Insert(g.posts, idx, post)
	groupAdmitted.WithLabelValues(g.name).Inc()
	g.sink.PostAdmitted(g, post, idx)

	g.trim()
	return idx < len(g.posts)
}

// admitMember adds author to the members and merges its posts, which must be
// sorted newest first, into the feed. Capacity is enforced once, after the
// whole batch has been merged.
func (g *Group) admitMember(author string, incoming []models.Post) error {
	if g.IsMember(author) {
		log.WithFields(log.Fields{
			"group":  g.name,
			"author": author,
		}).Warn("Member already exists in group, discarding")
		return ErrDuplicateMembership
	}

	g.members.Add(author)

	merged, inserted := mergeDescending(g.posts, incoming)
	g.posts = merged
	for _, idx := range inserted {
		groupAdmitted.WithLabelValues(g.name).Inc()
		g.sink.PostAdmitted(g, g.posts[idx], idx)
	}

	g.trim()
	return nil
}

// evictMember removes author from the members and returns its posts, newest
// first. Unrestricted groups cannot evict.
func (g *Group) evictMember(author string) ([]models.Post, error) {
	if g.members == nil {
		return nil, ErrUnrestrictedGroupEviction
	}

	g.members.Remove(author)

	byAuthor := func(p models.Post, _ int) bool { return p.AuthorId == author }
	removed := lo.Filter(g.posts, byAuthor)
	g.posts = lo.Reject(g.posts, byAuthor)

	for _, post := range removed {
		groupEvicted.WithLabelValues(g.name, "membership").Inc()
		g.sink.PostEvicted(g, post)
	}
	groupPosts.WithLabelValues(g.name).Set(float64(len(g.posts)))

	return removed, nil
}

// position finds the index of the first post with a smaller id than id
func (g *Group) position(id int64) (int, bool) {
	idx := sort.Search(len(g.posts), func(i int) bool {
		return g.posts[i].Id <= id
	})
	return idx, idx < len(g.posts) && g.posts[idx].Id == id
}

// trim drops posts from the tail until the group is within capacity
func (g *Group) trim() {
	for len(g.posts) > g.capacity {
		last := g.posts[len(g.posts)-1]
		g.posts = g.posts[:len(g.posts)-1]
		groupEvicted.WithLabelValues(g.name, "capacity").Inc()
		g.sink.PostEvicted(g, last)
	}
	groupPosts.WithLabelValues(g.name).Set(float64(len(g.posts)))
}

// mergeDescending merges two newest-first sequences. Incoming posts with an
// id already present are dropped. It returns the indices in the merged slice
// that came from incoming, in ascending order.
func mergeDescending(existing, incoming []models.Post) ([]models.Post, []int) {
	if !slices.IsSortedFunc(incoming, newestFirst) {
		incoming = slices.Clone(incoming)
		slices.SortStableFunc(incoming, newestFirst)
	}

	merged := make([]models.Post, 0, len(existing)+len(incoming))
	inserted := make([]int, 0, len(incoming))

	i, j := 0, 0
	for i < len(existing) || j < len(incoming) {
		switch {
		case j >= len(incoming) || (i < len(existing) && existing[i].Id > incoming[j].Id):
			merged = append(merged, existing[i])
			i++
		case i < len(existing) && existing[i].Id == incoming[j].Id:
			j++
		case len(merged) > 0 && merged[len(merged)-1].Id == incoming[j].Id:
			j++
		default:
			inserted = append(inserted, len(merged))
			merged = append(merged, incoming[j])
			j++
		}
	}

	return merged, inserted
}

func newestFirst(a, b models.Post) int {
	switch {
	case a.Id > b.Id:
		return -1
	case a.Id < b.Id:
		return 1
	}
	return 0
}
