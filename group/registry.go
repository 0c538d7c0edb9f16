package group

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"groupfeed/models"
)

// Transfer is a request to move an author, and the posts of that author
// already shown, from one group to another.
type Transfer struct {
	AuthorId string
	From     *Group
	To       *Group
}

// Snapshot is a consistent copy of a group's state
type Snapshot struct {
	Name       string        `json:"name"`
	Capacity   int           `json:"capacity"`
	Restricted bool          `json:"restricted"`
	Members    []string      `json:"members,omitempty"`
	Posts      []models.Post `json:"posts"`
}

// Registry owns the groups, routes posts into them and moves members between
// them. Distribute and TransferMember are each applied as one atomic step.
type Registry struct {
	mu     sync.Mutex
	groups []*Group
	byName map[string]*Group
	sink   Sink
}

// NewRegistry creates an empty registry reporting feed changes to sink,
// which may be nil.
func NewRegistry(sink Sink) *Registry {
	if sink == nil {
		sink = nopSink{}
	}
	return &Registry{
		byName: make(map[string]*Group),
		sink:   sink,
	}
}

// RegisterGroup creates a group and appends it to the registry. The returned
// group is the handle used for transfers.
func (r *Registry) RegisterGroup(name string, capacity int, membership Membership) (*Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateGroup, name)
	}

	g := newGroup(name, capacity, membership, r.sink)
	r.groups = append(r.groups, g)
	r.byName[name] = g
	groupPosts.WithLabelValues(name).Set(0)

	log.WithFields(log.Fields{
		"group":      name,
		"capacity":   g.capacity,
		"restricted": g.Restricted(),
		"members":    len(membership.authors),
	}).Info("Registered group")

	return g, nil
}

// Distribute offers post to every group in registration order and returns
// the number of groups holding it afterwards.
func (r *Registry) Distribute(post models.Post) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	landed := 0
	for _, g := range r.groups {
		if g.admit(post) {
			landed++
		}
	}

	log.WithFields(log.Fields{
		"id":     post.Id,
		"author": post.AuthorId,
		"groups": landed,
	}).Debug("Distributed post")

	return landed
}

// Apply executes a transfer command
func (r *Registry) Apply(t Transfer) error {
	return r.TransferMember(t.AuthorId, t.From, t.To)
}

// TransferMember moves author out of from, together with its posts, and
// merges both into to.
func (r *Registry) TransferMember(author string, from, to *Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fields := log.Fields{"author": author}
	if from != nil {
		fields["from"] = from.name
	}
	if to != nil {
		fields["to"] = to.name
	}

	if err := r.checkTransfer(from, to); err != nil {
		if errors.Is(err, ErrNoOpTransfer) {
			transfers.WithLabelValues("noop").Inc()
			log.WithFields(fields).Warn("Transfer to the same group, ignoring")
		} else {
			transfers.WithLabelValues("rejected").Inc()
			log.WithFields(fields).WithError(err).Error("Rejected transfer")
		}
		return err
	}

	removed, err := from.evictMember(author)
	if err != nil {
		transfers.WithLabelValues("rejected").Inc()
		return err
	}

	if err := to.admitMember(author, removed); err != nil && !errors.Is(err, ErrDuplicateMembership) {
		transfers.WithLabelValues("rejected").Inc()
		return err
	}

	transfers.WithLabelValues("moved").Inc()
	fields["moved"] = len(removed)
	log.WithFields(fields).Info("Transferred member")

	if ts, ok := r.sink.(TransferSink); ok {
		ts.MemberTransferred(models.MembershipEvent{
			AuthorId: author,
			From:     from.name,
			To:       to.name,
			Moved:    len(removed),
		})
	}

	return nil
}

// checkTransfer rejects a transfer before anything is mutated
func (r *Registry) checkTransfer(from, to *Group) error {
	if from == nil || to == nil {
		return ErrUnknownGroup
	}
	if r.byName[from.name] != from {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, from.name)
	}
	if r.byName[to.name] != to {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, to.name)
	}
	if from == to {
		return ErrNoOpTransfer
	}
	if !from.Restricted() {
		return ErrUnrestrictedGroupEviction
	}
	return nil
}

// Group looks up a group by name
func (r *Registry) Group(name string) (*Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.byName[name]
	return g, ok
}

// Groups returns the group handles in registration order
func (r *Registry) Groups() []*Group {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups := make([]*Group, len(r.groups))
	copy(groups, r.groups)
	return groups
}

// Snapshot copies the state of every group under the registry lock
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(r.groups))
	for _, g := range r.groups {
		snapshots = append(snapshots, g.snapshot())
	}
	return snapshots
}

// GroupSnapshot copies the state of a single group
func (r *Registry) GroupSnapshot(name string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.byName[name]
	if !ok {
		return Snapshot{}, false
	}
	return g.snapshot(), true
}

func (g *Group) snapshot() Snapshot {
	return Snapshot{
		Name:       g.name,
		Capacity:   g.capacity,
		Restricted: g.Restricted(),
		Members:    g.Members(),
		Posts:      g.Posts(),
	}
}
