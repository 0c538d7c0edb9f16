package group

import "groupfeed/models"

// Sink receives every change to a group's feed, in the order they happen.
// Calls are made while the registry lock is held, so a Sink must not call
// back into the registry.
type Sink interface {
	PostAdmitted(g *Group, post models.Post, index int)
	PostEvicted(g *Group, post models.Post)
}

// TransferSink is optionally implemented by a Sink that wants to know about
// completed membership transfers.
type TransferSink interface {
	MemberTransferred(event models.MembershipEvent)
}

// Sinks fans events out to several sinks
type Sinks []Sink

func (s Sinks) PostAdmitted(g *Group, post models.Post, index int) {
	for _, sink := range s {
		sink.PostAdmitted(g, post, index)
	}
}

func (s Sinks) PostEvicted(g *Group, post models.Post) {
	for _, sink := range s {
		sink.PostEvicted(g, post)
	}
}

func (s Sinks) MemberTransferred(event models.MembershipEvent) {
	for _, sink := range s {
		if ts, ok := sink.(TransferSink); ok {
			ts.MemberTransferred(event)
		}
	}
}

type nopSink struct{}

func (nopSink) PostAdmitted(*Group, models.Post, int) {}
func (nopSink) PostEvicted(*Group, models.Post)       {}
