package models

import "time"

// Post model with the fields every feed source can provide
type Post struct {
	Id        int64     `json:"id"`
	AuthorId  string    `json:"authorId"`
	CreatedAt time.Time `json:"createdAt"`
	Body      string    `json:"body"`
}

// Cursor is what a feed source gets told about the previous polls.
// SinceId is zero and Since is the zero time until the first poll succeeded.
type Cursor struct {
	SinceId int64
	Since   time.Time
}

func (c Cursor) IsSet() bool {
	return c.SinceId != 0
}

// PostAdmittedEvent fired when a post lands in a group
type PostAdmittedEvent struct {
	Group  string `json:"group"`
	ItemId string `json:"itemId,omitempty"`
	Post   Post   `json:"post"`
	Index  int    `json:"index"`
}

// PostEvictedEvent fired when a post leaves a group
type PostEvictedEvent struct {
	Group  string `json:"group"`
	ItemId string `json:"itemId,omitempty"`
	Post   Post   `json:"post"`
}

// MembershipEvent fired when an author moves between groups
type MembershipEvent struct {
	AuthorId string `json:"authorId"`
	From     string `json:"from"`
	To       string `json:"to"`
	Moved    int    `json:"moved"`
}

// Event is a named feed change as delivered to stream subscribers
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

const (
	EventPostAdmitted      = "post-admitted"
	EventPostEvicted       = "post-evicted"
	EventMemberTransferred = "member-transferred"
)
