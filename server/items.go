package server

import (
	"sync"

	"github.com/google/uuid"

	"groupfeed/models"
)

// Item is a post as rendered in one group. The same post shown in two
// groups is two items.
type Item struct {
	Id    string      `json:"itemId"`
	Group string      `json:"group"`
	Post  models.Post `json:"post"`
}

type itemKey struct {
	group  string
	postId int64
}

// ItemIndex maps rendered item ids back to the group and post they show, so
// a client can move an author by pointing at one of their items.
type ItemIndex struct {
	mu    sync.RWMutex
	items map[string]Item
	keys  map[itemKey]string
}

func NewItemIndex() *ItemIndex {
	return &ItemIndex{
		items: make(map[string]Item),
		keys:  make(map[itemKey]string),
	}
}

// add assigns a new item id to post in group
func (x *ItemIndex) add(group string, post models.Post) string {
	x.mu.Lock()
	defer x.mu.Unlock()

	key := itemKey{group: group, postId: post.Id}
	if id, ok := x.keys[key]; ok {
		return id
	}

	id := uuid.New().String()
	x.keys[key] = id
	x.items[id] = Item{Id: id, Group: group, Post: post}
	return id
}

// remove forgets post in group and returns the id it was rendered with
func (x *ItemIndex) remove(group string, post models.Post) string {
	x.mu.Lock()
	defer x.mu.Unlock()

	key := itemKey{group: group, postId: post.Id}
	id, ok := x.keys[key]
	if !ok {
		return ""
	}
	delete(x.keys, key)
	delete(x.items, id)
	return id
}

// Lookup resolves an item id
func (x *ItemIndex) Lookup(id string) (Item, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	item, ok := x.items[id]
	return item, ok
}

// ItemId returns the id post is rendered with in group
func (x *ItemIndex) ItemId(group string, postId int64) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	id, ok := x.keys[itemKey{group: group, postId: postId}]
	return id, ok
}

func (x *ItemIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return len(x.items)
}
