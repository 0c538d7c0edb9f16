package server

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"groupfeed/group"
	"groupfeed/models"
)

var (
	streamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "groupfeed_stream_clients",
		Help: "Number of clients subscribed to the event stream",
	})

	streamSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groupfeed_stream_skipped_events_total",
		Help: "Events not delivered because a client channel was full",
	})
)

// Broadcaster is the group sink that keeps the item index current and fans
// every feed change out to the subscribed clients.
type Broadcaster struct {
	sync.RWMutex
	clients map[string]chan models.Event
	items   *ItemIndex
}

var (
	_ group.Sink         = (*Broadcaster)(nil)
	_ group.TransferSink = (*Broadcaster)(nil)
)

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]chan models.Event),
		items:   NewItemIndex(),
	}
}

// Items returns the index of rendered items
func (b *Broadcaster) Items() *ItemIndex {
	return b.items
}

func (b *Broadcaster) PostAdmitted(g *group.Group, post models.Post, index int) {
	b.Broadcast(models.Event{
		Type: models.EventPostAdmitted,
		Data: models.PostAdmittedEvent{
			Group:  g.Name(),
			ItemId: b.items.add(g.Name(), post),
			Post:   post,
			Index:  index,
		},
	})
}

func (b *Broadcaster) PostEvicted(g *group.Group, post models.Post) {
	b.Broadcast(models.Event{
		Type: models.EventPostEvicted,
		Data: models.PostEvictedEvent{
			Group:  g.Name(),
			ItemId: b.items.remove(g.Name(), post),
			Post:   post,
		},
	})
}

func (b *Broadcaster) MemberTransferred(event models.MembershipEvent) {
	b.Broadcast(models.Event{
		Type: models.EventMemberTransferred,
		Data: event,
	})
}

// Broadcast never blocks; clients that fall behind miss events
func (b *Broadcaster) Broadcast(event models.Event) {
	b.RLock()
	defer b.RUnlock()

	for id, client := range b.clients {
		select {
		case client <- event: // Non-blocking send
		default:
			streamSkipped.Inc()
			log.WithFields(log.Fields{
				"key":   id,
				"event": event.Type,
			}).Warn("Client channel full, skipping event")
		}
	}
}

// AddClient registers a client channel under key
func (b *Broadcaster) AddClient(key string, client chan models.Event) {
	b.Lock()
	defer b.Unlock()
	b.clients[key] = client
	streamClients.Set(float64(len(b.clients)))
	log.WithFields(log.Fields{
		"key":   key,
		"count": len(b.clients),
	}).Info("Adding client to broadcaster")
}

// Clients returns the number of subscribed clients
func (b *Broadcaster) Clients() int {
	b.RLock()
	defer b.RUnlock()
	return len(b.clients)
}

// RemoveClient closes and forgets the channel registered under key
func (b *Broadcaster) RemoveClient(key string) {
	b.Lock()
	defer b.Unlock()

	if client, ok := b.clients[key]; ok {
		close(client)
		delete(b.clients, key)
	}
	streamClients.Set(float64(len(b.clients)))

	log.WithFields(log.Fields{
		"key":   key,
		"count": len(b.clients),
	}).Info("Removed client from broadcaster")
}

func (b *Broadcaster) Shutdown() {
	log.Info("Shutting down broadcaster")
	b.Lock()
	defer b.Unlock()
	for key, client := range b.clients {
		close(client)
		delete(b.clients, key)
	}
	streamClients.Set(0)
}
