package notify

import (
	"sync"

	"github.com/google/uuid"
)

const defaultBuffer = 16

// Subscription is an in-process listener on the hub. Close is idempotent.
type Subscription struct {
	hub    *Hub
	client *Client
	once   sync.Once
}

// Subscribe registers a listener for events matching filter.
func (h *Hub) Subscribe(filter Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	client := &Client{ID: uuid.NewString(), Send: make(chan []byte, buffer), filter: filter}
	h.Register(client)
	return &Subscription{hub: h, client: client}
}

// Events yields encoded Envelope values until the subscription is closed.
func (s *Subscription) Events() <-chan []byte {
	return s.client.Send
}

// Retarget swaps the filter in place. Buffered events already queued under
// the old filter are still delivered.
func (s *Subscription) Retarget(filter Filter) {
	s.hub.updateFilter(s.client, filter)
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.Unregister(s.client)
	})
}
