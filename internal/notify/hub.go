package notify

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
)

// Filter narrows what a client receives. Empty fields match everything.
type Filter struct {
	BranchID  string
	ServiceID string
}

type Client struct {
	ID     string
	Send   chan []byte
	filter Filter
}

// Hub fans published events out to subscribed clients. Publishing never
// blocks: a client whose buffer is full misses the message.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	dropped atomic.Int64
}

type SubscribeMessage struct {
	Action    string `json:"action"`
	BranchID  string `json:"branch_id"`
	ServiceID string `json:"service_id"`
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) updateFilter(client *Client, filter Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.filter = filter
}

func (h *Hub) Broadcast(payload []byte, meta Filter) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.filter, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.dropped.Add(1)
			log.Printf("drop message client=%s branch=%s", client.ID, meta.BranchID)
		}
	}
}

// Dropped counts messages lost to full client buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func match(sub Filter, meta Filter) bool {
	if sub.BranchID != "" && meta.BranchID != sub.BranchID {
		return false
	}
	if sub.ServiceID != "" && meta.ServiceID != sub.ServiceID {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
