package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"qms/queue-engine/internal/store"
)

// Envelope is what subscribers receive for every outbox event.
type Envelope struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	BranchID  string          `json:"branch_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type OutboxReader interface {
	ListOutboxEvents(ctx context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error)
}

// Relay moves committed outbox events into the hub. The offset lives in
// memory; a fresh relay replays from the start of the outbox unless Seek
// moves it first.
type Relay struct {
	reader    OutboxReader
	hub       *Hub
	batchSize int

	mu      sync.Mutex
	offset  store.OutboxOffset
	running int32
}

func NewRelay(reader OutboxReader, hub *Hub, batchSize int) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{reader: reader, hub: hub, batchSize: batchSize}
}

// Poll publishes one batch and returns how many events it relayed. An
// overlapping call returns immediately with zero.
func (r *Relay) Poll(ctx context.Context) (int, error) {
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return 0, nil
	}
	defer atomic.StoreInt32(&r.running, 0)

	r.mu.Lock()
	offset := r.offset
	r.mu.Unlock()

	events, err := r.reader.ListOutboxEvents(ctx, offset, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list outbox: %w", err)
	}
	for _, event := range events {
		env := Envelope{
			EventID:   event.EventID,
			Type:      event.Type,
			BranchID:  event.BranchID,
			Payload:   event.Payload,
			CreatedAt: event.CreatedAt,
		}
		payload, err := json.Marshal(env)
		if err != nil {
			log.Printf("relay encode error event=%s err=%v", event.EventID, err)
			continue
		}
		meta := extractMeta(event.Payload)
		meta.BranchID = event.BranchID
		r.hub.Broadcast(payload, meta)
		offset = store.OutboxOffset{LastEventTime: event.CreatedAt, LastEventID: event.EventID}
	}

	r.mu.Lock()
	r.offset = offset
	r.mu.Unlock()
	return len(events), nil
}

// Run polls every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if _, err := r.Poll(pollCtx); err != nil {
				log.Printf("relay poll error: %v", err)
			}
			cancel()
		}
	}
}

// Seek moves the relay past every event at or before offset.
func (r *Relay) Seek(offset store.OutboxOffset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offset = offset
}

func (r *Relay) Offset() store.OutboxOffset {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}

func extractMeta(payload []byte) Filter {
	var data struct {
		BranchID  string `json:"branch_id"`
		ServiceID string `json:"service_id"`
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		return Filter{}
	}
	return Filter{BranchID: data.BranchID, ServiceID: data.ServiceID}
}
