package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/queue"
	"qms/queue-engine/internal/store"
)

func strPtr(v string) *string { return &v }

func newSeededStore(t *testing.T, now time.Time) *Store {
	t.Helper()
	s := NewStore(WithClock(func() time.Time { return now }))
	s.Load(Seed{
		Branches: []models.Branch{{BranchID: "b-1", Name: "Main", IsActive: true}},
		Services: []models.Service{{ServiceID: "s-1", BranchID: "b-1", Name: "Teller", Prefix: "A", IsActive: true}},
		Counters: []models.Counter{
			{CounterID: "c-1", BranchID: "b-1", Name: "Counter 1", StaffID: strPtr("staff-1"), IsActive: true},
			{CounterID: "c-2", BranchID: "b-1", Name: "Counter 2", IsActive: true},
		},
	})
	return s
}

func insertWaiting(t *testing.T, s *Store, id string, created time.Time) models.Ticket {
	t.Helper()
	ticket, err := s.InsertTicket(context.Background(), models.Ticket{
		TicketID:     id,
		TicketNumber: "A-" + id,
		BranchID:     "b-1",
		ServiceID:    "s-1",
		Status:       models.StatusWaiting,
		CreatedAt:    created,
	})
	if err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
	return ticket
}

func TestConcurrentSeatingOnOneCounter(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	s := newSeededStore(t, now)
	ids := []string{"001", "002", "003", "004", "005", "006", "007", "008"}
	for i, id := range ids {
		insertWaiting(t, s, id, now.Add(time.Duration(i)*time.Second))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		seated  int
		busy    int
		unknown []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ticket, err := s.GetTicket(context.Background(), id)
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			patch := queue.CallPatch(ticket, "c-1", "staff-1", now)
			_, err = s.UpdateTicket(context.Background(), id, models.StatusWaiting, patch)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				seated++
			case errors.Is(err, store.ErrCounterBusy):
				busy++
			default:
				unknown = append(unknown, err)
			}
		}(id)
	}
	wg.Wait()
	if len(unknown) > 0 {
		t.Fatalf("unexpected errors: %v", unknown)
	}
	if seated != 1 || busy != len(ids)-1 {
		t.Fatalf("expected exactly one seated ticket, got seated=%d busy=%d", seated, busy)
	}
}

func TestUpdateTicketGuards(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	s := newSeededStore(t, now)
	ctx := context.Background()
	ticket := insertWaiting(t, s, "001", now)

	if _, err := s.UpdateTicket(ctx, "missing", models.StatusWaiting, store.TicketPatch{}); !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.UpdateTicket(ctx, ticket.TicketID, models.StatusServing, store.TicketPatch{Status: models.StatusCompleted}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on stale status, got %v", err)
	}
	if _, err := s.UpdateTicket(ctx, ticket.TicketID, models.StatusWaiting, queue.CallPatch(ticket, "c-2", "staff-2", now)); !errors.Is(err, store.ErrCounterUnavailable) {
		t.Fatalf("expected unstaffed counter to be unavailable, got %v", err)
	}
	if _, err := s.UpdateTicket(ctx, ticket.TicketID, models.StatusWaiting, queue.CallPatch(ticket, "c-1", "staff-9", now)); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict when served_by is not the counter's staff, got %v", err)
	}
	after, _ := s.GetTicket(ctx, ticket.TicketID)
	if after.Status != models.StatusWaiting || after.CounterID != nil {
		t.Fatalf("expected ticket untouched after rejected writes, got %+v", after)
	}
}

func TestUpdateCounterExpectation(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	s := newSeededStore(t, now)
	ctx := context.Background()

	if _, err := s.UpdateCounter(ctx, "c-2", strPtr("someone"), store.CounterPatch{ClearStaff: true}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	counter, err := s.UpdateCounter(ctx, "c-2", nil, store.CounterPatch{StaffID: strPtr("staff-2")})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if counter.StaffID == nil || *counter.StaffID != "staff-2" {
		t.Fatalf("expected staff-2, got %+v", counter)
	}
	found, ok, err := s.GetCounterByStaff(ctx, "staff-2")
	if err != nil || !ok || found.CounterID != "c-2" {
		t.Fatalf("expected lookup by staff to find c-2, got %+v %v %v", found, ok, err)
	}
	if _, err := s.UpdateCounter(ctx, "c-9", nil, store.CounterPatch{}); !errors.Is(err, store.ErrCounterNotFound) {
		t.Fatalf("expected counter not found, got %v", err)
	}
}

func TestOutboxOffsetAndOrder(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	s := newSeededStore(t, now)
	ctx := context.Background()
	ticket := insertWaiting(t, s, "001", now)
	if _, err := s.UpdateTicket(ctx, ticket.TicketID, models.StatusWaiting, queue.CallPatch(ticket, "c-1", "staff-1", now)); err != nil {
		t.Fatalf("call: %v", err)
	}

	events, err := s.ListOutboxEvents(ctx, store.OutboxOffset{}, 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != store.EventTicketCreated || events[1].Type != store.TicketEventType(models.StatusServing) {
		t.Fatalf("unexpected order: %s, %s", events[0].Type, events[1].Type)
	}

	rest, err := s.ListOutboxEvents(ctx, store.OutboxOffset{LastEventTime: events[0].CreatedAt, LastEventID: events[0].EventID}, 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	if len(rest) != 1 || rest[0].EventID != events[1].EventID {
		t.Fatalf("expected only the second event after offset, got %d", len(rest))
	}

	chain, err := s.ListTicketEvents(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("ticket events: %v", err)
	}
	if err := store.VerifyTicketEvents(chain); err != nil {
		t.Fatalf("expected valid audit chain, got %v", err)
	}
}

func TestListTicketsWindow(t *testing.T) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	s := newSeededStore(t, now)
	insertWaiting(t, s, "001", now.Add(-25*time.Hour))
	insertWaiting(t, s, "002", now)
	insertWaiting(t, s, "003", now.Add(24*time.Hour))

	day := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	tickets, err := s.ListTickets(context.Background(), "b-1", day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tickets) != 1 || tickets[0].TicketID != "002" {
		t.Fatalf("expected only ticket 002 in window, got %d", len(tickets))
	}
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	raw := `{"branches":[{"branch_id":"b","name":"B","is_active":true}],"services":[{"service_id":"s","branch_id":"b","prefix":"X","is_active":true}]}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	seed, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}
	s := NewStore()
	s.Load(seed)
	if _, err := s.GetService(context.Background(), "s"); err != nil {
		t.Fatalf("expected seeded service, got %v", err)
	}
	if _, err := LoadSeed(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing seed file")
	}
}
