package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/queue"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
)

var _ store.TicketStore = (*Store)(nil)

// Store keeps everything in process. A single mutex makes each conditional
// write indivisible.
type Store struct {
	mu        sync.RWMutex
	branches  map[string]models.Branch
	services  map[string]models.Service
	counters  map[string]models.Counter
	tickets   map[string]models.Ticket
	sequences map[string]int
	outbox    []store.OutboxEvent
	events    map[string][]store.TicketEvent
	now       func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		branches:  make(map[string]models.Branch),
		services:  make(map[string]models.Service),
		counters:  make(map[string]models.Counter),
		tickets:   make(map[string]models.Ticket),
		sequences: make(map[string]int),
		events:    make(map[string][]store.TicketEvent),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) PutBranch(branch models.Branch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches[branch.BranchID] = branch
}

func (s *Store) PutService(service models.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[service.ServiceID] = service
}

func (s *Store) PutCounter(counter models.Counter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counter.CounterID] = counter
}

func (s *Store) GetBranch(ctx context.Context, branchID string) (models.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	branch, ok := s.branches[branchID]
	if !ok {
		return models.Branch{}, store.ErrBranchNotFound
	}
	return branch, nil
}

func (s *Store) ListBranches(ctx context.Context) ([]models.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	branches := make([]models.Branch, 0, len(s.branches))
	for _, branch := range s.branches {
		branches = append(branches, branch)
	}
	sort.Slice(branches, func(i, j int) bool { return branches[i].Name < branches[j].Name })
	return branches, nil
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	service, ok := s.services[serviceID]
	if !ok {
		return models.Service{}, store.ErrServiceNotFound
	}
	return service, nil
}

func (s *Store) NextTicketSequence(ctx context.Context, branchID, prefix, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := branchID + "|" + prefix + "|" + day
	s.sequences[key]++
	return s.sequences[key], nil
}

func (s *Store) InsertTicket(ctx context.Context, ticket models.Ticket) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ticket.TicketID == "" {
		ticket.TicketID = uuid.NewString()
	}
	if _, exists := s.tickets[ticket.TicketID]; exists {
		return models.Ticket{}, store.ErrConflict
	}
	if ticket.Status == "" {
		ticket.Status = models.StatusWaiting
	}
	s.tickets[ticket.TicketID] = ticket
	if err := s.recordTicketLocked(ticket, store.EventTicketCreated); err != nil {
		delete(s.tickets, ticket.TicketID)
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, nil
}

func (s *Store) GetWaitingTickets(ctx context.Context, branchID string) ([]models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var waiting []models.Ticket
	for _, ticket := range s.tickets {
		if ticket.BranchID == branchID && ticket.Status == models.StatusWaiting {
			waiting = append(waiting, ticket)
		}
	}
	return waiting, nil
}

func (s *Store) UpdateTicket(ctx context.Context, ticketID string, expected models.Status, patch store.TicketPatch) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if ticket.Status != expected {
		return models.Ticket{}, store.ErrConflict
	}
	if patch.Status == models.StatusServing && patch.CounterID != nil {
		counter, ok := s.counters[*patch.CounterID]
		if !ok {
			return models.Ticket{}, store.ErrCounterNotFound
		}
		if !counter.Staffed() {
			return models.Ticket{}, store.ErrCounterUnavailable
		}
		if patch.ServedBy != nil && !store.SameStaff(counter.StaffID, patch.ServedBy) {
			return models.Ticket{}, store.ErrConflict
		}
		if _, busy := s.activeLocked(counter.CounterID); busy {
			return models.Ticket{}, store.ErrCounterBusy
		}
	}
	updated := queue.Apply(ticket, patch)
	s.tickets[ticketID] = updated
	if err := s.recordTicketLocked(updated, store.TicketEventType(updated.Status)); err != nil {
		s.tickets[ticketID] = ticket
		return models.Ticket{}, err
	}
	return updated, nil
}

func (s *Store) GetActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.counters[counterID]; !ok {
		return models.Ticket{}, false, store.ErrCounterNotFound
	}
	ticket, ok := s.activeLocked(counterID)
	return ticket, ok, nil
}

func (s *Store) activeLocked(counterID string) (models.Ticket, bool) {
	for _, ticket := range s.tickets {
		if ticket.Status == models.StatusServing && ticket.CounterID != nil && *ticket.CounterID == counterID {
			return ticket, true
		}
	}
	return models.Ticket{}, false
}

func (s *Store) ListTickets(ctx context.Context, branchID string, from, to time.Time) ([]models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tickets []models.Ticket
	for _, ticket := range s.tickets {
		if ticket.BranchID != branchID {
			continue
		}
		if ticket.CreatedAt.Before(from) || !ticket.CreatedAt.Before(to) {
			continue
		}
		tickets = append(tickets, ticket)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].CreatedAt.Before(tickets[j].CreatedAt) })
	return tickets, nil
}

func (s *Store) GetCounter(ctx context.Context, counterID string) (models.Counter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counter, ok := s.counters[counterID]
	if !ok {
		return models.Counter{}, store.ErrCounterNotFound
	}
	return counter, nil
}

func (s *Store) GetCounterByStaff(ctx context.Context, staffID string) (models.Counter, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, counter := range s.counters {
		if counter.StaffID != nil && *counter.StaffID == staffID {
			return counter, true, nil
		}
	}
	return models.Counter{}, false, nil
}

func (s *Store) ListCounters(ctx context.Context, branchID string) ([]models.Counter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var counters []models.Counter
	for _, counter := range s.counters {
		if counter.BranchID == branchID {
			counters = append(counters, counter)
		}
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i].Name < counters[j].Name })
	return counters, nil
}

func (s *Store) UpdateCounter(ctx context.Context, counterID string, expectedStaff *string, patch store.CounterPatch) (models.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[counterID]
	if !ok {
		return models.Counter{}, store.ErrCounterNotFound
	}
	if !store.SameStaff(counter.StaffID, expectedStaff) {
		return models.Counter{}, store.ErrConflict
	}
	previous := counter
	switch {
	case patch.ClearStaff:
		counter.StaffID = nil
	case patch.StaffID != nil:
		staffID := *patch.StaffID
		counter.StaffID = &staffID
	}
	if patch.LastPing != nil {
		ping := *patch.LastPing
		counter.LastPing = &ping
	}
	s.counters[counterID] = counter
	if eventType := store.CounterEventType(patch); eventType != "" {
		payload, err := json.Marshal(store.CounterPayload{CounterID: counter.CounterID, BranchID: counter.BranchID, StaffID: counter.StaffID})
		if err != nil {
			s.counters[counterID] = previous
			return models.Counter{}, err
		}
		s.appendOutboxLocked(counter.BranchID, eventType, payload)
	}
	return counter, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ordered := make([]store.OutboxEvent, len(s.outbox))
	copy(ordered, s.outbox)
	sort.SliceStable(ordered, func(i, j int) bool { return outboxBefore(ordered[i], ordered[j]) })
	var events []store.OutboxEvent
	for _, event := range ordered {
		if !event.CreatedAt.After(offset.LastEventTime) {
			if !event.CreatedAt.Equal(offset.LastEventTime) || event.EventID <= offset.LastEventID {
				continue
			}
		}
		events = append(events, event)
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tickets[ticketID]; !ok {
		return nil, store.ErrTicketNotFound
	}
	events := make([]store.TicketEvent, len(s.events[ticketID]))
	copy(events, s.events[ticketID])
	return events, nil
}

func (s *Store) recordTicketLocked(ticket models.Ticket, eventType string) error {
	now := s.now()
	chain := s.events[ticket.TicketID]
	var prev *store.TicketEvent
	if len(chain) > 0 {
		prev = &chain[len(chain)-1]
	}
	event, err := store.NextTicketEvent(prev, ticket, eventType, now)
	if err != nil {
		return err
	}
	s.events[ticket.TicketID] = append(chain, event)
	s.appendOutboxLocked(ticket.BranchID, eventType, event.Payload)
	return nil
}

func (s *Store) appendOutboxLocked(branchID, eventType string, payload json.RawMessage) {
	// v7 ids sort in creation order, which keeps the outbox ordered when
	// two events share a timestamp.
	s.outbox = append(s.outbox, store.OutboxEvent{
		EventID:   uuid.Must(uuid.NewV7()).String(),
		BranchID:  branchID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: s.now().UTC(),
	})
}

func outboxBefore(a, b store.OutboxEvent) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.EventID < b.EventID
}
