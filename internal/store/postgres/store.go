package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	zeroUUID        = "00000000-0000-0000-0000-000000000000"
	uniqueViolation = "23505"
	invalidText     = "22P02"
	ticketColumns   = "ticket_id, ticket_number, branch_id, service_id, status, priority_level, counter_id, served_by, created_at, called_at, started_at, ended_at, notes, customer_name, customer_phone"
	counterColumns  = "counter_id, branch_id, name, staff_id, is_active, is_paused, last_ping"
)

var _ store.TicketStore = (*Store)(nil)

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

func (s *Store) GetBranch(ctx context.Context, branchID string) (models.Branch, error) {
	var branch models.Branch
	row := s.pool.QueryRow(ctx, `
		SELECT branch_id, name, timezone, is_active
		FROM branches
		WHERE branch_id = $1
	`, branchID)
	if err := row.Scan(&branch.BranchID, &branch.Name, &branch.Timezone, &branch.IsActive); err != nil {
		if isMissing(err) {
			return models.Branch{}, store.ErrBranchNotFound
		}
		return models.Branch{}, err
	}
	return branch, nil
}

func (s *Store) ListBranches(ctx context.Context) ([]models.Branch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT branch_id, name, timezone, is_active
		FROM branches
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var branches []models.Branch
	for rows.Next() {
		var branch models.Branch
		if err := rows.Scan(&branch.BranchID, &branch.Name, &branch.Timezone, &branch.IsActive); err != nil {
			return nil, err
		}
		branches = append(branches, branch)
	}
	return branches, rows.Err()
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	var service models.Service
	row := s.pool.QueryRow(ctx, `
		SELECT service_id, branch_id, name, prefix, avg_service_time, is_active
		FROM services
		WHERE service_id = $1
	`, serviceID)
	if err := row.Scan(&service.ServiceID, &service.BranchID, &service.Name, &service.Prefix, &service.AvgServiceTime, &service.IsActive); err != nil {
		if isMissing(err) {
			return models.Service{}, store.ErrServiceNotFound
		}
		return models.Service{}, err
	}
	return service, nil
}

func (s *Store) NextTicketSequence(ctx context.Context, branchID, prefix, day string) (int, error) {
	var next int
	row := s.pool.QueryRow(ctx, `
		INSERT INTO ticket_sequences (branch_id, prefix, service_day, next_number)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (branch_id, prefix, service_day)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, branchID, prefix, day)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) InsertTicket(ctx context.Context, ticket models.Ticket) (models.Ticket, error) {
	if ticket.TicketID == "" {
		ticket.TicketID = uuid.NewString()
	}
	if ticket.Status == "" {
		ticket.Status = models.StatusWaiting
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (ticket_id, ticket_number, branch_id, service_id, status, priority_level, created_at, notes, customer_name, customer_phone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+ticketColumns,
		ticket.TicketID, ticket.TicketNumber, ticket.BranchID, ticket.ServiceID, string(ticket.Status),
		ticket.PriorityLevel, ticket.CreatedAt.UTC(), ticket.Notes, ticket.CustomerName, ticket.CustomerPhone)
	inserted, err := scanTicket(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Ticket{}, store.ErrConflict
		}
		return models.Ticket{}, err
	}
	if err := s.recordTicket(ctx, tx, inserted, store.EventTicketCreated); err != nil {
		return models.Ticket{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return inserted, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if isMissing(err) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) GetWaitingTickets(ctx context.Context, branchID string) ([]models.Ticket, error) {
	return s.queryTickets(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE branch_id = $1 AND status = 'waiting'
	`, branchID)
}

func (s *Store) ListTickets(ctx context.Context, branchID string, from, to time.Time) ([]models.Ticket, error) {
	return s.queryTickets(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE branch_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at
	`, branchID, from.UTC(), to.UTC())
}

func (s *Store) GetActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	if _, err := s.GetCounter(ctx, counterID); err != nil {
		return models.Ticket{}, false, err
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE counter_id = $1 AND status = 'serving'
	`, counterID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

// UpdateTicket is a single conditional UPDATE. Seating a ticket also
// requires the counter to be staffed and idle in the same statement; the
// partial unique index on serving tickets closes the remaining race between
// concurrent statements.
func (s *Store) UpdateTicket(ctx context.Context, ticketID string, expected models.Status, patch store.TicketPatch) (models.Ticket, error) {
	status := patch.Status
	if status == "" {
		status = expected
	}

	query := `UPDATE tickets SET status = $1`
	args := []interface{}{string(status)}
	argPos := 2
	set := func(column string, value interface{}) {
		query += fmt.Sprintf(", %s = $%d", column, argPos)
		args = append(args, value)
		argPos++
	}
	if patch.CounterID != nil {
		set("counter_id", *patch.CounterID)
	}
	if patch.ServedBy != nil {
		set("served_by", *patch.ServedBy)
	}
	if patch.CalledAt != nil {
		set("called_at", patch.CalledAt.UTC())
	}
	if patch.StartedAt != nil {
		set("started_at", patch.StartedAt.UTC())
	}
	if patch.EndedAt != nil {
		set("ended_at", patch.EndedAt.UTC())
	}
	if patch.Notes != nil {
		set("notes", *patch.Notes)
	}

	query += fmt.Sprintf(" WHERE ticket_id = $%d AND status = $%d", argPos, argPos+1)
	args = append(args, ticketID, string(expected))
	argPos += 2

	seating := status == models.StatusServing && patch.CounterID != nil
	if seating {
		query += fmt.Sprintf(`
			AND EXISTS (SELECT 1 FROM counters c WHERE c.counter_id = $%d AND c.staff_id IS NOT NULL
				AND ($%d::text IS NULL OR c.staff_id = $%d::text))
			AND NOT EXISTS (SELECT 1 FROM tickets o WHERE o.counter_id = $%d AND o.status = 'serving')`, argPos, argPos+1, argPos+1, argPos)
		args = append(args, *patch.CounterID, patch.ServedBy)
	}
	query += " RETURNING " + ticketColumns

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ticket, err := scanTicket(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if isUniqueViolation(err) {
			return models.Ticket{}, store.ErrCounterBusy
		}
		if isInvalidText(err) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, err
		}
		var counterID string
		if seating {
			counterID = *patch.CounterID
		}
		return models.Ticket{}, diagnoseTicketUpdate(ctx, tx, ticketID, expected, counterID, patch.ServedBy)
	}

	if err := s.recordTicket(ctx, tx, ticket, store.TicketEventType(ticket.Status)); err != nil {
		return models.Ticket{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return models.Ticket{}, store.ErrCounterBusy
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) GetCounter(ctx context.Context, counterID string) (models.Counter, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+counterColumns+` FROM counters WHERE counter_id = $1`, counterID)
	counter, err := scanCounter(row)
	if err != nil {
		if isMissing(err) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}

func (s *Store) GetCounterByStaff(ctx context.Context, staffID string) (models.Counter, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+counterColumns+`
		FROM counters
		WHERE staff_id = $1
		ORDER BY name
		LIMIT 1
	`, staffID)
	counter, err := scanCounter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, false, nil
		}
		return models.Counter{}, false, err
	}
	return counter, true, nil
}

func (s *Store) ListCounters(ctx context.Context, branchID string) ([]models.Counter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+counterColumns+`
		FROM counters
		WHERE branch_id = $1
		ORDER BY name
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counters []models.Counter
	for rows.Next() {
		counter, err := scanCounter(rows)
		if err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	return counters, rows.Err()
}

func (s *Store) UpdateCounter(ctx context.Context, counterID string, expectedStaff *string, patch store.CounterPatch) (models.Counter, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Counter{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		UPDATE counters
		SET staff_id = CASE WHEN $2 THEN NULL ELSE COALESCE($3::text, staff_id) END,
			last_ping = COALESCE($4::timestamptz, last_ping)
		WHERE counter_id = $1 AND staff_id IS NOT DISTINCT FROM $5::text
		RETURNING `+counterColumns,
		counterID, patch.ClearStaff, patch.StaffID, utcPtr(patch.LastPing), expectedStaff)
	counter, err := scanCounter(row)
	if err != nil {
		if isInvalidText(err) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, err
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM counters WHERE counter_id = $1)`, counterID).Scan(&exists); err != nil {
			return models.Counter{}, err
		}
		if !exists {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, store.ErrConflict
	}

	if eventType := store.CounterEventType(patch); eventType != "" {
		payload, err := json.Marshal(store.CounterPayload{CounterID: counter.CounterID, BranchID: counter.BranchID, StaffID: counter.StaffID})
		if err != nil {
			return models.Counter{}, err
		}
		if err := s.insertOutboxEvent(ctx, tx, counter.BranchID, eventType, payload); err != nil {
			return models.Counter{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Counter{}, err
	}
	return counter, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	if offset.LastEventTime.IsZero() {
		offset.LastEventTime = time.Unix(0, 0).UTC()
	}
	if offset.LastEventID == "" {
		offset.LastEventID = zeroUUID
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, branch_id, type, payload_json, created_at
		FROM outbox_events
		WHERE (created_at, event_id) > ($1, $2)
		ORDER BY created_at, event_id
		LIMIT $3
	`, offset.LastEventTime, offset.LastEventID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		var payload []byte
		if err := rows.Scan(&event.EventID, &event.BranchID, &event.Type, &payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Payload = payload
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	if _, err := s.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		var payload string
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = json.RawMessage(payload)
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) queryTickets(ctx context.Context, query string, args ...interface{}) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}

// recordTicket appends the audit event and the outbox event for ticket in tx.
func (s *Store) recordTicket(ctx context.Context, tx pgx.Tx, ticket models.Ticket, eventType string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ticket.TicketID); err != nil {
		return err
	}

	var prev *store.TicketEvent
	var last store.TicketEvent
	var lastPayload string
	row := tx.QueryRow(ctx, `
		SELECT ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticket.TicketID)
	err := row.Scan(&last.TicketID, &last.TicketSeq, &last.Type, &lastPayload, &last.CreatedAt, &last.PrevHash, &last.Hash)
	switch {
	case err == nil:
		last.Payload = json.RawMessage(lastPayload)
		prev = &last
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	event, err := store.NextTicketEvent(prev, ticket, eventType, s.now())
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.TicketID, event.TicketSeq, event.Type, string(event.Payload), event.CreatedAt, event.PrevHash, event.Hash); err != nil {
		return err
	}
	return s.insertOutboxEvent(ctx, tx, ticket.BranchID, eventType, event.Payload)
}

func (s *Store) insertOutboxEvent(ctx context.Context, tx pgx.Tx, branchID, eventType string, payload []byte) error {
	eventID, err := uuid.NewV7()
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, branch_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, eventID.String(), branchID, eventType, payload, s.now().UTC())
	return err
}

// diagnoseTicketUpdate explains why a conditional update matched no row.
// diagnoseTicketUpdate explains why a conditional ticket update matched no
// row. A counter whose staff is no longer servedBy reports ErrConflict.
func diagnoseTicketUpdate(ctx context.Context, tx pgx.Tx, ticketID string, expected models.Status, counterID string, servedBy *string) error {
	status, exists, err := loadTicketState(ctx, tx, ticketID)
	if err != nil {
		return err
	}
	if !exists {
		return store.ErrTicketNotFound
	}
	if status != expected {
		return store.ErrConflict
	}
	if counterID == "" {
		return store.ErrConflict
	}

	var staffID sql.NullString
	row := tx.QueryRow(ctx, `SELECT staff_id FROM counters WHERE counter_id = $1`, counterID)
	if err := row.Scan(&staffID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrCounterNotFound
		}
		return err
	}
	if !staffID.Valid || strings.TrimSpace(staffID.String) == "" {
		return store.ErrCounterUnavailable
	}
	if servedBy != nil && staffID.String != *servedBy {
		return store.ErrConflict
	}
	var busy bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM tickets WHERE counter_id = $1 AND status = 'serving')
	`, counterID).Scan(&busy); err != nil {
		return err
	}
	if busy {
		return store.ErrCounterBusy
	}
	return store.ErrConflict
}

func loadTicketState(ctx context.Context, tx pgx.Tx, ticketID string) (models.Status, bool, error) {
	var status string
	row := tx.QueryRow(ctx, `SELECT status FROM tickets WHERE ticket_id = $1`, ticketID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return models.Status(status), true, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var status string
	var counterID, servedBy sql.NullString
	var calledAt, startedAt, endedAt sql.NullTime
	if err := row.Scan(
		&ticket.TicketID, &ticket.TicketNumber, &ticket.BranchID, &ticket.ServiceID, &status, &ticket.PriorityLevel,
		&counterID, &servedBy, &ticket.CreatedAt, &calledAt, &startedAt, &endedAt,
		&ticket.Notes, &ticket.CustomerName, &ticket.CustomerPhone,
	); err != nil {
		return models.Ticket{}, err
	}
	ticket.Status = models.Status(status)
	ticket.CounterID = nullStringPtr(counterID)
	ticket.ServedBy = nullStringPtr(servedBy)
	ticket.CalledAt = nullTimePtr(calledAt)
	ticket.StartedAt = nullTimePtr(startedAt)
	ticket.EndedAt = nullTimePtr(endedAt)
	return ticket, nil
}

func scanCounter(row pgx.Row) (models.Counter, error) {
	var counter models.Counter
	var staffID sql.NullString
	var lastPing sql.NullTime
	if err := row.Scan(&counter.CounterID, &counter.BranchID, &counter.Name, &staffID, &counter.IsActive, &counter.IsPaused, &lastPing); err != nil {
		return models.Counter{}, err
	}
	counter.StaffID = nullStringPtr(staffID)
	counter.LastPing = nullTimePtr(lastPing)
	return counter, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// isInvalidText reports a malformed id, such as a non-UUID path segment.
func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == invalidText
}

// isMissing treats a malformed id like an unknown one so both stores answer
// NotFound for it.
func isMissing(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || isInvalidText(err)
}

func utcPtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
