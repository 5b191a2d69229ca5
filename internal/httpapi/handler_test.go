package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/stats"
	"qms/queue-engine/internal/store"
)

var _ Engine = (*engine.Engine)(nil)

type fakeEngine struct {
	issueFn     func(ctx context.Context, caller engine.Caller, input engine.IssueTicketInput) (models.Ticket, error)
	getFn       func(ctx context.Context, ticketID string) (models.Ticket, error)
	estimateFn  func(ctx context.Context, ticketID string) (engine.WaitEstimate, error)
	historyFn   func(ctx context.Context, ticketID string) ([]store.TicketEvent, error)
	completeFn  func(ctx context.Context, caller engine.Caller, ticketID, notes string) (models.Ticket, error)
	skipFn      func(ctx context.Context, caller engine.Caller, ticketID, notes string) (models.Ticket, error)
	cancelFn    func(ctx context.Context, caller engine.Caller, ticketID string) (models.Ticket, error)
	waitingFn   func(ctx context.Context, branchID string) ([]models.Ticket, error)
	servedFn    func(ctx context.Context, branchID, staffID, startDate string, status models.Status) ([]models.Ticket, error)
	callFn      func(ctx context.Context, caller engine.Caller, branchID, counterID string) (models.Ticket, bool, error)
	assignFn    func(ctx context.Context, caller engine.Caller, counterID, staffID string) (models.Counter, error)
	releaseFn   func(ctx context.Context, caller engine.Caller, counterID string) error
	heartbeatFn func(ctx context.Context, caller engine.Caller, counterID string) (models.Counter, error)
	countersFn  func(ctx context.Context, branchID string, availableOnly bool) ([]models.Counter, error)
	activeFn    func(ctx context.Context, counterID string) (models.Ticket, bool, error)
	statsFn     func(ctx context.Context, branchID, startDate, endDate, servedBy string) (stats.Summary, error)
	reportFn    func(ctx context.Context, branchID, startDate, endDate string) (engine.Report, error)
	eventsFn    func(ctx context.Context, branchID string, after store.OutboxOffset, limit int) ([]store.OutboxEvent, error)
}

func (f fakeEngine) IssueTicket(ctx context.Context, caller engine.Caller, input engine.IssueTicketInput) (models.Ticket, error) {
	if f.issueFn == nil {
		return models.Ticket{}, nil
	}
	return f.issueFn(ctx, caller, input)
}

func (f fakeEngine) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if f.getFn == nil {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return f.getFn(ctx, ticketID)
}

func (f fakeEngine) EstimateWait(ctx context.Context, ticketID string) (engine.WaitEstimate, error) {
	if f.estimateFn == nil {
		return engine.WaitEstimate{}, nil
	}
	return f.estimateFn(ctx, ticketID)
}

func (f fakeEngine) TicketHistory(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	if f.historyFn == nil {
		return nil, nil
	}
	return f.historyFn(ctx, ticketID)
}

func (f fakeEngine) CompleteTicket(ctx context.Context, caller engine.Caller, ticketID, notes string) (models.Ticket, error) {
	if f.completeFn == nil {
		return models.Ticket{}, nil
	}
	return f.completeFn(ctx, caller, ticketID, notes)
}

func (f fakeEngine) SkipTicket(ctx context.Context, caller engine.Caller, ticketID, notes string) (models.Ticket, error) {
	if f.skipFn == nil {
		return models.Ticket{}, nil
	}
	return f.skipFn(ctx, caller, ticketID, notes)
}

func (f fakeEngine) CancelTicket(ctx context.Context, caller engine.Caller, ticketID string) (models.Ticket, error) {
	if f.cancelFn == nil {
		return models.Ticket{}, nil
	}
	return f.cancelFn(ctx, caller, ticketID)
}

func (f fakeEngine) ListWaiting(ctx context.Context, branchID string) ([]models.Ticket, error) {
	if f.waitingFn == nil {
		return nil, nil
	}
	return f.waitingFn(ctx, branchID)
}

func (f fakeEngine) ListServedTickets(ctx context.Context, branchID, staffID, startDate string, status models.Status) ([]models.Ticket, error) {
	if f.servedFn == nil {
		return nil, nil
	}
	return f.servedFn(ctx, branchID, staffID, startDate, status)
}

func (f fakeEngine) CallNext(ctx context.Context, caller engine.Caller, branchID, counterID string) (models.Ticket, bool, error) {
	if f.callFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.callFn(ctx, caller, branchID, counterID)
}

func (f fakeEngine) AssignCounter(ctx context.Context, caller engine.Caller, counterID, staffID string) (models.Counter, error) {
	if f.assignFn == nil {
		return models.Counter{}, nil
	}
	return f.assignFn(ctx, caller, counterID, staffID)
}

func (f fakeEngine) ReleaseCounter(ctx context.Context, caller engine.Caller, counterID string) error {
	if f.releaseFn == nil {
		return nil
	}
	return f.releaseFn(ctx, caller, counterID)
}

func (f fakeEngine) Heartbeat(ctx context.Context, caller engine.Caller, counterID string) (models.Counter, error) {
	if f.heartbeatFn == nil {
		return models.Counter{}, nil
	}
	return f.heartbeatFn(ctx, caller, counterID)
}

func (f fakeEngine) ListCounters(ctx context.Context, branchID string, availableOnly bool) ([]models.Counter, error) {
	if f.countersFn == nil {
		return nil, nil
	}
	return f.countersFn(ctx, branchID, availableOnly)
}

func (f fakeEngine) ActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	if f.activeFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.activeFn(ctx, counterID)
}

func (f fakeEngine) GetStats(ctx context.Context, branchID, startDate, endDate, servedBy string) (stats.Summary, error) {
	if f.statsFn == nil {
		return stats.Summary{}, nil
	}
	return f.statsFn(ctx, branchID, startDate, endDate, servedBy)
}

func (f fakeEngine) GetReport(ctx context.Context, branchID, startDate, endDate string) (engine.Report, error) {
	if f.reportFn == nil {
		return engine.Report{}, nil
	}
	return f.reportFn(ctx, branchID, startDate, endDate)
}

func (f fakeEngine) ListEvents(ctx context.Context, branchID string, after store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	if f.eventsFn == nil {
		return nil, nil
	}
	return f.eventsFn(ctx, branchID, after, limit)
}

func newTestServer(eng Engine) http.Handler {
	return NewHandler(eng).Routes(&Identity{TrustGateway: true})
}

func doRequest(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp.Error.Code
}

func TestIssueTicket(t *testing.T) {
	var got engine.IssueTicketInput
	var gotCaller engine.Caller
	h := newTestServer(fakeEngine{
		issueFn: func(ctx context.Context, caller engine.Caller, input engine.IssueTicketInput) (models.Ticket, error) {
			got = input
			gotCaller = caller
			return models.Ticket{TicketID: "t1", TicketNumber: "A-001", Status: models.StatusWaiting}, nil
		},
	})

	rec := doRequest(t, h, http.MethodPost, "/api/tickets", map[string]interface{}{
		"branch_id":      " b1 ",
		"service_id":     "svc",
		"priority_level": 2,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rec.Code, rec.Body.String())
	}
	if got.BranchID != "b1" || got.ServiceID != "svc" || got.PriorityLevel != 2 {
		t.Fatalf("unexpected input %+v", got)
	}
	if gotCaller.Role != engine.RoleKiosk {
		t.Fatalf("expected kiosk caller without headers, got %s", gotCaller.Role)
	}
	var ticket models.Ticket
	if err := json.NewDecoder(rec.Body).Decode(&ticket); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ticket.TicketNumber != "A-001" {
		t.Fatalf("expected A-001, got %s", ticket.TicketNumber)
	}
}

func TestIssueTicketValidation(t *testing.T) {
	h := newTestServer(fakeEngine{})
	cases := []struct {
		name string
		body interface{}
		code string
	}{
		{name: "missing service", body: map[string]string{"branch_id": "b1"}, code: "invalid_request"},
		{name: "unknown field", body: map[string]string{"branch_id": "b1", "service_id": "s", "tenant": "x"}, code: "invalid_json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodPost, "/api/tickets", tc.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if code := decodeErrorCode(t, rec); code != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, code)
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{err: store.ErrTicketNotFound, status: http.StatusNotFound, code: "ticket_not_found"},
		{err: store.ErrCounterNotFound, status: http.StatusNotFound, code: "counter_not_found"},
		{err: fmt.Errorf("%w: serving -> serving", store.ErrInvalidTransition), status: http.StatusConflict, code: "invalid_transition"},
		{err: store.ErrCounterBusy, status: http.StatusConflict, code: "counter_busy"},
		{err: store.ErrCounterAlreadyAssigned, status: http.StatusConflict, code: "counter_already_assigned"},
		{err: store.ErrConflict, status: http.StatusConflict, code: "conflict"},
		{err: fmt.Errorf("%w: nope", store.ErrAccessDenied), status: http.StatusForbidden, code: "access_denied"},
		{err: fmt.Errorf("%w: priority", engine.ErrValidation), status: http.StatusBadRequest, code: "invalid_request"},
		{err: fmt.Errorf("boom"), status: http.StatusInternalServerError, code: "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			h := newTestServer(fakeEngine{
				completeFn: func(ctx context.Context, caller engine.Caller, ticketID, notes string) (models.Ticket, error) {
					return models.Ticket{}, tc.err
				},
			})
			rec := doRequest(t, h, http.MethodPost, "/api/tickets/t1/complete", nil, map[string]string{"X-Role": "staff", "X-Staff-ID": "alice"})
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if code := decodeErrorCode(t, rec); code != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, code)
			}
		})
	}
}

func TestCallNext(t *testing.T) {
	t.Run("empty pool", func(t *testing.T) {
		h := newTestServer(fakeEngine{})
		rec := doRequest(t, h, http.MethodPost, "/api/counters/c1/call-next", map[string]string{"branch_id": "b1"}, nil)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rec.Code)
		}
	})

	t.Run("seated", func(t *testing.T) {
		var gotCaller engine.Caller
		var gotCounter string
		h := newTestServer(fakeEngine{
			callFn: func(ctx context.Context, caller engine.Caller, branchID, counterID string) (models.Ticket, bool, error) {
				gotCaller = caller
				gotCounter = counterID
				return models.Ticket{TicketID: "t1", Status: models.StatusServing}, true, nil
			},
		})
		rec := doRequest(t, h, http.MethodPost, "/api/counters/c1/call-next", map[string]string{"branch_id": "b1"},
			map[string]string{"X-Role": "Staff", "X-Staff-ID": "alice"})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if gotCounter != "c1" {
			t.Fatalf("expected counter c1, got %s", gotCounter)
		}
		if gotCaller.Role != engine.RoleStaff || gotCaller.StaffID != "alice" {
			t.Fatalf("unexpected caller %+v", gotCaller)
		}
	})

	t.Run("missing branch", func(t *testing.T) {
		h := newTestServer(fakeEngine{})
		rec := doRequest(t, h, http.MethodPost, "/api/counters/c1/call-next", map[string]string{}, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestIdentity(t *testing.T) {
	var gotCaller engine.Caller
	eng := fakeEngine{
		cancelFn: func(ctx context.Context, caller engine.Caller, ticketID string) (models.Ticket, error) {
			gotCaller = caller
			return models.Ticket{TicketID: ticketID, Status: models.StatusCancelled}, nil
		},
	}

	untrusted := NewHandler(eng).Routes(&Identity{TrustGateway: false})
	rec := doRequest(t, untrusted, http.MethodPost, "/api/tickets/t1/cancel", nil, map[string]string{"X-Role": "admin", "X-Staff-ID": "root"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotCaller.Role != engine.RoleKiosk || gotCaller.StaffID != "" {
		t.Fatalf("expected untrusted headers ignored, got %+v", gotCaller)
	}

	trusted := newTestServer(eng)
	rec = doRequest(t, trusted, http.MethodPost, "/api/tickets/t1/cancel", nil, map[string]string{"X-Role": "superuser"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", rec.Code)
	}
}

func TestListCountersAvailable(t *testing.T) {
	var gotAvailable bool
	h := newTestServer(fakeEngine{
		countersFn: func(ctx context.Context, branchID string, availableOnly bool) ([]models.Counter, error) {
			gotAvailable = availableOnly
			return nil, nil
		},
	})
	rec := doRequest(t, h, http.MethodGet, "/api/counters?branch_id=b1&available=true", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !gotAvailable {
		t.Fatalf("expected available filter")
	}
	var resp struct {
		Counters []models.Counter `json:"counters"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Counters == nil {
		t.Fatalf("expected empty list, got null")
	}

	rec = doRequest(t, h, http.MethodGet, "/api/counters?branch_id=b1&available=maybe", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestActiveTicketNone(t *testing.T) {
	h := newTestServer(fakeEngine{})
	rec := doRequest(t, h, http.MethodGet, "/api/counters/c1/active", nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestStatsParams(t *testing.T) {
	var gotServedBy string
	h := newTestServer(fakeEngine{
		statsFn: func(ctx context.Context, branchID, startDate, endDate, servedBy string) (stats.Summary, error) {
			gotServedBy = servedBy
			if startDate > endDate {
				return stats.Summary{}, fmt.Errorf("%w: end before start", stats.ErrInvalidWindow)
			}
			return stats.Summary{Total: 3}, nil
		},
	})

	rec := doRequest(t, h, http.MethodGet, "/api/stats?branch_id=b1&start=2026-01-01&end=2026-01-07&served_by=alice", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotServedBy != "alice" {
		t.Fatalf("expected served_by alice, got %q", gotServedBy)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/stats?branch_id=b1&start=2026-01-01", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without end, got %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/stats?branch_id=b1&start=2026-02-01&end=2026-01-01", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted window, got %d", rec.Code)
	}
}

func TestListServedTickets(t *testing.T) {
	var gotStaff, gotStart string
	var gotStatus models.Status
	h := newTestServer(fakeEngine{
		servedFn: func(ctx context.Context, branchID, staffID, startDate string, status models.Status) ([]models.Ticket, error) {
			gotStaff, gotStart, gotStatus = staffID, startDate, status
			if status == models.StatusServing {
				return nil, fmt.Errorf("%w: status must be terminal", engine.ErrValidation)
			}
			return []models.Ticket{{TicketID: "t2", Status: models.StatusCompleted}}, nil
		},
	})

	rec := doRequest(t, h, http.MethodGet, "/api/tickets?branch_id=b1&served_by=alice&start=2026-03-01&status=completed", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if gotStaff != "alice" || gotStart != "2026-03-01" || gotStatus != models.StatusCompleted {
		t.Fatalf("unexpected arguments staff=%q start=%q status=%q", gotStaff, gotStart, gotStatus)
	}
	var body struct {
		Tickets []models.Ticket `json:"tickets"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tickets) != 1 || body.Tickets[0].TicketID != "t2" {
		t.Fatalf("expected t2, got %+v", body.Tickets)
	}

	cases := []struct {
		name string
		path string
		want int
	}{
		{name: "missing served_by", path: "/api/tickets?branch_id=b1&start=2026-03-01", want: http.StatusBadRequest},
		{name: "missing start", path: "/api/tickets?branch_id=b1&served_by=alice", want: http.StatusBadRequest},
		{name: "non-terminal status", path: "/api/tickets?branch_id=b1&served_by=alice&start=2026-03-01&status=serving", want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := doRequest(t, h, http.MethodGet, tc.path, nil, nil); rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestEventsCursor(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var gotAfter store.OutboxOffset
	var gotLimit int
	h := newTestServer(fakeEngine{
		eventsFn: func(ctx context.Context, branchID string, after store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
			gotAfter = after
			gotLimit = limit
			return []store.OutboxEvent{{EventID: "e1", BranchID: branchID, Type: store.EventTicketCreated, CreatedAt: created}}, nil
		},
	})

	rec := doRequest(t, h, http.MethodGet, "/api/events?branch_id=b1&after=2026-03-01T08:00:00Z&after_id=e0&limit=9999", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if !gotAfter.LastEventTime.Equal(created.Add(-time.Hour)) || gotAfter.LastEventID != "e0" {
		t.Fatalf("unexpected offset %+v", gotAfter)
	}
	if gotLimit != maxEventsLimit {
		t.Fatalf("expected limit clamp %d, got %d", maxEventsLimit, gotLimit)
	}
	var resp eventsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.NextID != "e1" || resp.NextAfter != created.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected cursor %+v", resp)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/events?branch_id=b1&after=yesterday", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	h := newTestServer(fakeEngine{})
	rec := doRequest(t, h, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
