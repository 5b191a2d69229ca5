package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"qms/queue-engine/internal/engine"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/stats"
	"qms/queue-engine/internal/store"
)

const maxEventsLimit = 500

// Engine is the part of the queue engine the HTTP surface drives.
type Engine interface {
	IssueTicket(ctx context.Context, caller engine.Caller, input engine.IssueTicketInput) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	EstimateWait(ctx context.Context, ticketID string) (engine.WaitEstimate, error)
	TicketHistory(ctx context.Context, ticketID string) ([]store.TicketEvent, error)
	CompleteTicket(ctx context.Context, caller engine.Caller, ticketID, notes string) (models.Ticket, error)
	SkipTicket(ctx context.Context, caller engine.Caller, ticketID, notes string) (models.Ticket, error)
	CancelTicket(ctx context.Context, caller engine.Caller, ticketID string) (models.Ticket, error)
	ListWaiting(ctx context.Context, branchID string) ([]models.Ticket, error)
	ListServedTickets(ctx context.Context, branchID, staffID, startDate string, status models.Status) ([]models.Ticket, error)

	CallNext(ctx context.Context, caller engine.Caller, branchID, counterID string) (models.Ticket, bool, error)
	AssignCounter(ctx context.Context, caller engine.Caller, counterID, staffID string) (models.Counter, error)
	ReleaseCounter(ctx context.Context, caller engine.Caller, counterID string) error
	Heartbeat(ctx context.Context, caller engine.Caller, counterID string) (models.Counter, error)
	ListCounters(ctx context.Context, branchID string, availableOnly bool) ([]models.Counter, error)
	ActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error)

	GetStats(ctx context.Context, branchID, startDate, endDate, servedBy string) (stats.Summary, error)
	GetReport(ctx context.Context, branchID, startDate, endDate string) (engine.Report, error)
	ListEvents(ctx context.Context, branchID string, after store.OutboxOffset, limit int) ([]store.OutboxEvent, error)
}

type Handler struct {
	engine Engine
}

func NewHandler(eng Engine) *Handler {
	return &Handler{engine: eng}
}

type errorResponse struct {
	RequestID string        `json:"request_id,omitempty"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type issueTicketRequest struct {
	BranchID      string `json:"branch_id"`
	ServiceID     string `json:"service_id"`
	PriorityLevel int    `json:"priority_level"`
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
	Notes         string `json:"notes"`
}

type ticketActionRequest struct {
	Notes string `json:"notes"`
}

type callNextRequest struct {
	BranchID string `json:"branch_id"`
}

type assignRequest struct {
	StaffID string `json:"staff_id"`
}

type eventsResponse struct {
	Events    []store.OutboxEvent `json:"events"`
	NextAfter string              `json:"next_after,omitempty"`
	NextID    string              `json:"next_after_id,omitempty"`
}

// Routes builds the API router. Identity resolution runs before every
// /api route.
func (h *Handler) Routes(identity *Identity) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", expvar.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(identity.Middleware)

		r.Post("/tickets", h.handleIssueTicket)
		r.Get("/tickets", h.handleListServed)
		r.Get("/tickets/{ticketID}", h.handleGetTicket)
		r.Get("/tickets/{ticketID}/estimate", h.handleEstimate)
		r.Get("/tickets/{ticketID}/history", h.handleHistory)
		r.Post("/tickets/{ticketID}/complete", h.handleComplete)
		r.Post("/tickets/{ticketID}/skip", h.handleSkip)
		r.Post("/tickets/{ticketID}/cancel", h.handleCancel)
		r.Get("/queue", h.handleQueue)

		r.Get("/counters", h.handleListCounters)
		r.Get("/counters/{counterID}/active", h.handleActiveTicket)
		r.Post("/counters/{counterID}/call-next", h.handleCallNext)
		r.Post("/counters/{counterID}/assign", h.handleAssign)
		r.Post("/counters/{counterID}/release", h.handleRelease)
		r.Post("/counters/{counterID}/heartbeat", h.handleHeartbeat)

		r.Get("/stats", h.handleStats)
		r.Get("/reports", h.handleReport)
		r.Get("/events", h.handleEvents)
	})
	return r
}

func (h *Handler) handleIssueTicket(w http.ResponseWriter, r *http.Request) {
	var req issueTicketRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.BranchID = strings.TrimSpace(req.BranchID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	if req.BranchID == "" || req.ServiceID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "branch_id and service_id are required")
		return
	}

	ticket, err := h.engine.IssueTicket(r.Context(), callerFromContext(r.Context()), engine.IssueTicketInput{
		ServiceID:     req.ServiceID,
		BranchID:      req.BranchID,
		PriorityLevel: req.PriorityLevel,
		CustomerName:  strings.TrimSpace(req.CustomerName),
		CustomerPhone: strings.TrimSpace(req.CustomerPhone),
		Notes:         strings.TrimSpace(req.Notes),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.engine.GetTicket(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleEstimate(w http.ResponseWriter, r *http.Request) {
	estimate, err := h.engine.EstimateWait(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, estimate)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.engine.TicketHistory(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req ticketActionRequest
	if !decodeOptionalRequest(w, r, &req) {
		return
	}
	ticket, err := h.engine.CompleteTicket(r.Context(), callerFromContext(r.Context()), chi.URLParam(r, "ticketID"), strings.TrimSpace(req.Notes))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleSkip(w http.ResponseWriter, r *http.Request) {
	var req ticketActionRequest
	if !decodeOptionalRequest(w, r, &req) {
		return
	}
	ticket, err := h.engine.SkipTicket(r.Context(), callerFromContext(r.Context()), chi.URLParam(r, "ticketID"), strings.TrimSpace(req.Notes))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.engine.CancelTicket(r.Context(), callerFromContext(r.Context()), chi.URLParam(r, "ticketID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	branchID, ok := requireQuery(w, r, "branch_id")
	if !ok {
		return
	}
	tickets, err := h.engine.ListWaiting(r.Context(), branchID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"branch_id": branchID, "tickets": tickets})
}

// handleListServed lists a staff member's finished tickets since start.
func (h *Handler) handleListServed(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	branchID := strings.TrimSpace(query.Get("branch_id"))
	servedBy := strings.TrimSpace(query.Get("served_by"))
	start := strings.TrimSpace(query.Get("start"))
	if branchID == "" || servedBy == "" || start == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "branch_id, served_by, and start are required")
		return
	}
	status := models.Status(strings.TrimSpace(query.Get("status")))
	tickets, err := h.engine.ListServedTickets(r.Context(), branchID, servedBy, start, status)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"branch_id": branchID, "served_by": servedBy, "tickets": tickets})
}

func (h *Handler) handleListCounters(w http.ResponseWriter, r *http.Request) {
	branchID, ok := requireQuery(w, r, "branch_id")
	if !ok {
		return
	}
	available := false
	if raw := r.URL.Query().Get("available"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "available must be a boolean")
			return
		}
		available = parsed
	}
	counters, err := h.engine.ListCounters(r.Context(), branchID, available)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if counters == nil {
		counters = []models.Counter{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"counters": counters})
}

func (h *Handler) handleActiveTicket(w http.ResponseWriter, r *http.Request) {
	ticket, found, err := h.engine.ActiveTicket(r.Context(), chi.URLParam(r, "counterID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	var req callNextRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.BranchID = strings.TrimSpace(req.BranchID)
	if req.BranchID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "branch_id is required")
		return
	}

	ticket, found, err := h.engine.CallNext(r.Context(), callerFromContext(r.Context()), req.BranchID, chi.URLParam(r, "counterID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.StaffID = strings.TrimSpace(req.StaffID)
	if req.StaffID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "staff_id is required")
		return
	}
	counter, err := h.engine.AssignCounter(r.Context(), callerFromContext(r.Context()), chi.URLParam(r, "counterID"), req.StaffID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counter)
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ReleaseCounter(r.Context(), callerFromContext(r.Context()), chi.URLParam(r, "counterID")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	counter, err := h.engine.Heartbeat(r.Context(), callerFromContext(r.Context()), chi.URLParam(r, "counterID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counter)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	branchID := strings.TrimSpace(query.Get("branch_id"))
	start := strings.TrimSpace(query.Get("start"))
	end := strings.TrimSpace(query.Get("end"))
	if branchID == "" || start == "" || end == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "branch_id, start, and end are required")
		return
	}
	summary, err := h.engine.GetStats(r.Context(), branchID, start, end, strings.TrimSpace(query.Get("served_by")))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	branchID := strings.TrimSpace(query.Get("branch_id"))
	start := strings.TrimSpace(query.Get("start"))
	end := strings.TrimSpace(query.Get("end"))
	if branchID == "" || start == "" || end == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "branch_id, start, and end are required")
		return
	}
	report, err := h.engine.GetReport(r.Context(), branchID, start, end)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	branchID, ok := requireQuery(w, r, "branch_id")
	if !ok {
		return
	}
	query := r.URL.Query()
	var after store.OutboxOffset
	if raw := strings.TrimSpace(query.Get("after")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "after must be RFC3339")
			return
		}
		after.LastEventTime = parsed
	}
	after.LastEventID = strings.TrimSpace(query.Get("after_id"))

	limit := 100
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}

	events, err := h.engine.ListEvents(r.Context(), branchID, after, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	resp := eventsResponse{Events: events}
	if resp.Events == nil {
		resp.Events = []store.OutboxEvent{}
	}
	if n := len(events); n > 0 {
		resp.NextAfter = events[n-1].CreatedAt.UTC().Format(time.RFC3339Nano)
		resp.NextID = events[n-1].EventID
	}
	writeJSON(w, http.StatusOK, resp)
}

func requireQuery(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", key+" is required")
		return "", false
	}
	return value, true
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

// decodeOptionalRequest accepts an empty body.
func decodeOptionalRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	if r.Body == nil {
		return true
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	writeError(w, requestIDFromRequest(r), status, code, msg)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, store.ErrServiceNotFound):
		return http.StatusNotFound, "service_not_found", "service not found"
	case errors.Is(err, store.ErrBranchNotFound):
		return http.StatusNotFound, "branch_not_found", "branch not found"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "ticket state does not allow this action"
	case errors.Is(err, store.ErrCounterBusy):
		return http.StatusConflict, "counter_busy", "counter is already serving a ticket"
	case errors.Is(err, store.ErrCounterAlreadyAssigned):
		return http.StatusConflict, "counter_already_assigned", "counter is assigned to another staff member"
	case errors.Is(err, store.ErrCounterUnavailable):
		return http.StatusConflict, "counter_unavailable", "counter is not open for calling"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "concurrent update, retry"
	case errors.Is(err, store.ErrInactive):
		return http.StatusConflict, "inactive", "branch or service is not active"
	case errors.Is(err, store.ErrAccessDenied):
		return http.StatusForbidden, "access_denied", "access denied"
	case errors.Is(err, engine.ErrValidation), errors.Is(err, stats.ErrInvalidWindow):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, store.ErrBrokenChain):
		return http.StatusInternalServerError, "broken_chain", "ticket audit chain does not verify"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}
