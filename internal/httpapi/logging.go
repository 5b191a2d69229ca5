package httpapi

import (
	"expvar"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	requestsTotal    = expvar.NewInt("requests_total")
	requestsErrors   = expvar.NewInt("requests_errors_total")
	requestsConflict = expvar.NewInt("requests_conflict_total")
	requestsByStatus = expvar.NewMap("requests_by_status")
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// requestScope names the queue objects a request touches so a log line can be
// joined with the ticket audit trail.
type requestScope struct {
	branchID  string
	counterID string
	ticketID  string
}

func scopeOf(r *http.Request) requestScope {
	scope := requestScope{branchID: extractBranchID(r)}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "api" {
		switch parts[1] {
		case "counters":
			scope.counterID = parts[2]
		case "tickets":
			scope.ticketID = parts[2]
		}
	}
	return scope
}

// LoggingMiddleware writes one line per request and feeds the expvar
// counters served on /metrics.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		scope := scopeOf(r)
		writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)
		duration := time.Since(start)

		requestsTotal.Add(1)
		requestsByStatus.Add(strconv.Itoa(writer.status), 1)
		if writer.status >= http.StatusBadRequest {
			requestsErrors.Add(1)
		}
		if writer.status == http.StatusConflict {
			requestsConflict.Add(1)
		}
		log.Printf("request method=%s path=%s status=%d duration_ms=%d branch=%s counter=%s ticket=%s role=%s staff=%s request_id=%s",
			r.Method, r.URL.Path, writer.status, duration.Milliseconds(),
			scope.branchID, scope.counterID, scope.ticketID,
			r.Header.Get("X-Role"), r.Header.Get("X-Staff-ID"), r.Header.Get("X-Request-ID"))
	})
}
