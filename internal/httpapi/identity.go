package httpapi

import (
	"context"
	"net/http"
	"strings"

	"qms/queue-engine/internal/engine"
)

type callerContextKey struct{}

// Identity turns gateway headers into an engine.Caller. Authentication
// happens upstream; when the gateway is not trusted every request acts as a
// kiosk.
type Identity struct {
	TrustGateway bool
}

func (i *Identity) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := engine.Caller{Role: engine.RoleKiosk}
		if i != nil && i.TrustGateway {
			role := engine.Role(strings.ToLower(strings.TrimSpace(r.Header.Get("X-Role"))))
			if role != "" {
				if !role.Valid() {
					writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_role", "unknown role")
					return
				}
				caller.Role = role
			}
			caller.StaffID = strings.TrimSpace(r.Header.Get("X-Staff-ID"))
		}
		ctx := context.WithValue(r.Context(), callerContextKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFromContext(ctx context.Context) engine.Caller {
	caller, ok := ctx.Value(callerContextKey{}).(engine.Caller)
	if !ok {
		return engine.Caller{Role: engine.RoleKiosk}
	}
	return caller
}
