package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentfabric/fabric/internal/ferrors"
)

// statusFor maps a ferrors.Kind to the HTTP status the gateway responds
// with, per the fixed Kind→status table every component's errors funnel
// through.
func statusFor(k ferrors.Kind) int {
	switch k {
	case ferrors.Validation:
		return http.StatusUnprocessableEntity
	case ferrors.NotFound:
		return http.StatusNotFound
	case ferrors.Conflict:
		return http.StatusConflict
	case ferrors.Unauthenticated:
		return http.StatusUnauthorized
	case ferrors.Forbidden:
		return http.StatusForbidden
	case ferrors.RateLimited:
		return http.StatusTooManyRequests
	case ferrors.Timeout:
		return http.StatusGatewayTimeout
	case ferrors.Unavailable:
		return http.StatusServiceUnavailable
	case ferrors.Upstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON encodes v as JSON and writes it with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps err to its HTTP status and writes the standard
// {error, request_id} error body. If err wraps a RateLimited kind and the
// caller has not already set Retry-After, it is set to 60 seconds.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := ferrors.KindOf(err)
	status := statusFor(kind)
	if kind == ferrors.RateLimited && w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, status, map[string]string{
		"error":      err.Error(),
		"request_id": requestID(r),
	})
}

type requestIDKey struct{}

var requestIDContextKey = requestIDKey{}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDContextKey).(string); ok {
		return id
	}
	return ""
}

// timestamp is the RFC3339 timestamp used in gateway response envelopes.
func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
