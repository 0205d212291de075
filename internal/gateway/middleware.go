package gateway

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/agentfabric/fabric/internal/authn"
	"github.com/agentfabric/fabric/internal/ferrors"
	"github.com/agentfabric/fabric/internal/metrics"
	"github.com/agentfabric/fabric/internal/ratelimit"
)

// clientIP extracts the IP address from r.RemoteAddr, stripping the port.
// Falls back to the raw RemoteAddr if parsing fails.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestIDMiddleware stamps every request with an id, used in error
// bodies and diagnostic logging, and sets the gateway's identifying header
// on every response.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-API-Gateway", "fabric")
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// metricsMiddleware records request counts and handling duration under
// the matched mux pattern, labeled by status class.
func (s *Server) metricsMiddleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.GatewayRequestDuration.WithLabelValues(route).Observe(s.clock.Now().Sub(start).Seconds())
		metrics.GatewayRequests.WithLabelValues(route, statusClass(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// authContext carries the resolved caller identity downstream, mirroring
// authn's own RequestContext shape but scoped to gateway service-to-service
// callers rather than operator dashboard sessions.
type authContext struct {
	OwnerID     string
	Permissions []string
	AuthMethod  string
}

type authContextKey struct{}

var authContextKeyVal = authContextKey{}

// GetAuthContext extracts the resolved caller identity from ctx, or nil if
// the request was never authenticated (auth disabled, or not yet run).
func GetAuthContext(ctx context.Context) *authContext {
	ac, _ := ctx.Value(authContextKeyVal).(*authContext)
	return ac
}

// authMiddleware resolves the caller's identity from an API key or bearer
// token, per the gateway pipeline's step 2. When auth isn't required it
// injects a synthetic "system" context (no permission list) as an
// auth-disabled escape hatch.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.deps.Config.AuthRequired() {
			ctx := context.WithValue(r.Context(), authContextKeyVal, &authContext{OwnerID: "system", AuthMethod: "disabled"})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if bearer := authn.ExtractBearerToken(r.Header.Get("Authorization")); bearer != "" && s.deps.Bearer != nil {
			result := s.deps.Bearer.Verify(bearer)
			metrics.AuthAttempts.WithLabelValues("bearer", outcomeOf(result.Success)).Inc()
			if !result.Success {
				writeErr(w, r, ferrors.New(ferrors.Unauthenticated, result.FailureReason))
				return
			}
			s.serveAuthenticated(w, r, next, result, "bearer")
			return
		}

		if apiKey := r.Header.Get(s.deps.Config.APIKeyHeader); apiKey != "" {
			result := authn.VerifyAPIKey(s.deps.APIKeys, apiKey, s.clock.Now())
			metrics.AuthAttempts.WithLabelValues("api_key", outcomeOf(result.Success)).Inc()
			if !result.Success {
				writeErr(w, r, ferrors.New(ferrors.Unauthenticated, result.FailureReason))
				return
			}
			s.serveAuthenticated(w, r, next, result, "api_key")
			return
		}

		metrics.AuthAttempts.WithLabelValues("none", "failure").Inc()
		writeErr(w, r, ferrors.New(ferrors.Unauthenticated, "missing API key or bearer token"))
	})
}

func (s *Server) serveAuthenticated(w http.ResponseWriter, r *http.Request, next http.Handler, result authn.Result, method string) {
	ac := &authContext{OwnerID: result.OwnerID, Permissions: result.Permissions, AuthMethod: method}
	ctx := context.WithValue(r.Context(), authContextKeyVal, ac)
	next.ServeHTTP(w, r.WithContext(ctx))
}

func outcomeOf(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// rateLimitMiddleware applies C5 admission control keyed by API key,
// owner id, or client IP (in that priority order), per the gateway
// pipeline's step 3.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get(s.deps.Config.APIKeyHeader)
		owner := ""
		if ac := GetAuthContext(r.Context()); ac != nil {
			owner = ac.OwnerID
		}
		id := ratelimit.ClientID(apiKey, owner, clientIP(r))

		result := s.deps.RateLimit.Check(id)
		if !result.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
			writeErr(w, r, ferrors.New(ferrors.RateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// timeoutMiddleware bounds the request's context to the configured
// request timeout, per the gateway pipeline's local- and proxy-branch
// handling.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.deps.Config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
