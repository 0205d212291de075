// Package gateway implements C8: the HTTP front door that terminates
// inbound REST, WebSocket, and webhook traffic, applies authentication and
// rate limiting, and either dispatches to a local handler or proxies to a
// service instance chosen via the registry and load balancer.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/agentfabric/fabric/internal/authn"
	"github.com/agentfabric/fabric/internal/balancer"
	"github.com/agentfabric/fabric/internal/breaker"
	"github.com/agentfabric/fabric/internal/clock"
	"github.com/agentfabric/fabric/internal/config"
	"github.com/agentfabric/fabric/internal/events"
	"github.com/agentfabric/fabric/internal/ferrors"
	"github.com/agentfabric/fabric/internal/queue"
	"github.com/agentfabric/fabric/internal/ratelimit"
	"github.com/agentfabric/fabric/internal/registry"
	"github.com/agentfabric/fabric/internal/router"
	"github.com/agentfabric/fabric/internal/store"
)

// Dependencies is everything the gateway needs from the other seven
// components, composed here as a concrete struct rather than narrow
// single-method interfaces: fabric's eight components are fixed internal
// collaborators with exactly one real implementation apiece, so
// interface indirection would buy nothing.
type Dependencies struct {
	Queue     *queue.Queue
	Registry  *registry.Registry
	Breakers  *breaker.Manager
	Balancer  *balancer.Balancer
	RateLimit *ratelimit.Limiter
	Router    *router.Router
	Directory *router.Directory

	Bearer  *authn.BearerVerifier
	APIKeys authn.APIKeyStore

	// Admin is the operator-console login path (password/TOTP/WebAuthn +
	// sessions) gating the registry and audit admin routes below.
	// Nil disables the entire /admin surface.
	Admin *authn.Service
	// WebAuthn is the passkey ceremony engine, nil unless config.WebAuthnEnabled().
	WebAuthn *webauthn.WebAuthn

	// MQTT is the optional broker-backed push transport (queue.pushTransport
	// = "mqtt"). Agents that register with metadata["transport"]="mqtt" get
	// their push deliveries mirrored onto the broker instead of requiring a
	// /ws/{agent} connection.
	MQTT *queue.MQTTTransport

	Store  *store.Store
	Bus    *events.Bus[events.GatewayEvent]
	Config *config.Config
	Clock  clock.Clock
	Log    *slog.Logger
}

// Server is C8's HTTP gateway.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
	clock  clock.Clock
}

// NewServer creates a Server with every route registered.
func NewServer(deps Dependencies) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	s := &Server{
		deps:  deps,
		mux:   http.NewServeMux(),
		clock: deps.Clock,
	}
	s.registerRoutes()
	return s
}

// ListenAndServe starts the HTTP server on addr, with timeouts configured
// to tolerate long-lived SSE and WebSocket connections.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE and WebSocket connections are long-lived.
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("gateway listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// route registers a handler under the gateway's common middleware chain:
// request id/metrics wrapping, then auth, then rate limiting, then a
// per-request timeout. pattern is a Go 1.22+ ServeMux pattern, e.g.
// "POST /api/v1/messages".
func (s *Server) route(pattern, metricName string, h http.HandlerFunc) {
	var handler http.Handler = h
	handler = s.timeoutMiddleware(handler)
	handler = s.rateLimitMiddleware(handler)
	handler = s.authMiddleware(handler)
	handler = s.metricsMiddleware(metricName, handler)
	handler = s.requestIDMiddleware(handler)
	handler = s.corsMiddleware(handler)
	s.mux.Handle(pattern, handler)
}

// streamRoute registers a long-lived handler (SSE) that skips the
// per-request timeout middleware, since its whole purpose is to stay open
// past requestTimeout.
func (s *Server) streamRoute(pattern, metricName string, h http.HandlerFunc) {
	var handler http.Handler = h
	handler = s.rateLimitMiddleware(handler)
	handler = s.authMiddleware(handler)
	handler = s.metricsMiddleware(metricName, handler)
	handler = s.requestIDMiddleware(handler)
	handler = s.corsMiddleware(handler)
	s.mux.Handle(pattern, handler)
}

// publicRoute registers a handler that skips authentication and rate
// limiting -- health checks and metrics scraping.
func (s *Server) publicRoute(pattern, metricName string, h http.HandlerFunc) {
	var handler http.Handler = h
	handler = s.metricsMiddleware(metricName, handler)
	handler = s.requestIDMiddleware(handler)
	handler = s.corsMiddleware(handler)
	s.mux.Handle(pattern, handler)
}

// adminRoute registers a handler behind the operator session/bearer auth in
// internal/authn (distinct from authMiddleware's service-to-service
// bearer/API-key check above), CSRF-protected, requiring perm. Used for the
// gateway's permission-gated administrative surface: registry force-actions
// and the audit log.
func (s *Server) adminRoute(pattern, metricName string, h http.HandlerFunc, perm authn.Permission) {
	var handler http.Handler = h
	handler = authn.RequirePermission(perm)(handler)
	handler = authn.CSRFMiddleware(handler)
	handler = authn.AuthMiddleware(s.deps.Admin)(handler)
	handler = s.metricsMiddleware(metricName, handler)
	handler = s.requestIDMiddleware(handler)
	handler = s.corsMiddleware(handler)
	s.mux.Handle(pattern, handler)
}

// adminSessionRoute is adminRoute without a specific permission check --
// any authenticated operator may log out or enroll their own passkey.
func (s *Server) adminSessionRoute(pattern, metricName string, h http.HandlerFunc) {
	var handler http.Handler = h
	handler = authn.CSRFMiddleware(handler)
	handler = authn.AuthMiddleware(s.deps.Admin)(handler)
	handler = s.metricsMiddleware(metricName, handler)
	handler = s.requestIDMiddleware(handler)
	handler = s.corsMiddleware(handler)
	s.mux.Handle(pattern, handler)
}

// adminPublicRoute registers an unauthenticated admin endpoint: login,
// TOTP verification, and discoverable passkey login all start before a
// session exists.
func (s *Server) adminPublicRoute(pattern, metricName string, h http.HandlerFunc) {
	var handler http.Handler = h
	handler = s.metricsMiddleware(metricName, handler)
	handler = s.requestIDMiddleware(handler)
	handler = s.corsMiddleware(handler)
	s.mux.Handle(pattern, handler)
}

func (s *Server) registerRoutes() {
	s.publicRoute("GET /health", "health", s.handleHealth)
	s.publicRoute("GET /system/info", "system_info", s.handleSystemInfo)

	s.route("POST /services/register", "services_register", s.handleServiceRegister)
	s.route("DELETE /services/{id}", "services_delete", s.handleServiceDeregister)
	s.route("GET /services/{id}", "services_get", s.handleServiceGet)
	// "GET /services/{id}/status" and "/health" are served through one
	// two-segment pattern: registered separately they would conflict with
	// "GET /services/discover/{name}" and "/healthy/{name}" (each matches
	// paths the other does), and ServeMux panics on conflicting patterns.
	s.route("GET /services/{id}/{sub}", "services_instance", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("sub") {
		case "status":
			s.handleServiceStatus(w, r)
		case "health":
			s.handleServiceHealth(w, r)
		default:
			writeErr(w, r, ferrors.New(ferrors.NotFound, "not found"))
		}
	})
	s.route("POST /services/{id}/heartbeat", "services_heartbeat", s.handleServiceHeartbeat)
	s.route("GET /services/discover/{name}", "services_discover", s.handleServiceDiscover)
	s.route("GET /services/healthy/{name}", "services_healthy", s.handleServiceHealthy)
	s.route("GET /services", "services_list", s.handleServiceList)

	prefix := s.deps.Config.GatewayPathPrefix

	s.route("POST "+prefix+"/messages", "messages_enqueue", s.handleMessageEnqueue)
	s.route("POST "+prefix+"/broadcast", "broadcast", s.handleBroadcast)
	s.route("GET "+prefix+"/messages/{agent}", "messages_poll", s.handleMessagePoll)
	s.route("POST "+prefix+"/messages/{id}/ack", "messages_ack", s.handleMessageAck)
	s.route("GET "+prefix+"/messages/{agent}/receipts", "messages_receipts", s.handleMessageReceipts)

	s.route("POST "+prefix+"/agents/register", "agents_register", s.handleAgentRegister)
	s.route("GET "+prefix+"/agents", "agents_list", s.handleAgentList)
	s.route("POST "+prefix+"/agents/{id}/heartbeat", "agents_heartbeat", s.handleAgentHeartbeat)

	s.route("GET "+prefix+"/stats", "stats", s.handleStats)
	s.streamRoute("GET "+prefix+"/events", "events_sse", s.handleSSE)

	s.route(prefix+"/services/{name}/", "service_proxy", s.handleProxy)

	s.publicRoute("GET /ws/{agent}", "ws", s.handleWebSocket)

	s.route("POST /webhooks/{provider}", "webhook", s.handleWebhook)

	if s.deps.Admin != nil {
		s.adminPublicRoute("POST "+authn.AdminLoginPath, "admin_login", s.handleAdminLogin)
		s.adminPublicRoute("POST /admin/login/totp", "admin_login_totp", s.handleAdminLoginTOTP)
		s.adminPublicRoute("POST /admin/passkeys/login/begin", "admin_passkey_login_begin", s.handleAdminPasskeyLoginBegin)
		s.adminPublicRoute("POST /admin/passkeys/login/finish", "admin_passkey_login_finish", s.handleAdminPasskeyLoginFinish)

		s.adminSessionRoute("POST /admin/logout", "admin_logout", s.handleAdminLogout)
		s.adminSessionRoute("POST /admin/passkeys/register/begin", "admin_passkey_register_begin", s.handleAdminPasskeyRegisterBegin)
		s.adminSessionRoute("POST /admin/passkeys/register/finish", "admin_passkey_register_finish", s.handleAdminPasskeyRegisterFinish)

		s.adminRoute("POST /admin/services/{id}/force-deregister", "admin_force_deregister", s.handleAdminForceDeregister, authn.PermServicesManage)
		s.adminRoute("POST /admin/services/{id}/dependencies", "admin_set_dependencies", s.handleAdminSetDependencies, authn.PermServicesManage)
		s.adminRoute("GET /admin/audit", "admin_audit", s.handleAdminAuditLog, authn.PermAuditView)
	}
}
