package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/agentfabric/fabric/internal/breaker"
	"github.com/agentfabric/fabric/internal/ferrors"
	"github.com/agentfabric/fabric/internal/registry"
)

// handleProxy forwards a request under /services/{name}/... to a healthy
// instance of that service, chosen by the balancer (C4) and guarded by a
// per-service breaker (C3), grounded on the reverse-proxy director pattern
// in the example ingress package.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	candidates := s.deps.Registry.Discover(name, registry.DiscoverFilter{HealthyOnly: true})
	if len(candidates) == 0 {
		writeErr(w, r, ferrors.New(ferrors.Unavailable, "no healthy instance for service "+name))
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	instance, err := s.deps.Balancer.Select(name, candidates, sessionID, clientIP(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}

	cb := s.deps.Breakers.GetOrCreate(name, breaker.Config{})

	started := s.clock.Now()
	proxyErr := cb.Call(r.Context(), func(ctx context.Context) error {
		return s.forward(w, r.WithContext(ctx), name, *instance)
	})
	latencyMs := float64(s.clock.Now().Sub(started).Milliseconds())
	s.deps.Balancer.RecordRequestResult(instance.ID, proxyErr == nil, latencyMs)

	if proxyErr != nil {
		writeErr(w, r, proxyErr)
		return
	}
}

// forward strips the "/services/{name}" prefix and reverse-proxies the
// remainder of the path to instance, setting the standard X-Forwarded-*
// headers on the way out.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, name string, instance registry.Instance) error {
	targetURL, err := url.Parse(fmt.Sprintf("http://%s:%d", instance.Host, instance.Port))
	if err != nil {
		return ferrors.Wrap(ferrors.Internal, "invalid instance address", err)
	}

	prefix := s.deps.Config.GatewayPathPrefix + "/services/" + name
	trimmed := strings.TrimPrefix(r.URL.Path, prefix)
	if trimmed == "" {
		trimmed = "/"
	}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Director = func(req *http.Request) {
		req.URL.Scheme = targetURL.Scheme
		req.URL.Host = targetURL.Host
		req.URL.Path = trimmed
		req.Host = targetURL.Host
		req.Header.Set("X-Forwarded-For", r.RemoteAddr)
		req.Header.Set("X-Forwarded-Proto", "http")
		req.Header.Set("X-Forwarded-Host", r.Host)
	}

	var proxyErr error
	proxy.ErrorHandler = func(_ http.ResponseWriter, _ *http.Request, err error) {
		proxyErr = ferrors.Wrap(ferrors.Upstream, "upstream request failed", err)
	}
	proxy.ServeHTTP(w, r)
	return proxyErr
}
