package gateway

import "net/http"

// handleStats aggregates a Stats() snapshot from every wired component,
// the single cross-cutting endpoint an operator dashboard or CLI polls
// instead of scraping /metrics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": timestamp(),
		"queue":     s.deps.Queue.Stats(),
		"registry": map[string]any{
			"service_names": len(s.deps.Registry.ListAll()),
		},
		"breakers":  s.deps.Breakers.Summary(),
		"balancer":  s.deps.Balancer.Stats(),
		"ratelimit": s.deps.RateLimit.GlobalStats(),
		"router":    s.deps.Router.Stats(),
		"agents":    s.deps.Directory.Stats(),
	})
}
