package gateway

import "net/http"

// applyCORS sets the CORS response headers for origin against the
// configured allow-list, returning whether the origin was permitted.
// A single "*" entry permits any origin.
func (s *Server) applyCORS(w http.ResponseWriter, origin string) bool {
	if !s.deps.Config.EnableCORS || origin == "" {
		return false
	}
	allowed := ""
	for _, o := range s.deps.Config.CORSOriginList() {
		if o == "*" {
			allowed = "*"
			break
		}
		if o == origin {
			allowed = origin
			break
		}
	}
	if allowed == "" {
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", allowed)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, PUT, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+s.deps.Config.APIKeyHeader)
	w.Header().Set("Access-Control-Max-Age", "600")
	if allowed != "*" {
		w.Header().Set("Vary", "Origin")
	}
	return true
}

// corsMiddleware applies CORS headers to every response and short-circuits
// OPTIONS preflight requests with a 204, per the gateway pipeline's step 4.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.applyCORS(w, r.Header.Get("Origin"))
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
