package gateway

import "net/http"

// versionHeader is checked when a request doesn't carry an explicit
// version path prefix.
const versionHeader = "X-API-Version"

// resolveVersion extracts the caller's requested handler version: the
// X-API-Version header takes precedence over none being set. An
// unversioned request ("") falls back to the default registration.
func resolveVersion(r *http.Request) string {
	return r.Header.Get(versionHeader)
}
