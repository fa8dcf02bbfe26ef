package relayserver

import "net/http"

// APIKeyMiddleware gates every route but health behind an optional
// X-API-Key header, per §4.8's "no authentication is assumed beyond an
// optional X-API-Key header". Adapted from auth.go's bearer-token
// AuthMiddleware: same open-if-unconfigured and skip-health shape, but
// checked against a single configured key via a custom header instead of
// a token set against Authorization: Bearer.
func APIKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/relay/status/health" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != apiKey {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid or missing X-API-Key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
