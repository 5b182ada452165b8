package shield

import "net/http"

// MaxBody returns middleware that limits every request body to maxBytes,
// regardless of content type. Adapted from MaxFormBody's form-encoded-only
// check: the MCP endpoint only ever receives JSON-RPC bodies, so there is
// no form-vs-other distinction left to make — every body gets the ceiling.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
