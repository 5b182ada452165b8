package httpapi

import (
	"net/http"
	"strings"

	"github.com/forgemcp/dynmcp/idgen"
	"github.com/forgemcp/dynmcp/kit"
)

// maxIncomingRequestIDLen bounds a caller-supplied request id header before
// it is trusted and echoed back.
const maxIncomingRequestIDLen = 128

const requestIDHeader = "X-Request-Id"

// requestID assigns or propagates a request id: a
// caller-supplied X-Request-Id header is reused verbatim when present and
// within bound, otherwise one is generated. Either way it is echoed on the
// response header and stashed in context for handlers and error payloads.
func requestID(next http.Handler) http.Handler {
	gen := idgen.Prefixed("req_", idgen.NanoID(12))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > maxIncomingRequestIDLen {
			id = gen()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := kit.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bodyTooLarge reports whether err is the sentinel http.MaxBytesReader
// raises once the body ceiling is exceeded, so callers can map it to a 413
// JSON-RPC error instead of a generic 400/500.
func bodyTooLarge(err error) bool {
	return err != nil && strings.Contains(err.Error(), "http: request body too large")
}
