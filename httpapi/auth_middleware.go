package httpapi

import (
	"net/http"
	"strings"

	"github.com/forgemcp/dynmcp/audit"
	"github.com/forgemcp/dynmcp/auth"
	"github.com/forgemcp/dynmcp/kit"
)

// requireBearer enforces bearer auth on the MCP endpoint only:
// missing/empty bearer token -> 401 JSON-RPC auth-missing; verification
// failure -> 403 JSON-RPC auth-invalid. Every outcome is audit-logged, and
// a verified caller's claims are enriched into the request context so
// downstream tool policy (not implemented by this layer) can see them.
func requireBearer(verifier auth.TokenVerifier, auditLog *audit.Logger, m *metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := kit.GetRequestID(r.Context())
			token := bearerToken(r)

			claims, err := verifier.Verify(r.Context(), token)
			if err != nil {
				m.authDenied.Add(1)
				logAuthOutcome(auditLog, r, false, err)
				if err == auth.ErrMissingToken {
					writeRPCError(w, http.StatusUnauthorized, codeAuthMissing, "missing bearer token", reqID)
				} else {
					writeRPCError(w, http.StatusForbidden, codeAuthInvalid, "invalid bearer token", reqID)
				}
				return
			}

			m.authSuccess.Add(1)
			logAuthOutcome(auditLog, r, true, nil)
			ctx := kit.WithUserID(r.Context(), claims.Subject)
			ctx = kit.WithRole(ctx, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func logAuthOutcome(auditLog *audit.Logger, r *http.Request, ok bool, err error) {
	if auditLog == nil {
		return
	}
	entry := audit.Entry{Action: "http.auth", Target: r.URL.Path}
	if !ok && err != nil {
		entry.Error = err.Error()
	}
	auditLog.Log(entry)
}
