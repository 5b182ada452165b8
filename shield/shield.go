// Package shield provides reusable HTTP middleware for dynmcp's HTTP
// session layer: security headers, request body limits, request tracing,
// and HEAD-to-GET normalization.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.HeadToGet)
//	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
//	r.Use(shield.MaxBody(10_000_000))
//	r.Use(shield.TraceID)
//
// Or apply the default stack in one call:
//
//	for _, mw := range shield.DefaultStack(maxRequestBytes) {
//	    r.Use(mw)
//	}
package shield

import (
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultStack returns the standard middleware stack for dynmcp's HTTP
// session layer: HeadToGet → SecurityHeaders → MaxBody → TraceID. Auth and
// the JSON-RPC session routing live in httpapi, layered on top of this
// stack since they are specific to the MCP wire contract rather than
// generic HTTP hardening.
func DefaultStack(maxRequestBytes int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxRequestBytes),
		TraceID,
	}
}
