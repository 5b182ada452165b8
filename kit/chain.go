package kit

import "context"

// Endpoint is a single unit of business logic: decode already happened,
// encode happens after. Mirrors the shape used across the control-plane
// operations registered on the MCP server (list/get/create/update/...).
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint to add cross-cutting behavior (policy checks,
// logging, timing) without the Endpoint itself knowing about it.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares into a single Middleware. The first middleware
// passed is the outermost: it observes the request first and the response
// last.
func Chain(mw ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mw) - 1; i >= 0; i-- {
			next = mw[i](next)
		}
		return next
	}
}
