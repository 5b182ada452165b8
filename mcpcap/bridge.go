// Package mcpcap bridges the dynamic tool runtime view onto a live
// *mcp.Server: registering a dynamic tool's MCP handle, routing calls
// through a caller-supplied invoker, and removing handles whose backing
// record disappeared or was disabled.
package mcpcap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forgemcp/dynmcp/dyntool"
)

// PolicyFunc decides whether a call is allowed before it is dispatched.
// Return nil to allow, non-nil error to deny.
type PolicyFunc func(ctx context.Context, toolName string) error

// InvokeFunc runs a tool's code against args and returns its outcome. The
// returned error is a protocol-level failure (e.g. guard rejection);
// execution-level failures are carried inside Outcome instead.
type InvokeFunc func(ctx context.Context, tool *dyntool.DynamicTool, args map[string]any) (*Outcome, error)

// AuditFunc records a dispatched call for observability. Called exactly
// once per call, whether it succeeded, failed, or was denied by policy.
type AuditFunc func(ctx context.Context, toolName string, args map[string]any, outcome *Outcome, err error, duration time.Duration)

// Outcome mirrors sandbox.Outcome's shape without importing that package,
// so mcpcap stays usable by anything that produces the same envelope
// (ephemeral execution included) without a sandbox dependency.
type Outcome struct {
	OK            bool
	Result        any
	ErrorMessage  string
	Informational bool
	RawOutput     string
	DurationMs    int64
}

// handle is what Bridge tracks per registered dynamic tool.
type handle struct {
	revision int64
}

// Bridge registers dynamic tools on srv and keeps a fingerprint
// (name, revision) of what is currently registered, so a caller (the
// dynamic tool service) can diff against a freshly loaded registry list and
// register/update/remove only what changed.
type Bridge struct {
	srv *mcp.Server

	mu      sync.Mutex
	handles map[string]handle
}

// New creates a Bridge over an already-constructed *mcp.Server.
func New(srv *mcp.Server) *Bridge {
	return &Bridge{srv: srv, handles: make(map[string]handle)}
}

// Names returns the names currently registered through this Bridge (control
// plane tools registered via RegisterStatic are not included).
func (b *Bridge) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.handles))
	for name := range b.handles {
		out = append(out, name)
	}
	return out
}

// Revision reports the revision a name is currently registered under.
func (b *Bridge) Revision(name string) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handles[name]
	return h.revision, ok
}

// Register installs or replaces the MCP handle for tool, wiring its calls
// through invoke. Idempotent: replacing an existing handle removes the old
// one first, then registers the new one.
func (b *Bridge) Register(tool *dyntool.DynamicTool, invoke InvokeFunc, policy PolicyFunc, audit AuditFunc) error {
	b.mu.Lock()
	_, existed := b.handles[tool.Name]
	b.mu.Unlock()
	if existed {
		b.srv.RemoveTools(tool.Name)
	}

	schemaJSON, err := marshalSchema(tool.InputSchema)
	if err != nil {
		return fmt.Errorf("mcpcap: %s: %w", tool.Name, err)
	}

	mt := &mcp.Tool{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: schemaJSON,
	}

	name := tool.Name
	toolCopy := tool.Clone()
	b.srv.AddTool(mt, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if policy != nil {
			if err := policy(ctx, name); err != nil {
				if audit != nil {
					audit(ctx, name, nil, nil, err, 0)
				}
				var res mcp.CallToolResult
				res.SetError(err)
				return &res, nil
			}
		}

		var args map[string]any
		if req.Params.Arguments != nil {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				argErr := fmt.Errorf("%s: invalid arguments: %w", name, err)
				if audit != nil {
					audit(ctx, name, nil, nil, argErr, 0)
				}
				var res mcp.CallToolResult
				res.SetError(argErr)
				return &res, nil
			}
		}

		start := time.Now()
		outcome, invokeErr := invoke(ctx, toolCopy, args)
		duration := time.Since(start)

		if audit != nil {
			audit(ctx, name, args, outcome, invokeErr, duration)
		}

		if invokeErr != nil {
			var res mcp.CallToolResult
			res.SetError(invokeErr)
			return &res, nil
		}
		return ToCallToolResult(outcome), nil
	})

	b.mu.Lock()
	b.handles[tool.Name] = handle{revision: tool.Revision}
	b.mu.Unlock()
	return nil
}

// Remove uninstalls name's MCP handle, if any. Idempotent.
func (b *Bridge) Remove(name string) {
	b.mu.Lock()
	_, ok := b.handles[name]
	delete(b.handles, name)
	b.mu.Unlock()
	if ok {
		b.srv.RemoveTools(name)
	}
}

// StaticHandler is the same handler shape mcp.Server.AddTool expects,
// named here so callers registering control-plane tools don't need to spell
// out the SDK's request/result types themselves.
type StaticHandler func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error)

// NotifyToolListChanged tells the underlying MCP server its tool list
// changed, so connected clients refresh their view.
func (b *Bridge) NotifyToolListChanged() {
	b.srv.SendToolListChanged()
}

// RegisterStatic installs a fixed, non-dynamic MCP tool handle (the control
// plane operations: list/get/create/update/delete/setEnabled and
// run_js_ephemeral) directly, bypassing the fingerprint bookkeeping used
// for dynamic tools.
func (b *Bridge) RegisterStatic(tool *mcp.Tool, fn StaticHandler) {
	b.srv.AddTool(tool, fn)
}

func marshalSchema(schema map[string]any) (json.RawMessage, error) {
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal inputSchema: %w", err)
	}
	return json.RawMessage(data), nil
}

// ToCallToolResult maps an Outcome onto the MCP wire result shape, so
// callers other than Register's own handler (control-plane handlers
// invoking ephemeral execution, for instance) can reuse the same mapping.
func ToCallToolResult(o *Outcome) *mcp.CallToolResult {
	if o == nil {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: ""}}}
	}
	if !o.OK {
		var res mcp.CallToolResult
		res.SetError(fmt.Errorf("%s", o.ErrorMessage))
		return &res
	}
	if o.Informational {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: o.RawOutput}}}
	}
	data, err := json.Marshal(o.Result)
	if err != nil {
		var res mcp.CallToolResult
		res.SetError(fmt.Errorf("marshal result: %w", err))
		return &res
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}
}
