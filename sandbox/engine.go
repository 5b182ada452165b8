package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/forgemcp/dynmcp/dyntool"
)

// Backend selects which Executor implementation to use.
type Backend string

const (
	BackendAuto      Backend = "auto"
	BackendContainer Backend = "container"
	BackendFork      Backend = "fork"
)

// probeTTL is how long a container-daemon availability probe is cached
// before being re-checked.
const probeTTL = 30 * time.Second

// Engine resolves which Executor backs a call: `auto` probes container
// daemon availability (cached) and falls back to `fork` when unavailable.
// Availability is cached in a plain TTL cache since the probe outcome is
// binary and doesn't need trip/half-open breaker semantics.
type Engine struct {
	mode      Backend
	container Executor
	fork      Executor
	runtime   ContainerRuntime

	mu       sync.Mutex
	checked  time.Time
	lastUp   bool
	now      func() time.Time
}

// NewEngine creates a resolver. runtime is used only to probe daemon
// availability when mode is BackendAuto; pass the same ContainerRuntime
// the Container executor uses.
func NewEngine(mode Backend, container, fork Executor, runtime ContainerRuntime) *Engine {
	return &Engine{
		mode:      mode,
		container: container,
		fork:      fork,
		runtime:   runtime,
		now:       time.Now,
	}
}

// Execute resolves the active backend and runs tool against it, so Engine
// itself satisfies Executor and can be handed directly to callers that
// don't care which concrete backend served the call.
func (e *Engine) Execute(ctx context.Context, tool *dyntool.DynamicTool, args map[string]any) (*Outcome, error) {
	return e.Resolve(ctx).Execute(ctx, tool, args)
}

// Resolve returns the Executor to use for this call.
func (e *Engine) Resolve(ctx context.Context) Executor {
	switch e.mode {
	case BackendContainer:
		return e.container
	case BackendFork:
		return e.fork
	default: // BackendAuto
		if e.containerAvailable(ctx) {
			return e.container
		}
		return e.fork
	}
}

func (e *Engine) containerAvailable(ctx context.Context) bool {
	e.mu.Lock()
	if e.now().Sub(e.checked) < probeTTL && !e.checked.IsZero() {
		up := e.lastUp
		e.mu.Unlock()
		return up
	}
	e.mu.Unlock()

	up := e.runtime != nil && e.runtime.Available(ctx)

	e.mu.Lock()
	e.lastUp = up
	e.checked = e.now()
	e.mu.Unlock()
	return up
}
