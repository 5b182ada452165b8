package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/forgemcp/dynmcp/dyntool"
)

// fakeExecutor is a no-op Executor used only for identity comparison in
// backend-resolution tests.
type fakeExecutor struct{}

func (f *fakeExecutor) Execute(ctx context.Context, tool *dyntool.DynamicTool, args map[string]any) (*Outcome, error) {
	return nil, nil
}

func TestResolveHonoursExplicitBackend(t *testing.T) {
	container := &fakeExecutor{}
	fork := &fakeExecutor{}
	e := NewEngine(BackendContainer, container, fork, nil)
	if e.Resolve(context.Background()) != Executor(container) {
		t.Fatal("expected explicit container backend")
	}

	e = NewEngine(BackendFork, container, fork, nil)
	if e.Resolve(context.Background()) != Executor(fork) {
		t.Fatal("expected explicit fork backend")
	}
}

func TestResolveAutoPrefersContainerWhenAvailable(t *testing.T) {
	container := &fakeExecutor{}
	fork := &fakeExecutor{}
	rt := &fakeRuntime{available: true}
	e := NewEngine(BackendAuto, container, fork, rt)

	if e.Resolve(context.Background()) != Executor(container) {
		t.Fatal("expected container backend when daemon available")
	}
}

func TestResolveAutoFallsBackToForkWhenUnavailable(t *testing.T) {
	container := &fakeExecutor{}
	fork := &fakeExecutor{}
	rt := &fakeRuntime{available: false}
	e := NewEngine(BackendAuto, container, fork, rt)

	if e.Resolve(context.Background()) != Executor(fork) {
		t.Fatal("expected fork backend when daemon unavailable")
	}
}

func TestResolveAutoCachesProbeWithinTTL(t *testing.T) {
	container := &fakeExecutor{}
	fork := &fakeExecutor{}
	rt := &fakeRuntime{available: true}
	e := NewEngine(BackendAuto, container, fork, rt)

	clock := time.Unix(0, 0)
	e.now = func() time.Time { return clock }

	if e.Resolve(context.Background()) != Executor(container) {
		t.Fatal("expected container backend on first probe")
	}

	// Daemon goes down, but we're still within the TTL window: the cached
	// result should win.
	rt.available = false
	clock = clock.Add(10 * time.Second)
	if e.Resolve(context.Background()) != Executor(container) {
		t.Fatal("expected cached container result within TTL")
	}

	// Advance past the TTL: the fresh probe should now be reflected.
	clock = clock.Add(probeTTL)
	if e.Resolve(context.Background()) != Executor(fork) {
		t.Fatal("expected fork backend once the cached probe expires")
	}
}
