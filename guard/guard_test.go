package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRunAllowsUnderBothLimits(t *testing.T) {
	g := New(Config{MaxConcurrency: 2, MaxCallsPerWindow: 5, WindowMs: 1000})
	res, err := g.Run(context.Background(), "dynamic.exec.greeter", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != "ok" {
		t.Fatalf("unexpected result: %v", res)
	}

	snap := g.Snapshot()
	if len(snap.Scopes) != 1 || snap.Scopes[0].Allowed != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestRunRejectsOnRateLimit(t *testing.T) {
	g := New(Config{MaxConcurrency: 10, MaxCallsPerWindow: 1, WindowMs: 60_000})
	noop := func(ctx context.Context) (any, error) { return nil, nil }

	if _, err := g.Run(context.Background(), "s", noop); err != nil {
		t.Fatalf("first call should be allowed: %v", err)
	}
	_, err := g.Run(context.Background(), "s", noop)
	var rej *RejectedError
	if !errors.As(err, &rej) || rej.Kind != KindRate {
		t.Fatalf("expected rate rejection, got %v", err)
	}

	snap := g.Snapshot()
	if snap.Scopes[0].Allowed != 1 || snap.Scopes[0].RejectedRate != 1 {
		t.Fatalf("unexpected scope stats: %+v", snap.Scopes[0])
	}
}

func TestRunRejectsOnConcurrencyLimit(t *testing.T) {
	g := New(Config{MaxConcurrency: 1, MaxCallsPerWindow: 100, WindowMs: 60_000})
	release := make(chan struct{})
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.Run(context.Background(), "a", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()

	<-started
	_, err := g.Run(context.Background(), "b", func(ctx context.Context) (any, error) { return nil, nil })
	var rej *RejectedError
	if !errors.As(err, &rej) || rej.Kind != KindConcurrency {
		t.Fatalf("expected concurrency rejection, got %v", err)
	}
	close(release)
	wg.Wait()

	snap := g.Snapshot()
	if snap.ActiveExecutions != 0 {
		t.Fatalf("expected active to drain to 0, got %d", snap.ActiveExecutions)
	}
}

func TestRunIncrementsFailedOnError(t *testing.T) {
	g := New(Config{})
	boom := errors.New("boom")
	_, err := g.Run(context.Background(), "s", func(ctx context.Context) (any, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected work error propagated, got %v", err)
	}
	snap := g.Snapshot()
	if snap.Scopes[0].Failed != 1 {
		t.Fatalf("expected failed=1, got %+v", snap.Scopes[0])
	}
}

func TestSlidingWindowExpiresOldCalls(t *testing.T) {
	now := time.Now()
	clock := &now
	g := New(Config{MaxConcurrency: 10, MaxCallsPerWindow: 1, WindowMs: 1000}, WithClock(func() time.Time { return *clock }))
	noop := func(ctx context.Context) (any, error) { return nil, nil }

	if _, err := g.Run(context.Background(), "s", noop); err != nil {
		t.Fatalf("first call should be allowed: %v", err)
	}
	if _, err := g.Run(context.Background(), "s", noop); err == nil {
		t.Fatal("second call within window should be rejected")
	}

	advanced := now.Add(2 * time.Second)
	clock = &advanced
	if _, err := g.Run(context.Background(), "s", noop); err != nil {
		t.Fatalf("call after window expiry should be allowed, got %v", err)
	}
}
