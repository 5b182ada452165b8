// Package guard bounds the aggregate execution pressure dynamic tool
// invocations place on the host (spec §4.4): a global concurrency ceiling
// and a per-scope sliding-window rate limit, with per-scope counters for
// observability.
//
// Grounded on shield/ratelimit.go's per-key bucket/window discipline,
// adapted from per-IP HTTP buckets to per-scope execution buckets, and from
// a fixed-window counter to a sliding-window timestamp list since spec §4.4
// explicitly calls for "drop stale timestamps" sliding-window semantics
// rather than shield's reset-at-boundary fixed window.
package guard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Kind distinguishes why Run rejected a call, so callers can increment
// stable counters without string-matching an error message.
type Kind string

const (
	KindRate        Kind = "rate"
	KindConcurrency Kind = "concurrency"
)

// RejectedError is returned by Run when a call is not admitted.
type RejectedError struct {
	Kind  Kind
	Scope string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("guard: %s rejected for scope %q", e.Kind, e.Scope)
}

// Config tunes the guard.
type Config struct {
	// MaxConcurrency is the global ceiling on in-flight Run calls. Zero
	// means unlimited.
	MaxConcurrency int
	// MaxCallsPerWindow is the per-scope sliding-window call budget. Zero
	// means unlimited.
	MaxCallsPerWindow int
	// WindowMs is the sliding window width in milliseconds.
	WindowMs int
}

// ScopeStats are the per-scope counters spec §4.4 requires.
type ScopeStats struct {
	Scope               string `json:"scope"`
	Total               int64  `json:"total"`
	Allowed             int64  `json:"allowed"`
	RejectedRate        int64  `json:"rejectedRate"`
	RejectedConcurrency int64  `json:"rejectedConcurrency"`
	Failed              int64  `json:"failed"`
}

// Snapshot is the observability resource spec §4.4 exposes.
type Snapshot struct {
	ActiveExecutions int          `json:"activeExecutions"`
	Limits           Config       `json:"limits"`
	Scopes           []ScopeStats `json:"scopes"`
}

type scopeState struct {
	history             []time.Time
	total               int64
	allowed             int64
	rejectedRate        int64
	rejectedConcurrency int64
	failed              int64
}

// Guard enforces Config across every call to Run. The zero value is not
// usable; construct with New.
type Guard struct {
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	active int
	scopes map[string]*scopeState
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New creates a Guard with the given limits.
func New(cfg Config, opts ...Option) *Guard {
	g := &Guard{
		cfg:    cfg,
		now:    time.Now,
		scopes: make(map[string]*scopeState),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Run admits work under scope's rate budget and the global concurrency
// ceiling, then awaits it. Rate is checked before concurrency, matching
// spec §4.4's step order so counters increment deterministically. The
// active counter is decremented on every exit path, including panics
// propagated from work.
func (g *Guard) Run(ctx context.Context, scope string, work func(ctx context.Context) (any, error)) (any, error) {
	st := g.admit(scope)
	if st == nil {
		return nil, &RejectedError{Kind: KindRate, Scope: scope}
	}
	if !g.enter(st, scope) {
		return nil, &RejectedError{Kind: KindConcurrency, Scope: scope}
	}
	defer g.leave()

	result, err := work(ctx)
	g.mu.Lock()
	if err != nil {
		st.failed++
	}
	g.mu.Unlock()
	return result, err
}

// admit checks and updates the sliding-window rate budget for scope,
// returning the scope's state on success or nil on rejection.
func (g *Guard) admit(scope string) *scopeState {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.scopes[scope]
	if !ok {
		st = &scopeState{}
		g.scopes[scope] = st
	}
	st.total++

	if g.cfg.MaxCallsPerWindow <= 0 {
		return st
	}

	now := g.now()
	cutoff := now.Add(-time.Duration(g.cfg.WindowMs) * time.Millisecond)
	kept := st.history[:0]
	for _, t := range st.history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.history = kept

	if len(st.history) >= g.cfg.MaxCallsPerWindow {
		st.rejectedRate++
		return nil
	}
	st.history = append(st.history, now)
	return st
}

// enter checks and updates the global concurrency ceiling.
func (g *Guard) enter(st *scopeState, scope string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cfg.MaxConcurrency > 0 && g.active >= g.cfg.MaxConcurrency {
		st.rejectedConcurrency++
		return false
	}
	g.active++
	st.allowed++
	return true
}

func (g *Guard) leave() {
	g.mu.Lock()
	g.active--
	g.mu.Unlock()
}

// Snapshot returns a point-in-time view of guard state, scopes sorted
// lexicographically (spec §4.4).
func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	scopes := make([]ScopeStats, 0, len(g.scopes))
	for name, st := range g.scopes {
		scopes = append(scopes, ScopeStats{
			Scope:               name,
			Total:               st.total,
			Allowed:             st.allowed,
			RejectedRate:        st.rejectedRate,
			RejectedConcurrency: st.rejectedConcurrency,
			Failed:              st.failed,
		})
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].Scope < scopes[j].Scope })

	return Snapshot{
		ActiveExecutions: g.active,
		Limits:           g.cfg,
		Scopes:           scopes,
	}
}
