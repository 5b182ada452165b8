// Package sandbox implements the two-phase (install, run) isolated
// execution contract: a container backend (default) and a forked-process
// fallback, sharing one output-framing harness so both backends parse the
// same marker-delimited JSON envelope.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/forgemcp/dynmcp/dyntool"
	"github.com/forgemcp/dynmcp/validate"
)

// Outcome is the result of one sandbox invocation. Execute returns a non-nil
// error only for faults before the tool starts: preflight policy violations
// (the sandbox-policy kind, "no execution") and failures to encode the
// arguments or prepare the workspace (the sandbox-exec kind); every
// execution-time fault (timeout, OOM, a thrown
// exception, a malformed envelope) is reported as an Outcome with OK=false
// and Kind set, carrying a failure result with duration.
type Outcome struct {
	OK            bool
	Result        any
	ErrorMessage  string
	Kind          dyntool.Kind
	Informational bool
	RawOutput     string
	DurationMs    int64
}

// Limits are the declarative resource caps applied to every invocation.
type Limits struct {
	MemoryMB        int
	CPUs            float64
	MaxOutputBytes  int
	MaxTimeoutMs    int
	MaxDependencies int
	AllowedImages   []string // empty means no allowlist restriction
	BlockedPackages []string
}

// Executor runs a dynamic tool's code against args inside an isolated
// sandbox. Implementations: Container (default) and Fork (fallback).
type Executor interface {
	Execute(ctx context.Context, tool *dyntool.DynamicTool, args map[string]any) (*Outcome, error)
}

// effectiveTimeout returns min(tool.TimeoutMs, limits.MaxTimeoutMs) as a
// time.Duration.
func effectiveTimeout(tool *dyntool.DynamicTool, limits Limits) time.Duration {
	ms := tool.TimeoutMs
	if limits.MaxTimeoutMs > 0 && limits.MaxTimeoutMs < ms {
		ms = limits.MaxTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// checkPolicy validates a tool against sandbox-level policy:
// image grammar and allowlist, dependency count, and the package blocklist.
// Returns a *dyntool.Error with KindSandboxPolicy on any violation.
func checkPolicy(tool *dyntool.DynamicTool, limits Limits) error {
	if !validate.ImageGrammar.MatchString(tool.Image) {
		return dyntool.New(dyntool.KindSandboxPolicy, fmt.Sprintf("image %q fails the image grammar", tool.Image))
	}
	if len(limits.AllowedImages) > 0 && !contains(limits.AllowedImages, tool.Image) {
		return dyntool.New(dyntool.KindSandboxPolicy, fmt.Sprintf("image %q is not on the allowlist", tool.Image))
	}
	if limits.MaxDependencies > 0 && len(tool.Dependencies) > limits.MaxDependencies {
		return dyntool.New(dyntool.KindSandboxPolicy, fmt.Sprintf("tool declares %d dependencies, max is %d", len(tool.Dependencies), limits.MaxDependencies))
	}
	blocked := toSet(limits.BlockedPackages)
	for _, d := range tool.Dependencies {
		if blocked[d.Name] {
			return dyntool.New(dyntool.KindSandboxPolicy, fmt.Sprintf("dependency %q is blocked", d.Name))
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func toSet(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, v := range list {
		m[v] = true
	}
	return m
}
