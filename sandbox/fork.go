package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/forgemcp/dynmcp/dyntool"
	"github.com/forgemcp/dynmcp/idgen"
)

// Fork is the forked-process fallback backend: the same
// runner/tool harness, executed as a child process of the host instead of
// inside a container. Dynamic dependencies are not supported — Execute
// rejects a tool declaring any with a sandbox-policy error before anything
// runs, since there is no network or filesystem isolation to safely run an
// installer in. Creating or updating such a tool is not rejected.
type Fork struct {
	// Node is the interpreter binary to invoke. Defaults to "node".
	Node string
	Limits
	NewID   idgen.Generator
	BaseDir string
	// Timezone is propagated to the child's minimal environment, if set.
	Timezone string
}

// NewFork creates a Fork backend.
func NewFork(limits Limits) *Fork {
	return &Fork{Limits: limits, NewID: idgen.Default}
}

func (f *Fork) node() string {
	if f.Node != "" {
		return f.Node
	}
	return "node"
}

// MemoryHintMB derives the fork child's memory hint from the configured
// container memory limit: 75% of the parsed MiB value, clamped to
// [128, 4096].
func MemoryHintMB(containerMemoryMB int) int {
	hint := containerMemoryMB * 3 / 4
	if hint < 128 {
		return 128
	}
	if hint > 4096 {
		return 4096
	}
	return hint
}

func (f *Fork) Execute(ctx context.Context, tool *dyntool.DynamicTool, args map[string]any) (*Outcome, error) {
	if len(tool.Dependencies) > 0 {
		return nil, dyntool.New(dyntool.KindSandboxPolicy, "fork backend does not support dynamic dependencies")
	}
	if err := checkPolicy(tool, f.Limits); err != nil {
		return nil, err
	}

	newID := f.NewID
	if newID == nil {
		newID = idgen.Default
	}
	marker := "<<<DYNMCP-RESULT-" + newID() + ">>>"

	argsB64, err := encodeArgs(args)
	if err != nil {
		return nil, dyntool.Wrap(dyntool.KindSandboxExec, err)
	}

	ws, err := newWorkspace(f.BaseDir, marker, toolSource{Code: tool.Code}, argsB64)
	if err != nil {
		return nil, dyntool.Wrap(dyntool.KindSandboxExec, err)
	}
	defer ws.Close()

	timeout := effectiveTimeout(tool, f.Limits)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	memHint := MemoryHintMB(f.Limits.MemoryMB)
	cmd := exec.CommandContext(runCtx, f.node(), "--max-old-space-size="+strconv.Itoa(memHint), "runner.mjs")
	cmd.Dir = ws.dir
	// Minimal inherited environment: only the args payload and an
	// optional timezone — the child must not see the host's environment.
	cmd.Env = []string{"SANDBOX_ARGS_B64=" + argsB64}
	if f.Timezone != "" {
		cmd.Env = append(cmd.Env, "TZ="+f.Timezone)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start).Milliseconds()

	if runCtx.Err() != nil {
		killChild(cmd)
		return &Outcome{
			OK:           false,
			ErrorMessage: "sandbox: execution timed out after " + timeout.String(),
			Kind:         dyntool.KindSandboxTimeout,
			DurationMs:   duration,
		}, nil
	}
	if runErr != nil && stdout.Len() == 0 && stderr.Len() == 0 {
		return &Outcome{
			OK:           false,
			ErrorMessage: fmt.Sprintf("sandbox: fork exec failed: %v", runErr),
			Kind:         dyntool.KindSandboxExec,
			DurationMs:   duration,
		}, nil
	}

	return parseOutput(stdout.String(), stderr.String(), marker, f.Limits.MaxOutputBytes, duration), nil
}

// killChild best-effort terminates a child process after a timeout. Reaping
// the workspace directory is handled separately by the deferred ws.Close().
func killChild(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Kill)
}
