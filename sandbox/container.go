package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/forgemcp/dynmcp/dyntool"
	"github.com/forgemcp/dynmcp/idgen"
)

// ContainerRuntime abstracts the container daemon as an external
// collaborator ("exec image with args, returning stdout/stderr/
// exit"). DockerCLI is the concrete implementation used in production;
// tests substitute a fake.
type ContainerRuntime interface {
	// Run executes `docker <args...>` (or an equivalent CLI) and returns
	// stdout and stderr, captured separately, once the process exits or ctx
	// expires.
	Run(ctx context.Context, args []string) (stdout, stderr string, err error)
	// Available reports whether the daemon can currently accept work.
	Available(ctx context.Context) bool
}

// DockerCLI shells out to the `docker` binary, running each invocation
// synchronously (`run --rm`) and capturing stdout and stderr separately.
type DockerCLI struct {
	Binary string // defaults to "docker"
}

func (d *DockerCLI) binary() string {
	if d.Binary != "" {
		return d.Binary
	}
	return "docker"
}

func (d *DockerCLI) Run(ctx context.Context, args []string) (string, string, error) {
	cmd := exec.CommandContext(ctx, d.binary(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func (d *DockerCLI) Available(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, d.binary(), "info")
	return cmd.Run() == nil
}

// Container is the default sandbox backend: every invocation
// gets a throwaway workspace, run inside a container started with a fixed
// security profile (read-only root, tmpfs /tmp, all caps dropped,
// no-new-privileges, PID/memory/CPU limits, unprivileged user, network
// gated on whether the tool declares dependencies).
type Container struct {
	Runtime ContainerRuntime
	Limits  Limits
	NewID   idgen.Generator
	BaseDir string // host directory workspaces are created under; "" = os.TempDir()
}

// NewContainer creates a Container backend. runtime is usually &DockerCLI{}.
func NewContainer(runtime ContainerRuntime, limits Limits) *Container {
	return &Container{Runtime: runtime, Limits: limits, NewID: idgen.Default}
}

func (c *Container) Execute(ctx context.Context, tool *dyntool.DynamicTool, args map[string]any) (*Outcome, error) {
	if err := checkPolicy(tool, c.Limits); err != nil {
		return nil, err
	}

	newID := c.NewID
	if newID == nil {
		newID = idgen.Default
	}
	marker := "<<<DYNMCP-RESULT-" + newID() + ">>>"

	argsB64, err := encodeArgs(args)
	if err != nil {
		return nil, dyntool.Wrap(dyntool.KindSandboxExec, err)
	}

	ws, err := newWorkspace(c.BaseDir, marker, toolSource{Code: tool.Code, Dependencies: toDependencies(tool.Dependencies)}, argsB64)
	if err != nil {
		return nil, dyntool.Wrap(dyntool.KindSandboxExec, err)
	}
	defer ws.Close()

	hasDeps := len(tool.Dependencies) > 0
	timeout := effectiveTimeout(tool, c.Limits)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shellCmd := "node runner.mjs"
	if hasDeps {
		shellCmd = "npm install --no-audit --no-fund --omit=dev >/dev/null 2>&1; node runner.mjs"
	}

	runArgs := append([]string{"run", "--rm"}, c.securityArgs(hasDeps)...)
	runArgs = append(runArgs,
		"-e", "SANDBOX_ARGS_B64="+argsB64,
		"-v", ws.dir+":/workspace",
		"-w", "/workspace",
		"--entrypoint", "/bin/sh",
		tool.Image,
		"-c", shellCmd,
	)

	start := time.Now()
	stdout, stderr, runErr := c.Runtime.Run(runCtx, runArgs)
	duration := time.Since(start).Milliseconds()

	if runCtx.Err() != nil {
		return &Outcome{
			OK:           false,
			ErrorMessage: "sandbox: execution timed out after " + timeout.String(),
			Kind:         dyntool.KindSandboxTimeout,
			DurationMs:   duration,
		}, nil
	}
	if runErr != nil && stdout == "" && stderr == "" {
		return &Outcome{
			OK:           false,
			ErrorMessage: fmt.Sprintf("sandbox: container exec failed: %v", runErr),
			Kind:         dyntool.KindSandboxExec,
			DurationMs:   duration,
		}, nil
	}

	return parseOutput(stdout, stderr, marker, c.Limits.MaxOutputBytes, duration), nil
}

// securityArgs builds the fixed security profile every container run
// uses. network is "bridge" when the tool declares dependencies (so
// `npm install` can reach a registry) and "none" otherwise.
func (c *Container) securityArgs(hasDeps bool) []string {
	network := "none"
	if hasDeps {
		network = "bridge"
	}
	args := []string{
		"--read-only",
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--pids-limit", "256",
		"--network", network,
		"--user", "65534:65534",
	}
	if c.Limits.MemoryMB > 0 {
		args = append(args, "--memory", strconv.Itoa(c.Limits.MemoryMB)+"m")
	}
	if c.Limits.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(c.Limits.CPUs, 'f', -1, 64))
	}
	return args
}

func toDependencies(deps []dyntool.Dependency) []dependency {
	out := make([]dependency, len(deps))
	for i, d := range deps {
		out[i] = dependency{Name: d.Name, Version: d.Version}
	}
	return out
}
