package sandbox

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// workspace is a throwaway directory holding the three files each
// execution needs (tool, runner, manifest). Acquired before launch,
// released on every exit path, including timeout and panic.
type workspace struct {
	dir string
}

// newWorkspace creates a throwaway host directory under baseDir (os.TempDir
// when empty) containing the tool code, the execution harness, and the
// module manifest.
func newWorkspace(baseDir, marker string, tool toolSource, argsB64 string) (*workspace, error) {
	dir, err := os.MkdirTemp(baseDir, "dynmcp-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("sandbox: create workspace: %w", err)
	}
	ws := &workspace{dir: dir}

	if err := os.WriteFile(filepath.Join(dir, "tool.mjs"), []byte(toolModule(tool.Code)), 0o644); err != nil {
		ws.Close()
		return nil, fmt.Errorf("sandbox: write tool module: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "runner.mjs"), []byte(runnerScript(marker)), 0o644); err != nil {
		ws.Close()
		return nil, fmt.Errorf("sandbox: write runner: %w", err)
	}
	manifest, err := manifestJSON(tool.Dependencies)
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("sandbox: build manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "package.json"), manifest, 0o644); err != nil {
		ws.Close()
		return nil, fmt.Errorf("sandbox: write manifest: %w", err)
	}
	_ = argsB64 // carried via env var by the caller, not written to disk
	return ws, nil
}

// Close reaps the workspace directory. Safe to call more than once.
func (w *workspace) Close() error {
	if w == nil || w.dir == "" {
		return nil
	}
	return os.RemoveAll(w.dir)
}

// toolSource is the subset of a DynamicTool the harness needs, kept
// independent of dyntool so this package can be unit-tested without pulling
// in the whole data model.
type toolSource struct {
	Code         string
	Dependencies []dependency
}

type dependency struct {
	Name    string
	Version string
}

// toolModule wraps the tool's code body as an async run(args) function,
// exported for the runner to import.
func toolModule(code string) string {
	return "export async function run(args) {\n" + code + "\n}\n"
}

// manifestJSON declares the module type and pinned dependency versions, so
// `npm install` (when dependencies are non-empty) resolves exactly what the
// tool author asked for.
func manifestJSON(deps []dependency) ([]byte, error) {
	depMap := make(map[string]string, len(deps))
	for _, d := range deps {
		depMap[d.Name] = d.Version
	}
	manifest := map[string]any{
		"name":    "dynamic-tool-run",
		"private": true,
		"type":    "module",
	}
	if len(depMap) > 0 {
		manifest["dependencies"] = depMap
	}
	return json.MarshalIndent(manifest, "", "  ")
}

// runnerScript is the harness that decodes args from a base64 env var,
// awaits run(args), and writes one marker-prefixed JSON envelope line to
// stdout. The serializer below survives circular references, thrown
// non-Error values, and bigints.
func runnerScript(marker string) string {
	return `import { run } from './tool.mjs';

const MARKER = ` + jsStringLiteral(marker) + `;

function safeStringify(value) {
  const seen = new WeakSet();
  return JSON.stringify(value, (key, val) => {
    if (typeof val === 'bigint') return val.toString() + 'n';
    if (typeof val === 'object' && val !== null) {
      if (seen.has(val)) return '[Circular]';
      seen.add(val);
    }
    if (val instanceof Error) {
      return { name: val.name, message: val.message, stack: val.stack };
    }
    return val;
  });
}

(async () => {
  let args = {};
  try {
    const raw = process.env.SANDBOX_ARGS_B64 || '';
    args = raw ? JSON.parse(Buffer.from(raw, 'base64').toString('utf8')) : {};
  } catch (err) {
    process.stdout.write(MARKER + safeStringify({ ok: false, error: 'invalid args: ' + String(err) }) + '\n');
    process.exit(0);
  }

  try {
    const result = await run(args);
    process.stdout.write(MARKER + safeStringify({ ok: true, result }) + '\n');
  } catch (err) {
    const message = err && err.message ? err.message : String(err);
    process.stdout.write(MARKER + safeStringify({ ok: false, error: message }) + '\n');
  }
})();
`
}

func jsStringLiteral(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// encodeArgs serializes args to the base64 payload the runner decodes from
// SANDBOX_ARGS_B64.
func encodeArgs(args map[string]any) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("sandbox: encode args: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
