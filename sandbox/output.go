package sandbox

import (
	"encoding/json"
	"strings"

	"github.com/forgemcp/dynmcp/dyntool"
	"github.com/forgemcp/dynmcp/validate"
)

// envelope is the JSON object the runner writes after the marker.
type envelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// parseOutput implements the execution output contract: concatenate
// stdout+stderr, trim, clip to maxOutputBytes, find the last occurrence of
// marker, and decode everything after it as JSON. A missing marker yields
// an informational (non-error) result carrying the clipped raw text —
// never an error.
func parseOutput(stdout, stderr, marker string, maxOutputBytes int, durationMs int64) *Outcome {
	combined := strings.TrimSpace(stdout + stderr)
	clipped := combined
	if maxOutputBytes > 0 {
		clipped = validate.ClipUTF8(combined, maxOutputBytes)
	}

	idx := strings.LastIndex(clipped, marker)
	if idx < 0 {
		return &Outcome{
			OK:            true,
			Informational: true,
			RawOutput:     clipped,
			DurationMs:    durationMs,
		}
	}

	payload := strings.TrimSpace(clipped[idx+len(marker):])
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return &Outcome{
			OK:           false,
			ErrorMessage: "sandbox: malformed result envelope: " + err.Error(),
			Kind:         dyntool.KindSandboxExec,
			RawOutput:    clipped,
			DurationMs:   durationMs,
		}
	}

	if !env.OK {
		return &Outcome{
			OK:           false,
			ErrorMessage: env.Error,
			Kind:         dyntool.KindSandboxExec,
			RawOutput:    clipped,
			DurationMs:   durationMs,
		}
	}

	var result any
	if len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, &result); err != nil {
			return &Outcome{
				OK:           false,
				ErrorMessage: "sandbox: malformed result payload: " + err.Error(),
				Kind:         dyntool.KindSandboxExec,
				RawOutput:    clipped,
				DurationMs:   durationMs,
			}
		}
	}

	return &Outcome{
		OK:         true,
		Result:     result,
		RawOutput:  clipped,
		DurationMs: durationMs,
	}
}
