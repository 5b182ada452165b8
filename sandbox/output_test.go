package sandbox

import "testing"

func TestParseOutputSuccess(t *testing.T) {
	marker := "<<<MARK>>>"
	stdout := "some log line\n" + marker + `{"ok":true,"result":{"x":1}}`
	out := parseOutput(stdout, "", marker, 0, 12)
	if !out.OK {
		t.Fatalf("expected OK, got %+v", out)
	}
	m, ok := out.Result.(map[string]any)
	if !ok || m["x"] != float64(1) {
		t.Fatalf("unexpected result: %#v", out.Result)
	}
	if out.DurationMs != 12 {
		t.Fatalf("expected duration carried through, got %d", out.DurationMs)
	}
}

func TestParseOutputFailureEnvelope(t *testing.T) {
	marker := "<<<MARK>>>"
	stdout := marker + `{"ok":false,"error":"boom"}`
	out := parseOutput(stdout, "", marker, 0, 5)
	if out.OK {
		t.Fatal("expected failure")
	}
	if out.ErrorMessage != "boom" {
		t.Fatalf("unexpected error message: %q", out.ErrorMessage)
	}
}

func TestParseOutputMissingMarkerIsInformational(t *testing.T) {
	out := parseOutput("plain output with no marker", "", "<<<MARK>>>", 0, 3)
	if !out.OK || !out.Informational {
		t.Fatalf("expected informational non-error result, got %+v", out)
	}
	if out.RawOutput != "plain output with no marker" {
		t.Fatalf("unexpected raw output: %q", out.RawOutput)
	}
}

func TestParseOutputClipsToMaxBytes(t *testing.T) {
	marker := "<<<MARK>>>"
	long := make([]byte, 0, 100)
	for i := 0; i < 100; i++ {
		long = append(long, 'x')
	}
	out := parseOutput(string(long), "", marker, 10, 1)
	if out.OK != true || !out.Informational {
		t.Fatalf("expected informational clipped output, got %+v", out)
	}
	if len(out.RawOutput) == 0 {
		t.Fatal("expected non-empty clipped output")
	}
}

func TestParseOutputUsesLastMarkerOccurrence(t *testing.T) {
	marker := "<<<MARK>>>"
	stdout := marker + `{"ok":false,"error":"stale"}` + "\n" + marker + `{"ok":true,"result":"fresh"}`
	out := parseOutput(stdout, "", marker, 0, 1)
	if !out.OK {
		t.Fatalf("expected success from last occurrence, got %+v", out)
	}
	if out.Result != "fresh" {
		t.Fatalf("expected fresh result, got %v", out.Result)
	}
}
