package httpapi

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestWriteRPCErrorIncludesRequestIDInData(t *testing.T) {
	w := httptest.NewRecorder()
	writeRPCError(w, 404, codeUnknownSess, "unknown session", "req-123")

	if w.Code != 404 {
		t.Fatalf("expected status 404, got %d", w.Code)
	}

	var env rpcErrorEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if env.JSONRPC != "2.0" {
		t.Fatalf("expected jsonrpc 2.0, got %q", env.JSONRPC)
	}
	if env.Error.Code != codeUnknownSess {
		t.Fatalf("expected code %d, got %d", codeUnknownSess, env.Error.Code)
	}
	if env.Error.Data["requestId"] != "req-123" {
		t.Fatalf("expected requestId in data, got %+v", env.Error.Data)
	}
}

func TestWriteRPCErrorOmitsDataWithoutRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	writeRPCError(w, 500, codeInternalError, "boom", "")

	var env rpcErrorEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if env.Error.Data != nil {
		t.Fatalf("expected nil data, got %+v", env.Error.Data)
	}
}
