package shield

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/forgemcp/dynmcp/kit"
)

func TestTraceIDSetsHeaderAndContext(t *testing.T) {
	var seenTraceID string
	h := TraceID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTraceID = kit.GetTraceID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	headerTraceID := w.Header().Get("X-Trace-ID")
	if headerTraceID == "" {
		t.Fatalf("expected X-Trace-ID header to be set")
	}
	if seenTraceID != headerTraceID {
		t.Fatalf("context trace id %q != header trace id %q", seenTraceID, headerTraceID)
	}
}

func TestGetLoggerFallsBackToDefault(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if GetLogger(req.Context()) == nil {
		t.Fatal("expected a non-nil default logger")
	}
}
