package httpapi

import (
	"strings"
	"testing"
	"time"
)

func TestMetricsExposeIncludesAllScalars(t *testing.T) {
	m := newMetrics(time.Now().Add(-5*time.Second), func() int64 { return 2 })
	m.sessionsCreated.Add(3)
	m.authSuccess.Add(1)
	m.authDenied.Add(4)

	out := m.expose()

	for _, want := range []string{
		"dynmcp_uptime_seconds",
		"dynmcp_sessions_active 2",
		"dynmcp_sessions_created_total 3",
		"dynmcp_auth_success_total 1",
		"dynmcp_auth_denied_total 4",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected exposition to contain %q, got:\n%s", want, out)
		}
	}
}
