package httpapi

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// metrics holds the fixed set this layer exposes — uptime (gauge), sessions
// active (gauge), sessions created (counter), auth success/denied
// (counters) — as plain atomics rather than a metrics library: a
// point-in-time plain-text exposition on scrape is all that's needed here,
// so three atomic counters, a session-count callback and the start time
// plus a formatter cover it without pulling in a client library to serve
// five scalars.
type metrics struct {
	startedAt      time.Time
	sessionsActive func() int64

	sessionsCreated atomic.Int64
	authSuccess     atomic.Int64
	authDenied      atomic.Int64
}

func newMetrics(startedAt time.Time, sessionsActive func() int64) *metrics {
	return &metrics{startedAt: startedAt, sessionsActive: sessionsActive}
}

// expose renders the Prometheus plain-text exposition format for the fixed
// metric set.
func (m *metrics) expose() string {
	var b strings.Builder
	uptime := time.Since(m.startedAt).Seconds()

	fmt.Fprintf(&b, "# TYPE dynmcp_uptime_seconds gauge\n")
	fmt.Fprintf(&b, "dynmcp_uptime_seconds %f\n", uptime)

	fmt.Fprintf(&b, "# TYPE dynmcp_sessions_active gauge\n")
	fmt.Fprintf(&b, "dynmcp_sessions_active %d\n", m.sessionsActive())

	fmt.Fprintf(&b, "# TYPE dynmcp_sessions_created_total counter\n")
	fmt.Fprintf(&b, "dynmcp_sessions_created_total %d\n", m.sessionsCreated.Load())

	fmt.Fprintf(&b, "# TYPE dynmcp_auth_success_total counter\n")
	fmt.Fprintf(&b, "dynmcp_auth_success_total %d\n", m.authSuccess.Load())

	fmt.Fprintf(&b, "# TYPE dynmcp_auth_denied_total counter\n")
	fmt.Fprintf(&b, "dynmcp_auth_denied_total %d\n", m.authDenied.Load())

	return b.String()
}
