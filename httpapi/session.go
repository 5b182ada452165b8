// Package httpapi implements the HTTP Session Layer (spec §4.5): an MCP
// server instance per client session, terminated over HTTP instead of
// stdio, with its own request pipeline, session registry and sweep,
// liveness/readiness/metrics endpoints, and graceful shutdown.
package httpapi

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forgemcp/dynmcp/audit"
	"github.com/forgemcp/dynmcp/changebus"
	"github.com/forgemcp/dynmcp/guard"
	"github.com/forgemcp/dynmcp/idgen"
	"github.com/forgemcp/dynmcp/mcpcap"
	"github.com/forgemcp/dynmcp/sandbox"
	"github.com/forgemcp/dynmcp/toolservice"
	"github.com/forgemcp/dynmcp/toolstore"
)

// SharedDeps are the process-wide collaborators every session's own
// *toolservice.Service is built over: one registry backend, guard, sandbox
// executor, change bus and audit logger serve every session, each session
// only gets its own MCP server instance and runtime view (spec §4.5).
type SharedDeps struct {
	Backend    toolstore.Backend
	Guard      *guard.Guard
	Executor   sandbox.Executor
	Bus        *changebus.Bus
	Audit      *audit.Logger
	AdminToken string
	ReadOnly   bool
}

// session is one client's MCP server instance, wired over an HTTP-native
// duplex transport.
type session struct {
	id      string
	server  *mcp.Server
	bridge  *mcpcap.Bridge
	service *toolservice.Service
	ss      *mcp.ServerSession

	inboundWriter  *io.PipeWriter
	outboundReader *io.PipeReader

	cancel context.CancelFunc

	mu       sync.Mutex
	lastUsed time.Time
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastUsed = now
	s.mu.Unlock()
}

func (s *session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastUsed)
}

// close tears the session down: cancel its connection context, unsubscribe
// its Service from the shared bus (never closing the shared backend), and
// unblock anything still reading/writing its pipes.
func (s *session) close() {
	s.cancel()
	s.service.Detach()
	s.inboundWriter.CloseWithError(io.ErrClosedPipe)
	s.outboundReader.CloseWithError(io.ErrClosedPipe)
}

// sessionManager tracks every live session, creates new ones on an
// initialize request, and sweeps idle ones on an interval.
type sessionManager struct {
	deps    SharedDeps
	newID   idgen.Generator
	now     func() time.Time
	implVer string

	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionManager(deps SharedDeps, implVersion string) *sessionManager {
	return &sessionManager{
		deps:     deps,
		newID:    idgen.Prefixed("sess_", idgen.NanoID(16)),
		now:      time.Now,
		implVer:  implVersion,
		sessions: make(map[string]*session),
	}
}

// create builds a fresh *mcp.Server + Bridge + Service triple over the
// shared backend, registers the control plane and every currently enabled
// tool, connects it over a new duplex transport, and registers it under a
// freshly generated session id.
func (m *sessionManager) create(ctx context.Context) (*session, error) {
	id := m.newID()

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "dynmcp",
		Version: m.implVer,
	}, nil)
	bridge := mcpcap.New(srv)

	svc, err := toolservice.New(toolservice.Config{
		Backend:    m.deps.Backend,
		Bridge:     bridge,
		Guard:      m.deps.Guard,
		Executor:   m.deps.Executor,
		Bus:        m.deps.Bus,
		Audit:      m.deps.Audit,
		AdminToken: m.deps.AdminToken,
		ReadOnly:   m.deps.ReadOnly,
	}, toolservice.WithInstanceID(id))
	if err != nil {
		return nil, fmt.Errorf("httpapi: session %s: %w", id, err)
	}
	toolservice.RegisterControlPlane(svc, bridge)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	transport := &duplexTransport{sessionID: id, inbound: inR, outbound: outW}

	connCtx, cancel := context.WithCancel(context.Background())
	ss, err := srv.Connect(connCtx, transport, nil)
	if err != nil {
		cancel()
		svc.Detach()
		return nil, fmt.Errorf("httpapi: connect session %s: %w", id, err)
	}

	sess := &session{
		id:             id,
		server:         srv,
		bridge:         bridge,
		service:        svc,
		ss:             ss,
		inboundWriter:  inW,
		outboundReader: outR,
		cancel:         cancel,
		lastUsed:       m.now(),
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	return sess, nil
}

func (m *sessionManager) get(id string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// remove closes and forgets id. Idempotent: a second call for an id already
// removed is a no-op, matching spec §4.5's "guarded to avoid double-close".
func (m *sessionManager) remove(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.close()
	return true
}

func (m *sessionManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// closeAll tears down every live session, for graceful shutdown.
func (m *sessionManager) closeAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.remove(id)
	}
}

// sweep closes every session idle for at least ttl. Returns the count
// closed, for logging.
func (m *sessionManager) sweep(ttl time.Duration) int {
	now := m.now()
	m.mu.Lock()
	var stale []string
	for id, s := range m.sessions {
		if s.idleSince(now) >= ttl {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()
	for _, id := range stale {
		m.remove(id)
	}
	return len(stale)
}

// runSweep runs sweep on interval until ctx is done, clamped to spec
// §4.5's [1s, 30s] bound by the caller before this is started.
func (m *sessionManager) runSweep(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ttl)
		}
	}
}
