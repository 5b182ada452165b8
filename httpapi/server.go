package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/forgemcp/dynmcp/auth"
	"github.com/forgemcp/dynmcp/kit"
	"github.com/forgemcp/dynmcp/shield"
)

const sessionIDHeader = "Mcp-Session-Id"

// Config wires the HTTP session layer to its collaborators and configured
// limits (spec §6's "HTTP" configuration keys).
type Config struct {
	Deps SharedDeps

	Path            string // MCP endpoint path, default "/mcp"
	MaxRequestBytes int64  // default 100_000_000 (spec §6's ≤1e8 bound)
	SessionTTL      time.Duration
	SweepInterval   time.Duration // clamped to [1s, 30s]

	Verifier auth.TokenVerifier // nil disables bearer auth ({auth mode: none})

	// Ready reports backend readiness (e.g. a SQL `SELECT 1`). Nil means
	// always ready.
	Ready func(ctx context.Context) error

	ImplementationVersion string
	Logger                *slog.Logger
}

// Server is the HTTP session layer: one *mcp.Server per client session,
// routed over chi, hardened with shield's middleware stack.
type Server struct {
	cfg       Config
	router    chi.Router
	sessions  *sessionManager
	metrics   *metrics
	startedAt time.Time
	logger    *slog.Logger

	sweepCancel context.CancelFunc
}

// New builds a Server ready to be handed to an http.Server as its Handler.
func New(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/mcp"
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = 100_000_000
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	sweep := cfg.SweepInterval
	if sweep < time.Second {
		sweep = time.Second
	}
	if sweep > 30*time.Second {
		sweep = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	startedAt := time.Now()
	sessions := newSessionManager(cfg.Deps, cfg.ImplementationVersion)
	s := &Server{
		cfg:       cfg,
		sessions:  sessions,
		metrics:   newMetrics(startedAt, func() int64 { return int64(sessions.count()) }),
		startedAt: startedAt,
		logger:    logger,
	}
	s.cfg.SweepInterval = sweep
	s.router = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start begins the idle-session sweep; call once after New.
func (s *Server) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.sweepCancel = cancel
	go s.sessions.runSweep(sweepCtx, s.cfg.SweepInterval, s.cfg.SessionTTL)
}

// Shutdown tears every live session down, in the order spec §4.5 names:
// the caller stops accepting new connections (via http.Server.Shutdown)
// before calling this.
func (s *Server) Shutdown() {
	if s.sweepCancel != nil {
		s.sweepCancel()
	}
	s.sessions.closeAll()
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(shield.HeadToGet)
	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
	r.Use(requestID)

	r.Get("/livez", s.handleLivez)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/metrics", s.handleMetrics)

	r.Group(func(r chi.Router) {
		r.Use(shield.MaxBody(s.cfg.MaxRequestBytes))
		if s.cfg.Verifier != nil {
			r.Use(requireBearer(s.cfg.Verifier, s.cfg.Deps.Audit, s.metrics))
		}
		r.Post(s.cfg.Path, s.handleInitiateOrMessage)
		r.Get(s.cfg.Path, s.handleStream)
		r.Delete(s.cfg.Path, s.handleClose)
	})

	return r
}

func (s *Server) handleLivez(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, s.metrics.expose())
}

// handleInitiateOrMessage implements spec §4.5's POST contract: no session
// id header creates a new session (and answers with its id header); an
// existing id routes the message into that session's transport.
func (s *Server) handleInitiateOrMessage(w http.ResponseWriter, r *http.Request) {
	reqID := kit.GetRequestID(r.Context())
	id := r.Header.Get(sessionIDHeader)

	var sess *session
	if id == "" {
		created, err := s.sessions.create(r.Context())
		if err != nil {
			s.logger.Error("session create failed", "error", err, "requestId", reqID)
			writeRPCError(w, http.StatusInternalServerError, codeInternalError, "session creation failed", reqID)
			return
		}
		sess = created
		s.metrics.sessionsCreated.Add(1)
		w.Header().Set(sessionIDHeader, sess.id)
	} else {
		found, ok := s.sessions.get(id)
		if !ok {
			writeRPCError(w, http.StatusNotFound, codeUnknownSess, fmt.Sprintf("unknown session %q", id), reqID)
			return
		}
		sess = found
	}
	sess.touch(time.Now())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if bodyTooLarge(err) {
			writeRPCError(w, http.StatusRequestEntityTooLarge, codeOversizeBody, "request body too large", reqID)
			return
		}
		writeRPCError(w, http.StatusBadRequest, codeInternalError, "failed to read request body", reqID)
		return
	}

	// mcp.IOTransport frames messages newline-delimited; each POST body
	// is one message.
	if _, err := sess.inboundWriter.Write(append(body, '\n')); err != nil {
		writeRPCError(w, http.StatusInternalServerError, codeInternalError, "session unavailable", reqID)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// handleStream implements spec §4.5's GET contract: an SSE stream of the
// named session's outgoing MCP messages.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	reqID := kit.GetRequestID(r.Context())
	id := r.Header.Get(sessionIDHeader)
	sess, ok := s.sessions.get(id)
	if !ok {
		writeRPCError(w, http.StatusNotFound, codeUnknownSess, fmt.Sprintf("unknown session %q", id), reqID)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeRPCError(w, http.StatusInternalServerError, codeInternalError, "streaming unsupported", reqID)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	scanner := bufio.NewScanner(sess.outboundReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		sess.touch(time.Now())
		fmt.Fprintf(w, "data: %s\n\n", scanner.Text())
		flusher.Flush()
		select {
		case <-r.Context().Done():
			return
		default:
		}
	}
}

// handleClose implements spec §4.5's DELETE contract: close the named
// session. Idempotent (sessionManager.remove), so a repeated or racing
// close is a harmless no-op rather than an error.
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionIDHeader)
	s.sessions.remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
