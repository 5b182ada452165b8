// Package audit implements an append-only JSONL audit sink: a background
// write chain that serializes entries to disk, survives individual write
// failures, redacts sensitive detail keys at any depth, replaces oversize
// events with a truncated marker, and rotates the backing file by size.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/forgemcp/dynmcp/idgen"
	"github.com/forgemcp/dynmcp/kit"
)

// maxRedactDepth bounds the recursive redaction walk so a pathologically
// nested Details value can't blow the stack.
const maxRedactDepth = 10

// sensitiveKey matches detail keys whose values must never reach disk in
// the clear.
var sensitiveKey = regexp.MustCompile(`(?i)token|password|secret|authorization|cookie|api[-_]?key|bearer|credential`)

// Entry is one audit-worthy attempt: a management operation, a sandbox
// execution, an HTTP auth decision, or anything else worth logging.
type Entry struct {
	Action     string         // e.g. "tool.create", "sandbox.exec", "http.auth"
	Actor      string         // caller identity: session id, admin-token presence, "anonymous"
	Target     string         // tool name, session id, or empty
	Details    map[string]any // redacted before persistence
	Status     string         // "success" or "error"; defaulted from Error
	Error      string
	DurationMs int64
}

// record is the on-disk JSONL shape: Entry plus its enrichment
// (timestamp, service identity, version) and the bookkeeping an
// audit trail needs (a unique id).
type record struct {
	EntryID         string         `json:"entryId"`
	Timestamp       time.Time      `json:"timestamp"`
	Service         string         `json:"service"`
	Version         string         `json:"version"`
	Action          string         `json:"action"`
	Actor           string         `json:"actor,omitempty"`
	Target          string         `json:"target,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
	Status          string         `json:"status"`
	Error           string         `json:"error,omitempty"`
	DurationMs      int64          `json:"durationMs,omitempty"`
	Truncated       bool           `json:"truncated,omitempty"`
	TruncatedReason string         `json:"truncatedReason,omitempty"`
}

type job struct {
	rec  *record
	done chan struct{}
}

// Logger is the append-only JSONL audit sink. The zero value is not usable;
// construct with New.
type Logger struct {
	path          string
	serviceName   string
	version       string
	maxEventBytes int
	maxFileBytes  int64
	maxFiles      int
	newID         idgen.Generator
	now           func() time.Time

	writeMu sync.Mutex // serializes file I/O between the loop and the sync fallback
	file    *os.File
	size    int64

	ch     chan job
	closed chan struct{}
}

// Option configures a Logger.
type Option func(*Logger)

// WithServiceIdentity stamps every entry with a component name and version.
func WithServiceIdentity(name, version string) Option {
	return func(l *Logger) { l.serviceName = name; l.version = version }
}

// WithMaxEventBytes caps the serialized size of a single entry before it is
// replaced with a truncated marker record. Zero disables the cap.
func WithMaxEventBytes(n int) Option {
	return func(l *Logger) { l.maxEventBytes = n }
}

// WithMaxFileBytes triggers rotation once the active file would exceed n
// bytes. Zero disables rotation.
func WithMaxFileBytes(n int64) Option {
	return func(l *Logger) { l.maxFileBytes = n }
}

// WithMaxFiles caps how many numbered backups (file.1 .. file.N) are kept.
func WithMaxFiles(n int) Option {
	return func(l *Logger) { l.maxFiles = n }
}

// WithIDGenerator overrides the entry-id generator, for deterministic tests.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *Logger) { l.newID = gen }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger opens (creating if absent) the JSONL file at path and starts
// the background write-chain goroutine. Buffer sizes the async channel;
// 256 is a reasonable default for a management-plane audit trail.
func NewLogger(path string, buffer int, opts ...Option) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("audit: stat %s: %w", path, err)
	}

	l := &Logger{
		path:        path,
		serviceName: "dynmcp",
		newID:       idgen.Prefixed("aud_", idgen.Default),
		now:         time.Now,
		file:        f,
		size:        info.Size(),
		ch:          make(chan job, buffer),
		closed:      make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.loop()
	return l, nil
}

// Log enqueues entry for asynchronous persistence. Never blocks the caller
// on a hard failure: if the channel is full, the write happens synchronously
// on the caller's goroutine instead of being dropped.
func (l *Logger) Log(entry Entry) {
	rec := l.toRecord(entry)
	select {
	case l.ch <- job{rec: rec}:
	default:
		l.process(rec)
	}
}

// Flush blocks until every entry enqueued before this call has been
// written (or swallowed on failure), or ctx is done.
func (l *Logger) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case l.ch <- job{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the write chain and closes the backing file.
func (l *Logger) Close() error {
	close(l.ch)
	<-l.closed
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.file.Close()
}

func (l *Logger) loop() {
	defer close(l.closed)
	for j := range l.ch {
		if j.done != nil {
			close(j.done)
			continue
		}
		l.process(j.rec)
	}
}

func (l *Logger) toRecord(e Entry) *record {
	status := e.Status
	if status == "" {
		if e.Error != "" {
			status = "error"
		} else {
			status = "success"
		}
	}
	return &record{
		EntryID:    l.newID(),
		Timestamp:  l.now().UTC(),
		Service:    l.serviceName,
		Version:    l.version,
		Action:     e.Action,
		Actor:      e.Actor,
		Target:     e.Target,
		Details:    redact(e.Details, maxRedactDepth).(map[string]any),
		Status:     status,
		Error:      e.Error,
		DurationMs: e.DurationMs,
	}
}

// process serializes rec, substituting a truncated marker if it's over
// budget, rotates the file if needed, and appends the line. A failure here
// is logged and swallowed — audit failures never propagate to
// callers and never block the next entry from flushing.
func (l *Logger) process(rec *record) {
	line, err := l.encode(rec)
	if err != nil {
		slog.Warn("audit: encode failed", "error", err, "action", rec.Action)
		return
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.maxFileBytes > 0 && l.size+int64(len(line)) > l.maxFileBytes {
		if err := l.rotateLocked(); err != nil {
			slog.Warn("audit: rotate failed", "error", err)
		}
	}

	n, err := l.file.Write(line)
	if err != nil {
		slog.Warn("audit: write failed", "error", err, "action", rec.Action)
		return
	}
	l.size += int64(n)
}

func (l *Logger) encode(rec *record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if l.maxEventBytes > 0 && len(data) > l.maxEventBytes {
		marker := &record{
			EntryID:         rec.EntryID,
			Timestamp:       rec.Timestamp,
			Service:         rec.Service,
			Version:         rec.Version,
			Action:          rec.Action,
			Actor:           rec.Actor,
			Target:          rec.Target,
			Status:          "truncated",
			Truncated:       true,
			TruncatedReason: fmt.Sprintf("event exceeded %d bytes", l.maxEventBytes),
		}
		data, err = json.Marshal(marker)
		if err != nil {
			return nil, err
		}
	}
	return append(data, '\n'), nil
}

// rotateLocked renames path -> path.1, shifting existing backups up to
// path.N, dropping whatever previously occupied path.N. Caller must hold
// writeMu. Best-effort: a failed rename is logged, not propagated.
func (l *Logger) rotateLocked() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	if l.maxFiles > 0 {
		for i := l.maxFiles - 1; i >= 1; i-- {
			os.Rename(numberedPath(l.path, i), numberedPath(l.path, i+1))
		}
		if err := os.Rename(l.path, numberedPath(l.path, 1)); err != nil && !os.IsNotExist(err) {
			slog.Warn("audit: rename into backup slot", "error", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	l.size = 0
	return nil
}

func numberedPath(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

// redact walks v recursively, replacing the value of any map key matching
// sensitiveKey with "[REDACTED]" regardless of nesting depth, down to
// maxRedactDepth levels; beyond that it substitutes a sentinel rather than
// recursing further.
func redact(v any, depth int) any {
	if depth <= 0 {
		switch v.(type) {
		case map[string]any, []any:
			return "[DEPTH_LIMIT]"
		default:
			return v
		}
	}
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			if sensitiveKey.MatchString(k) {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = redact(vv, depth-1)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = redact(vv, depth-1)
		}
		return out
	default:
		return v
	}
}

// Middleware wraps a kit.Endpoint so every call through it emits exactly
// one Entry, whether the endpoint succeeds or fails. Actor and target are
// pulled from context via the kit helpers so callers don't have to thread
// them through explicitly.
func Middleware(l *Logger, action string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			entry := Entry{
				Action:     action,
				Actor:      actorFromContext(ctx),
				Target:     kit.GetHandle(ctx),
				DurationMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				entry.Status = "error"
				entry.Error = err.Error()
			}
			l.Log(entry)
			return resp, err
		}
	}
}

func actorFromContext(ctx context.Context) string {
	if id := kit.GetUserID(ctx); id != "" {
		return id
	}
	if id := kit.GetSessionID(ctx); id != "" {
		return id
	}
	return "anonymous"
}
