package toolstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/forgemcp/dynmcp/dbopen"
	"github.com/forgemcp/dynmcp/dyntool"
	"github.com/forgemcp/dynmcp/idgen"
	"github.com/forgemcp/dynmcp/watch"
)

// SQLBackend is the shared-database registry backend: tools live in a SQL
// table, a background watcher polls for changes made by other instances,
// and maxTools is enforced by a count-then-insert inside one transaction so two
// instances racing to create the Nth+1 tool cannot both succeed. Revision
// is advanced by the application inside the same transaction as the
// mutation rather than by a SQL trigger, since disambiguating "not found"
// from "revision conflict" needs a single round trip, which a trigger
// can't report back.
type SQLBackend struct {
	db           *sql.DB
	maxTools     int
	instance     string
	newID        idgen.Generator
	now          func() time.Time
	initAttempts int
	initBackoff  time.Duration

	mu    sync.RWMutex
	tools map[string]*dyntool.DynamicTool

	watcher   *watch.Watcher
	listeners []func(dyntool.RegistryChangeEvent)
	listenMu  sync.Mutex
}

// SQLOption configures a SQLBackend.
type SQLOption func(*SQLBackend)

// WithSQLMaxTools caps the number of rows the backend will allow. Zero means
// no cap.
func WithSQLMaxTools(n int) SQLOption {
	return func(b *SQLBackend) { b.maxTools = n }
}

// WithInstanceID sets the OriginID stamped on the RegistryChangeEvents
// RunWatcher emits for externally detected changes. The backend itself
// skips nothing on the basis of this id.
func WithInstanceID(id string) SQLOption {
	return func(b *SQLBackend) { b.instance = id }
}

// WithSQLIDGenerator overrides the default idgen.Default generator, used only
// if a caller needs deterministic ids in tests.
func WithSQLIDGenerator(gen idgen.Generator) SQLOption {
	return func(b *SQLBackend) { b.newID = gen }
}

// WithInitRetry bounds Init's retry policy: up to maxAttempts tries,
// exponential backoff starting at backoffMs and doubling each attempt.
// Zero maxAttempts means a single, unretried attempt.
func WithInitRetry(maxAttempts int, backoffMs int) SQLOption {
	return func(b *SQLBackend) {
		b.initAttempts = maxAttempts
		b.initBackoff = time.Duration(backoffMs) * time.Millisecond
	}
}

// NewSQLBackend wraps an already-open *sql.DB (opened with dbopen or
// equivalent pragmas applied by the caller). Init creates the table;
// Load populates memory.
func NewSQLBackend(db *sql.DB, opts ...SQLOption) *SQLBackend {
	b := &SQLBackend{
		db:          db,
		instance:    idgen.Default(),
		newID:       idgen.Default,
		now:         time.Now,
		tools:       make(map[string]*dyntool.DynamicTool),
		initBackoff: 100 * time.Millisecond,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Init creates the dynamic_tools table if it does not already exist,
// retrying with exponential backoff on transient connection errors. This
// backend targets SQLite, so the transient class it actually guards
// against is SQLite's own busy/locked condition (dbopen.IsBusy) — a
// single writer mid-migration holding the database. Non-transient errors
// (e.g. a malformed schema) fail on the first attempt.
func (b *SQLBackend) Init(ctx context.Context) error {
	attempts := b.initAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := b.initBackoff

	var lastErr error
	for i := 0; i < attempts; i++ {
		_, err := b.db.ExecContext(ctx, schema)
		if err == nil {
			return nil
		}
		lastErr = err
		if !dbopen.IsBusy(err) {
			return fmt.Errorf("toolstore: init schema: %w", err)
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return dyntool.Wrap(dyntool.KindTransientStorage, fmt.Errorf("toolstore: init schema: exhausted %d attempts: %w", attempts, lastErr))
}

// Notify registers fn to run after a Load triggered by an externally
// detected change. Satisfies toolstore.Notifier.
func (b *SQLBackend) Notify(fn func(dyntool.RegistryChangeEvent)) {
	b.listenMu.Lock()
	b.listeners = append(b.listeners, fn)
	b.listenMu.Unlock()
}

// RunWatcher starts a background poll loop that reloads memory and fans
// out a synthetic RegistryChangeEvent whenever another instance's write
// changes PRAGMA data_version. Blocks until ctx is cancelled; run it in
// its own goroutine.
func (b *SQLBackend) RunWatcher(ctx context.Context) {
	b.watcher = watch.New(b.db, watch.Options{
		Interval: 2 * time.Second,
		Detector: watch.PragmaDataVersion,
	})
	b.watcher.OnChange(ctx, func() error {
		if err := b.Load(ctx); err != nil {
			return err
		}
		event := dyntool.RegistryChangeEvent{
			OriginID:  b.instance,
			Action:    dyntool.ActionUpdate,
			Timestamp: b.now(),
		}
		b.listenMu.Lock()
		listeners := append([]func(dyntool.RegistryChangeEvent){}, b.listeners...)
		b.listenMu.Unlock()
		for _, fn := range listeners {
			fn(event)
		}
		return nil
	})
}

// Ping reports whether the database connection is reachable, satisfying
// toolstore.Pinger. Unlike Load it performs no query against
// dynamic_tools and leaves the in-memory tool map untouched, so a
// readiness probe can call it as often as it likes.
func (b *SQLBackend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return dyntool.Wrap(dyntool.KindTransientStorage, fmt.Errorf("toolstore: ping: %w", err))
	}
	return nil
}

func (b *SQLBackend) Load(ctx context.Context) error {
	rows, err := b.db.QueryContext(ctx, `
		SELECT name, title, description, image, timeout_ms, dependencies,
		       code, input_schema, enabled, created_at, updated_at, revision
		FROM dynamic_tools
		ORDER BY name`)
	if err != nil {
		return dyntool.Wrap(dyntool.KindTransientStorage, fmt.Errorf("toolstore: query: %w", err))
	}
	defer rows.Close()

	tools := make(map[string]*dyntool.DynamicTool)
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return dyntool.Wrap(dyntool.KindTransientStorage, err)
		}
		tools[t.Name] = t
	}
	if err := rows.Err(); err != nil {
		return dyntool.Wrap(dyntool.KindTransientStorage, err)
	}

	b.mu.Lock()
	b.tools = tools
	b.mu.Unlock()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTool(r rowScanner) (*dyntool.DynamicTool, error) {
	var (
		t                        dyntool.DynamicTool
		depsJSON                 string
		schemaJSON               sql.NullString
		enabledInt               int
		createdUnix, updatedUnix int64
	)
	if err := r.Scan(&t.Name, &t.Title, &t.Description, &t.Image, &t.TimeoutMs,
		&depsJSON, &t.Code, &schemaJSON, &enabledInt, &createdUnix, &updatedUnix, &t.Revision); err != nil {
		return nil, fmt.Errorf("scan tool: %w", err)
	}
	if err := json.Unmarshal([]byte(depsJSON), &t.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies for %q: %w", t.Name, err)
	}
	if schemaJSON.Valid && schemaJSON.String != "" {
		if err := json.Unmarshal([]byte(schemaJSON.String), &t.InputSchema); err != nil {
			return nil, fmt.Errorf("decode inputSchema for %q: %w", t.Name, err)
		}
	}
	t.Enabled = enabledInt != 0
	t.CreatedAt = time.Unix(createdUnix, 0).UTC()
	t.UpdatedAt = time.Unix(updatedUnix, 0).UTC()
	return &t, nil
}

func (b *SQLBackend) List() []*dyntool.DynamicTool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*dyntool.DynamicTool, 0, len(b.tools))
	for _, t := range b.tools {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (b *SQLBackend) Get(name string) (*dyntool.DynamicTool, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tools[name]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

func (b *SQLBackend) Create(ctx context.Context, tool *dyntool.DynamicTool) (*dyntool.DynamicTool, error) {
	// SQLite upgrades a transaction's lock to a write (RESERVED) lock on its
	// first write statement, so the count-then-insert below is atomic with
	// respect to other writers the moment the INSERT executes — this
	// serves as the critical section the backend needs in place of a
	// separate advisory lock.
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dyntool.Wrap(dyntool.KindTransientStorage, err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM dynamic_tools WHERE name = ?`, tool.Name).Scan(&existing); err != nil {
		return nil, dyntool.Wrap(dyntool.KindTransientStorage, err)
	}
	if existing > 0 {
		return nil, dyntool.New(dyntool.KindDuplicate, fmt.Sprintf("tool %q already exists", tool.Name))
	}

	if b.maxTools > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM dynamic_tools`).Scan(&count); err != nil {
			return nil, dyntool.Wrap(dyntool.KindTransientStorage, err)
		}
		if count >= b.maxTools {
			return nil, dyntool.New(dyntool.KindLimitReached, fmt.Sprintf("registry is at its limit of %d tools", b.maxTools))
		}
	}

	stored := tool.Clone()
	now := b.now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Revision = 1

	depsJSON, err := json.Marshal(stored.Dependencies)
	if err != nil {
		return nil, dyntool.Wrap(dyntool.KindValidation, err)
	}
	var schemaJSON sql.NullString
	if stored.InputSchema != nil {
		raw, err := json.Marshal(stored.InputSchema)
		if err != nil {
			return nil, dyntool.Wrap(dyntool.KindValidation, err)
		}
		schemaJSON = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dynamic_tools
			(name, title, description, image, timeout_ms, dependencies, code, input_schema, enabled, created_at, updated_at, revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.Name, stored.Title, stored.Description, stored.Image, stored.TimeoutMs,
		string(depsJSON), stored.Code, schemaJSON, boolToInt(stored.Enabled),
		stored.CreatedAt.Unix(), stored.UpdatedAt.Unix(), stored.Revision)
	if err != nil {
		return nil, dyntool.Wrap(dyntool.KindTransientStorage, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, dyntool.Wrap(dyntool.KindTransientStorage, err)
	}

	b.mu.Lock()
	b.tools[stored.Name] = stored
	b.mu.Unlock()
	return stored.Clone(), nil
}

func (b *SQLBackend) Update(ctx context.Context, name string, expectedRevision int64, patch dyntool.Patch) (*dyntool.DynamicTool, error) {
	b.mu.RLock()
	current, ok := b.tools[name]
	b.mu.RUnlock()
	if !ok {
		return nil, dyntool.New(dyntool.KindNotFound, fmt.Sprintf("tool %q not found", name))
	}

	next, err := dyntool.ValidatePatch(current, patch)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = b.now()
	next.Revision = current.Revision + 1

	depsJSON, err := json.Marshal(next.Dependencies)
	if err != nil {
		return nil, dyntool.Wrap(dyntool.KindValidation, err)
	}
	var schemaJSON sql.NullString
	if next.InputSchema != nil {
		raw, err := json.Marshal(next.InputSchema)
		if err != nil {
			return nil, dyntool.Wrap(dyntool.KindValidation, err)
		}
		schemaJSON = sql.NullString{String: string(raw), Valid: true}
	}

	res, err := b.db.ExecContext(ctx, `
		UPDATE dynamic_tools
		SET title = ?, description = ?, image = ?, timeout_ms = ?, dependencies = ?,
		    code = ?, input_schema = ?, enabled = ?, updated_at = ?, revision = ?
		WHERE name = ? AND revision = ?`,
		next.Title, next.Description, next.Image, next.TimeoutMs, string(depsJSON),
		next.Code, schemaJSON, boolToInt(next.Enabled), next.UpdatedAt.Unix(), next.Revision,
		name, expectedRevision)
	if err != nil {
		return nil, dyntool.Wrap(dyntool.KindTransientStorage, err)
	}
	if err := b.checkConflict(ctx, res, name); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.tools[name] = next
	b.mu.Unlock()
	return next.Clone(), nil
}

func (b *SQLBackend) SetEnabled(ctx context.Context, name string, expectedRevision int64, enabled bool) (*dyntool.DynamicTool, error) {
	return b.Update(ctx, name, expectedRevision, dyntool.Patch{Enabled: &enabled})
}

func (b *SQLBackend) Remove(ctx context.Context, name string, expectedRevision int64) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM dynamic_tools WHERE name = ? AND revision = ?`, name, expectedRevision)
	if err != nil {
		return dyntool.Wrap(dyntool.KindTransientStorage, err)
	}
	if err := b.checkConflict(ctx, res, name); err != nil {
		return err
	}

	b.mu.Lock()
	delete(b.tools, name)
	b.mu.Unlock()
	return nil
}

func (b *SQLBackend) Close() error { return nil }

// checkConflict disambiguates a zero-row-affected write into not-found vs.
// revision-conflict with one extra lookup, since the UPDATE/DELETE's own
// WHERE clause can't tell the two apart on its own.
func (b *SQLBackend) checkConflict(ctx context.Context, res sql.Result, name string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return dyntool.Wrap(dyntool.KindTransientStorage, err)
	}
	if affected > 0 {
		return nil
	}
	var exists int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dynamic_tools WHERE name = ?`, name).Scan(&exists); err != nil {
		return dyntool.Wrap(dyntool.KindTransientStorage, err)
	}
	if exists == 0 {
		return dyntool.New(dyntool.KindNotFound, fmt.Sprintf("tool %q not found", name))
	}
	return dyntool.New(dyntool.KindRevisionConflict, fmt.Sprintf("tool %q was modified concurrently", name))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
