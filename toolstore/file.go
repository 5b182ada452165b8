package toolstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/forgemcp/dynmcp/dyntool"
)

// storeFileVersion is the on-disk StoreFile.Version this backend writes.
// Bumped only if the on-disk shape changes in an incompatible way.
const storeFileVersion = 1

// FileBackend is the single-process registry backend: the full tool set
// lives in memory and is persisted to a JSON file on every mutation via an
// atomic temp-file-plus-rename write, so a crash mid-write never corrupts
// the file a concurrent reader (or the next process start) sees.
//
// All mutations serialize through mu — there is exactly one writer at a
// time, since the file backend has no database to arbitrate concurrent
// writers for it.
type FileBackend struct {
	mu       sync.Mutex
	path     string
	maxTools int
	tools    map[string]*dyntool.DynamicTool
	now      func() time.Time
}

// FileOption configures a FileBackend.
type FileOption func(*FileBackend)

// WithMaxTools caps how many tools the file backend will hold. Zero means
// no cap.
func WithMaxTools(n int) FileOption {
	return func(b *FileBackend) { b.maxTools = n }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) FileOption {
	return func(b *FileBackend) { b.now = now }
}

// NewFileBackend creates a FileBackend backed by path. Call Load before use.
func NewFileBackend(path string, opts ...FileOption) *FileBackend {
	b := &FileBackend{
		path:  path,
		tools: make(map[string]*dyntool.DynamicTool),
		now:   time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Ping reports whether the store file's directory is reachable, satisfying
// toolstore.Pinger. A missing store file is not a readiness failure (Load
// treats it the same way, starting empty and creating it on first write);
// only a directory that cannot be statted at all counts as not-ready.
func (b *FileBackend) Ping(ctx context.Context) error {
	if _, err := os.Stat(filepath.Dir(b.path)); err != nil {
		return dyntool.Wrap(dyntool.KindTransientStorage, fmt.Errorf("toolstore: stat %s: %w", filepath.Dir(b.path), err))
	}
	return nil
}

func (b *FileBackend) Load(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		b.tools = make(map[string]*dyntool.DynamicTool)
		return nil
	}
	if err != nil {
		return dyntool.Wrap(dyntool.KindTransientStorage, fmt.Errorf("toolstore: read %s: %w", b.path, err))
	}

	var sf dyntool.StoreFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return dyntool.Wrap(dyntool.KindTransientStorage, fmt.Errorf("toolstore: decode %s: %w", b.path, err))
	}

	tools := make(map[string]*dyntool.DynamicTool, len(sf.Tools))
	for _, t := range sf.Tools {
		tools[t.Name] = t
	}
	b.tools = tools
	return nil
}

func (b *FileBackend) List() []*dyntool.DynamicTool {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*dyntool.DynamicTool, 0, len(b.tools))
	for _, t := range b.tools {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (b *FileBackend) Get(name string) (*dyntool.DynamicTool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tools[name]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

func (b *FileBackend) Create(ctx context.Context, tool *dyntool.DynamicTool) (*dyntool.DynamicTool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.tools[tool.Name]; exists {
		return nil, dyntool.New(dyntool.KindDuplicate, fmt.Sprintf("tool %q already exists", tool.Name))
	}
	if b.maxTools > 0 && len(b.tools) >= b.maxTools {
		return nil, dyntool.New(dyntool.KindLimitReached, fmt.Sprintf("registry is at its limit of %d tools", b.maxTools))
	}

	stored := tool.Clone()
	now := b.now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Revision = 1

	b.tools[stored.Name] = stored
	if err := b.persistLocked(); err != nil {
		delete(b.tools, stored.Name)
		return nil, err
	}
	return stored.Clone(), nil
}

func (b *FileBackend) Update(ctx context.Context, name string, expectedRevision int64, patch dyntool.Patch) (*dyntool.DynamicTool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.tools[name]
	if !ok {
		return nil, dyntool.New(dyntool.KindNotFound, fmt.Sprintf("tool %q not found", name))
	}
	if current.Revision != expectedRevision {
		return nil, dyntool.New(dyntool.KindRevisionConflict, fmt.Sprintf("tool %q has revision %d, expected %d", name, current.Revision, expectedRevision))
	}

	next, err := dyntool.ValidatePatch(current, patch)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = b.now()
	next.Revision = current.Revision + 1

	prev := b.tools[name]
	b.tools[name] = next
	if err := b.persistLocked(); err != nil {
		b.tools[name] = prev
		return nil, err
	}
	return next.Clone(), nil
}

func (b *FileBackend) Remove(ctx context.Context, name string, expectedRevision int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.tools[name]
	if !ok {
		return dyntool.New(dyntool.KindNotFound, fmt.Sprintf("tool %q not found", name))
	}
	if current.Revision != expectedRevision {
		return dyntool.New(dyntool.KindRevisionConflict, fmt.Sprintf("tool %q has revision %d, expected %d", name, current.Revision, expectedRevision))
	}

	delete(b.tools, name)
	if err := b.persistLocked(); err != nil {
		b.tools[name] = current
		return err
	}
	return nil
}

func (b *FileBackend) SetEnabled(ctx context.Context, name string, expectedRevision int64, enabled bool) (*dyntool.DynamicTool, error) {
	return b.Update(ctx, name, expectedRevision, dyntool.Patch{Enabled: &enabled})
}

func (b *FileBackend) Close() error { return nil }

// persistLocked writes the current in-memory tool set to disk atomically:
// it writes to a temp file in the same directory, then renames over the
// target path, so readers (and a crash) only ever see a fully-written file.
// Callers must hold mu.
func (b *FileBackend) persistLocked() error {
	tools := make([]*dyntool.DynamicTool, 0, len(b.tools))
	for _, t := range b.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	sf := dyntool.StoreFile{Version: storeFileVersion, Tools: tools}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return dyntool.Wrap(dyntool.KindTransientStorage, fmt.Errorf("toolstore: encode: %w", err))
	}

	dir := filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, ".toolstore-*.tmp")
	if err != nil {
		return dyntool.Wrap(dyntool.KindTransientStorage, fmt.Errorf("toolstore: create temp file: %w", err))
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return dyntool.Wrap(dyntool.KindTransientStorage, fmt.Errorf("toolstore: write temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return dyntool.Wrap(dyntool.KindTransientStorage, fmt.Errorf("toolstore: sync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return dyntool.Wrap(dyntool.KindTransientStorage, fmt.Errorf("toolstore: close temp file: %w", err))
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		return dyntool.Wrap(dyntool.KindTransientStorage, fmt.Errorf("toolstore: rename into place: %w", err))
	}
	return nil
}
