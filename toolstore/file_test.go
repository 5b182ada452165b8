package toolstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgemcp/dynmcp/dyntool"
)

func newTool(name string) *dyntool.DynamicTool {
	return &dyntool.DynamicTool{
		Name:        name,
		Description: "a test tool",
		Image:       "node:20-alpine",
		TimeoutMs:   5000,
		Code:        "return args;",
		Enabled:     true,
	}
}

func tempStorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "tools.json")
}

func TestFileBackendCreateThenUpdateIncrementsRevision(t *testing.T) {
	path := tempStorePath(t)
	b := NewFileBackend(path)
	if err := b.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	created, err := b.Create(context.Background(), newTool("dynamic.greeter"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", created.Revision)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps to be set: %+v", created)
	}

	desc := "updated description"
	updated, err := b.Update(context.Background(), "dynamic.greeter", 1, dyntool.Patch{Description: &desc})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", updated.Revision)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("createdAt should not change: got %v want %v", updated.CreatedAt, created.CreatedAt)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) && !updated.UpdatedAt.Equal(created.UpdatedAt) {
		t.Fatalf("updatedAt should not go backwards")
	}

	// A stale expectedRevision must fail and leave state untouched.
	_, err = b.Update(context.Background(), "dynamic.greeter", 1, dyntool.Patch{Description: &desc})
	if dyntool.KindOf(err) != dyntool.KindRevisionConflict {
		t.Fatalf("expected revision-conflict, got %v", err)
	}

	current, ok := b.Get("dynamic.greeter")
	if !ok || current.Revision != 2 {
		t.Fatalf("expected tool still at revision 2 after rejected update, got %+v", current)
	}
}

func TestFileBackendListReturnsSortedCopies(t *testing.T) {
	path := tempStorePath(t)
	b := NewFileBackend(path)
	if err := b.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	for _, name := range []string{"dynamic.zeta", "dynamic.alpha", "dynamic.mu"} {
		if _, err := b.Create(context.Background(), newTool(name)); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	list := b.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Name > list[i].Name {
			t.Fatalf("expected sorted list, got %v", names(list))
		}
	}

	// Mutating a returned copy must not affect a subsequent read.
	list[0].Description = "mutated by caller"
	again := b.List()
	if again[0].Description == "mutated by caller" {
		t.Fatalf("List must return deep copies, caller mutation leaked into store")
	}
}

func names(tools []*dyntool.DynamicTool) []string {
	out := make([]string, len(tools))
	for i, t := range tools {
		out[i] = t.Name
	}
	return out
}

func TestFileBackendCreateFailsOnDuplicateAndReservedCapacity(t *testing.T) {
	path := tempStorePath(t)
	b := NewFileBackend(path, WithMaxTools(1))
	if err := b.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	if _, err := b.Create(context.Background(), newTool("dynamic.one")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := b.Create(context.Background(), newTool("dynamic.one")); dyntool.KindOf(err) != dyntool.KindDuplicate {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if _, err := b.Create(context.Background(), newTool("dynamic.two")); dyntool.KindOf(err) != dyntool.KindLimitReached {
		t.Fatalf("expected limit-reached, got %v", err)
	}

	if len(b.List()) != 1 {
		t.Fatalf("expected exactly one tool to persist after rejected creates, got %d", len(b.List()))
	}
}

func TestFileBackendRemoveHonorsExpectedRevision(t *testing.T) {
	path := tempStorePath(t)
	b := NewFileBackend(path)
	if err := b.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := b.Create(context.Background(), newTool("dynamic.gone")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := b.Remove(context.Background(), "dynamic.gone", 99); dyntool.KindOf(err) != dyntool.KindRevisionConflict {
		t.Fatalf("expected revision-conflict, got %v", err)
	}
	if _, ok := b.Get("dynamic.gone"); !ok {
		t.Fatalf("tool should still exist after rejected remove")
	}

	if err := b.Remove(context.Background(), "dynamic.gone", 1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := b.Get("dynamic.gone"); ok {
		t.Fatalf("tool should be gone after remove")
	}
	if err := b.Remove(context.Background(), "dynamic.gone", 1); dyntool.KindOf(err) != dyntool.KindNotFound {
		t.Fatalf("expected not-found on double remove, got %v", err)
	}
}

func TestFileBackendSetEnabledTogglesWithoutOtherChanges(t *testing.T) {
	path := tempStorePath(t)
	b := NewFileBackend(path)
	if err := b.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	created, err := b.Create(context.Background(), newTool("dynamic.flag"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	disabled, err := b.SetEnabled(context.Background(), "dynamic.flag", created.Revision, false)
	if err != nil {
		t.Fatalf("setEnabled: %v", err)
	}
	if disabled.Enabled {
		t.Fatalf("expected tool to be disabled")
	}
	if disabled.Revision != created.Revision+1 {
		t.Fatalf("setEnabled must bump revision, got %d", disabled.Revision)
	}
}

func TestFileBackendPersistsAtomicallyAndReloads(t *testing.T) {
	path := tempStorePath(t)
	b := NewFileBackend(path)
	if err := b.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := b.Create(context.Background(), newTool("dynamic.persisted")); err != nil {
		t.Fatalf("create: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read store file: %v", err)
	}
	var sf dyntool.StoreFile
	if err := json.Unmarshal(data, &sf); err != nil {
		t.Fatalf("decode store file: %v", err)
	}
	if sf.Version != storeFileVersion {
		t.Fatalf("expected version %d, got %d", storeFileVersion, sf.Version)
	}
	if len(sf.Tools) != 1 || sf.Tools[0].Name != "dynamic.persisted" {
		t.Fatalf("unexpected tools on disk: %+v", sf.Tools)
	}

	// No leftover temp files from the write-then-rename.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != filepath.Base(path) {
			t.Fatalf("unexpected leftover file in store dir: %s", e.Name())
		}
	}

	reloaded := NewFileBackend(path)
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := reloaded.Get("dynamic.persisted"); !ok {
		t.Fatalf("expected reloaded backend to see persisted tool")
	}
}

func TestFileBackendLoadMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "tools.json")
	b := NewFileBackend(path)
	if err := b.Load(context.Background()); err != nil {
		t.Fatalf("load of missing file should not error: %v", err)
	}
	if len(b.List()) != 0 {
		t.Fatalf("expected empty registry, got %d tools", len(b.List()))
	}
}

func TestFileBackendClockControlsTimestamps(t *testing.T) {
	path := tempStorePath(t)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewFileBackend(path, WithClock(func() time.Time { return fixed }))
	if err := b.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	created, err := b.Create(context.Background(), newTool("dynamic.clock"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created.CreatedAt.Equal(fixed) || !created.UpdatedAt.Equal(fixed) {
		t.Fatalf("expected fixed clock timestamps, got %+v", created)
	}
}
