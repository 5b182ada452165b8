// Package toolstore implements the two registry backends: a single-process
// JSON file store and a SQL store shared across instances. Both satisfy
// the same Backend contract so the tool service
// (package toolservice) never branches on which one is configured.
package toolstore

import (
	"context"

	"github.com/forgemcp/dynmcp/dyntool"
)

// Backend is the storage contract the dynamic tool service drives. All
// mutating methods are revision-conditioned:
// Update/Remove/SetEnabled take the caller's last-known revision and fail
// with dyntool.KindRevisionConflict if the stored revision has since moved.
type Backend interface {
	// Load (re)reads the full tool set from durable storage into memory.
	// Called at startup and, for the SQL backend, whenever the watcher
	// observes an external change.
	Load(ctx context.Context) error

	// List returns a snapshot of every tool currently held in memory,
	// sorted by name.
	List() []*dyntool.DynamicTool

	// Get returns a single tool by name.
	Get(name string) (*dyntool.DynamicTool, bool)

	// Create persists a brand-new tool. Returns dyntool.KindDuplicate if
	// the name already exists, dyntool.KindLimitReached if the backend's
	// maxTools cap would be exceeded.
	Create(ctx context.Context, tool *dyntool.DynamicTool) (*dyntool.DynamicTool, error)

	// Update applies patch to the tool named name, conditioned on
	// expectedRevision matching the stored revision.
	Update(ctx context.Context, name string, expectedRevision int64, patch dyntool.Patch) (*dyntool.DynamicTool, error)

	// Remove deletes the tool named name, conditioned on expectedRevision.
	Remove(ctx context.Context, name string, expectedRevision int64) error

	// SetEnabled flips the enabled flag, conditioned on expectedRevision.
	SetEnabled(ctx context.Context, name string, expectedRevision int64, enabled bool) (*dyntool.DynamicTool, error)

	// Close releases any held resources (open files, database handles,
	// background watchers).
	Close() error
}

// Notifier is implemented by backends that can report externally-driven
// changes (the SQL backend's watch-poll bridge). The file backend has no
// cross-instance story and does not implement this.
type Notifier interface {
	// Notify registers fn to be called after every successful Load that
	// was triggered by a detected external change (not by the initial
	// startup Load or by this instance's own writes).
	Notify(fn func(dyntool.RegistryChangeEvent))
}

// Pinger is implemented by backends that can report readiness without the
// side effects of a full Load. A /readyz probe should prefer Ping over
// Load: Load swaps the in-memory tool map on every call, so driving it
// from a periodic readiness poll churns backend state for no reason.
type Pinger interface {
	// Ping reports whether the backend's durable storage is reachable,
	// without reloading or mutating any in-memory state.
	Ping(ctx context.Context) error
}
