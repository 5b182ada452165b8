// Package toolservice implements the Dynamic Tool Service: the source of
// truth for the runtime view of dynamic tools. It validates inputs, drives
// the registry backend, keeps the MCP server's registered tools in sync
// with what the registry holds, and broadcasts change events so other
// instances sharing the same backend can catch up.
package toolservice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forgemcp/dynmcp/audit"
	"github.com/forgemcp/dynmcp/changebus"
	"github.com/forgemcp/dynmcp/dyntool"
	"github.com/forgemcp/dynmcp/guard"
	"github.com/forgemcp/dynmcp/idgen"
	"github.com/forgemcp/dynmcp/mcpcap"
	"github.com/forgemcp/dynmcp/sandbox"
	"github.com/forgemcp/dynmcp/toolstore"
)

// Config wires a Service to its collaborators. All fields are required
// unless noted.
type Config struct {
	Backend  toolstore.Backend
	Bridge   *mcpcap.Bridge
	Guard    *guard.Guard
	Executor sandbox.Executor
	Bus      *changebus.Bus
	Audit    *audit.Logger // optional; nil disables audit logging

	// AdminToken, when non-empty, is compared against the caller-supplied
	// token on every management operation. Empty permits any caller.
	AdminToken string
	// ReadOnly rejects every mutating operation, including setEnabled, with
	// a read-only error: setEnabled is treated as a mutation for this
	// purpose, mirroring create/update/delete.
	ReadOnly bool
}

// Service is the Dynamic Tool Service. Construct with New.
type Service struct {
	cfg        Config
	instanceID string
	now        func() time.Time

	sub *changebus.Subscription

	mu      sync.Mutex
	running bool
	pending bool
}

// Option configures a Service.
type Option func(*Service)

// WithInstanceID overrides the generated instance id used to tag published
// change events and recognize this Service's own echo.
func WithInstanceID(id string) Option {
	return func(s *Service) { s.instanceID = id }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs a Service, performs the initial registry load, subscribes
// to the change bus, and registers every enabled tool currently on record.
func New(cfg Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:        cfg,
		instanceID: idgen.New(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	// Bridge the registry backend's externally-detected changes (today:
	// the SQL backend's data_version poll) onto the in-process bus, so
	// reconciliation always happens from one place regardless of backend.
	if notifier, ok := cfg.Backend.(toolstore.Notifier); ok {
		notifier.Notify(func(ev dyntool.RegistryChangeEvent) {
			cfg.Bus.Publish(ev)
		})
	}
	s.sub = cfg.Bus.Subscribe(s.onBusEvent)

	ctx := context.Background()
	if err := cfg.Backend.Load(ctx); err != nil {
		return nil, err
	}
	if _, err := s.reconcile(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close unsubscribes from the change bus and closes the backend.
func (s *Service) Close() error {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	return s.cfg.Backend.Close()
}

// Detach unsubscribes from the change bus without closing the backend.
// Use this for a per-session Service that shares its backend, guard,
// executor and bus with every other session: the backend outlives any one
// session and is closed exactly once, by whoever owns it.
func (s *Service) Detach() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
}

// onBusEvent schedules a refresh for any event not originating from this
// instance. Own-origin events are this Service's own publish from
// afterChange, already reconciled synchronously — re-running would be a
// harmless no-op, but skipping it avoids the extra backend reload.
func (s *Service) onBusEvent(ev dyntool.RegistryChangeEvent) {
	if ev.OriginID == s.instanceID {
		return
	}
	s.scheduleRefresh()
}

// scheduleRefresh starts a refresh goroutine if none is running, or sets
// the pending flag so the running one loops exactly once more, per spec
// §4.1's reconcile-loop coalescing.
func (s *Service) scheduleRefresh() {
	s.mu.Lock()
	if s.running {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	go s.runRefresh()
}

func (s *Service) runRefresh() {
	for {
		ctx := context.Background()
		if err := s.cfg.Backend.Load(ctx); err == nil {
			s.reconcile(ctx)
		}

		s.mu.Lock()
		if s.pending {
			s.pending = false
			s.mu.Unlock()
			continue
		}
		s.running = false
		s.mu.Unlock()
		return
	}
}

// reconcile diffs the backend's current tool list against the bridge's
// registered handles and, if anything changed, tells the MCP server its
// tool list changed.
func (s *Service) reconcile(ctx context.Context) (bool, error) {
	changed, err := mcpcap.Reconcile(s.cfg.Bridge, s.cfg.Backend.List(), s.invoke, nil, s.auditInvoke)
	if err != nil {
		return changed, err
	}
	if changed {
		s.cfg.Bridge.NotifyToolListChanged()
	}
	return changed, nil
}

// afterChange reconciles the runtime view after a local mutation, audits
// the management operation, and publishes a RegistryChangeEvent tagged with
// this instance's id so other instances can catch up and this instance can
// recognize its own echo.
func (s *Service) afterChange(ctx context.Context, actor string, action dyntool.ChangeAction, target string, opErr error) {
	if _, err := s.reconcile(ctx); err != nil && s.cfg.Audit != nil {
		s.cfg.Audit.Log(audit.Entry{Action: "tool." + string(action), Actor: actor, Target: target, Error: "reconcile: " + err.Error()})
	}

	if s.cfg.Audit != nil {
		entry := audit.Entry{Action: "tool." + string(action), Actor: actor, Target: target}
		if opErr != nil {
			entry.Error = opErr.Error()
		}
		s.cfg.Audit.Log(entry)
	}

	if opErr != nil {
		return
	}
	s.cfg.Bus.Publish(dyntool.RegistryChangeEvent{
		OriginID:  s.instanceID,
		Action:    action,
		Target:    target,
		Timestamp: s.now(),
	})
}

func (s *Service) checkAdmin(token string) error {
	if s.cfg.AdminToken == "" {
		return nil
	}
	if token != s.cfg.AdminToken {
		return dyntool.New(dyntool.KindAdminDenied, "missing or mismatching admin token")
	}
	return nil
}

func (s *Service) checkWritable() error {
	if s.cfg.ReadOnly {
		return dyntool.New(dyntool.KindReadOnly, "registry is read-only")
	}
	return nil
}

// List returns every tool's view, sorted by name (toolstore.Backend.List's
// contract), with code elided unless includeCode is set.
func (s *Service) List(ctx context.Context, token string, includeCode bool) ([]dyntool.ToolView, error) {
	if err := s.checkAdmin(token); err != nil {
		return nil, err
	}
	tools := s.cfg.Backend.List()
	views := make([]dyntool.ToolView, 0, len(tools))
	for _, t := range tools {
		views = append(views, t.View(includeCode))
	}
	return views, nil
}

// Get returns a single tool's view, code included.
func (s *Service) Get(ctx context.Context, token, name string) (dyntool.ToolView, error) {
	if err := s.checkAdmin(token); err != nil {
		return dyntool.ToolView{}, err
	}
	t, ok := s.cfg.Backend.Get(name)
	if !ok {
		return dyntool.ToolView{}, dyntool.New(dyntool.KindNotFound, fmt.Sprintf("tool %q not found", name))
	}
	return t.View(true), nil
}

// Create validates and persists a new tool, then registers it on the MCP
// server if enabled.
func (s *Service) Create(ctx context.Context, token string, in *dyntool.DynamicTool) (dyntool.ToolView, error) {
	if err := s.checkAdmin(token); err != nil {
		return dyntool.ToolView{}, err
	}
	if err := s.checkWritable(); err != nil {
		return dyntool.ToolView{}, err
	}
	if err := dyntool.ValidateCreate(in); err != nil {
		return dyntool.ToolView{}, err
	}

	created, err := s.cfg.Backend.Create(ctx, in)
	s.afterChange(ctx, token, dyntool.ActionCreate, in.Name, err)
	if err != nil {
		return dyntool.ToolView{}, err
	}
	return created.View(false), nil
}

// Update applies patch to name, conditioned on expectedRevision when given;
// when expectedRevision is nil, the currently stored revision is used, so
// the call always succeeds against whatever is current (no conflict check).
func (s *Service) Update(ctx context.Context, token, name string, patch dyntool.Patch, expectedRevision *int64) (dyntool.ToolView, error) {
	if err := s.checkAdmin(token); err != nil {
		return dyntool.ToolView{}, err
	}
	if err := s.checkWritable(); err != nil {
		return dyntool.ToolView{}, err
	}
	rev, err := s.resolveRevision(name, expectedRevision)
	if err != nil {
		return dyntool.ToolView{}, err
	}

	updated, err := s.cfg.Backend.Update(ctx, name, rev, patch)
	s.afterChange(ctx, token, dyntool.ActionUpdate, name, err)
	if err != nil {
		return dyntool.ToolView{}, err
	}
	return updated.View(false), nil
}

// Delete removes name, conditioned on expectedRevision when given.
func (s *Service) Delete(ctx context.Context, token, name string, expectedRevision *int64) error {
	if err := s.checkAdmin(token); err != nil {
		return err
	}
	if err := s.checkWritable(); err != nil {
		return err
	}
	rev, err := s.resolveRevision(name, expectedRevision)
	if err != nil {
		return err
	}

	err = s.cfg.Backend.Remove(ctx, name, rev)
	s.afterChange(ctx, token, dyntool.ActionDelete, name, err)
	return err
}

// SetEnabled flips a tool's enabled flag, conditioned on expectedRevision
// when given.
func (s *Service) SetEnabled(ctx context.Context, token, name string, enabled bool, expectedRevision *int64) (dyntool.ToolView, error) {
	if err := s.checkAdmin(token); err != nil {
		return dyntool.ToolView{}, err
	}
	if err := s.checkWritable(); err != nil {
		return dyntool.ToolView{}, err
	}
	rev, err := s.resolveRevision(name, expectedRevision)
	if err != nil {
		return dyntool.ToolView{}, err
	}

	updated, err := s.cfg.Backend.SetEnabled(ctx, name, rev, enabled)
	action := dyntool.ActionDisable
	if enabled {
		action = dyntool.ActionEnable
	}
	s.afterChange(ctx, token, action, name, err)
	if err != nil {
		return dyntool.ToolView{}, err
	}
	return updated.View(false), nil
}

// resolveRevision returns expectedRevision if non-nil, otherwise the
// currently stored revision for name.
func (s *Service) resolveRevision(name string, expectedRevision *int64) (int64, error) {
	if expectedRevision != nil {
		return *expectedRevision, nil
	}
	t, ok := s.cfg.Backend.Get(name)
	if !ok {
		return 0, dyntool.New(dyntool.KindNotFound, fmt.Sprintf("tool %q not found", name))
	}
	return t.Revision, nil
}
