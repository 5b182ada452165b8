package mcpcap

import (
	"context"
	"testing"

	"github.com/forgemcp/dynmcp/dyntool"
)

func TestReconcileAddsUpdatesAndRemoves(t *testing.T) {
	srv, _ := mcpSession(t)
	b := New(srv)
	invoke := func(ctx context.Context, tool *dyntool.DynamicTool, args map[string]any) (*Outcome, error) {
		return &Outcome{OK: true}, nil
	}

	kept := &dyntool.DynamicTool{Name: "dynamic.tool.kept", Enabled: true, Revision: 1}
	stale := &dyntool.DynamicTool{Name: "dynamic.tool.stale", Enabled: true, Revision: 1}

	changed, err := Reconcile(b, []*dyntool.DynamicTool{kept, stale}, invoke, nil, nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !changed {
		t.Fatal("expected first reconcile to report a change")
	}

	// Second pass with the same fingerprints should be a no-op.
	changed, err = Reconcile(b, []*dyntool.DynamicTool{kept, stale}, invoke, nil, nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if changed {
		t.Fatal("expected an unchanged reconcile to report no change")
	}

	// Bump kept's revision, drop stale, add fresh.
	keptV2 := &dyntool.DynamicTool{Name: "dynamic.tool.kept", Enabled: true, Revision: 2}
	fresh := &dyntool.DynamicTool{Name: "dynamic.tool.fresh", Enabled: true, Revision: 1}

	changed, err = Reconcile(b, []*dyntool.DynamicTool{keptV2, fresh}, invoke, nil, nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !changed {
		t.Fatal("expected revision bump + add + remove to report a change")
	}

	names := map[string]bool{}
	for _, n := range b.Names() {
		names[n] = true
	}
	if names["dynamic.tool.stale"] {
		t.Fatal("stale tool should have been removed")
	}
	if !names["dynamic.tool.fresh"] {
		t.Fatal("fresh tool should have been registered")
	}
	if rev, ok := b.Revision("dynamic.tool.kept"); !ok || rev != 2 {
		t.Fatalf("expected kept to be re-registered at revision 2, got %d, ok=%v", rev, ok)
	}
}

func TestReconcileSkipsDisabledTools(t *testing.T) {
	srv, _ := mcpSession(t)
	b := New(srv)
	invoke := func(ctx context.Context, tool *dyntool.DynamicTool, args map[string]any) (*Outcome, error) {
		return &Outcome{OK: true}, nil
	}

	disabled := &dyntool.DynamicTool{Name: "dynamic.tool.off", Enabled: false, Revision: 1}
	if _, err := Reconcile(b, []*dyntool.DynamicTool{disabled}, invoke, nil, nil); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(b.Names()) != 0 {
		t.Fatalf("expected no handles registered for a disabled tool, got %v", b.Names())
	}
}
