package mcpcap

import (
	"github.com/forgemcp/dynmcp/dyntool"
)

// Reconcile diffs the freshly loaded tool list against what Bridge
// currently has registered and adds/updates/removes exactly the differing
// entries: close/remove what's gone or changed, then (re)register what's
// desired and enabled, leaving anything whose (name, revision) fingerprint
// is unchanged untouched.
//
// Returns true if any handle was added, updated, or removed, so callers can
// decide whether to notify the MCP server that its tool list changed.
func Reconcile(b *Bridge, desired []*dyntool.DynamicTool, invoke InvokeFunc, policy PolicyFunc, audit AuditFunc) (bool, error) {
	byName := make(map[string]*dyntool.DynamicTool, len(desired))
	for _, t := range desired {
		byName[t.Name] = t
	}

	changed := false

	for _, name := range b.Names() {
		t, exists := byName[name]
		if !exists || !t.Enabled {
			b.Remove(name)
			changed = true
			continue
		}
		if rev, _ := b.Revision(name); rev != t.Revision {
			b.Remove(name)
			changed = true
		}
	}

	for _, t := range desired {
		if !t.Enabled {
			continue
		}
		if rev, ok := b.Revision(t.Name); ok && rev == t.Revision {
			continue
		}
		if err := b.Register(t, invoke, policy, audit); err != nil {
			return changed, err
		}
		changed = true
	}

	return changed, nil
}
