// Package dyntool defines the dynamic tool data model: the persisted entity,
// its wire projection, change-bus payloads, and the error taxonomy every
// other package in this module reports through.
package dyntool

import "time"

// Dependency is an ordered package reference declared by a tool.
type Dependency struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// DynamicTool is the persisted entity. Revision starts at 1 and
// increments by exactly 1 on every successful mutation.
type DynamicTool struct {
	Name         string         `json:"name"`
	Title        string         `json:"title,omitempty"`
	Description  string         `json:"description"`
	Image        string         `json:"image"`
	TimeoutMs    int            `json:"timeoutMs"`
	Dependencies []Dependency   `json:"dependencies"`
	Code         string         `json:"code"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	Enabled      bool           `json:"enabled"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	Revision     int64          `json:"revision"`
}

// Clone returns a deep copy safe for the caller to mutate (invariant P2:
// list/get return copies).
func (t *DynamicTool) Clone() *DynamicTool {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Dependencies != nil {
		cp.Dependencies = append([]Dependency(nil), t.Dependencies...)
	}
	if t.InputSchema != nil {
		cp.InputSchema = cloneSchema(t.InputSchema)
	}
	return &cp
}

func cloneSchema(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneSchemaValue(v)
	}
	return out
}

// cloneSchemaValue deep-copies a single schema value. Schema arrays
// (anyOf/oneOf/allOf/prefixItems and the like) commonly hold nested
// objects, so []any elements are cloned recursively rather than shallow-
// copied — otherwise a cloned schema would still share those nested maps
// with the original.
func cloneSchemaValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneSchema(val)
	case []any:
		cp := make([]any, len(val))
		for i, elem := range val {
			cp[i] = cloneSchemaValue(elem)
		}
		return cp
	default:
		return v
	}
}

// ToolView is the projection returned by list/get/create/update/setEnabled.
// Code is populated only when explicitly requested.
type ToolView struct {
	Name          string       `json:"name"`
	Title         string       `json:"title,omitempty"`
	Description   string       `json:"description"`
	Image         string       `json:"image"`
	TimeoutMs     int          `json:"timeoutMs"`
	Dependencies  []Dependency `json:"dependencies"`
	Enabled       bool         `json:"enabled"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	Revision      int64        `json:"revision"`
	CodeSizeBytes int          `json:"codeSizeBytes"`
	Code          string       `json:"code,omitempty"`
}

// View projects a DynamicTool to its wire shape.
func (t *DynamicTool) View(includeCode bool) ToolView {
	v := ToolView{
		Name:          t.Name,
		Title:         t.Title,
		Description:   t.Description,
		Image:         t.Image,
		TimeoutMs:     t.TimeoutMs,
		Dependencies:  append([]Dependency(nil), t.Dependencies...),
		Enabled:       t.Enabled,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		Revision:      t.Revision,
		CodeSizeBytes: len([]byte(t.Code)),
	}
	if includeCode {
		v.Code = t.Code
	}
	return v
}

// Patch describes a partial update; nil fields are left unchanged.
type Patch struct {
	Title        *string
	Description  *string
	Image        *string
	TimeoutMs    *int
	Dependencies []Dependency
	Code         *string
	InputSchema  map[string]any
	Enabled      *bool
}

// Apply mutates t in place per the patch, leaving nil fields untouched.
func (p Patch) Apply(t *DynamicTool) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Image != nil {
		t.Image = *p.Image
	}
	if p.TimeoutMs != nil {
		t.TimeoutMs = *p.TimeoutMs
	}
	if p.Dependencies != nil {
		t.Dependencies = p.Dependencies
	}
	if p.Code != nil {
		t.Code = *p.Code
	}
	if p.InputSchema != nil {
		t.InputSchema = p.InputSchema
	}
	if p.Enabled != nil {
		t.Enabled = *p.Enabled
	}
}

// ChangeAction enumerates the kinds of mutation a RegistryChangeEvent reports.
type ChangeAction string

const (
	ActionCreate  ChangeAction = "create"
	ActionUpdate  ChangeAction = "update"
	ActionDelete  ChangeAction = "delete"
	ActionEnable  ChangeAction = "enable"
	ActionDisable ChangeAction = "disable"
)

// RegistryChangeEvent is the change-bus payload. OriginID lets a
// subscriber recognize and ignore its own echo.
type RegistryChangeEvent struct {
	OriginID  string       `json:"originId"`
	Action    ChangeAction `json:"action"`
	Target    string       `json:"target,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// StoreFile is the file-backend on-disk shape. Tools are kept
// sorted by name on every write for deterministic diffs.
type StoreFile struct {
	Version int            `json:"version"`
	Tools   []*DynamicTool `json:"tools"`
}
