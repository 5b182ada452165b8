package toolservice

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forgemcp/dynmcp/dyntool"
	"github.com/forgemcp/dynmcp/mcpcap"
	"github.com/forgemcp/dynmcp/validate"
)

// ephemeralToolName is the built-in run_js_ephemeral operation's MCP name.
const ephemeralToolName = validate.ReservedEphemeralName

// EphemeralSpec is run_js_ephemeral's input: everything a persisted tool
// would declare, plus the call arguments to invoke it with immediately.
type EphemeralSpec struct {
	Image        string               `json:"image"`
	TimeoutMs    int                  `json:"timeoutMs"`
	Dependencies []dyntool.Dependency `json:"dependencies"`
	Code         string               `json:"code"`
	InputSchema  map[string]any       `json:"inputSchema"`
	Args         map[string]any       `json:"args"`
}

// RegisterControlPlane installs the fixed MCP tools that expose the
// management operations and run_js_ephemeral, bypassing the dynamic-tool
// fingerprint bookkeeping mcpcap.Bridge uses for registry
// entries.
func RegisterControlPlane(s *Service, bridge *mcpcap.Bridge) {
	bridge.RegisterStatic(&mcp.Tool{
		Name:        "dynamic.tool.list",
		Description: "List dynamic tools",
		InputSchema: objectSchema(),
	}, s.handleList)

	bridge.RegisterStatic(&mcp.Tool{
		Name:        "dynamic.tool.get",
		Description: "Get a dynamic tool by name",
		InputSchema: objectSchema(),
	}, s.handleGet)

	bridge.RegisterStatic(&mcp.Tool{
		Name:        "dynamic.tool.create",
		Description: "Create a dynamic tool",
		InputSchema: objectSchema(),
	}, s.handleCreate)

	bridge.RegisterStatic(&mcp.Tool{
		Name:        "dynamic.tool.update",
		Description: "Update a dynamic tool",
		InputSchema: objectSchema(),
	}, s.handleUpdate)

	bridge.RegisterStatic(&mcp.Tool{
		Name:        "dynamic.tool.delete",
		Description: "Delete a dynamic tool",
		InputSchema: objectSchema(),
	}, s.handleDelete)

	bridge.RegisterStatic(&mcp.Tool{
		Name:        "dynamic.tool.setEnabled",
		Description: "Enable or disable a dynamic tool",
		InputSchema: objectSchema(),
	}, s.handleSetEnabled)

	bridge.RegisterStatic(&mcp.Tool{
		Name:        ephemeralToolName,
		Description: "Run a one-off script without persisting it",
		InputSchema: objectSchema(),
	}, s.handleRunEphemeral)
}

func objectSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}

func textResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}, nil
}

func errResult(err error) (*mcp.CallToolResult, error) {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res, nil
}

func unmarshalArgs(req *mcp.CallToolRequest, v any) error {
	if len(req.Params.Arguments) == 0 {
		return nil
	}
	return json.Unmarshal(req.Params.Arguments, v)
}

func (s *Service) handleList(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in struct {
		AdminToken  string `json:"adminToken"`
		IncludeCode bool   `json:"includeCode"`
	}
	if err := unmarshalArgs(req, &in); err != nil {
		return errResult(fmt.Errorf("invalid arguments: %w", err))
	}
	views, err := s.List(ctx, in.AdminToken, in.IncludeCode)
	if err != nil {
		return errResult(err)
	}
	return textResult(views)
}

func (s *Service) handleGet(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in struct {
		AdminToken string `json:"adminToken"`
		Name       string `json:"name"`
	}
	if err := unmarshalArgs(req, &in); err != nil {
		return errResult(fmt.Errorf("invalid arguments: %w", err))
	}
	view, err := s.Get(ctx, in.AdminToken, in.Name)
	if err != nil {
		return errResult(err)
	}
	return textResult(view)
}

func (s *Service) handleCreate(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in struct {
		AdminToken string `json:"adminToken"`
		Tool       struct {
			Name         string               `json:"name"`
			Title        string               `json:"title"`
			Description  string               `json:"description"`
			Image        string               `json:"image"`
			TimeoutMs    int                  `json:"timeoutMs"`
			Dependencies []dyntool.Dependency `json:"dependencies"`
			Code         string               `json:"code"`
			InputSchema  map[string]any       `json:"inputSchema"`
			Enabled      bool                 `json:"enabled"`
		} `json:"tool"`
	}
	if err := unmarshalArgs(req, &in); err != nil {
		return errResult(fmt.Errorf("invalid arguments: %w", err))
	}

	tool := &dyntool.DynamicTool{
		Name:         in.Tool.Name,
		Title:        in.Tool.Title,
		Description:  in.Tool.Description,
		Image:        in.Tool.Image,
		TimeoutMs:    in.Tool.TimeoutMs,
		Dependencies: in.Tool.Dependencies,
		Code:         in.Tool.Code,
		InputSchema:  in.Tool.InputSchema,
		Enabled:      in.Tool.Enabled,
	}
	view, err := s.Create(ctx, in.AdminToken, tool)
	if err != nil {
		return errResult(err)
	}
	return textResult(view)
}

func (s *Service) handleUpdate(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in struct {
		AdminToken       string        `json:"adminToken"`
		Name             string        `json:"name"`
		Patch            dyntool.Patch `json:"patch"`
		ExpectedRevision *int64        `json:"expectedRevision"`
	}
	if err := unmarshalArgs(req, &in); err != nil {
		return errResult(fmt.Errorf("invalid arguments: %w", err))
	}
	view, err := s.Update(ctx, in.AdminToken, in.Name, in.Patch, in.ExpectedRevision)
	if err != nil {
		return errResult(err)
	}
	return textResult(view)
}

func (s *Service) handleDelete(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in struct {
		AdminToken       string `json:"adminToken"`
		Name             string `json:"name"`
		ExpectedRevision *int64 `json:"expectedRevision"`
	}
	if err := unmarshalArgs(req, &in); err != nil {
		return errResult(fmt.Errorf("invalid arguments: %w", err))
	}
	if err := s.Delete(ctx, in.AdminToken, in.Name, in.ExpectedRevision); err != nil {
		return errResult(err)
	}
	return textResult(map[string]bool{"acknowledged": true})
}

func (s *Service) handleSetEnabled(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in struct {
		AdminToken       string `json:"adminToken"`
		Name             string `json:"name"`
		Enabled          bool   `json:"enabled"`
		ExpectedRevision *int64 `json:"expectedRevision"`
	}
	if err := unmarshalArgs(req, &in); err != nil {
		return errResult(fmt.Errorf("invalid arguments: %w", err))
	}
	view, err := s.SetEnabled(ctx, in.AdminToken, in.Name, in.Enabled, in.ExpectedRevision)
	if err != nil {
		return errResult(err)
	}
	return textResult(view)
}

func (s *Service) handleRunEphemeral(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in struct {
		AdminToken string `json:"adminToken"`
		EphemeralSpec
	}
	if err := unmarshalArgs(req, &in); err != nil {
		return errResult(fmt.Errorf("invalid arguments: %w", err))
	}
	outcome, err := s.RunEphemeral(ctx, in.AdminToken, &in.EphemeralSpec)
	if err != nil {
		return errResult(err)
	}
	return mcpcap.ToCallToolResult(outcome), nil
}
