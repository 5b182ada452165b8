package mcpcap

import (
	"context"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/forgemcp/dynmcp/dyntool"
)

var testImpl = &mcp.Implementation{Name: "mcpcap-test", Version: "0.1.0"}

func mcpSession(t *testing.T) (*mcp.Server, *mcp.ClientSession) {
	t.Helper()
	srv := mcp.NewServer(testImpl, nil)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return srv, session
}

func greeterTool() *dyntool.DynamicTool {
	return &dyntool.DynamicTool{
		Name:        "dynamic.tool.greeter",
		Description: "says hello",
		Code:        "return { greeting: 'hi ' + args.name };",
		Enabled:     true,
		Revision:    1,
	}
}

func TestRegisterDispatchesThroughInvoke(t *testing.T) {
	srv, session := mcpSession(t)
	b := New(srv)

	var gotArgs map[string]any
	invoke := func(ctx context.Context, tool *dyntool.DynamicTool, args map[string]any) (*Outcome, error) {
		gotArgs = args
		return &Outcome{OK: true, Result: map[string]any{"greeting": "hi " + args["name"].(string)}}, nil
	}

	if err := b.Register(greeterTool(), invoke, nil, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "dynamic.tool.greeter",
		Arguments: map[string]any{"name": "world"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res.Content)
	}
	if gotArgs["name"] != "world" {
		t.Fatalf("invoke did not receive call args: %+v", gotArgs)
	}
}

func TestRegisterDeniesOnPolicyRejection(t *testing.T) {
	srv, session := mcpSession(t)
	b := New(srv)

	invoked := false
	invoke := func(ctx context.Context, tool *dyntool.DynamicTool, args map[string]any) (*Outcome, error) {
		invoked = true
		return &Outcome{OK: true}, nil
	}
	policy := func(ctx context.Context, toolName string) error {
		return dyntool.New(dyntool.KindAdminDenied, "denied")
	}

	if err := b.Register(greeterTool(), invoke, policy, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "dynamic.tool.greeter",
		Arguments: map[string]any{},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected a policy-denied call to surface as a tool error")
	}
	if invoked {
		t.Fatal("invoke should never have been called after policy denial")
	}
}

func TestRemoveUninstallsHandle(t *testing.T) {
	srv, _ := mcpSession(t)
	b := New(srv)
	invoke := func(ctx context.Context, tool *dyntool.DynamicTool, args map[string]any) (*Outcome, error) {
		return &Outcome{OK: true}, nil
	}
	if err := b.Register(greeterTool(), invoke, nil, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	b.Remove("dynamic.tool.greeter")
	if _, ok := b.Revision("dynamic.tool.greeter"); ok {
		t.Fatal("expected handle bookkeeping to be cleared after Remove")
	}
}
