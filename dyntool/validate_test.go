package dyntool

import "testing"

func validTool() *DynamicTool {
	return &DynamicTool{
		Name:        "dynamic.greeter",
		Description: "says hello",
		Image:       "js:20",
		TimeoutMs:   5000,
		Code:        "return 'hi ' + args.name;",
		Enabled:     true,
	}
}

func TestValidateCreate_OK(t *testing.T) {
	if err := ValidateCreate(validTool()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateCreate_ReservedPrefix(t *testing.T) {
	tool := validTool()
	tool.Name = "dynamic.tool.foo"
	err := ValidateCreate(tool)
	if !Is(err, KindReservedName) {
		t.Fatalf("expected reserved-name, got %v", err)
	}
}

func TestValidateCreate_ReservedBuiltin(t *testing.T) {
	tool := validTool()
	tool.Name = "run_js_ephemeral"
	err := ValidateCreate(tool)
	if !Is(err, KindReservedName) {
		t.Fatalf("expected reserved-name, got %v", err)
	}
}

func TestValidateCreate_BadTimeout(t *testing.T) {
	tool := validTool()
	tool.TimeoutMs = 500
	err := ValidateCreate(tool)
	if !Is(err, KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateCreate_TooManyDependencies(t *testing.T) {
	tool := validTool()
	for i := 0; i < 65; i++ {
		tool.Dependencies = append(tool.Dependencies, Dependency{Name: "pkg", Version: "1.0.0"})
	}
	err := ValidateCreate(tool)
	if !Is(err, KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidatePatch_PreservesUnsetFields(t *testing.T) {
	tool := validTool()
	newDesc := "updated description"
	next, err := ValidatePatch(tool, Patch{Description: &newDesc})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Description != newDesc {
		t.Fatalf("description not applied: %q", next.Description)
	}
	if next.Image != tool.Image {
		t.Fatalf("image unexpectedly changed: %q", next.Image)
	}
}
