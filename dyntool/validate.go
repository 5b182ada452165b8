package dyntool

import (
	"fmt"

	"github.com/forgemcp/dynmcp/validate"
)

const (
	maxTitleLen       = 120
	maxDescriptionLen = 4000
	minDescriptionLen = 1
	maxImageLen       = 200
	minTimeoutMs      = 1000
	maxTimeoutMs      = 120000
	maxDependencyItem = 128
	maxDependencies   = 64
	minCodeLen        = 1
	maxCodeLen        = 200000
)

// ValidateName checks the tool-name grammar. The reserved-name rule is
// checked separately, by ValidateReserved, so callers can surface the
// reserved-name kind.
func ValidateName(name string) error {
	if !validate.ToolName.MatchString(name) {
		return New(KindValidation, fmt.Sprintf("invalid tool name %q", name))
	}
	return nil
}

// ValidateReserved reports whether name collides with the control-plane
// prefix or a built-in operation.
func ValidateReserved(name string) error {
	if validate.IsReservedName(name) {
		return New(KindReservedName, fmt.Sprintf("tool name %q is reserved", name))
	}
	return nil
}

// ValidateCreate checks every data-model invariant from §3 for a tool about
// to be created. It does not check uniqueness or maxTools — those require
// the registry and are checked by the backend.
func ValidateCreate(t *DynamicTool) error {
	if err := ValidateName(t.Name); err != nil {
		return err
	}
	if err := ValidateReserved(t.Name); err != nil {
		return err
	}
	if len(t.Title) > maxTitleLen {
		return New(KindValidation, "title exceeds 120 characters")
	}
	if len(t.Description) < minDescriptionLen || len(t.Description) > maxDescriptionLen {
		return New(KindValidation, "description must be 1-4000 characters")
	}
	if len(t.Image) < 1 || len(t.Image) > maxImageLen || !validate.ImageGrammar.MatchString(t.Image) {
		return New(KindValidation, fmt.Sprintf("invalid image %q", t.Image))
	}
	if t.TimeoutMs < minTimeoutMs || t.TimeoutMs > maxTimeoutMs {
		return New(KindValidation, "timeoutMs must be 1000-120000")
	}
	if err := validateDependencies(t.Dependencies); err != nil {
		return err
	}
	if len(t.Code) < minCodeLen || len(t.Code) > maxCodeLen {
		return New(KindValidation, "code must be 1-200000 characters")
	}
	if _, err := CompileInputSchema(t.InputSchema); err != nil {
		return Wrap(KindValidation, err)
	}
	return nil
}

func validateDependencies(deps []Dependency) error {
	if len(deps) > maxDependencies {
		return New(KindValidation, "dependencies exceed the maximum of 64 entries")
	}
	for _, d := range deps {
		if !validate.PackageGrammar.MatchString(d.Name) {
			return New(KindValidation, fmt.Sprintf("invalid dependency name %q", d.Name))
		}
		if len(d.Version) < 1 || len(d.Version) > maxDependencyItem {
			return New(KindValidation, fmt.Sprintf("invalid dependency version for %q", d.Name))
		}
	}
	return nil
}

// ValidateEphemeral checks every data-model invariant from §3 a tool record
// must satisfy, except name and reserved-ness: the ephemeral execution
// operation builds its record from the built-in reserved name itself, so
// that check would always (incorrectly) fail here.
func ValidateEphemeral(t *DynamicTool) error {
	if len(t.Title) > maxTitleLen {
		return New(KindValidation, "title exceeds 120 characters")
	}
	if len(t.Image) < 1 || len(t.Image) > maxImageLen || !validate.ImageGrammar.MatchString(t.Image) {
		return New(KindValidation, fmt.Sprintf("invalid image %q", t.Image))
	}
	if t.TimeoutMs < minTimeoutMs || t.TimeoutMs > maxTimeoutMs {
		return New(KindValidation, "timeoutMs must be 1000-120000")
	}
	if err := validateDependencies(t.Dependencies); err != nil {
		return err
	}
	if len(t.Code) < minCodeLen || len(t.Code) > maxCodeLen {
		return New(KindValidation, "code must be 1-200000 characters")
	}
	if _, err := CompileInputSchema(t.InputSchema); err != nil {
		return Wrap(KindValidation, err)
	}
	return nil
}

// ValidatePatch applies patch to a clone of current and validates the
// result, returning the clone on success so the caller can persist it
// without re-deriving the merge.
func ValidatePatch(current *DynamicTool, patch Patch) (*DynamicTool, error) {
	next := current.Clone()
	patch.Apply(next)
	// Name and reserved-ness never change via patch; only re-check the rest.
	if len(next.Title) > maxTitleLen {
		return nil, New(KindValidation, "title exceeds 120 characters")
	}
	if len(next.Description) < minDescriptionLen || len(next.Description) > maxDescriptionLen {
		return nil, New(KindValidation, "description must be 1-4000 characters")
	}
	if len(next.Image) < 1 || len(next.Image) > maxImageLen || !validate.ImageGrammar.MatchString(next.Image) {
		return nil, New(KindValidation, fmt.Sprintf("invalid image %q", next.Image))
	}
	if next.TimeoutMs < minTimeoutMs || next.TimeoutMs > maxTimeoutMs {
		return nil, New(KindValidation, "timeoutMs must be 1000-120000")
	}
	if err := validateDependencies(next.Dependencies); err != nil {
		return nil, err
	}
	if len(next.Code) < minCodeLen || len(next.Code) > maxCodeLen {
		return nil, New(KindValidation, "code must be 1-200000 characters")
	}
	if _, err := CompileInputSchema(next.InputSchema); err != nil {
		return nil, Wrap(KindValidation, err)
	}
	return next, nil
}
