package dyntool

import "errors"

// Kind is a surfaced error kind — never a type name, always one of
// the fixed strings below, so the HTTP/MCP layers can map kind to a stable
// wire shape without a type switch.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not-found"
	KindDuplicate        Kind = "duplicate"
	KindLimitReached     Kind = "limit-reached"
	KindReservedName     Kind = "reserved-name"
	KindRevisionConflict Kind = "revision-conflict"
	KindReadOnly         Kind = "read-only"
	KindAdminDenied      Kind = "admin-denied"
	KindGuardRate        Kind = "guard-rate"
	KindGuardConcurrency Kind = "guard-concurrency"
	KindSandboxPolicy    Kind = "sandbox-policy"
	KindSandboxTimeout   Kind = "sandbox-timeout"
	KindSandboxOOM       Kind = "sandbox-oom"
	KindSandboxExec      Kind = "sandbox-exec"
	KindTransientStorage Kind = "transient-storage"
	KindAuthMissing      Kind = "auth-missing"
	KindAuthInvalid      Kind = "auth-invalid"
	KindOversizeRequest  Kind = "oversize-request"
)

// Error is the one error type this module's core surfaces. Callers branch on
// Kind, never on message text.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a kinded error from a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a kinded error around an underlying cause, keeping the cause
// reachable via errors.Unwrap/errors.As.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// KindOf extracts the surfaced Kind from err, or "" if err is not (or does
// not wrap) a *Error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// Is lets errors.Is(err, dyntool.KindValidation) style checks work by
// comparing kinds rather than identity — Kind itself is not an error, so
// this is exposed as a helper instead of an Is method.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
