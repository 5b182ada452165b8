package toolservice

import (
	"context"
	"errors"
	"time"

	"github.com/forgemcp/dynmcp/audit"
	"github.com/forgemcp/dynmcp/dyntool"
	"github.com/forgemcp/dynmcp/guard"
	"github.com/forgemcp/dynmcp/mcpcap"
	"github.com/forgemcp/dynmcp/sandbox"
)

// execScope is the Guard scope a dynamic tool's calls are accounted under.
// Matches the glossary's `dynamic.exec.<tool-name>` convention.
func execScope(name string) string {
	return "dynamic.exec." + name
}

// invoke is the mcpcap.InvokeFunc every registered dynamic tool (and the
// ephemeral runner) dispatches through: Guard-admitted, then run on the
// sandbox executor. Only an argument-schema violation, the Guard's own
// rejection, and an executor error from before the tool runs (a sandbox
// policy violation or a failure to prepare the run) are returned as
// errors; every other execution outcome,
// success or failure, comes back as a non-nil Outcome with a nil error:
// sandbox faults are results, not protocol errors.
func (s *Service) invoke(ctx context.Context, tool *dyntool.DynamicTool, args map[string]any) (*mcpcap.Outcome, error) {
	if err := dyntool.ValidateArgsAgainstSchema(tool.InputSchema, args); err != nil {
		return nil, dyntool.Wrap(dyntool.KindValidation, err)
	}

	result, err := s.cfg.Guard.Run(ctx, execScope(tool.Name), func(ctx context.Context) (any, error) {
		return s.cfg.Executor.Execute(ctx, tool, args)
	})
	if err != nil {
		var rejected *guard.RejectedError
		if errors.As(err, &rejected) {
			kind := dyntool.KindGuardRate
			if rejected.Kind == guard.KindConcurrency {
				kind = dyntool.KindGuardConcurrency
			}
			return nil, dyntool.New(kind, rejected.Error())
		}
		// An executor error from before the tool ran: a policy violation
		// (image/dependency checks) or a failure to prepare the run.
		return nil, err
	}

	outcome := result.(*sandbox.Outcome)
	return &mcpcap.Outcome{
		OK:            outcome.OK,
		Result:        outcome.Result,
		ErrorMessage:  outcome.ErrorMessage,
		Informational: outcome.Informational,
		RawOutput:     outcome.RawOutput,
		DurationMs:    outcome.DurationMs,
	}, nil
}

// auditInvoke is the mcpcap.AuditFunc wired into every Register/Reconcile
// call, logging one entry per dispatched call whether it succeeded, failed,
// or was denied before reaching invoke.
func (s *Service) auditInvoke(ctx context.Context, toolName string, args map[string]any, outcome *mcpcap.Outcome, err error, duration time.Duration) {
	if s.cfg.Audit == nil {
		return
	}
	entry := audit.Entry{
		Action:     "tool.exec",
		Target:     toolName,
		DurationMs: duration.Milliseconds(),
	}
	switch {
	case err != nil:
		entry.Error = err.Error()
	case outcome != nil && !outcome.OK:
		entry.Error = outcome.ErrorMessage
	}
	s.cfg.Audit.Log(entry)
}

// RunEphemeral implements run_js_ephemeral: build a throwaway
// tool record from the call's own arguments, validate it exactly like a
// would-be Create (minus uniqueness/limit, which only apply to persisted
// tools), execute it once through the same Guard+Sandbox path every
// registered tool uses, and discard it — nothing is persisted.
func (s *Service) RunEphemeral(ctx context.Context, token string, spec *EphemeralSpec) (*mcpcap.Outcome, error) {
	if err := s.checkAdmin(token); err != nil {
		return nil, err
	}

	tool := &dyntool.DynamicTool{
		Name:         ephemeralToolName,
		Description:  "ephemeral execution",
		Image:        spec.Image,
		TimeoutMs:    spec.TimeoutMs,
		Dependencies: spec.Dependencies,
		Code:         spec.Code,
		InputSchema:  spec.InputSchema,
		Enabled:      true,
		Revision:     1,
	}
	if err := dyntool.ValidateEphemeral(tool); err != nil {
		return nil, err
	}

	start := time.Now()
	outcome, err := s.invoke(ctx, tool, spec.Args)
	s.auditInvoke(ctx, ephemeralToolName, spec.Args, outcome, err, time.Since(start))
	return outcome, err
}
