package consolidation

import (
	"context"
	"log/slog"

	"github.com/m-mizutani/mnemo/pkg/model"
	"github.com/m-mizutani/mnemo/pkg/utils/logging"
)

// Stage is a state of one ProcessMessage call
type Stage string

const (
	StageInit       Stage = "init"
	StageExtracting Stage = "extracting"
	StageSearching  Stage = "searching"
	StagePlanning   Stage = "planning"
	StageExecuting  Stage = "executing"
	StageDone       Stage = "done"
)

// StageEvent is emitted on every state transition
type StageEvent struct {
	Owner      model.Owner
	From       Stage
	To         Stage
	Facts      int
	Candidates int
	Actions    int
}

type DiagnosticKind string

const (
	// DelegateFailure covers errors and malformed output of a capability
	DelegateFailure DiagnosticKind = "delegate_failure"
	// ValidationFailure covers plan actions missing required fields
	ValidationFailure DiagnosticKind = "validation_failure"
	// PolicyDenied covers actions rejected by the policy gate
	PolicyDenied DiagnosticKind = "policy_denied"
)

// Diagnostic is an informational report of a recovered failure
type Diagnostic struct {
	Owner model.Owner
	Stage Stage
	Kind  DiagnosticKind
	Err   error
}

type ActionOutcome string

const (
	OutcomeApplied ActionOutcome = "applied"
	OutcomeSkipped ActionOutcome = "skipped"
	OutcomeFailed  ActionOutcome = "failed"
)

// ActionEvent is emitted once per executed plan action
type ActionEvent struct {
	Owner   model.Owner
	Action  model.Action
	Outcome ActionOutcome
	Err     error
}

// Observer receives pipeline events. Implementations must not block for long
// and must be safe for concurrent use.
type Observer interface {
	OnStage(ctx context.Context, ev StageEvent)
	OnAction(ctx context.Context, ev ActionEvent)
	OnDiagnostic(ctx context.Context, d Diagnostic)
}

type ownerKey struct{}

func withOwner(ctx context.Context, owner model.Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

func ownerFrom(ctx context.Context) model.Owner {
	if owner, ok := ctx.Value(ownerKey{}).(model.Owner); ok {
		return owner
	}
	return ""
}

// reporter logs every event with the context logger and fans it out to observers
type reporter struct {
	observers []Observer
}

func newReporter(observers []Observer) *reporter {
	return &reporter{observers: observers}
}

func (x *reporter) stage(ctx context.Context, ev StageEvent) {
	logging.From(ctx).Debug("consolidation stage",
		"owner", ev.Owner,
		"from", ev.From,
		"to", ev.To,
		"facts", ev.Facts,
		"candidates", ev.Candidates,
		"actions", ev.Actions,
	)
	for _, obs := range x.observers {
		obs.OnStage(ctx, ev)
	}
}

func (x *reporter) action(ctx context.Context, ev ActionEvent) {
	level := slog.LevelInfo
	if ev.Outcome == OutcomeFailed {
		level = slog.LevelWarn
	}
	attrs := []any{
		"owner", ev.Owner,
		"kind", ev.Action.Kind,
		"id", ev.Action.ID,
		"fact", ev.Action.OriginalFact,
		"outcome", ev.Outcome,
	}
	if ev.Err != nil {
		attrs = append(attrs, "error", ev.Err)
	}
	logging.From(ctx).Log(ctx, level, "consolidation action", attrs...)

	for _, obs := range x.observers {
		obs.OnAction(ctx, ev)
	}
}

func (x *reporter) diagnostic(ctx context.Context, stage Stage, kind DiagnosticKind, err error) {
	d := Diagnostic{
		Owner: ownerFrom(ctx),
		Stage: stage,
		Kind:  kind,
		Err:   err,
	}
	logging.From(ctx).Warn("consolidation diagnostic",
		"owner", d.Owner,
		"stage", d.Stage,
		"kind", d.Kind,
		"error", d.Err,
	)
	for _, obs := range x.observers {
		obs.OnDiagnostic(ctx, d)
	}
}
