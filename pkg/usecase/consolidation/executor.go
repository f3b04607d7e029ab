package consolidation

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/mnemo/pkg/interfaces"
	"github.com/m-mizutani/mnemo/pkg/model"
)

// Metadata keys written on every stored record
const (
	MetaSourceFact = "source_fact"
	MetaLastAction = "last_action"
)

// ExecutedAction is the outcome of one plan action
type ExecutedAction struct {
	Action  model.Action
	Outcome ActionOutcome
	Err     error
}

// ExecutionReport lists what happened to each action. It is informational only.
type ExecutionReport struct {
	Actions []ExecutedAction
}

// Count returns the number of actions with the given outcome
func (x *ExecutionReport) Count(outcome ActionOutcome) int {
	if x == nil {
		return 0
	}
	n := 0
	for _, a := range x.Actions {
		if a.Outcome == outcome {
			n++
		}
	}
	return n
}

// PlanExecutor applies plan actions to the vector store one at a time
type PlanExecutor struct {
	embedder interfaces.Embedder
	store    interfaces.VectorStore
	opts     *options
	report   *reporter
}

// NewPlanExecutor creates a PlanExecutor
func NewPlanExecutor(embedder interfaces.Embedder, store interfaces.VectorStore, opts ...Option) *PlanExecutor {
	o := newOptions(opts)
	return &PlanExecutor{
		embedder: embedder,
		store:    store,
		opts:     o,
		report:   newReporter(o.observers),
	}
}

// Execute applies every action independently. A failing action is reported and
// does not stop the remaining ones.
func (x *PlanExecutor) Execute(ctx context.Context, owner model.Owner, plan *model.Plan) *ExecutionReport {
	report := &ExecutionReport{}
	if plan == nil {
		return report
	}

	for _, action := range plan.Actions {
		outcome, err := x.apply(ctx, owner, action)
		report.Actions = append(report.Actions, ExecutedAction{
			Action:  action,
			Outcome: outcome,
			Err:     err,
		})
		x.report.action(ctx, ActionEvent{
			Owner:   owner,
			Action:  action,
			Outcome: outcome,
			Err:     err,
		})
	}

	return report
}

func (x *PlanExecutor) apply(ctx context.Context, owner model.Owner, action model.Action) (ActionOutcome, error) {
	if action.Kind == model.ActionNone {
		return OutcomeSkipped, nil
	}

	if err := action.Validate(); err != nil {
		x.report.diagnostic(ctx, StageExecuting, ValidationFailure, err)
		return OutcomeSkipped, err
	}

	if x.opts.policy != nil {
		reasons, err := x.opts.policy.Evaluate(ctx, owner, action)
		if err != nil {
			err = goerr.Wrap(err, "failed to evaluate policy", goerr.V("kind", action.Kind), goerr.V("id", action.ID))
			x.report.diagnostic(ctx, StageExecuting, DelegateFailure, err)
			return OutcomeSkipped, err
		}
		if len(reasons) > 0 {
			err := goerr.New("action denied by policy",
				goerr.V("kind", action.Kind), goerr.V("id", action.ID), goerr.V("reasons", strings.Join(reasons, "; ")))
			x.report.diagnostic(ctx, StageExecuting, PolicyDenied, err)
			return OutcomeSkipped, err
		}
	}

	var err error
	switch action.Kind {
	case model.ActionAdd:
		err = x.add(ctx, owner, action)
	case model.ActionUpdate:
		err = x.update(ctx, owner, action)
	case model.ActionDelete:
		err = x.delete(ctx, owner, action)
	}
	if err != nil {
		x.report.diagnostic(ctx, StageExecuting, DelegateFailure, err)
		return OutcomeFailed, err
	}
	return OutcomeApplied, nil
}

func (x *PlanExecutor) add(ctx context.Context, owner model.Owner, action model.Action) error {
	now := x.opts.now()
	record := &model.MemoryRecord{
		ID:           model.NewMemoryID(),
		Owner:        owner,
		Content:      action.Content,
		EmbeddingRef: x.opts.embeddingRef,
		Metadata:     recordMetadata(action),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return x.upsert(ctx, record)
}

// update replaces the record under the same ID. CreatedAt is left zero so the
// store keeps the original creation time.
func (x *PlanExecutor) update(ctx context.Context, owner model.Owner, action model.Action) error {
	record := &model.MemoryRecord{
		ID:           action.ID,
		Owner:        owner,
		Content:      action.Content,
		EmbeddingRef: x.opts.embeddingRef,
		Metadata:     recordMetadata(action),
		UpdatedAt:    x.opts.now(),
	}
	return x.upsert(ctx, record)
}

func (x *PlanExecutor) upsert(ctx context.Context, record *model.MemoryRecord) error {
	vector, err := embed(ctx, x.embedder, x.opts, record.Content)
	if err != nil {
		return goerr.Wrap(err, "failed to embed memory content", goerr.V("id", record.ID))
	}

	callCtx, cancel := withDeadline(ctx, x.opts.callTimeout)
	defer cancel()

	if err := x.store.Upsert(callCtx, record, vector); err != nil {
		return goerr.Wrap(err, "failed to upsert memory", goerr.V("id", record.ID), goerr.V("owner", record.Owner))
	}
	return nil
}

func (x *PlanExecutor) delete(ctx context.Context, owner model.Owner, action model.Action) error {
	callCtx, cancel := withDeadline(ctx, x.opts.callTimeout)
	defer cancel()

	if err := x.store.Delete(callCtx, owner, action.ID); err != nil {
		return goerr.Wrap(err, "failed to delete memory", goerr.V("id", action.ID), goerr.V("owner", owner))
	}
	return nil
}

func recordMetadata(action model.Action) map[string]string {
	return map[string]string{
		MetaSourceFact: string(action.OriginalFact),
		MetaLastAction: string(action.Kind),
	}
}
