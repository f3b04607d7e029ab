package consolidation

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/mnemo/pkg/interfaces"
	"github.com/m-mizutani/mnemo/pkg/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Result describes one ProcessMessage call for traceability
type Result struct {
	Owner      model.Owner
	State      Stage
	Facts      []model.Fact
	Candidates []*model.Candidate
	Plan       *model.Plan
	Report     *ExecutionReport
}

// Pipeline orchestrates extraction, similarity search, planning and execution.
// It holds no per-owner state and performs no per-owner locking; see Serialized.
type Pipeline struct {
	extractor *FactExtractor
	searcher  *SimilaritySearcher
	planner   *PlanGenerator
	executor  *PlanExecutor

	embedder interfaces.Embedder
	store    interfaces.VectorStore
	opts     *options
	report   *reporter
}

// New creates a Pipeline. All stages share the given options.
func New(llm interfaces.LanguageModel, embedder interfaces.Embedder, store interfaces.VectorStore, opts ...Option) *Pipeline {
	o := newOptions(opts)
	return &Pipeline{
		extractor: NewFactExtractor(llm, opts...),
		searcher:  NewSimilaritySearcher(embedder, store, opts...),
		planner:   NewPlanGenerator(llm, opts...),
		executor:  NewPlanExecutor(embedder, store, opts...),
		embedder:  embedder,
		store:     store,
		opts:      o,
		report:    newReporter(o.observers),
	}
}

// ProcessMessage extracts facts from message and consolidates them into the
// owner's memory. It never fails: delegate errors are reported and the worst
// outcome is that the store is left unchanged.
func (x *Pipeline) ProcessMessage(ctx context.Context, owner model.Owner, message string) *Result {
	ctx = withOwner(ctx, owner)
	ctx, span := x.opts.tracer.Start(ctx, "consolidation.ProcessMessage",
		trace.WithAttributes(attribute.String("mnemo.owner", string(owner))))
	defer span.End()

	result := &Result{
		Owner:  owner,
		State:  StageInit,
		Plan:   &model.Plan{},
		Report: &ExecutionReport{},
	}

	x.enter(ctx, result, StageExtracting, func(ctx context.Context) {
		result.Facts = x.extractor.Extract(ctx, message)
	})
	if len(result.Facts) == 0 {
		x.transition(ctx, result, StageDone)
		return result
	}

	x.enter(ctx, result, StageSearching, func(ctx context.Context) {
		result.Candidates = x.searcher.Search(ctx, owner, result.Facts, x.opts.searchLimit)
	})

	x.enter(ctx, result, StagePlanning, func(ctx context.Context) {
		result.Plan = x.planner.Generate(ctx, result.Facts, result.Candidates)
	})

	x.enter(ctx, result, StageExecuting, func(ctx context.Context) {
		result.Report = x.executor.Execute(ctx, owner, result.Plan)
	})

	if n := result.Report.Count(OutcomeFailed); n > 0 {
		span.SetStatus(codes.Error, "some consolidation actions failed")
	}
	x.transition(ctx, result, StageDone)
	return result
}

// enter moves to stage and runs fn inside a child span
func (x *Pipeline) enter(ctx context.Context, result *Result, stage Stage, fn func(ctx context.Context)) {
	x.transition(ctx, result, stage)

	ctx, span := x.opts.tracer.Start(ctx, "consolidation."+string(stage))
	defer span.End()

	fn(ctx)

	span.SetAttributes(
		attribute.Int("mnemo.facts", len(result.Facts)),
		attribute.Int("mnemo.candidates", len(result.Candidates)),
		attribute.Int("mnemo.actions", result.Plan.Len()),
	)
}

func (x *Pipeline) transition(ctx context.Context, result *Result, to Stage) {
	ev := StageEvent{
		Owner:      result.Owner,
		From:       result.State,
		To:         to,
		Facts:      len(result.Facts),
		Candidates: len(result.Candidates),
		Actions:    result.Plan.Len(),
	}
	result.State = to
	x.report.stage(ctx, ev)
}

// Search embeds query and returns the nearest records of owner without
// touching the store. A non-positive limit falls back to DefaultQueryLimit.
func (x *Pipeline) Search(ctx context.Context, owner model.Owner, query string, limit int) ([]*model.Candidate, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	ctx, span := x.opts.tracer.Start(ctx, "consolidation.Search",
		trace.WithAttributes(attribute.String("mnemo.owner", string(owner)), attribute.Int("mnemo.limit", limit)))
	defer span.End()

	vector, err := embed(ctx, x.embedder, x.opts, query)
	if err != nil {
		span.RecordError(err)
		return nil, goerr.Wrap(err, "failed to embed query", goerr.V("owner", owner))
	}

	callCtx, cancel := withDeadline(ctx, x.opts.callTimeout)
	defer cancel()

	found, err := x.store.Search(callCtx, owner, vector, limit)
	if err != nil {
		span.RecordError(err)
		return nil, goerr.Wrap(err, "failed to search memories", goerr.V("owner", owner), goerr.V("limit", limit))
	}

	candidates := make([]*model.Candidate, 0, len(found))
	for _, c := range found {
		if c == nil || c.Owner != owner {
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// List returns every record of owner
func (x *Pipeline) List(ctx context.Context, owner model.Owner) ([]*model.MemoryRecord, error) {
	callCtx, cancel := withDeadline(ctx, x.opts.callTimeout)
	defer cancel()

	records, err := x.store.ListAll(callCtx, owner)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list memories", goerr.V("owner", owner))
	}
	return records, nil
}
