package consolidation_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/mnemo/pkg/model"
	"github.com/m-mizutani/mnemo/pkg/usecase/consolidation"
)

func TestFactExtractor(t *testing.T) {
	t.Run("trims and drops blank facts", func(t *testing.T) {
		llm := &mockLLM{ExtractFunc: extractOnly("  User likes tea ", "", "User is 30 years old")}
		facts := consolidation.NewFactExtractor(llm).Extract(context.Background(), "I'm 30 and like tea")
		gt.Equal(t, facts, []model.Fact{"User likes tea", "User is 30 years old"})
		gt.S(t, llm.lastPrompt()).Contains("I'm 30 and like tea")
	})

	t.Run("failure yields no facts", func(t *testing.T) {
		rec := &recorder{}
		llm := &mockLLM{ExtractFunc: func(ctx context.Context, instruction string) ([]string, error) {
			return nil, goerr.New("invalid json")
		}}
		facts := consolidation.NewFactExtractor(llm, consolidation.WithObserver(rec)).
			Extract(context.Background(), "hello")
		gt.A(t, facts).Length(0)
		gt.Equal(t, rec.diagnosticKinds(), []consolidation.DiagnosticKind{consolidation.DelegateFailure})
	})
}

func TestSimilaritySearcherMergesByID(t *testing.T) {
	store := newMemStore()
	toronto := store.seed(alice, "User lives in Toronto", seededAt)
	store.seed(alice, "User likes pizza", seededAt)

	searcher := consolidation.NewSimilaritySearcher(&hashEmbedder{}, store)
	found := searcher.Search(context.Background(), alice, []model.Fact{
		"User lives in Toronto",
		"User lives in Toronto now",
	}, 2)

	gt.A(t, found).Length(2)
	gt.Equal(t, found[0].ID, toronto)
	gt.True(t, found[0].Score <= found[1].Score)
}

func TestSimilaritySearcherKeepsLowestScore(t *testing.T) {
	store := newMemStore()
	calls := 0
	store.SearchFunc = func(ctx context.Context, owner model.Owner, vector []float32, limit int) ([]*model.Candidate, error) {
		calls++
		return []*model.Candidate{{ID: "m1", Owner: owner, Content: "x", Score: 0.5 - float64(calls)*0.1}}, nil
	}

	searcher := consolidation.NewSimilaritySearcher(&hashEmbedder{}, store, consolidation.WithConcurrency(1))
	found := searcher.Search(context.Background(), alice, []model.Fact{"a", "b", "c"}, 3)
	gt.A(t, found).Length(1)
	gt.True(t, found[0].Score < 0.25)
}

func TestSimilaritySearcherCapsResultsPerFact(t *testing.T) {
	store := newMemStore()
	store.SearchFunc = func(ctx context.Context, owner model.Owner, vector []float32, limit int) ([]*model.Candidate, error) {
		var found []*model.Candidate
		for i := 9; i >= 0; i-- {
			found = append(found, &model.Candidate{
				ID:      model.MemoryID(fmt.Sprintf("m%d", i)),
				Owner:   owner,
				Content: "x",
				Score:   float64(i) / 10,
			})
		}
		return found, nil
	}

	searcher := consolidation.NewSimilaritySearcher(&hashEmbedder{}, store)
	found := searcher.Search(context.Background(), alice, []model.Fact{"User lives in Toronto"}, 3)

	gt.A(t, found).Length(3)
	gt.Equal(t, found[0].ID, model.MemoryID("m0"))
	gt.Equal(t, found[2].ID, model.MemoryID("m2"))
}

func TestSimilaritySearcherFailOpenPerFact(t *testing.T) {
	store := newMemStore()
	store.seed(alice, "User lives in Toronto", seededAt)
	rec := &recorder{}

	embedder := &hashEmbedder{EmbedFunc: func(ctx context.Context, text string) ([]float32, error) {
		if text == "broken" {
			return nil, goerr.New("embedding failed")
		}
		return []float32{1, 0, 0}, nil
	}}
	store.SearchFunc = func(ctx context.Context, owner model.Owner, vector []float32, limit int) ([]*model.Candidate, error) {
		return []*model.Candidate{
			{ID: "mine", Owner: owner, Content: "User lives in Toronto", Score: 0.1},
			{ID: "theirs", Owner: "mallory", Content: "secret", Score: 0.05},
			nil,
		}, nil
	}

	searcher := consolidation.NewSimilaritySearcher(embedder, store, consolidation.WithObserver(rec))
	found := searcher.Search(context.Background(), alice, []model.Fact{"broken", "User lives in Toronto"}, 3)

	gt.A(t, found).Length(1)
	gt.Equal(t, found[0].ID, model.MemoryID("mine"))
	gt.Equal(t, rec.diagnosticKinds(), []consolidation.DiagnosticKind{
		consolidation.DelegateFailure,
		consolidation.DelegateFailure,
	})
}

func TestPlanGeneratorEmptyFacts(t *testing.T) {
	llm := &mockLLM{}
	plan := consolidation.NewPlanGenerator(llm).Generate(context.Background(), nil, nil)
	gt.V(t, plan).NotNil()
	gt.Equal(t, plan.Len(), 0)
	gt.Equal(t, llm.planCalls(), 0)
}

func TestPlanGeneratorValidation(t *testing.T) {
	candidates := []*model.Candidate{{ID: "m1", Owner: alice, Content: "User lives in Toronto"}}
	llm := &mockLLM{PlanFunc: planOnly(
		planItem{Action: "UPDATE", ID: "m1", OriginalFact: "User moved"},
		planItem{Action: "update", ID: "m1", Content: "User lives in Paris", OriginalFact: "User moved"},
		planItem{Action: "ADD", OriginalFact: ""},
		planItem{Action: "DELETE", ID: "m1", Content: "ignored", OriginalFact: "Forget Toronto"},
	)}
	rec := &recorder{}

	plan := consolidation.NewPlanGenerator(llm, consolidation.WithObserver(rec)).
		Generate(context.Background(), []model.Fact{"User moved", "Forget Toronto"}, candidates)

	gt.Equal(t, plan.Len(), 4)
	gt.Equal(t, plan.Actions[0].Kind, model.ActionNone)
	gt.Equal(t, plan.Actions[1], model.Action{
		Kind:         model.ActionUpdate,
		ID:           "m1",
		Content:      "User lives in Paris",
		OriginalFact: "User moved",
	})
	gt.Equal(t, plan.Actions[2].Kind, model.ActionNone)
	gt.Equal(t, plan.Actions[3], model.Action{
		Kind:         model.ActionDelete,
		ID:           "m1",
		OriginalFact: "Forget Toronto",
	})
	gt.Equal(t, rec.diagnosticKinds(), []consolidation.DiagnosticKind{
		consolidation.ValidationFailure,
		consolidation.ValidationFailure,
	})
}

func TestPlanExecutorDeleteUnknownID(t *testing.T) {
	store := newMemStore()
	executor := consolidation.NewPlanExecutor(&hashEmbedder{}, store)

	report := executor.Execute(context.Background(), alice, &model.Plan{Actions: []model.Action{
		{Kind: model.ActionDelete, ID: "missing", OriginalFact: "forget it"},
	}})
	gt.Equal(t, report.Count(consolidation.OutcomeApplied), 1)
}

func TestPlanExecutorPolicyError(t *testing.T) {
	store := newMemStore()
	rec := &recorder{}
	broken := policyFunc(func(ctx context.Context, owner model.Owner, action model.Action) ([]string, error) {
		return nil, goerr.New("policy engine down")
	})
	executor := consolidation.NewPlanExecutor(&hashEmbedder{}, store,
		consolidation.WithPolicy(broken), consolidation.WithObserver(rec))

	report := executor.Execute(context.Background(), alice, &model.Plan{Actions: []model.Action{
		{Kind: model.ActionAdd, Content: "User likes jazz", OriginalFact: "User likes jazz"},
	}})
	gt.Equal(t, report.Count(consolidation.OutcomeSkipped), 1)
	gt.A(t, store.contents(alice)).Length(0)
	gt.Equal(t, rec.diagnosticKinds(), []consolidation.DiagnosticKind{consolidation.DelegateFailure})
}

func TestPlanExecutorStoreFailureIsDiagnosed(t *testing.T) {
	store := newMemStore()
	store.UpsertErr = func(record *model.MemoryRecord) error {
		return goerr.New("disk full")
	}
	rec := &recorder{}
	executor := consolidation.NewPlanExecutor(&hashEmbedder{}, store, consolidation.WithObserver(rec))

	report := executor.Execute(context.Background(), alice, &model.Plan{Actions: []model.Action{
		{Kind: model.ActionAdd, Content: "User likes jazz", OriginalFact: "User likes jazz"},
	}})
	gt.Equal(t, report.Count(consolidation.OutcomeFailed), 1)
	gt.Equal(t, rec.diagnosticKinds(), []consolidation.DiagnosticKind{consolidation.DelegateFailure})
	gt.Equal(t, rec.diagnostics[0].Stage, consolidation.StageExecuting)
}
