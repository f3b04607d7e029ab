package telemetry_test

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/mnemo/pkg/model"
	"github.com/m-mizutani/mnemo/pkg/telemetry"
	"github.com/m-mizutani/mnemo/pkg/usecase/consolidation"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCountsEvents(t *testing.T) {
	ctx := context.Background()
	m := telemetry.NewMetrics()

	m.OnStage(ctx, consolidation.StageEvent{From: consolidation.StageInit, To: consolidation.StageExtracting})
	m.OnStage(ctx, consolidation.StageEvent{To: consolidation.StagePlanning, Candidates: 3})
	m.OnAction(ctx, consolidation.ActionEvent{
		Action:  model.Action{Kind: model.ActionAdd},
		Outcome: consolidation.OutcomeApplied,
	})
	m.OnAction(ctx, consolidation.ActionEvent{
		Action:  model.Action{Kind: model.ActionAdd},
		Outcome: consolidation.OutcomeApplied,
	})
	m.OnDiagnostic(ctx, consolidation.Diagnostic{
		Stage: consolidation.StageSearching,
		Kind:  consolidation.DelegateFailure,
		Err:   goerr.New("timeout"),
	})
	m.CacheHit()
	m.CacheMiss()
	m.CacheMiss()

	count, err := testutil.GatherAndCount(m.Registry(), "mnemo_actions_total")
	gt.NoError(t, err)
	gt.Equal(t, count, 1)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	gt.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	gt.NoError(t, err)

	gt.S(t, string(body)).Contains(`mnemo_actions_total{kind="ADD",outcome="applied"} 2`)
	gt.S(t, string(body)).Contains(`mnemo_stage_transitions_total{stage="extracting"} 1`)
	gt.S(t, string(body)).Contains(`mnemo_diagnostics_total{kind="delegate_failure",stage="searching"} 1`)
	gt.S(t, string(body)).Contains(`mnemo_embedding_cache_total{result="miss"} 2`)
	gt.S(t, string(body)).Contains(`mnemo_candidates_per_message_count 1`)
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := telemetry.InitTracing(context.Background(), telemetry.TracingConfig{})
	gt.NoError(t, err)
	gt.NoError(t, shutdown(context.Background()))
}
