package consolidation

import (
	"bytes"
	"context"
	_ "embed"
	"strings"
	"text/template"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/mnemo/pkg/interfaces"
	"github.com/m-mizutani/mnemo/pkg/model"
)

//go:embed prompt/plan.md
var planPromptRaw string

var planPromptTmpl = template.Must(template.New("plan").Parse(planPromptRaw))

var planSchema = newPlanSchema()

func newPlanSchema() *jsonschema.Schema {
	kinds := make([]any, 0, len(model.ActionKinds))
	for _, k := range model.ActionKinds {
		kinds = append(kinds, string(k))
	}

	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"plan": {
				Type:        "array",
				Description: "Exactly one action per new fact",
				Items: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"action": {
							Type:        "string",
							Description: "ADD, UPDATE, DELETE or NONE",
							Enum:        kinds,
						},
						"id": {
							Type:        "string",
							Description: "ID of the existing memory (UPDATE and DELETE only)",
						},
						"content": {
							Type:        "string",
							Description: "New memory text (ADD and UPDATE only)",
						},
						"original_fact": {
							Type:        "string",
							Description: "The new fact that prompted this action",
						},
					},
					Required: []string{"action", "original_fact"},
				},
			},
		},
		Required: []string{"plan"},
	}
}

type planResponse struct {
	Plan []planAction `json:"plan"`
}

type planAction struct {
	Action       string `json:"action"`
	ID           string `json:"id"`
	Content      string `json:"content"`
	OriginalFact string `json:"original_fact"`
}

// PlanGenerator reconciles new facts with existing records into a validated plan
type PlanGenerator struct {
	llm    interfaces.LanguageModel
	opts   *options
	report *reporter
}

// NewPlanGenerator creates a PlanGenerator backed by llm
func NewPlanGenerator(llm interfaces.LanguageModel, opts ...Option) *PlanGenerator {
	o := newOptions(opts)
	return &PlanGenerator{
		llm:    llm,
		opts:   o,
		report: newReporter(o.observers),
	}
}

// Generate asks the language model for one action per fact. The returned plan
// is never nil; it is empty when the model fails. Invalid actions are
// downgraded to NONE.
func (x *PlanGenerator) Generate(ctx context.Context, facts []model.Fact, candidates []*model.Candidate) *model.Plan {
	if len(facts) == 0 {
		return &model.Plan{}
	}

	resp, err := x.request(ctx, facts, candidates)
	if err != nil {
		x.report.diagnostic(ctx, StagePlanning, DelegateFailure, err)
		return &model.Plan{}
	}

	known := make(map[model.MemoryID]struct{}, len(candidates))
	for _, c := range candidates {
		known[c.ID] = struct{}{}
	}

	plan := &model.Plan{Actions: make([]model.Action, 0, len(resp.Plan))}
	for _, raw := range resp.Plan {
		action, err := validateAction(raw, known)
		if err != nil {
			x.report.diagnostic(ctx, StagePlanning, ValidationFailure, err)
		}
		plan.Actions = append(plan.Actions, action)
	}

	return plan
}

func (x *PlanGenerator) request(ctx context.Context, facts []model.Fact, candidates []*model.Candidate) (*planResponse, error) {
	var buf bytes.Buffer
	if err := planPromptTmpl.Execute(&buf, map[string]any{
		"Facts":      facts,
		"Candidates": candidates,
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to execute plan prompt template")
	}

	callCtx, cancel := withDeadline(ctx, x.opts.callTimeout)
	defer cancel()

	var resp planResponse
	if err := x.llm.GenerateStructured(callCtx, buf.String(), planSchema, &resp); err != nil {
		return nil, goerr.Wrap(err, "failed to generate consolidation plan",
			goerr.V("facts", len(facts)), goerr.V("candidates", len(candidates)))
	}
	return &resp, nil
}

// validateAction converts a raw model answer into an Action. On error the
// returned action is a NONE carrying the original fact.
func validateAction(raw planAction, known map[model.MemoryID]struct{}) (model.Action, error) {
	fact := model.Fact(strings.TrimSpace(raw.OriginalFact))

	kind, err := model.ParseActionKind(raw.Action)
	if err != nil {
		return model.Action{Kind: model.ActionNone, OriginalFact: fact}, err
	}

	action := model.Action{
		Kind:         kind,
		ID:           model.MemoryID(strings.TrimSpace(raw.ID)),
		Content:      strings.TrimSpace(raw.Content),
		OriginalFact: fact,
	}

	switch kind {
	case model.ActionAdd:
		action.ID = ""
		if action.Content == "" {
			action.Content = string(fact)
		}

	case model.ActionUpdate, model.ActionDelete:
		if action.ID != "" {
			if _, ok := known[action.ID]; !ok {
				return action.NoOp(), goerr.New("action targets a memory that was not retrieved",
					goerr.V("kind", kind), goerr.V("id", action.ID), goerr.V("fact", fact))
			}
		}
		if kind == model.ActionDelete {
			action.Content = ""
		}

	case model.ActionNone:
		action.ID = ""
		action.Content = ""
	}

	if err := action.Validate(); err != nil {
		return action.NoOp(), err
	}
	return action, nil
}
