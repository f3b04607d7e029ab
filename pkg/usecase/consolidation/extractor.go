package consolidation

import (
	"bytes"
	"context"
	_ "embed"
	"text/template"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/mnemo/pkg/interfaces"
	"github.com/m-mizutani/mnemo/pkg/model"
)

//go:embed prompt/extract.md
var extractPromptRaw string

var extractPromptTmpl = template.Must(template.New("extract").Parse(extractPromptRaw))

var extractSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"facts": {
			Type:        "array",
			Description: "Atomic facts extracted from the message. Empty when nothing is worth remembering.",
			Items: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"fact": {
						Type:        "string",
						Description: "A short standalone sentence about the user",
					},
				},
				Required: []string{"fact"},
			},
		},
	},
	Required: []string{"facts"},
}

type extractResponse struct {
	Facts []struct {
		Fact string `json:"fact"`
	} `json:"facts"`
}

// FactExtractor turns a raw message into atomic facts
type FactExtractor struct {
	llm    interfaces.LanguageModel
	opts   *options
	report *reporter
}

// NewFactExtractor creates a FactExtractor backed by llm
func NewFactExtractor(llm interfaces.LanguageModel, opts ...Option) *FactExtractor {
	o := newOptions(opts)
	return &FactExtractor{
		llm:    llm,
		opts:   o,
		report: newReporter(o.observers),
	}
}

// Extract returns the facts in message. Any failure of the language model is
// reported and yields an empty result.
func (x *FactExtractor) Extract(ctx context.Context, message string) []model.Fact {
	facts, err := x.extract(ctx, message)
	if err != nil {
		x.report.diagnostic(ctx, StageExtracting, DelegateFailure, err)
		return nil
	}
	return facts
}

func (x *FactExtractor) extract(ctx context.Context, message string) ([]model.Fact, error) {
	var buf bytes.Buffer
	if err := extractPromptTmpl.Execute(&buf, map[string]any{
		"Message": message,
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to execute extract prompt template")
	}

	callCtx, cancel := withDeadline(ctx, x.opts.callTimeout)
	defer cancel()

	var resp extractResponse
	if err := x.llm.GenerateStructured(callCtx, buf.String(), extractSchema, &resp); err != nil {
		return nil, goerr.Wrap(err, "failed to extract facts", goerr.V("message_length", len(message)))
	}

	raw := make([]string, 0, len(resp.Facts))
	for _, f := range resp.Facts {
		raw = append(raw, f.Fact)
	}
	return model.NormalizeFacts(raw), nil
}
