package adapter

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
)

const (
	DefaultClaudeModel     = "claude-sonnet-4-5"
	DefaultClaudeMaxTokens = 4096

	structuredToolName = "submit_result"
)

// ClaudeClient implements interfaces.LanguageModel. Structured output is
// obtained by forcing a single tool call whose input schema is the target schema.
type ClaudeClient struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

type ClaudeOption func(*ClaudeClient)

func WithClaudeModel(model string) ClaudeOption {
	return func(c *ClaudeClient) {
		c.model = model
	}
}

func WithClaudeMaxTokens(n int64) ClaudeOption {
	return func(c *ClaudeClient) {
		c.maxTokens = n
	}
}

// NewClaude creates a new Claude API client. Extra request options such as
// option.WithBaseURL are passed to the SDK client.
func NewClaude(apiKey string, opts []ClaudeOption, reqOpts ...option.RequestOption) *ClaudeClient {
	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, reqOpts...)...)

	c := &ClaudeClient{
		client:    &client,
		model:     DefaultClaudeModel,
		maxTokens: DefaultClaudeMaxTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ClaudeClient) GenerateStructured(ctx context.Context, instruction string, schema *jsonschema.Schema, out any) error {
	if schema == nil {
		return goerr.New("schema is required for structured output")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(instruction)),
		},
		Tools: []anthropic.ToolUnionParam{
			{
				OfTool: &anthropic.ToolParam{
					Name:        structuredToolName,
					Description: anthropic.String("Submit the answer in the required structure"),
					InputSchema: toToolInputSchema(schema),
				},
			},
		},
		ToolChoice: anthropic.ToolChoiceParamOfTool(structuredToolName),
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return goerr.Wrap(err, "failed to call claude", goerr.V("model", c.model))
	}

	for _, block := range msg.Content {
		tool, ok := block.AsAny().(anthropic.ToolUseBlock)
		if !ok || tool.Name != structuredToolName {
			continue
		}
		if err := json.Unmarshal(tool.Input, out); err != nil {
			return goerr.Wrap(err, "failed to decode claude tool input", goerr.V("input", string(tool.Input)))
		}
		return nil
	}

	return goerr.New("claude did not return structured output",
		goerr.V("stop_reason", msg.StopReason), goerr.V("model", c.model))
}

func toToolInputSchema(schema *jsonschema.Schema) anthropic.ToolInputSchemaParam {
	param := anthropic.ToolInputSchemaParam{
		Required: schema.Required,
	}
	if len(schema.Properties) > 0 {
		param.Properties = schema.Properties
	}
	return param
}
