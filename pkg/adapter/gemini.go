package adapter

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

const (
	DefaultGeminiModel     = "gemini-2.5-flash"
	DefaultEmbeddingModel  = "gemini-embedding-001"
	DefaultEmbeddingDim    = 768
	geminiResponseMIMEType = "application/json"
)

// GeminiClient implements interfaces.LanguageModel and interfaces.Embedder on Vertex AI
type GeminiClient struct {
	client          *genai.Client
	generativeModel string
	embeddingModel  string
	embeddingDim    int32
}

type GeminiOption func(*GeminiClient)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.generativeModel = model
	}
}

func WithEmbeddingModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.embeddingModel = model
	}
}

// WithEmbeddingDimension sets the output dimensionality. Every vector in one
// store must have the same dimension.
func WithEmbeddingDimension(dim int) GeminiOption {
	return func(g *GeminiClient) {
		g.embeddingDim = int32(dim)
	}
}

func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	g := &GeminiClient{
		client:          client,
		generativeModel: DefaultGeminiModel,
		embeddingModel:  DefaultEmbeddingModel,
		embeddingDim:    DefaultEmbeddingDim,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// EmbeddingRef names the embedding model recorded with stored vectors
func (g *GeminiClient) EmbeddingRef() string {
	return g.embeddingModel
}

func (g *GeminiClient) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.generativeModel, contents, config)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to generate content", goerr.V("model", g.generativeModel))
	}
	return resp, nil
}

// GenerateStructured asks for a JSON answer constrained by schema and decodes it into out
func (g *GeminiClient) GenerateStructured(ctx context.Context, instruction string, schema *jsonschema.Schema, out any) error {
	responseSchema, err := convertJSONSchemaToGenai(schema)
	if err != nil {
		return goerr.Wrap(err, "failed to convert response schema")
	}

	contents := []*genai.Content{
		{
			Role:  "user",
			Parts: []*genai.Part{{Text: instruction}},
		},
	}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: geminiResponseMIMEType,
		ResponseSchema:   responseSchema,
		Temperature:      genai.Ptr[float32](0),
	}

	resp, err := g.GenerateContent(ctx, contents, config)
	if err != nil {
		return err
	}

	return decodeGeminiResponse(resp, out)
}

func decodeGeminiResponse(resp *genai.GenerateContentResponse, out any) error {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return goerr.New("no candidate in gemini response")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && !part.Thought {
			text.WriteString(part.Text)
		}
	}
	if text.Len() == 0 {
		return goerr.New("empty gemini response", goerr.V("finish_reason", resp.Candidates[0].FinishReason))
	}

	if err := json.Unmarshal([]byte(text.String()), out); err != nil {
		return goerr.Wrap(err, "failed to decode gemini response", goerr.V("text", text.String()))
	}
	return nil
}

// Embed returns the embedding of text
func (g *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	config := &genai.EmbedContentConfig{}
	if g.embeddingDim > 0 {
		config.OutputDimensionality = &g.embeddingDim
	}

	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, genai.Text(text), config)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed content", goerr.V("model", g.embeddingModel))
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, goerr.New("no embedding in response", goerr.V("model", g.embeddingModel))
	}

	return resp.Embeddings[0].Values, nil
}
