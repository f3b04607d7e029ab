package adapter_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/mnemo/pkg/adapter"
)

func newGemini(t *testing.T) *adapter.GeminiClient {
	projectID := os.Getenv("TEST_GEMINI_PROJECT")
	if projectID == "" {
		t.Skip("TEST_GEMINI_PROJECT is not set")
	}

	client, err := adapter.NewGemini(context.Background(), projectID, "us-central1")
	gt.NoError(t, err)
	return client
}

func TestGeminiGenerateStructured(t *testing.T) {
	client := newGemini(t)

	schema := &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"capital": {Type: "string"},
		},
		Required: []string{"capital"},
	}

	var out struct {
		Capital string `json:"capital"`
	}
	gt.NoError(t, client.GenerateStructured(context.Background(), "What is the capital of France?", schema, &out))
	gt.S(t, out.Capital).Contains("Paris")
}

func TestGeminiEmbed(t *testing.T) {
	client := newGemini(t)

	vector, err := client.Embed(context.Background(), "User lives in Toronto")
	gt.NoError(t, err)
	gt.A(t, vector).Length(adapter.DefaultEmbeddingDim)
}
