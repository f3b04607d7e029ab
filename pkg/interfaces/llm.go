package interfaces

import (
	"context"

	"github.com/google/jsonschema-go/jsonschema"
)

// LanguageModel answers an instruction with JSON matching schema, decoded into out
type LanguageModel interface {
	GenerateStructured(ctx context.Context, instruction string, schema *jsonschema.Schema, out any) error
}

// Embedder converts text into a fixed-length vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
