package interfaces

import (
	"context"

	"github.com/m-mizutani/mnemo/pkg/model"
)

// VectorStore persists memory records with their embeddings. Every operation is
// scoped by owner and must never return or affect another owner's records.
type VectorStore interface {
	// Search returns up to limit nearest records of owner, ordered by ascending
	// cosine distance (Candidate.Score)
	Search(ctx context.Context, owner model.Owner, vector []float32, limit int) ([]*model.Candidate, error)

	// Upsert creates or fully replaces the record identified by record.ID
	Upsert(ctx context.Context, record *model.MemoryRecord, vector []float32) error

	// Delete removes a record. Deleting an unknown ID is not an error.
	Delete(ctx context.Context, owner model.Owner, id model.MemoryID) error

	// ListAll returns every record of owner without embeddings
	ListAll(ctx context.Context, owner model.Owner) ([]*model.MemoryRecord, error)
}
