package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/mnemo/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionOwners   = "owners"
	collectionMemories = "memories"
	fieldEmbedding     = "embedding"
	fieldDistance      = "distance"
)

// Firestore stores records under owners/{owner}/memories/{id}. Vector search
// needs a single-field vector index on the "embedding" field of the
// memories collection group.
type Firestore struct {
	client *firestore.Client
}

type memoryDoc struct {
	ID           string             `firestore:"id"`
	Owner        string             `firestore:"owner"`
	Content      string             `firestore:"content"`
	EmbeddingRef string             `firestore:"embedding_ref"`
	Metadata     map[string]string  `firestore:"metadata"`
	Embedding    firestore.Vector32 `firestore:"embedding"`
	CreatedAt    time.Time          `firestore:"created_at"`
	UpdatedAt    time.Time          `firestore:"updated_at"`
	Distance     float64            `firestore:"distance,omitempty"`
}

func (d *memoryDoc) record() *model.MemoryRecord {
	return &model.MemoryRecord{
		ID:           model.MemoryID(d.ID),
		Owner:        model.Owner(d.Owner),
		Content:      d.Content,
		EmbeddingRef: d.EmbeddingRef,
		Metadata:     d.Metadata,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

// NewFirestore creates a Firestore backed VectorStore
func NewFirestore(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID), goerr.V("database_id", databaseID))
	}
	return &Firestore{client: client}, nil
}

func (r *Firestore) Close() error {
	return r.client.Close()
}

func (r *Firestore) memories(owner model.Owner) *firestore.CollectionRef {
	return r.client.Collection(collectionOwners).Doc(string(owner)).Collection(collectionMemories)
}

func (r *Firestore) Search(ctx context.Context, owner model.Owner, vector []float32, limit int) ([]*model.Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := r.memories(owner).FindNearest(fieldEmbedding,
		firestore.Vector32(vector),
		limit,
		firestore.DistanceMeasureCosine,
		&firestore.FindNearestOptions{DistanceResultField: fieldDistance},
	)

	iter := query.Documents(ctx)
	defer iter.Stop()

	var candidates []*model.Candidate
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to search memories", goerr.V("owner", owner))
		}

		var doc memoryDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "failed to decode memory", goerr.V("id", snap.Ref.ID))
		}
		candidates = append(candidates, &model.Candidate{
			ID:      model.MemoryID(doc.ID),
			Owner:   model.Owner(doc.Owner),
			Content: doc.Content,
			Score:   doc.Distance,
		})
	}

	return candidates, nil
}

// Upsert replaces the document. created_at of an existing document is kept
// when record.CreatedAt is zero.
func (r *Firestore) Upsert(ctx context.Context, record *model.MemoryRecord, vector []float32) error {
	ref := r.memories(record.Owner).Doc(string(record.ID))

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc := memoryDoc{
			ID:           string(record.ID),
			Owner:        string(record.Owner),
			Content:      record.Content,
			EmbeddingRef: record.EmbeddingRef,
			Metadata:     record.Metadata,
			Embedding:    firestore.Vector32(vector),
			CreatedAt:    record.CreatedAt,
			UpdatedAt:    record.UpdatedAt,
		}

		if doc.CreatedAt.IsZero() {
			snap, err := tx.Get(ref)
			switch {
			case status.Code(err) == codes.NotFound:
				doc.CreatedAt = record.UpdatedAt
			case err != nil:
				return goerr.Wrap(err, "failed to get memory")
			default:
				var prev memoryDoc
				if err := snap.DataTo(&prev); err != nil {
					return goerr.Wrap(err, "failed to decode memory")
				}
				doc.CreatedAt = prev.CreatedAt
			}
		}

		return tx.Set(ref, &doc)
	})
	if err != nil {
		return goerr.Wrap(err, "failed to upsert memory", goerr.V("id", record.ID), goerr.V("owner", record.Owner))
	}
	return nil
}

// Delete removes the document. Firestore treats deleting a missing document as success.
func (r *Firestore) Delete(ctx context.Context, owner model.Owner, id model.MemoryID) error {
	if _, err := r.memories(owner).Doc(string(id)).Delete(ctx); err != nil {
		return goerr.Wrap(err, "failed to delete memory", goerr.V("id", id), goerr.V("owner", owner))
	}
	return nil
}

func (r *Firestore) ListAll(ctx context.Context, owner model.Owner) ([]*model.MemoryRecord, error) {
	iter := r.memories(owner).OrderBy("created_at", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var records []*model.MemoryRecord
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list memories", goerr.V("owner", owner))
		}

		var doc memoryDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "failed to decode memory", goerr.V("id", snap.Ref.ID))
		}
		records = append(records, doc.record())
	}
	return records, nil
}
