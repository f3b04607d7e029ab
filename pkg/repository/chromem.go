package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/mnemo/pkg/model"
	chromem "github.com/philippgille/chromem-go"
)

const (
	chromemOwner        = "owner"
	chromemEmbeddingRef = "embedding_ref"
	chromemCreatedAt    = "created_at"
	chromemUpdatedAt    = "updated_at"
	chromemMetaPrefix   = "meta."
)

// Chromem is an embedded VectorStore with one chromem collection per owner.
// It keeps data in memory and optionally persists it to a directory.
type Chromem struct {
	db          *chromem.DB
	dim         int
	collections map[model.Owner]*chromem.Collection
	mu          sync.RWMutex
}

type ChromemOption func(*Chromem)

// WithChromemDimension sets the embedding dimension. It is needed by ListAll
// on a reopened persistent database before any vector has been seen.
func WithChromemDimension(dim int) ChromemOption {
	return func(c *Chromem) {
		c.dim = dim
	}
}

// NewChromem creates a store. An empty dir keeps everything in memory.
func NewChromem(dir string, opts ...ChromemOption) (*Chromem, error) {
	db := chromem.NewDB()
	if dir != "" {
		persistent, err := chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open chromem db", goerr.V("dir", dir))
		}
		db = persistent
	}

	c := &Chromem{
		db:          db,
		collections: make(map[model.Owner]*chromem.Collection),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (r *Chromem) collection(owner model.Owner) (*chromem.Collection, error) {
	r.mu.RLock()
	col, ok := r.collections[owner]
	r.mu.RUnlock()
	if ok {
		return col, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if col, ok := r.collections[owner]; ok {
		return col, nil
	}

	col, err := r.db.GetOrCreateCollection("owner_"+string(owner), nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get chromem collection", goerr.V("owner", owner))
	}
	r.collections[owner] = col
	return col, nil
}

func (r *Chromem) observeDim(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dim == 0 {
		r.dim = n
	}
}

func (r *Chromem) Search(ctx context.Context, owner model.Owner, vector []float32, limit int) ([]*model.Candidate, error) {
	col, err := r.collection(owner)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults larger than the collection
	n := min(limit, col.Count())
	if n <= 0 {
		return nil, nil
	}
	r.observeDim(len(vector))

	results, err := col.QueryEmbedding(ctx, vector, n, map[string]string{chromemOwner: string(owner)}, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query chromem", goerr.V("owner", owner), goerr.V("limit", n))
	}

	candidates := make([]*model.Candidate, 0, len(results))
	for _, res := range results {
		candidates = append(candidates, &model.Candidate{
			ID:      model.MemoryID(res.ID),
			Owner:   model.Owner(res.Metadata[chromemOwner]),
			Content: res.Content,
			Score:   1 - float64(res.Similarity),
		})
	}
	return candidates, nil
}

// Upsert overwrites the document with the same ID. created_at of an existing
// document is kept when record.CreatedAt is zero.
func (r *Chromem) Upsert(ctx context.Context, record *model.MemoryRecord, vector []float32) error {
	if len(vector) == 0 {
		return goerr.New("empty embedding", goerr.V("id", record.ID))
	}

	col, err := r.collection(record.Owner)
	if err != nil {
		return err
	}
	r.observeDim(len(vector))

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = record.UpdatedAt
		if prev, err := col.GetByID(ctx, string(record.ID)); err == nil {
			if t, err := time.Parse(time.RFC3339Nano, prev.Metadata[chromemCreatedAt]); err == nil {
				createdAt = t
			}
		}
	}

	metadata := map[string]string{
		chromemOwner:        string(record.Owner),
		chromemEmbeddingRef: record.EmbeddingRef,
		chromemCreatedAt:    createdAt.Format(time.RFC3339Nano),
		chromemUpdatedAt:    record.UpdatedAt.Format(time.RFC3339Nano),
	}
	for k, v := range record.Metadata {
		metadata[chromemMetaPrefix+k] = v
	}

	doc := chromem.Document{
		ID:        string(record.ID),
		Content:   record.Content,
		Embedding: append([]float32(nil), vector...),
		Metadata:  metadata,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return goerr.Wrap(err, "failed to add chromem document", goerr.V("id", record.ID), goerr.V("owner", record.Owner))
	}
	return nil
}

func (r *Chromem) Delete(ctx context.Context, owner model.Owner, id model.MemoryID) error {
	col, err := r.collection(owner)
	if err != nil {
		return err
	}
	if _, err := col.GetByID(ctx, string(id)); err != nil {
		return nil
	}

	if err := col.Delete(ctx, nil, nil, string(id)); err != nil {
		return goerr.Wrap(err, "failed to delete chromem document", goerr.V("id", id), goerr.V("owner", owner))
	}
	return nil
}

// ListAll queries the whole collection with a uniform vector since chromem has
// no enumeration API.
func (r *Chromem) ListAll(ctx context.Context, owner model.Owner) ([]*model.MemoryRecord, error) {
	col, err := r.collection(owner)
	if err != nil {
		return nil, err
	}

	n := col.Count()
	if n == 0 {
		return nil, nil
	}

	r.mu.RLock()
	dim := r.dim
	r.mu.RUnlock()
	if dim == 0 {
		return nil, goerr.New("embedding dimension is unknown", goerr.V("owner", owner))
	}

	probe := make([]float32, dim)
	for i := range probe {
		probe[i] = 1
	}

	results, err := col.QueryEmbedding(ctx, probe, n, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list chromem documents", goerr.V("owner", owner))
	}

	records := make([]*model.MemoryRecord, 0, len(results))
	for _, res := range results {
		records = append(records, chromemRecord(res))
	}
	return records, nil
}

func chromemRecord(res chromem.Result) *model.MemoryRecord {
	record := &model.MemoryRecord{
		ID:           model.MemoryID(res.ID),
		Owner:        model.Owner(res.Metadata[chromemOwner]),
		Content:      res.Content,
		EmbeddingRef: res.Metadata[chromemEmbeddingRef],
	}
	record.CreatedAt, _ = time.Parse(time.RFC3339Nano, res.Metadata[chromemCreatedAt])
	record.UpdatedAt, _ = time.Parse(time.RFC3339Nano, res.Metadata[chromemUpdatedAt])

	for k, v := range res.Metadata {
		if key, ok := strings.CutPrefix(k, chromemMetaPrefix); ok {
			if record.Metadata == nil {
				record.Metadata = make(map[string]string)
			}
			record.Metadata[key] = v
		}
	}
	return record
}
