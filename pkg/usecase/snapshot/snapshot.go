package snapshot

import (
	"bufio"
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/mnemo/pkg/adapter"
	"github.com/m-mizutani/mnemo/pkg/interfaces"
	"github.com/m-mizutani/mnemo/pkg/model"
	"github.com/m-mizutani/mnemo/pkg/utils/logging"
)

// line is one JSONL entry of a snapshot
type line struct {
	ID           model.MemoryID    `json:"id"`
	Owner        model.Owner       `json:"owner"`
	Content      string            `json:"content"`
	EmbeddingRef string            `json:"embedding_ref,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Lister returns every record of an owner
type Lister interface {
	List(ctx context.Context, owner model.Owner) ([]*model.MemoryRecord, error)
}

// Key returns the default object key of an owner's snapshot
func Key(owner model.Owner, at time.Time) string {
	return string(owner) + "/" + at.UTC().Format("20060102T150405Z") + ".jsonl"
}

// Export writes all records of owner to storage as JSON lines ordered by
// creation time and returns the number of records written.
func Export(ctx context.Context, lister Lister, storage adapter.Storage, owner model.Owner, key string) (int, error) {
	records, err := lister.List(ctx, owner)
	if err != nil {
		return 0, err
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})

	w, err := storage.Put(ctx, key)
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(line{
			ID:           r.ID,
			Owner:        r.Owner,
			Content:      r.Content,
			EmbeddingRef: r.EmbeddingRef,
			Metadata:     r.Metadata,
			CreatedAt:    r.CreatedAt,
			UpdatedAt:    r.UpdatedAt,
		}); err != nil {
			_ = w.Close()
			return 0, goerr.Wrap(err, "failed to write snapshot", goerr.V("key", key), goerr.V("id", r.ID))
		}
	}

	if err := w.Close(); err != nil {
		return 0, goerr.Wrap(err, "failed to commit snapshot", goerr.V("key", key))
	}

	logging.From(ctx).Info("exported memories", "owner", owner, "key", key, "count", len(records))
	return len(records), nil
}

// Import re-embeds every record of a snapshot and upserts it into store under
// owner, keeping IDs and timestamps. Lines of other owners are skipped.
func Import(ctx context.Context, storage adapter.Storage, embedder interfaces.Embedder, store interfaces.VectorStore, owner model.Owner, key string, embeddingRef string) (int, error) {
	r, err := storage.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	imported := 0
	for n := 1; scanner.Scan(); n++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}

		var l line
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			return imported, goerr.Wrap(err, "failed to parse snapshot line", goerr.V("key", key), goerr.V("line", n))
		}
		if l.Owner != owner || l.ID == "" || l.Content == "" {
			logging.From(ctx).Warn("skip snapshot line", "line", n, "owner", l.Owner, "id", l.ID)
			continue
		}

		vector, err := embedder.Embed(ctx, l.Content)
		if err != nil {
			return imported, goerr.Wrap(err, "failed to embed snapshot record", goerr.V("id", l.ID))
		}

		ref := embeddingRef
		if ref == "" {
			ref = l.EmbeddingRef
		}
		record := &model.MemoryRecord{
			ID:           l.ID,
			Owner:        owner,
			Content:      l.Content,
			EmbeddingRef: ref,
			Metadata:     l.Metadata,
			CreatedAt:    l.CreatedAt,
			UpdatedAt:    l.UpdatedAt,
		}
		if err := store.Upsert(ctx, record, vector); err != nil {
			return imported, goerr.Wrap(err, "failed to import snapshot record", goerr.V("id", l.ID))
		}
		imported++
	}
	if err := scanner.Err(); err != nil {
		return imported, goerr.Wrap(err, "failed to read snapshot", goerr.V("key", key))
	}

	logging.From(ctx).Info("imported memories", "owner", owner, "key", key, "count", imported)
	return imported, nil
}
