package consolidation

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/mnemo/pkg/interfaces"
	"github.com/m-mizutani/mnemo/pkg/model"
	"golang.org/x/sync/errgroup"
)

// SimilaritySearcher finds existing records related to a set of facts
type SimilaritySearcher struct {
	embedder interfaces.Embedder
	store    interfaces.VectorStore
	opts     *options
	report   *reporter
}

// NewSimilaritySearcher creates a SimilaritySearcher
func NewSimilaritySearcher(embedder interfaces.Embedder, store interfaces.VectorStore, opts ...Option) *SimilaritySearcher {
	o := newOptions(opts)
	return &SimilaritySearcher{
		embedder: embedder,
		store:    store,
		opts:     o,
		report:   newReporter(o.observers),
	}
}

// Search embeds every fact and merges the nearest records of owner, keeping one
// entry per record ID. A fact whose embed or search fails contributes nothing.
// The result is ordered by ascending distance.
func (x *SimilaritySearcher) Search(ctx context.Context, owner model.Owner, facts []model.Fact, limitPerFact int) []*model.Candidate {
	if len(facts) == 0 || limitPerFact <= 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		merged = make(map[model.MemoryID]*model.Candidate)
		eg     errgroup.Group
	)
	eg.SetLimit(x.opts.concurrency)

	for _, fact := range facts {
		eg.Go(func() error {
			found, err := x.searchFact(ctx, owner, fact, limitPerFact)
			if err != nil {
				x.report.diagnostic(ctx, StageSearching, DelegateFailure, err)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			for _, c := range found {
				if c == nil || c.ID == "" {
					continue
				}
				if c.Owner != owner {
					x.report.diagnostic(ctx, StageSearching, DelegateFailure,
						goerr.New("store returned a record of another owner",
							goerr.V("id", c.ID), goerr.V("owner", owner)))
					continue
				}
				if prev, ok := merged[c.ID]; ok && prev.Score <= c.Score {
					continue
				}
				merged[c.ID] = c
			}
			return nil
		})
	}
	_ = eg.Wait()

	candidates := make([]*model.Candidate, 0, len(merged))
	for _, c := range merged {
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score < candidates[j].Score
		}
		return candidates[i].ID < candidates[j].ID
	})

	return candidates
}

func (x *SimilaritySearcher) searchFact(ctx context.Context, owner model.Owner, fact model.Fact, limit int) ([]*model.Candidate, error) {
	vector, err := embed(ctx, x.embedder, x.opts, string(fact))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed fact", goerr.V("fact", fact))
	}

	callCtx, cancel := withDeadline(ctx, x.opts.callTimeout)
	defer cancel()

	found, err := x.store.Search(callCtx, owner, vector, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search similar memories", goerr.V("fact", fact), goerr.V("owner", owner))
	}

	// a store may ignore limit; keep the closest ones
	if len(found) > limit {
		found = slices.DeleteFunc(found, func(c *model.Candidate) bool { return c == nil })
		sort.SliceStable(found, func(i, j int) bool { return found[i].Score < found[j].Score })
		if len(found) > limit {
			found = found[:limit]
		}
	}
	return found, nil
}

// embed calls the embedder under the configured deadline and rejects empty vectors
func embed(ctx context.Context, embedder interfaces.Embedder, opts *options, text string) ([]float32, error) {
	callCtx, cancel := withDeadline(ctx, opts.callTimeout)
	defer cancel()

	vector, err := embedder.Embed(callCtx, text)
	if err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, goerr.New("embedder returned an empty vector")
	}
	return vector, nil
}
