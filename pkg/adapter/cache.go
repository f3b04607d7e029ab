package adapter

import (
	"context"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/mnemo/pkg/interfaces"
)

// CacheObserver is notified of embedding cache lookups
type CacheObserver interface {
	CacheHit()
	CacheMiss()
}

// CachedEmbedder memoizes embeddings by text. Cost is the vector size in bytes.
type CachedEmbedder struct {
	inner    interfaces.Embedder
	cache    *ristretto.Cache
	observer CacheObserver
}

type CacheOption func(*CachedEmbedder)

func WithCacheObserver(obs CacheObserver) CacheOption {
	return func(c *CachedEmbedder) {
		c.observer = obs
	}
}

// NewCachedEmbedder wraps inner with a cache bounded to maxBytes
func NewCachedEmbedder(inner interfaces.Embedder, maxBytes int64, opts ...CacheOption) (*CachedEmbedder, error) {
	if maxBytes <= 0 {
		return nil, goerr.New("cache size must be positive", goerr.V("max_bytes", maxBytes))
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxBytes / 100,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding cache")
	}

	c := &CachedEmbedder{
		inner: inner,
		cache: cache,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (x *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := x.cache.Get(text); ok {
		if vector, ok := v.([]float32); ok {
			if x.observer != nil {
				x.observer.CacheHit()
			}
			return append([]float32(nil), vector...), nil
		}
	}
	if x.observer != nil {
		x.observer.CacheMiss()
	}

	vector, err := x.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	x.cache.Set(text, append([]float32(nil), vector...), int64(len(vector)*4))
	return vector, nil
}

// Wait blocks until pending cache writes are applied
func (x *CachedEmbedder) Wait() {
	x.cache.Wait()
}

func (x *CachedEmbedder) Close() {
	x.cache.Close()
}
