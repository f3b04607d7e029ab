package consolidation

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultSearchLimit is the number of neighbours fetched per fact
	DefaultSearchLimit = 3
	// DefaultQueryLimit is used by Pipeline.Search when limit is not positive
	DefaultQueryLimit  = 5
	DefaultConcurrency = 4
	DefaultCallTimeout = 30 * time.Second

	tracerName = "github.com/m-mizutani/mnemo/pkg/usecase/consolidation"
)

type options struct {
	searchLimit  int
	concurrency  int
	callTimeout  time.Duration
	embeddingRef string
	observers    []Observer
	policy       Policy
	tracer       trace.Tracer
	now          func() time.Time
}

// Option is a functional option shared by the pipeline and its stages
type Option func(*options)

func newOptions(opts []Option) *options {
	o := &options{
		searchLimit: DefaultSearchLimit,
		concurrency: DefaultConcurrency,
		callTimeout: DefaultCallTimeout,
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithSearchLimit sets the number of candidates fetched per extracted fact
func WithSearchLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.searchLimit = n
		}
	}
}

// WithConcurrency bounds parallel per-fact embed and search calls. 1 disables parallelism.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithCallTimeout sets the deadline applied to every LanguageModel, Embedder
// and VectorStore call. Zero disables the deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		o.callTimeout = d
	}
}

// WithEmbeddingRef records which embedding model produced stored vectors
func WithEmbeddingRef(ref string) Option {
	return func(o *options) {
		o.embeddingRef = ref
	}
}

// WithObserver adds an observability hook. Multiple observers are called in order.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithPolicy sets a gate evaluated before each non-NONE action is applied
func WithPolicy(p Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithTracer replaces the tracer taken from the global OpenTelemetry provider
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
