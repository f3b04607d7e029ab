package cli

import (
	"context"
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/mnemo/pkg/adapter"
	"github.com/m-mizutani/mnemo/pkg/interfaces"
	"github.com/m-mizutani/mnemo/pkg/policy"
	"github.com/m-mizutani/mnemo/pkg/repository"
	"github.com/m-mizutani/mnemo/pkg/telemetry"
	"github.com/m-mizutani/mnemo/pkg/usecase/consolidation"
	"github.com/m-mizutani/mnemo/pkg/utils/logging"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	"gopkg.in/yaml.v3"
)

const (
	storeChromem   = "chromem"
	storeSQLite    = "sqlite"
	storeFirestore = "firestore"

	llmGemini = "gemini"
	llmClaude = "claude"
)

// config holds configuration values
type config struct {
	logLevel   string
	logFormat  string
	configFile string

	// Store
	store             string
	chromemDir        string
	sqlitePath        string
	firestoreProject  string
	firestoreDatabase string

	// Embedding
	geminiProject  string
	geminiLocation string
	embeddingModel string
	embeddingDim   int64
	cacheBytes     int64

	// LLM
	llm             string
	geminiModel     string
	anthropicAPIKey string
	claudeModel     string

	// Consolidation
	searchLimit int64
	concurrency int64
	callTimeout time.Duration
	policyDir   string

	// Telemetry
	otlpEndpoint    string
	traceSampleRate float64
}

// fileConfig is the layout of the YAML file given by --config. Flags and
// environment variables take precedence over it.
type fileConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Store     struct {
		Backend           string `yaml:"backend"`
		ChromemDir        string `yaml:"chromem_dir"`
		SQLitePath        string `yaml:"sqlite_path"`
		FirestoreProject  string `yaml:"firestore_project"`
		FirestoreDatabase string `yaml:"firestore_database"`
	} `yaml:"store"`
	Embedding struct {
		Project    string `yaml:"project"`
		Location   string `yaml:"location"`
		Model      string `yaml:"model"`
		Dimension  int64  `yaml:"dimension"`
		CacheBytes int64  `yaml:"cache_bytes"`
	} `yaml:"embedding"`
	LLM struct {
		Provider    string `yaml:"provider"`
		GeminiModel string `yaml:"gemini_model"`
		ClaudeModel string `yaml:"claude_model"`
	} `yaml:"llm"`
	Consolidation struct {
		SearchLimit int64  `yaml:"search_limit"`
		Concurrency int64  `yaml:"concurrency"`
		CallTimeout string `yaml:"call_timeout"`
		PolicyDir   string `yaml:"policy_dir"`
	} `yaml:"consolidation"`
	Telemetry struct {
		OTLPEndpoint string  `yaml:"otlp_endpoint"`
		SampleRate   float64 `yaml:"sample_rate"`
	} `yaml:"telemetry"`
}

// globalFlags returns flags shared by every command: logging, config file,
// vector store and embedding model
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("MNEMO_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       "console",
			Sources:     cli.EnvVars("MNEMO_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to YAML config file",
			Sources:     cli.EnvVars("MNEMO_CONFIG"),
			Destination: &cfg.configFile,
		},
		&cli.StringFlag{
			Name:        "store",
			Usage:       "Vector store backend (chromem, sqlite, firestore)",
			Value:       storeChromem,
			Sources:     cli.EnvVars("MNEMO_STORE"),
			Destination: &cfg.store,
		},
		&cli.StringFlag{
			Name:        "chromem-dir",
			Usage:       "Directory to persist the chromem store; in-memory when empty",
			Sources:     cli.EnvVars("MNEMO_CHROMEM_DIR"),
			Destination: &cfg.chromemDir,
		},
		&cli.StringFlag{
			Name:        "sqlite-path",
			Usage:       "Path of the SQLite database file",
			Value:       "mnemo.db",
			Sources:     cli.EnvVars("MNEMO_SQLITE_PATH"),
			Destination: &cfg.sqlitePath,
		},
		&cli.StringFlag{
			Name:        "firestore-project",
			Usage:       "Google Cloud project ID of Firestore",
			Sources:     cli.EnvVars("MNEMO_FIRESTORE_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.firestoreProject,
		},
		&cli.StringFlag{
			Name:        "firestore-database",
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("MNEMO_FIRESTORE_DATABASE_ID"),
			Destination: &cfg.firestoreDatabase,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("MNEMO_GEMINI_PROJECT_ID", "GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("MNEMO_GEMINI_LOCATION", "GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Gemini embedding model",
			Value:       adapter.DefaultEmbeddingModel,
			Sources:     cli.EnvVars("MNEMO_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
		&cli.IntFlag{
			Name:        "embedding-dim",
			Usage:       "Dimension of embedding vectors",
			Value:       adapter.DefaultEmbeddingDim,
			Sources:     cli.EnvVars("MNEMO_EMBEDDING_DIM"),
			Destination: &cfg.embeddingDim,
		},
		&cli.IntFlag{
			Name:        "embedding-cache-bytes",
			Usage:       "Size of the in-process embedding cache in bytes",
			Value:       64 << 20,
			Sources:     cli.EnvVars("MNEMO_EMBEDDING_CACHE_BYTES"),
			Destination: &cfg.cacheBytes,
		},
	}
}

// llmFlags returns flags for commands that run the consolidation pipeline
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "llm",
			Usage:       "Language model provider (gemini, claude)",
			Value:       llmGemini,
			Sources:     cli.EnvVars("MNEMO_LLM"),
			Destination: &cfg.llm,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Gemini generative model",
			Value:       adapter.DefaultGeminiModel,
			Sources:     cli.EnvVars("MNEMO_GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
		&cli.StringFlag{
			Name:        "anthropic-api-key",
			Usage:       "Anthropic API key",
			Sources:     cli.EnvVars("MNEMO_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"),
			Destination: &cfg.anthropicAPIKey,
		},
		&cli.StringFlag{
			Name:        "claude-model",
			Usage:       "Claude model",
			Value:       adapter.DefaultClaudeModel,
			Sources:     cli.EnvVars("MNEMO_CLAUDE_MODEL"),
			Destination: &cfg.claudeModel,
		},
		&cli.IntFlag{
			Name:        "search-limit",
			Usage:       "Number of similar memories retrieved per fact",
			Value:       consolidation.DefaultSearchLimit,
			Sources:     cli.EnvVars("MNEMO_SEARCH_LIMIT"),
			Destination: &cfg.searchLimit,
		},
		&cli.IntFlag{
			Name:        "concurrency",
			Usage:       "Number of facts searched in parallel",
			Value:       consolidation.DefaultConcurrency,
			Sources:     cli.EnvVars("MNEMO_CONCURRENCY"),
			Destination: &cfg.concurrency,
		},
		&cli.DurationFlag{
			Name:        "call-timeout",
			Usage:       "Deadline of each model and store call",
			Value:       consolidation.DefaultCallTimeout,
			Sources:     cli.EnvVars("MNEMO_CALL_TIMEOUT"),
			Destination: &cfg.callTimeout,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego files gating consolidation actions",
			Sources:     cli.EnvVars("MNEMO_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
		&cli.StringFlag{
			Name:        "otlp-endpoint",
			Usage:       "OTLP/HTTP endpoint URL to export traces; disabled when empty",
			Sources:     cli.EnvVars("MNEMO_OTLP_ENDPOINT"),
			Destination: &cfg.otlpEndpoint,
		},
		&cli.FloatFlag{
			Name:        "trace-sample-rate",
			Usage:       "Ratio of traces to sample",
			Value:       1,
			Sources:     cli.EnvVars("MNEMO_TRACE_SAMPLE_RATE"),
			Destination: &cfg.traceSampleRate,
		},
	}
}

// setup loads the config file, validates the result and installs the logger
func (cfg *config) setup(ctx context.Context, c *cli.Command) (context.Context, error) {
	if cfg.configFile != "" {
		if err := cfg.loadFile(c, cfg.configFile); err != nil {
			return ctx, err
		}
	}
	if err := cfg.validate(); err != nil {
		return ctx, err
	}

	var opts []logging.Option
	if cfg.logFormat == "json" {
		opts = append(opts, logging.WithJSON())
	}
	logger := logging.New(cfg.logLevel, c.Root().ErrWriter, opts...)
	logging.SetDefault(logger)
	return logging.With(ctx, logger), nil
}

// loadFile fills every value not given by a flag or environment variable
func (cfg *config) loadFile(c *cli.Command, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return goerr.Wrap(err, "failed to parse config file", goerr.V("path", path))
	}

	fill(c, "log-level", &cfg.logLevel, fc.LogLevel)
	fill(c, "log-format", &cfg.logFormat, fc.LogFormat)
	fill(c, "store", &cfg.store, fc.Store.Backend)
	fill(c, "chromem-dir", &cfg.chromemDir, fc.Store.ChromemDir)
	fill(c, "sqlite-path", &cfg.sqlitePath, fc.Store.SQLitePath)
	fill(c, "firestore-project", &cfg.firestoreProject, fc.Store.FirestoreProject)
	fill(c, "firestore-database", &cfg.firestoreDatabase, fc.Store.FirestoreDatabase)
	fill(c, "gemini-project", &cfg.geminiProject, fc.Embedding.Project)
	fill(c, "gemini-location", &cfg.geminiLocation, fc.Embedding.Location)
	fill(c, "embedding-model", &cfg.embeddingModel, fc.Embedding.Model)
	fill(c, "embedding-dim", &cfg.embeddingDim, fc.Embedding.Dimension)
	fill(c, "embedding-cache-bytes", &cfg.cacheBytes, fc.Embedding.CacheBytes)
	fill(c, "llm", &cfg.llm, fc.LLM.Provider)
	fill(c, "gemini-model", &cfg.geminiModel, fc.LLM.GeminiModel)
	fill(c, "claude-model", &cfg.claudeModel, fc.LLM.ClaudeModel)
	fill(c, "search-limit", &cfg.searchLimit, fc.Consolidation.SearchLimit)
	fill(c, "concurrency", &cfg.concurrency, fc.Consolidation.Concurrency)
	fill(c, "policy-dir", &cfg.policyDir, fc.Consolidation.PolicyDir)
	fill(c, "otlp-endpoint", &cfg.otlpEndpoint, fc.Telemetry.OTLPEndpoint)
	fill(c, "trace-sample-rate", &cfg.traceSampleRate, fc.Telemetry.SampleRate)

	if fc.Consolidation.CallTimeout != "" {
		d, err := time.ParseDuration(fc.Consolidation.CallTimeout)
		if err != nil {
			return goerr.Wrap(err, "invalid call_timeout in config file",
				goerr.V("path", path), goerr.V("value", fc.Consolidation.CallTimeout))
		}
		fill(c, "call-timeout", &cfg.callTimeout, d)
	}

	return nil
}

// fill assigns value to dst unless the flag was set explicitly or value is zero
func fill[T comparable](c *cli.Command, name string, dst *T, value T) {
	var zero T
	if value == zero || c.IsSet(name) {
		return
	}
	*dst = value
}

func (cfg *config) validate() error {
	switch cfg.logFormat {
	case "", "console", "json":
	default:
		return goerr.New("unsupported log format", goerr.V("log_format", cfg.logFormat))
	}

	switch cfg.store {
	case storeChromem, storeSQLite, storeFirestore:
	default:
		return goerr.New("unsupported store",
			goerr.V("store", cfg.store),
			goerr.V("supported", []string{storeChromem, storeSQLite, storeFirestore}))
	}

	switch cfg.llm {
	case "", llmGemini, llmClaude:
	default:
		return goerr.New("unsupported llm",
			goerr.V("llm", cfg.llm),
			goerr.V("supported", []string{llmGemini, llmClaude}))
	}

	if cfg.embeddingDim <= 0 {
		return goerr.New("embedding-dim must be positive", goerr.V("embedding_dim", cfg.embeddingDim))
	}
	return nil
}

// newGemini creates a new Gemini adapter instance
func (cfg *config) newGemini(ctx context.Context) (*adapter.GeminiClient, error) {
	if cfg.geminiProject == "" {
		return nil, goerr.New("gemini-project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}

	client, err := adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation,
		adapter.WithGenerativeModel(cfg.geminiModel),
		adapter.WithEmbeddingModel(cfg.embeddingModel),
		adapter.WithEmbeddingDimension(int(cfg.embeddingDim)),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create Gemini client")
	}
	return client, nil
}

// newLLM creates the language model selected by --llm
func (cfg *config) newLLM(gemini *adapter.GeminiClient) (interfaces.LanguageModel, error) {
	switch cfg.llm {
	case llmClaude:
		if cfg.anthropicAPIKey == "" {
			return nil, goerr.New("anthropic-api-key is required")
		}
		return adapter.NewClaude(cfg.anthropicAPIKey, []adapter.ClaudeOption{
			adapter.WithClaudeModel(cfg.claudeModel),
		}), nil
	default:
		return gemini, nil
	}
}

// newStore creates the vector store selected by --store and returns its closer
func (cfg *config) newStore(ctx context.Context) (interfaces.VectorStore, func() error, error) {
	noop := func() error { return nil }

	switch cfg.store {
	case storeSQLite:
		store, err := repository.NewSQLite(ctx, cfg.sqlitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case storeFirestore:
		if cfg.firestoreProject == "" {
			return nil, nil, goerr.New("firestore-project is required")
		}
		store, err := repository.NewFirestore(ctx, cfg.firestoreProject, cfg.firestoreDatabase)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	default:
		store, err := repository.NewChromem(cfg.chromemDir, repository.WithChromemDimension(int(cfg.embeddingDim)))
		if err != nil {
			return nil, nil, err
		}
		return store, noop, nil
	}
}

// newStorage returns GCS storage when bucket is given, local directory storage otherwise
func (cfg *config) newStorage(ctx context.Context, bucket, prefix, dir string) (adapter.Storage, error) {
	if bucket != "" {
		storage, err := adapter.NewStorage(ctx, bucket, prefix)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create storage", goerr.V("bucket", bucket))
		}
		return storage, nil
	}
	if dir == "" {
		return nil, goerr.New("either bucket or dir is required")
	}
	return adapter.NewFileStorage(dir)
}

// runtime holds everything a command needs to consolidate or query memories
type runtime struct {
	pipeline     *consolidation.Pipeline
	embedder     interfaces.Embedder
	store        interfaces.VectorStore
	embeddingRef string
	metrics      *telemetry.Metrics

	closers []func(ctx context.Context) error
}

// Close releases resources in reverse order of creation
func (x *runtime) Close(ctx context.Context) {
	for i := len(x.closers) - 1; i >= 0; i-- {
		if err := x.closers[i](ctx); err != nil {
			logging.From(ctx).Warn("failed to close resource", "error", err)
		}
	}
}

// newRuntime wires models, store, cache, policy and telemetry into a pipeline.
// withLLM is false for commands that only embed and query.
func (cfg *config) newRuntime(ctx context.Context, withLLM bool) (*runtime, error) {
	rt := &runtime{metrics: telemetry.NewMetrics()}

	gemini, err := cfg.newGemini(ctx)
	if err != nil {
		return nil, err
	}
	rt.embeddingRef = gemini.EmbeddingRef()

	cached, err := adapter.NewCachedEmbedder(gemini, cfg.cacheBytes, adapter.WithCacheObserver(rt.metrics))
	if err != nil {
		return nil, err
	}
	rt.embedder = cached
	rt.closers = append(rt.closers, func(context.Context) error { cached.Close(); return nil })

	store, closeStore, err := cfg.newStore(ctx)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	rt.store = store
	rt.closers = append(rt.closers, func(context.Context) error { return closeStore() })

	shutdown, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		ServiceName: "mnemo",
		Endpoint:    cfg.otlpEndpoint,
		SampleRate:  cfg.traceSampleRate,
	})
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	rt.closers = append(rt.closers, shutdown)

	opts := []consolidation.Option{
		consolidation.WithSearchLimit(int(cfg.searchLimit)),
		consolidation.WithConcurrency(int(cfg.concurrency)),
		consolidation.WithCallTimeout(cfg.callTimeout),
		consolidation.WithEmbeddingRef(rt.embeddingRef),
		consolidation.WithObserver(rt.metrics),
		consolidation.WithTracer(otel.Tracer("github.com/m-mizutani/mnemo")),
	}

	if cfg.policyDir != "" {
		p, err := policy.Load(ctx, cfg.policyDir)
		if err != nil {
			rt.Close(ctx)
			return nil, err
		}
		if p != nil {
			opts = append(opts, consolidation.WithPolicy(p))
		}
	}

	var llm interfaces.LanguageModel
	if withLLM {
		if llm, err = cfg.newLLM(gemini); err != nil {
			rt.Close(ctx)
			return nil, err
		}
	}

	rt.pipeline = consolidation.New(llm, rt.embedder, rt.store, opts...)
	return rt, nil
}
