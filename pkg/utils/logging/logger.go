package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/m-mizutani/clog"
)

type ctxLoggerKey struct{}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New("info", os.Stderr)
)

// Option customizes a logger built by New
type Option func(*settings)

type settings struct {
	json bool
}

// WithJSON emits one JSON object per line instead of colored console output
func WithJSON() Option {
	return func(s *settings) {
		s.json = true
	}
}

// ParseLevel converts "debug", "info", "warn"/"warning" or "error" (any case) to
// a slog.Level. Anything else is info.
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// New creates a logger writing to w, stderr when w is nil. Stdout is left alone
// because the MCP stdio transport owns it.
func New(level string, w io.Writer, opts ...Option) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var s settings
	for _, opt := range opts {
		opt(&s)
	}

	lv, ok := ParseLevel(level)

	var handler slog.Handler
	if s.json {
		// goerr errors implement slog.LogValuer and expand their values here
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lv})
	} else {
		handler = clog.New(
			clog.WithWriter(w),
			clog.WithLevel(lv),
			clog.WithTimeFmt("15:04:05.000"),
			clog.WithSource(false),
			clog.WithAttrHook(clog.GoerrHook),
		)
	}

	logger := slog.New(handler)
	if !ok && level != "" {
		logger.Warn("unknown log level, falling back to info", "level", level)
	}
	return logger
}

func Default() *slog.Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

func SetDefault(logger *slog.Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// With attaches logger to ctx
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, logger)
}

// WithAttrs attaches the logger of ctx extended by args, so that every later
// From(ctx) call carries them, e.g. the owner being consolidated
func WithAttrs(ctx context.Context, args ...any) context.Context {
	return With(ctx, From(ctx).With(args...))
}

// From returns the logger of ctx, or the default one
func From(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxLoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return Default()
}
