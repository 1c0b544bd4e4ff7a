package logger

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// New returns a JSON structured logger. Debug output is enabled for local and dev.
func New(appEnv string) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", "rent-billing")
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

// Detach returns a context that keeps the request logger but not the request's
// cancellation. Used for work that must finish after the caller has been answered.
func Detach(ctx context.Context) context.Context {
	return With(context.WithoutCancel(ctx), From(ctx))
}

// ShutdownFlush is a no-op while the JSON handler writes unbuffered to stdout.
func ShutdownFlush(_ context.Context, _ time.Duration) error { return nil }
