package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"zpulse/internal/telemetry"
)

// Result carries a side-query value together with its failure, if any.
type Result[T any] struct {
	Value T
	Err   error
}

// Degraded records the side-queries that failed and were replaced by zero values.
// Safe for concurrent use.
type Degraded struct {
	mu    sync.Mutex
	names []string
}

func (d *Degraded) Add(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range d.names {
		if n == name {
			return
		}
	}
	d.names = append(d.names, name)
}

// List returns the recorded names in insertion order. Never nil.
func (d *Degraded) List() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

// BestEffort runs fn under its own timeout. A failure is logged, recorded in
// d and the zero value of T returned.
func BestEffort[T any](ctx context.Context, logger *slog.Logger, d *Degraded, name string, timeout time.Duration, fn func(context.Context) (T, error)) T {
	r := run(ctx, timeout, fn)
	if r.Err != nil {
		logger.Warn("side-query failed, using zero value", "query", name, "error", r.Err)
		telemetry.DegradedQueries.WithLabelValues(name).Inc()
		d.Add(name)
	}
	return r.Value
}

func run[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) Result[T] {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	v, err := fn(ctx)
	if err != nil {
		var zero T
		return Result[T]{Value: zero, Err: err}
	}
	return Result[T]{Value: v}
}
