package governor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pruner drops idle rate windows. Only the in-memory windows need it; Redis
// keys expire on their own.
type Pruner interface {
	Prune(now time.Time) int
}

func WithPruner(p Pruner) Option {
	return func(g *Governor) { g.pruner = p }
}

// Run drives the cache sweep and the usage rollup until ctx is cancelled.
func (g *Governor) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return every(ctx, g.sweepInterval, g.sweep)
	})
	group.Go(func() error {
		return every(ctx, g.rollupInterval, g.rollup)
	})

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (g *Governor) sweep(ctx context.Context) {
	removed, err := g.cache.Sweep(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Error("cache sweep failed", zap.Int("removed", removed), zap.Error(err))
	}
}

func (g *Governor) rollup(context.Context) {
	evicted := g.analytics.Rollup()
	pruned := 0
	if g.pruner != nil {
		pruned = g.pruner.Prune(g.now())
	}
	g.logger.Info("usage rollup complete", zap.Int("evicted_hours", evicted), zap.Int("pruned_windows", pruned))
}

func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}
