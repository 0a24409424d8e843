// Package parallel fans independent work items out over a bounded set of goroutines.
// The host executor uses it to run the blocks of a kernel grid.
package parallel

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum items per goroutine to avoid overhead.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 1, // A block is already a large work item.
	}
}

// For executes f(ctx, i) for i in [0, n) and returns the first error.
// Falls back to sequential execution if parallelism is disabled or n is too small.
// Once an item fails, items not yet started are skipped.
func For(ctx context.Context, n int, f func(ctx context.Context, i int) error, cfg Config) error {
	workers := max(cfg.NumWorkers, 1)
	chunk := max(cfg.MinChunkSize, 1)
	if !cfg.Enabled || workers == 1 || n <= chunk {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := f(ctx, i); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	chunk = max((n+workers-1)/workers, chunk)
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := f(gctx, i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// ForGrid executes f for every (x, y, z) of a 3-D grid, x varying fastest.
func ForGrid(ctx context.Context, grid [3]int, f func(ctx context.Context, x, y, z int) error, cfg Config) error {
	nx, ny := grid[0], grid[1]
	n := grid[0] * grid[1] * grid[2]
	return For(ctx, n, func(ctx context.Context, k int) error {
		return f(ctx, k%nx, (k/nx)%ny, k/(nx*ny))
	}, cfg)
}
