package vaultfs

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ParallelConfig controls parallel chunk processing
type ParallelConfig struct {
	// Enabled enables parallel chunk processing
	Enabled bool

	// MaxWorkers is the maximum number of chunks processed at once.
	// If 0, defaults to runtime.NumCPU()
	MaxWorkers int

	// MinChunksForParallel is the minimum number of chunks to use parallel processing
	// Below this threshold, sequential processing is used
	MinChunksForParallel int
}

// Validate checks if the parallel configuration is valid
func (p *ParallelConfig) Validate() error {
	if !p.Enabled {
		return nil
	}

	if p.MaxWorkers < 0 {
		return errors.New("parallel max workers cannot be negative")
	}
	if p.MaxWorkers > 1024 {
		return errors.New("parallel max workers must not exceed 1024")
	}
	if p.MinChunksForParallel < 1 {
		return errors.New("parallel min chunks threshold must be at least 1")
	}
	if p.MinChunksForParallel > 1000 {
		return errors.New("parallel min chunks threshold must not exceed 1000")
	}

	return nil
}

// DefaultParallelConfig returns the default parallel processing configuration
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:              true,
		MaxWorkers:           runtime.NumCPU(),
		MinChunksForParallel: 4,
	}
}

// limit returns how many of n chunk jobs may run at once
func (p ParallelConfig) limit(n int) int {
	if !p.Enabled || n < p.MinChunksForParallel {
		return 1
	}
	workers := p.MaxWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}
	return workers
}

// runChunkJobs calls fn for every chunk index with bounded concurrency.
// The first error cancels the remaining jobs. A panicking job is reported
// as an error instead of crashing the process.
func runChunkJobs(ctx context.Context, cfg ParallelConfig, indices []uint64, fn func(ctx context.Context, index uint64) error) error {
	if len(indices) == 0 {
		return nil
	}

	limit := cfg.limit(len(indices))
	if limit == 1 {
		for _, idx := range indices {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, idx); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, idx := range indices {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic in chunk worker (chunk %d): %v", idx, r)
				}
			}()
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, idx)
		})
	}
	return g.Wait()
}
