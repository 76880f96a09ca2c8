// Package batch splits very large probe runs into sequential chunks so the
// proxy core is never handed thousands of nodes at once.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/delayprobe/config"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/cache"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/metrics"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/scheduler"
)

// Runner probes one batch of names; satisfied by *scheduler.Scheduler.
type Runner interface {
	RunBatch(ctx context.Context, names []string, group string, opts scheduler.Options) scheduler.Result
}

type Config struct {
	Logger *slog.Logger
	Runner Runner
	Cache  *cache.Cache
	Clock  clockwork.Clock

	// Batches larger than LargeThreshold are run in chunks of ChunkSize
	// with ChunkPause between them.
	LargeThreshold int
	ChunkSize      int
	ChunkPause     time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Runner == nil {
		return errors.New("runner is required")
	}
	if c.Cache == nil {
		return errors.New("cache is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.LargeThreshold < 0 || c.ChunkSize < 0 || c.ChunkPause < 0 {
		return errors.New("chunking parameters must not be negative")
	}
	if c.LargeThreshold == 0 {
		c.LargeThreshold = config.DefaultLargeBatchThreshold
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = config.DefaultChunkSize
	}
	if c.ChunkPause == 0 {
		c.ChunkPause = config.DefaultChunkPause
	}
	return nil
}

type Orchestrator struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("batch: invalid config: %w", err)
	}
	return &Orchestrator{log: cfg.Logger, cfg: cfg}, nil
}

// Run probes names, chunking only when the batch exceeds the large-batch
// threshold.
func (o *Orchestrator) Run(ctx context.Context, names []string, group string, opts scheduler.Options) scheduler.Result {
	names = scheduler.Dedupe(names)
	if len(names) <= o.cfg.LargeThreshold {
		metrics.BatchesTotal.WithLabelValues(metrics.ModeDirect).Inc()
		return o.cfg.Runner.RunBatch(ctx, names, group, opts)
	}
	return o.RunLarge(ctx, names, group, opts)
}

// RunLarge runs names in strictly sequential chunks. Each chunk's names are
// marked testing before dispatch, and group-settled listeners fire once per
// chunk. Cancellation is honoured between chunks and by the scheduler within
// one.
func (o *Orchestrator) RunLarge(ctx context.Context, names []string, group string, opts scheduler.Options) scheduler.Result {
	names = scheduler.Dedupe(names)
	metrics.BatchesTotal.WithLabelValues(metrics.ModeChunked).Inc()
	if opts.MarkOwner == 0 {
		opts.MarkOwner = o.cfg.Cache.NewMarkOwner()
	}

	chunks := slices.Collect(slices.Chunk(names, o.cfg.ChunkSize))
	o.log.Info("batch: running large batch", "group", group, "total", len(names), "chunks", len(chunks), "chunkSize", o.cfg.ChunkSize)

	res := scheduler.Result{}
	done := 0
	for i, chunk := range chunks {
		if i > 0 && !o.pause(ctx) {
			res.Cancelled = true
			break
		}
		if (opts.Cancelled != nil && opts.Cancelled()) || ctx.Err() != nil {
			res.Cancelled = true
			break
		}

		for _, name := range chunk {
			o.cfg.Cache.MarkTestingFor(cache.Key{Name: name, Group: group}, opts.MarkOwner)
		}

		chunkOpts := opts
		chunkOpts.SuppressSettled = true
		chunkOpts.ProgressOffset = opts.ProgressOffset + done
		if chunkOpts.ProgressTotal == 0 {
			chunkOpts.ProgressTotal = len(names)
		}
		r := o.cfg.Runner.RunBatch(ctx, chunk, group, chunkOpts)
		res.Add(r)
		done += r.Dispatched
		metrics.ChunksTotal.Inc()

		o.cfg.Cache.NotifyGroupSettled(group)
		o.log.Debug("batch: chunk finished", "group", group, "chunk", i+1, "of", len(chunks), "dispatched", r.Dispatched)

		if r.Cancelled {
			break
		}
	}
	res.Total = len(names)
	return res
}

func (o *Orchestrator) pause(ctx context.Context) bool {
	select {
	case <-o.cfg.Clock.After(o.cfg.ChunkPause):
		return true
	case <-ctx.Done():
		return false
	}
}
