// Package scheduler probes a batch of nodes from one group with a bounded
// number of workers draining a shared cursor.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/cache"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/delay"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/metrics"
)

// Options tune a single batch.
type Options struct {
	Timeout         time.Duration
	ConcurrencyHint int

	// Cancelled is polled before a worker claims the next name. In-flight
	// probes are never interrupted.
	Cancelled func() bool

	// OnItem is called after every completed probe.
	OnItem func(key cache.Key, d delay.Delay)

	// SuppressSettled skips the group-settled notification; the caller
	// fires it instead.
	SuppressSettled bool

	// ProgressOffset and ProgressTotal place this batch inside a larger run
	// when reporting group progress. ProgressTotal 0 means the batch size.
	ProgressOffset int
	ProgressTotal  int

	// MarkOwner is the owner of this run's pre-marks. Names it never
	// dispatched are restored only while still marked by this owner.
	MarkOwner cache.MarkOwner
}

func (o *Options) cancelled() bool {
	return o.Cancelled != nil && o.Cancelled()
}

// Result summarizes a finished batch.
type Result struct {
	Total       int
	Dispatched  int
	Measured    int
	Errored     int
	Panics      int
	Concurrency int
	Cancelled   bool
}

// Add folds o into r.
func (r *Result) Add(o Result) {
	r.Total += o.Total
	r.Dispatched += o.Dispatched
	r.Measured += o.Measured
	r.Errored += o.Errored
	r.Panics += o.Panics
	r.Cancelled = r.Cancelled || o.Cancelled
	if o.Concurrency > r.Concurrency {
		r.Concurrency = o.Concurrency
	}
}

type Scheduler struct {
	log      *slog.Logger
	cfg      *Config
	pool     pond.Pool
	ownsPool bool
}

func New(cfg *Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler: invalid config: %w", err)
	}
	s := &Scheduler{log: cfg.Logger, cfg: cfg, pool: cfg.Pool}
	if s.pool == nil {
		s.pool = pond.NewPool(cfg.MaxConcurrency)
		s.ownsPool = true
	}
	return s, nil
}

// Close stops the pool if the scheduler created it, waiting for queued work.
func (s *Scheduler) Close() {
	if s.ownsPool {
		s.pool.StopAndWait()
	}
}

// RunBatch probes names in group and returns once every dispatched name has a
// terminal value. Names never dispatched because of cancellation are restored
// to their value from before they were marked testing.
func (s *Scheduler) RunBatch(ctx context.Context, names []string, group string, opts Options) Result {
	names = Dedupe(names)
	total := len(names)
	res := Result{Total: total}
	if total == 0 {
		if !opts.SuppressSettled {
			s.cfg.Cache.NotifyGroupSettled(group)
		}
		return res
	}

	workers := EffectiveConcurrency(opts.ConcurrencyHint, total)
	res.Concurrency = workers
	paced := !s.cfg.DisablePacing && total > s.cfg.PacingThreshold
	progressTotal := total
	if opts.ProgressTotal > 0 {
		progressTotal = opts.ProgressTotal
	}
	step := max(1, (progressTotal+s.cfg.ProgressUpdates-1)/s.cfg.ProgressUpdates)

	var (
		cursor    atomic.Int64
		completed atomic.Int64
		mu        sync.Mutex
		skipped   []string
	)

	s.log.Debug("scheduler: batch started", "group", group, "total", total, "workers", workers, "paced", paced)

	worker := func() {
		first := true
		for {
			if opts.cancelled() || ctx.Err() != nil {
				return
			}
			i := int(cursor.Add(1) - 1)
			if i >= total {
				return
			}
			name := names[i]
			key := cache.Key{Name: name, Group: group}

			if paced && !first {
				if !s.pace(ctx) {
					mu.Lock()
					skipped = append(skipped, name)
					mu.Unlock()
					return
				}
			}
			first = false

			d, panicked := s.probe(ctx, key, opts.Timeout)

			mu.Lock()
			res.Dispatched++
			if panicked {
				res.Panics++
			}
			if d.IsMeasured() {
				res.Measured++
			} else {
				res.Errored++
			}
			mu.Unlock()

			if opts.OnItem != nil {
				opts.OnItem(key, d)
			}
			n := int(completed.Add(1))
			if done := opts.ProgressOffset + n; done%step == 0 || n == total {
				s.cfg.Cache.NotifyGroupProgress(group, done, progressTotal)
			}
		}
	}

	tasks := make([]func(), workers)
	for i := range tasks {
		tasks[i] = worker
	}
	// The group is not bound to ctx: workers observe ctx themselves so that
	// every claimed name is accounted for.
	if err := s.pool.NewGroup().Submit(tasks...).Wait(); err != nil {
		s.log.Warn("scheduler: batch workers failed", "group", group, "error", err)
	}

	claimed := min(int(cursor.Load()), total)
	for _, name := range names[claimed:] {
		skipped = append(skipped, name)
	}
	if opts.MarkOwner != 0 {
		for _, name := range skipped {
			s.cfg.Cache.Restore(cache.Key{Name: name, Group: group}, opts.MarkOwner)
		}
	}
	res.Cancelled = len(skipped) > 0

	if res.Cancelled {
		if done := opts.ProgressOffset + int(completed.Load()); done%step != 0 {
			s.cfg.Cache.NotifyGroupProgress(group, done, progressTotal)
		}
	}
	if !opts.SuppressSettled {
		s.cfg.Cache.NotifyGroupSettled(group)
	}

	s.log.Debug("scheduler: batch finished", "group", group, "dispatched", res.Dispatched, "measured", res.Measured, "errored", res.Errored, "cancelled", res.Cancelled)
	return res
}

// probe isolates a single probe: a panic marks the key errored instead of
// taking down the batch.
func (s *Scheduler) probe(ctx context.Context, key cache.Key, timeout time.Duration) (d delay.Delay, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler: probe panicked", "node", key.Name, "group", key.Group, "panic", r)
			metrics.SchedulerPanicsTotal.Inc()
			d, panicked = delay.Errored(), true
			s.cfg.Cache.Set(key, d)
		}
	}()
	d = s.cfg.Prober.Probe(ctx, key, timeout)
	if !d.IsTerminal() {
		d = delay.Errored()
		s.cfg.Cache.Set(key, d)
	}
	return d, false
}

func (s *Scheduler) pace(ctx context.Context) bool {
	wait := s.cfg.PacingMin
	if span := s.cfg.PacingMax - s.cfg.PacingMin; span > 0 {
		wait += rand.N(span)
	}
	if wait <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-s.cfg.Clock.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}

// Dedupe drops repeated names, keeping first occurrences in order.
func Dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
