// Package probe measures a single node through the proxy core and records the
// outcome in the result cache.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/delayprobe/delayprobe/internal/cache"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/delay"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/metrics"
)

var (
	ErrInvalidTimeout = errors.New("timeout must be greater than 0")
	ErrInvalidKey     = errors.New("name and group are required")
	errProbeTimeout   = errors.New("probe timed out")
)

type Prober struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Prober, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("probe: invalid config: %w", err)
	}
	return &Prober{log: cfg.Logger, cfg: cfg}, nil
}

func (p *Prober) Cache() *cache.Cache { return p.cfg.Cache }

// Probe measures key and stores the terminal result. The key reads as testing
// while the call is in flight. Every failure, timeout or cancellation is
// reported as an errored delay; Probe never returns anything else on failure.
func (p *Prober) Probe(ctx context.Context, key cache.Key, timeout time.Duration) delay.Delay {
	if err := validate(key, timeout); err != nil {
		p.log.Debug("probe: invalid request", "node", key.Name, "group", key.Group, "timeout", timeout, "error", err)
		metrics.ProbesTotal.WithLabelValues(metrics.ResultInvalid).Inc()
		return delay.Errored()
	}

	start := p.cfg.Clock.Now()
	p.cfg.Cache.MarkTesting(key)

	metrics.ProbesInflight.Inc()
	ms, err := p.call(ctx, key, timeout)
	metrics.ProbesInflight.Dec()

	d := delay.Errored()
	result := metrics.ResultErrored
	switch {
	case err == nil:
		d = delay.Measured(ms)
		if d.IsMeasured() {
			result = metrics.ResultMeasured
		}
	case isTimeout(err):
		result = metrics.ResultTimeout
	}
	if err != nil {
		p.log.Debug("probe: node failed", "node", key.Name, "group", key.Group, "error", err)
	}

	p.holdForDisplay(ctx, start)

	p.cfg.Cache.Set(key, d)
	metrics.ProbesTotal.WithLabelValues(result).Inc()
	metrics.ProbeDuration.Observe(p.cfg.Clock.Since(start).Seconds())
	if p.cfg.Recorder != nil {
		p.cfg.Recorder.Record(key, d, p.cfg.Clock.Now())
	}
	return d
}

type callResult struct {
	ms  int64
	err error
}

// call runs the delay func in its own goroutine and races it against the
// probe timeout and ctx. A panic in the delay func becomes an error.
func (p *Prober) call(ctx context.Context, key cache.Key, timeout time.Duration) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	testURL := p.cfg.Cache.URL(key.Group)
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Warn("probe: delay func panicked", "node", key.Name, "group", key.Group, "panic", r)
				done <- callResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		ms, err := p.cfg.DelayFunc(ctx, key.Name, testURL, timeout)
		done <- callResult{ms: ms, err: err}
	}()

	timer := p.cfg.Clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.ms, r.err
	case <-timer.Chan():
		return 0, errProbeTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *Prober) holdForDisplay(ctx context.Context, start time.Time) {
	if p.cfg.MinDisplay <= 0 {
		return
	}
	remaining := p.cfg.MinDisplay - p.cfg.Clock.Since(start)
	if remaining <= 0 {
		return
	}
	select {
	case <-p.cfg.Clock.After(remaining):
	case <-ctx.Done():
	}
}

func validate(key cache.Key, timeout time.Duration) error {
	if timeout <= 0 {
		return ErrInvalidTimeout
	}
	if key.Name == "" || key.Group == "" {
		return ErrInvalidKey
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, errProbeTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
