package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/delayprobe/config"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/cache"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/delay"
)

// Prober runs one probe and returns its terminal value.
type Prober interface {
	Probe(ctx context.Context, key cache.Key, timeout time.Duration) delay.Delay
}

// Config provides dependencies and tunables for the scheduler.
type Config struct {
	// Required object fields.
	Logger *slog.Logger
	Prober Prober
	Cache  *cache.Cache

	// Optional object fields.
	Clock clockwork.Clock
	Pool  pond.Pool // shared across batches; created from MaxConcurrency when nil

	// MaxConcurrency caps in-flight probes across all batches.
	MaxConcurrency int

	// Batches larger than PacingThreshold wait a random duration in
	// [PacingMin, PacingMax) before every probe after a worker's first.
	PacingThreshold int
	PacingMin       time.Duration
	PacingMax       time.Duration
	DisablePacing   bool

	// ProgressUpdates is the number of progress notifications per batch.
	ProgressUpdates int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Prober == nil {
		return errors.New("prober is required")
	}
	if c.Cache == nil {
		return errors.New("cache is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxConcurrency < 0 {
		return errors.New("max concurrency must be greater than 0")
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = config.DefaultMaxConcurrency
	}
	if c.PacingThreshold <= 0 {
		c.PacingThreshold = config.DefaultPacingThreshold
	}
	if c.PacingMin == 0 {
		c.PacingMin = config.DefaultPacingMin
	}
	if c.PacingMax == 0 {
		c.PacingMax = config.DefaultPacingMax
	}
	if c.PacingMin < 0 || c.PacingMax < c.PacingMin {
		return errors.New("pacing range is invalid")
	}
	if c.ProgressUpdates <= 0 {
		c.ProgressUpdates = config.DefaultProgressUpdates
	}
	return nil
}
