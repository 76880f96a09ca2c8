package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/malbeclabs/delayprobe/config"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/cache"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/core"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/delay"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/scheduler"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/session"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/watchdog"
)

// Prober probes a single node; satisfied by *probe.Prober.
type Prober interface {
	Probe(ctx context.Context, key cache.Key, timeout time.Duration) delay.Delay
}

// BatchRunner runs a batch of nodes with large-batch chunking; satisfied by
// *batch.Orchestrator.
type BatchRunner interface {
	Run(ctx context.Context, names []string, group string, opts scheduler.Options) scheduler.Result
}

// NodeSource lists proxy groups and their nodes; satisfied by *core.Client.
type NodeSource interface {
	Groups(ctx context.Context) ([]core.Group, error)
}

type Config struct {
	Logger   *slog.Logger
	Cache    *cache.Cache
	Prober   Prober
	Batches  BatchRunner
	Sessions *session.Manager
	Watchdog *watchdog.Watchdog
	Nodes    NodeSource

	DefaultTimeout         time.Duration
	DefaultConcurrencyHint int

	// ListTimeout bounds the node listing done when a global test starts.
	ListTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Cache == nil {
		return errors.New("cache is required")
	}
	if c.Prober == nil {
		return errors.New("prober is required")
	}
	if c.Batches == nil {
		return errors.New("batch runner is required")
	}
	if c.Sessions == nil {
		return errors.New("sessions is required")
	}
	if c.Watchdog == nil {
		return errors.New("watchdog is required")
	}
	if c.Nodes == nil {
		return errors.New("node source is required")
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = config.DefaultProbeTimeout
	}
	if c.DefaultConcurrencyHint <= 0 {
		c.DefaultConcurrencyHint = config.DefaultConcurrencyHint
	}
	if c.ListTimeout <= 0 {
		c.ListTimeout = 30 * time.Second
	}
	return nil
}
