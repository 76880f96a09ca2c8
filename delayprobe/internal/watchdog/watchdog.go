// Package watchdog detects a global test that has stopped making progress and
// recovers from it by resetting the session without waiting for its workers.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/delayprobe/config"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/metrics"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/session"
)

// Sessions is the session state the watchdog inspects and resets.
type Sessions interface {
	Snapshot() session.Snapshot
	ForceReset() bool
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Sessions Sessions

	Threshold     time.Duration
	CheckInterval time.Duration

	// Policy is config.FreezePolicyManual (report only) or
	// config.FreezePolicyAuto (force reset when frozen).
	Policy string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Sessions == nil {
		return errors.New("sessions is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Threshold < 0 || c.CheckInterval < 0 {
		return errors.New("threshold and check interval must not be negative")
	}
	if c.Threshold == 0 {
		c.Threshold = config.DefaultFreezeThreshold
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = config.DefaultFreezeCheckInterval
	}
	switch c.Policy {
	case "":
		c.Policy = config.FreezePolicyManual
	case config.FreezePolicyManual, config.FreezePolicyAuto:
	default:
		return fmt.Errorf("unknown freeze policy %q", c.Policy)
	}
	return nil
}

// Status is the result of one freeze check.
type Status struct {
	Frozen         bool          `json:"frozen"`
	State          session.State `json:"state"`
	SessionID      string        `json:"session_id,omitempty"`
	LastProgressAt time.Time     `json:"last_progress_at,omitzero"`
	Stalled        time.Duration `json:"stalled_ns"`
	Threshold      time.Duration `json:"threshold_ns"`
}

type Watchdog struct {
	log *slog.Logger
	cfg *Config

	// Generation of the last session reported frozen, so each freeze is
	// logged and counted once.
	reportedGen uint64
}

func New(cfg *Config) (*Watchdog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("watchdog: invalid config: %w", err)
	}
	return &Watchdog{log: cfg.Logger, cfg: cfg}, nil
}

// Check reports whether the running session has gone longer than the
// threshold without progress. It never changes state.
func (w *Watchdog) Check() Status {
	snap := w.cfg.Sessions.Snapshot()
	st := Status{
		State:     snap.State,
		SessionID: snap.ID,
		Threshold: w.cfg.Threshold,
	}
	if !snap.Running() {
		return st
	}
	st.LastProgressAt = snap.LastProgressAt
	st.Stalled = w.cfg.Clock.Since(snap.LastProgressAt)
	st.Frozen = st.Stalled > w.cfg.Threshold
	return st
}

// ForceCancelFrozenTest resets the session to idle whether or not its workers
// ever return. It reports whether a session was running.
func (w *Watchdog) ForceCancelFrozenTest() bool {
	snap := w.cfg.Sessions.Snapshot()
	if !w.cfg.Sessions.ForceReset() {
		w.log.Debug("watchdog: force cancel requested with no running test")
		return false
	}
	metrics.ForcedRecoveriesTotal.Inc()
	w.log.Warn("watchdog: forced recovery of global test", "id", snap.ID, "completed", snap.Completed, "total", snap.Total, "lastProgressAt", snap.LastProgressAt)
	return true
}

// Run checks for freezes every CheckInterval until ctx is done. Only Run
// mutates reportedGen, so it must not be called concurrently with itself.
func (w *Watchdog) Run(ctx context.Context) error {
	w.log.Info("watchdog: started", "threshold", w.cfg.Threshold, "interval", w.cfg.CheckInterval, "policy", w.cfg.Policy)

	ticker := w.cfg.Clock.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("watchdog: stopped", "error", ctx.Err())
			return nil
		case <-ticker.Chan():
			w.tick()
		}
	}
}

func (w *Watchdog) tick() {
	st := w.Check()
	if !st.Frozen {
		return
	}
	gen := w.cfg.Sessions.Snapshot().Generation
	if gen != w.reportedGen {
		w.reportedGen = gen
		metrics.FreezesDetectedTotal.Inc()
		w.log.Warn("watchdog: global test appears frozen", "id", st.SessionID, "stalled", st.Stalled, "threshold", st.Threshold, "policy", w.cfg.Policy)
	}
	if w.cfg.Policy == config.FreezePolicyAuto {
		w.ForceCancelFrozenTest()
	}
}
