package probe

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/cache"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/delay"
)

// DelayFunc measures one node against testURL within timeout and returns the
// delay in milliseconds.
type DelayFunc func(ctx context.Context, name, testURL string, timeout time.Duration) (int64, error)

// Recorder receives every terminal probe result.
type Recorder interface {
	Record(key cache.Key, d delay.Delay, at time.Time)
}

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Cache     *cache.Cache
	DelayFunc DelayFunc

	// MinDisplay holds back completion until at least this long after the
	// probe started, so the testing state stays visible. 0 disables it.
	MinDisplay time.Duration

	Recorder Recorder
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Cache == nil {
		return errors.New("cache is required")
	}
	if c.DelayFunc == nil {
		return errors.New("delay func is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MinDisplay < 0 {
		return errors.New("min display must be greater than or equal to 0")
	}
	return nil
}
