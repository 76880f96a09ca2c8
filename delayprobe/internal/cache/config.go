package cache

import (
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/delayprobe/config"
)

// Config provides dependencies and tunables for the result cache.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// TTL is the age after which an entry reads as absent.
	TTL time.Duration

	// DefaultURL is the probe URL for groups without an explicit one.
	DefaultURL string

	// Capacity bounds the number of stored entries; 0 means unbounded.
	Capacity uint64
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TTL < 0 {
		return errors.New("ttl must be greater than 0")
	}
	if c.TTL == 0 {
		c.TTL = config.DefaultCacheTTL
	}
	if c.DefaultURL == "" {
		c.DefaultURL = config.DefaultTestURL
	}
	if _, err := url.ParseRequestURI(c.DefaultURL); err != nil {
		return errors.New("default url is invalid")
	}
	return nil
}
