package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	FreezePolicyManual = "manual"
	FreezePolicyAuto   = "auto"
)

// Settings is the optional YAML settings file. Zero values are replaced with
// defaults by Validate.
type Settings struct {
	Core struct {
		URL    string `yaml:"url"`
		Secret string `yaml:"secret"`
	} `yaml:"core"`

	Probe struct {
		Timeout    time.Duration `yaml:"timeout"`
		DefaultURL string        `yaml:"default_url"`
		// MinDisplay is nil when the file leaves it unset, so callers can
		// tell an explicit 0 from a missing key.
		MinDisplay *time.Duration `yaml:"min_display"`
	} `yaml:"probe"`

	// Groups maps a group name to the test URL used for every node in it.
	Groups map[string]string `yaml:"groups"`

	Scheduler struct {
		MaxConcurrency  int `yaml:"max_concurrency"`
		ConcurrencyHint int `yaml:"concurrency_hint"`
	} `yaml:"scheduler"`

	Batch struct {
		LargeThreshold int           `yaml:"large_threshold"`
		ChunkSize      int           `yaml:"chunk_size"`
		ChunkPause     time.Duration `yaml:"chunk_pause"`
	} `yaml:"batch"`

	Freeze struct {
		Threshold     time.Duration `yaml:"threshold"`
		CheckInterval time.Duration `yaml:"check_interval"`
		Policy        string        `yaml:"policy"`
	} `yaml:"freeze"`
}

// MinDisplayOr returns the configured minimum display time, or def when the
// settings leave it unset.
func (s *Settings) MinDisplayOr(def time.Duration) time.Duration {
	if s.Probe.MinDisplay == nil {
		return def
	}
	return *s.Probe.MinDisplay
}

// DefaultSettings returns settings populated with the package defaults.
func DefaultSettings() *Settings {
	s := &Settings{}
	_ = s.Validate()
	return s
}

// LoadSettings reads and validates a YAML settings file. An empty path returns
// the defaults.
func LoadSettings(path string) (*Settings, error) {
	if path == "" {
		return DefaultSettings(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	return ParseSettings(data)
}

// ParseSettings decodes and validates YAML settings.
func ParseSettings(data []byte) (*Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return &s, nil
}

func (s *Settings) Validate() error {
	if s.Core.URL == "" {
		s.Core.URL = DefaultCoreURL
	}
	if _, err := url.ParseRequestURI(s.Core.URL); err != nil {
		return fmt.Errorf("core url: %w", err)
	}
	if s.Probe.Timeout < 0 {
		return errors.New("probe timeout must be greater than 0")
	}
	if s.Probe.Timeout == 0 {
		s.Probe.Timeout = DefaultProbeTimeout
	}
	if s.Probe.DefaultURL == "" {
		s.Probe.DefaultURL = DefaultTestURL
	}
	if s.Probe.MinDisplay != nil && *s.Probe.MinDisplay < 0 {
		return errors.New("min display must not be negative")
	}
	for group, u := range s.Groups {
		if group == "" {
			return errors.New("group name must not be empty")
		}
		if _, err := url.ParseRequestURI(u); err != nil {
			return fmt.Errorf("group %q url: %w", group, err)
		}
	}
	if s.Scheduler.MaxConcurrency < 0 || s.Scheduler.ConcurrencyHint < 0 {
		return errors.New("concurrency must not be negative")
	}
	if s.Scheduler.MaxConcurrency == 0 {
		s.Scheduler.MaxConcurrency = DefaultMaxConcurrency
	}
	if s.Scheduler.ConcurrencyHint == 0 {
		s.Scheduler.ConcurrencyHint = DefaultConcurrencyHint
	}
	if s.Batch.LargeThreshold == 0 {
		s.Batch.LargeThreshold = DefaultLargeBatchThreshold
	}
	if s.Batch.ChunkSize == 0 {
		s.Batch.ChunkSize = DefaultChunkSize
	}
	if s.Batch.ChunkPause == 0 {
		s.Batch.ChunkPause = DefaultChunkPause
	}
	if s.Batch.LargeThreshold < 0 || s.Batch.ChunkSize < 0 || s.Batch.ChunkPause < 0 {
		return errors.New("batch settings must not be negative")
	}
	if s.Freeze.Threshold == 0 {
		s.Freeze.Threshold = DefaultFreezeThreshold
	}
	if s.Freeze.CheckInterval == 0 {
		s.Freeze.CheckInterval = DefaultFreezeCheckInterval
	}
	if s.Freeze.Threshold < 0 || s.Freeze.CheckInterval < 0 {
		return errors.New("freeze settings must not be negative")
	}
	switch s.Freeze.Policy {
	case "":
		s.Freeze.Policy = FreezePolicyManual
	case FreezePolicyManual, FreezePolicyAuto:
	default:
		return fmt.Errorf("unknown freeze policy %q", s.Freeze.Policy)
	}
	return nil
}
