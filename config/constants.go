package config

import "time"

const (
	// Proxy core defaults.
	DefaultCoreURL      = "http://127.0.0.1:9090"
	DefaultTestURL      = "https://www.gstatic.com/generate_204"
	DefaultProbeTimeout = 5 * time.Second

	// Cache defaults.
	DefaultCacheTTL = 30 * time.Minute

	// Scheduler defaults.
	DefaultMaxConcurrency  = 64
	DefaultConcurrencyHint = 36
	DefaultPacingThreshold = 50
	DefaultPacingMin       = 50 * time.Millisecond
	DefaultPacingMax       = 200 * time.Millisecond
	DefaultProgressUpdates = 20
	DefaultMinDisplay      = 500 * time.Millisecond

	// Batch defaults.
	DefaultLargeBatchThreshold = 500
	DefaultChunkSize           = 100
	DefaultChunkPause          = 100 * time.Millisecond

	// Freeze detection defaults.
	DefaultFreezeThreshold     = 30 * time.Second
	DefaultFreezeCheckInterval = 5 * time.Second

	// Server defaults.
	DefaultListenAddr  = "127.0.0.1:9797"
	DefaultMetricsAddr = "127.0.0.1:2114"
)
