package main

import (
	"fmt"
	"time"

	"github.com/malbeclabs/delayprobe/config"
	flag "github.com/spf13/pflag"
)

// options holds flag values. Settings are resolved as defaults, then the
// settings file, then the environment, then flags that were set explicitly.
type options struct {
	verbose      bool
	settingsFile string
	coreURL      string
	coreSecret   string
	timeout      time.Duration

	// serve
	listenAddr     string
	metricsAddr    string
	minDisplay     time.Duration
	maxConcurrency int
	freezePolicy   string

	// check / test-all
	group       string
	groups      []string
	concurrency int
}

var opts options

func registerGlobalFlags(fs *flag.FlagSet, o *options) {
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "Enable debug logging")
	fs.StringVar(&o.settingsFile, "settings", "", "Path to the YAML settings file (env "+config.EnvSettingsFile+")")
	fs.StringVar(&o.coreURL, "core-url", config.DefaultCoreURL, "Proxy core external controller URL (env "+config.EnvCoreURL+")")
	fs.StringVar(&o.coreSecret, "core-secret", "", "Proxy core external controller secret (env "+config.EnvCoreSecret+")")
	fs.DurationVar(&o.timeout, "timeout", config.DefaultProbeTimeout, "Per-node probe timeout (env "+config.EnvProbeTimeout+")")
}

func registerServeFlags(fs *flag.FlagSet, o *options) {
	fs.StringVar(&o.listenAddr, "listen-addr", config.DefaultListenAddr, "Address for the HTTP API")
	fs.StringVar(&o.metricsAddr, "metrics-addr", config.DefaultMetricsAddr, "Address for prometheus metrics; empty disables")
	fs.DurationVar(&o.minDisplay, "min-display", config.DefaultMinDisplay, "Minimum time a node stays in the testing state; 0 disables")
	fs.IntVar(&o.maxConcurrency, "max-concurrency", config.DefaultMaxConcurrency, "Maximum probes in flight across all batches")
	fs.StringVar(&o.freezePolicy, "freeze-policy", config.FreezePolicyManual, "Frozen global test handling: manual or auto")
}

func registerCheckFlags(fs *flag.FlagSet, o *options) {
	fs.StringVarP(&o.group, "group", "g", "", "Group the node belongs to")
}

func registerTestAllFlags(fs *flag.FlagSet, o *options) {
	fs.StringSliceVar(&o.groups, "groups", nil, "Only test these groups")
	fs.IntVar(&o.concurrency, "concurrency", config.DefaultConcurrencyHint, "Concurrency hint per group")
}

// resolveSettings layers the settings file, environment, and explicitly set
// flags over the defaults.
func resolveSettings(fs *flag.FlagSet, env *config.Env, o *options) (*config.Settings, error) {
	path := o.settingsFile
	if !fs.Changed("settings") && env.SettingsFile != "" {
		path = env.SettingsFile
	}
	s, err := config.LoadSettings(path)
	if err != nil {
		return nil, err
	}

	if env.CoreURL != "" {
		s.Core.URL = env.CoreURL
	}
	if env.CoreSecret != "" {
		s.Core.Secret = env.CoreSecret
	}
	if env.ProbeTimeout > 0 {
		s.Probe.Timeout = env.ProbeTimeout
	}

	if fs.Changed("core-url") {
		s.Core.URL = o.coreURL
	}
	if fs.Changed("core-secret") {
		s.Core.Secret = o.coreSecret
	}
	if fs.Changed("timeout") {
		s.Probe.Timeout = o.timeout
	}
	// The flag default applies only when the settings file omits min_display.
	if fs.Lookup("min-display") != nil && (fs.Changed("min-display") || s.Probe.MinDisplay == nil) {
		d := o.minDisplay
		s.Probe.MinDisplay = &d
	}
	if fs.Changed("max-concurrency") {
		s.Scheduler.MaxConcurrency = o.maxConcurrency
	}
	if fs.Changed("freeze-policy") {
		s.Freeze.Policy = o.freezePolicy
	}
	if fs.Changed("concurrency") {
		s.Scheduler.ConcurrencyHint = o.concurrency
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}
