package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvCoreURL      = "DELAYPROBE_CORE_URL"
	EnvCoreSecret   = "DELAYPROBE_CORE_SECRET"
	EnvProbeTimeout = "DELAYPROBE_PROBE_TIMEOUT"
	EnvSettingsFile = "DELAYPROBE_SETTINGS"

	EnvInfluxURL    = "INFLUX_URL"
	EnvInfluxToken  = "INFLUX_TOKEN"
	EnvInfluxOrg    = "INFLUX_ORG"
	EnvInfluxBucket = "INFLUX_BUCKET"
)

// Env holds values read from the process environment. Empty fields mean unset.
type Env struct {
	CoreURL      string
	CoreSecret   string
	ProbeTimeout time.Duration
	SettingsFile string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
}

// InfluxEnabled reports whether all influx settings are present.
func (e *Env) InfluxEnabled() bool {
	return e.InfluxURL != "" && e.InfluxToken != "" && e.InfluxOrg != "" && e.InfluxBucket != ""
}

// LoadEnv loads an optional .env file from the working directory and reads the
// delayprobe environment variables.
func LoadEnv() (*Env, error) {
	// Missing .env is fine.
	_ = godotenv.Load()
	return EnvFromLookup(os.LookupEnv)
}

// EnvFromLookup reads the environment through the given lookup function.
func EnvFromLookup(lookup func(string) (string, bool)) (*Env, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return v
	}
	env := &Env{
		CoreURL:      get(EnvCoreURL),
		CoreSecret:   get(EnvCoreSecret),
		SettingsFile: get(EnvSettingsFile),
		InfluxURL:    get(EnvInfluxURL),
		InfluxToken:  get(EnvInfluxToken),
		InfluxOrg:    get(EnvInfluxOrg),
		InfluxBucket: get(EnvInfluxBucket),
	}
	if v := get(EnvProbeTimeout); v != "" {
		d, err := ParseDurationOrMillis(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", EnvProbeTimeout, v, err)
		}
		env.ProbeTimeout = d
	}
	return env, nil
}

// ParseDurationOrMillis accepts either a Go duration string or a bare integer in milliseconds.
func ParseDurationOrMillis(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("must be greater than 0")
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be greater than 0")
	}
	return d, nil
}
