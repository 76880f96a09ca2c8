package main

import (
	"fmt"
	"log/slog"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/delayprobe/config"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/batch"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/cache"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/core"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/engine"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/probe"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/recorder"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/scheduler"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/session"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/watchdog"
)

// stack is the wired set of components shared by the commands.
type stack struct {
	clock     clockwork.Clock
	core      *core.Client
	cache     *cache.Cache
	scheduler *scheduler.Scheduler
	sessions  *session.Manager
	watchdog  *watchdog.Watchdog
	engine    *engine.Engine
	recorder  *recorder.InfluxRecorder

	influx influxdb2.Client
}

func newStack(log *slog.Logger, s *config.Settings, env *config.Env) (*stack, error) {
	clock := clockwork.NewRealClock()
	st := &stack{clock: clock}

	coreClient, err := core.NewClient(&core.Config{
		Logger:  log,
		BaseURL: s.Core.URL,
		Secret:  s.Core.Secret,
	})
	if err != nil {
		return nil, err
	}
	st.core = coreClient

	st.cache, err = cache.New(&cache.Config{
		Logger:     log,
		Clock:      clock,
		TTL:        config.DefaultCacheTTL,
		DefaultURL: s.Probe.DefaultURL,
	})
	if err != nil {
		return nil, err
	}
	for group, u := range s.Groups {
		st.cache.SetURL(group, u)
	}

	if env.InfluxEnabled() {
		log.Info("influx recording enabled", "url", env.InfluxURL, "org", env.InfluxOrg, "bucket", env.InfluxBucket)
		st.influx = influxdb2.NewClient(env.InfluxURL, env.InfluxToken)
		st.recorder = recorder.NewInfluxRecorder(log, st.influx.WriteAPI(env.InfluxOrg, env.InfluxBucket))
	}

	probeCfg := &probe.Config{
		Logger:     log,
		Clock:      clock,
		Cache:      st.cache,
		DelayFunc:  coreClient.Delay,
		MinDisplay: s.MinDisplayOr(0),
	}
	// Leave the interface nil rather than holding a typed nil pointer.
	if st.recorder != nil {
		probeCfg.Recorder = st.recorder
	}
	prober, err := probe.New(probeCfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	st.scheduler, err = scheduler.New(&scheduler.Config{
		Logger:         log,
		Prober:         prober,
		Cache:          st.cache,
		Clock:          clock,
		MaxConcurrency: s.Scheduler.MaxConcurrency,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	batches, err := batch.New(&batch.Config{
		Logger:         log,
		Runner:         st.scheduler,
		Cache:          st.cache,
		Clock:          clock,
		LargeThreshold: s.Batch.LargeThreshold,
		ChunkSize:      s.Batch.ChunkSize,
		ChunkPause:     s.Batch.ChunkPause,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	st.sessions, err = session.New(&session.Config{Logger: log, Clock: clock})
	if err != nil {
		st.Close()
		return nil, err
	}

	st.watchdog, err = watchdog.New(&watchdog.Config{
		Logger:        log,
		Clock:         clock,
		Sessions:      st.sessions,
		Threshold:     s.Freeze.Threshold,
		CheckInterval: s.Freeze.CheckInterval,
		Policy:        s.Freeze.Policy,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	st.engine, err = engine.New(&engine.Config{
		Logger:                 log,
		Cache:                  st.cache,
		Prober:                 prober,
		Batches:                batches,
		Sessions:               st.sessions,
		Watchdog:               st.watchdog,
		Nodes:                  coreClient,
		DefaultTimeout:         s.Probe.Timeout,
		DefaultConcurrencyHint: s.Scheduler.ConcurrencyHint,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return st, nil
}

// Close stops background runs, then releases the pool and the influx client.
func (st *stack) Close() {
	if st.engine != nil {
		st.engine.Close()
	}
	if st.scheduler != nil {
		st.scheduler.Close()
	}
	if st.influx != nil {
		st.influx.Close()
	}
}
