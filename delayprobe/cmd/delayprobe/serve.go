package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/malbeclabs/delayprobe/config"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/metrics"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
	versionTimeout    = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the probe engine and its HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	log := newLogger(opts.verbose)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	env, err := config.LoadEnv()
	if err != nil {
		return err
	}
	settings, err := resolveSettings(cmd.Flags(), env, &opts)
	if err != nil {
		return err
	}

	st, err := newStack(log, settings, env)
	if err != nil {
		return err
	}
	defer st.Close()

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	// The core may come up after us; a failed version check is not fatal.
	vctx, vcancel := context.WithTimeout(ctx, versionTimeout)
	coreVersion, err := st.core.Version(vctx)
	vcancel()
	if err != nil {
		log.Warn("proxy core not reachable", "url", settings.Core.URL, "error", err)
	} else {
		log.Info("connected to proxy core", "url", settings.Core.URL, "version", coreVersion)
	}

	srv, err := server.NewServer(&server.Config{Logger: log, Engine: st.engine, Clock: st.clock})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Info("starting delayprobe",
		"version", version,
		"commit", commit,
		"listenAddr", opts.listenAddr,
		"metricsAddr", opts.metricsAddr,
		"maxConcurrency", settings.Scheduler.MaxConcurrency,
		"concurrencyHint", settings.Scheduler.ConcurrencyHint,
		"probeTimeout", settings.Probe.Timeout,
		"minDisplay", settings.MinDisplayOr(0),
		"freezePolicy", settings.Freeze.Policy,
		"freezeThreshold", settings.Freeze.Threshold,
		"influxEnabled", env.InfluxEnabled(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return st.cache.Run(gctx) })
	g.Go(func() error { return st.watchdog.Run(gctx) })
	g.Go(func() error { return st.recorder.Run(gctx) })
	g.Go(func() error {
		return serveHTTP(gctx, log, "api", &http.Server{
			Addr:              opts.listenAddr,
			Handler:           srv.Mux,
			ReadHeaderTimeout: readHeaderTimeout,
		})
	})
	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		g.Go(func() error {
			return serveHTTP(gctx, log, "metrics", &http.Server{
				Addr:              opts.metricsAddr,
				Handler:           mux,
				ReadHeaderTimeout: readHeaderTimeout,
			})
		})
	}

	err = g.Wait()
	log.Info("shutting down", "reason", context.Cause(ctx))
	return err
}

// serveHTTP runs hs until ctx is done, then shuts it down gracefully.
func serveHTTP(ctx context.Context, log *slog.Logger, name string, hs *http.Server) error {
	listener, err := net.Listen("tcp", hs.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", hs.Addr, err)
	}
	log.Info("http server listening", "server", name, "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- hs.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown failed", "server", name, "error", err)
	}
	return nil
}
