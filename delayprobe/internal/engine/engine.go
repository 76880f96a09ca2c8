// Package engine is the outbound interface used by the UI layer: single and
// list probes, the global test lifecycle, health, and cache subscriptions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/malbeclabs/delayprobe/delayprobe/internal/cache"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/core"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/delay"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/scheduler"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/session"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/watchdog"
)

var (
	ErrClosed         = errors.New("engine is closed")
	ErrInvalidRequest = errors.New("invalid request")
	ErrNoNodes        = errors.New("no nodes to test")
)

type Engine struct {
	log *slog.Logger
	cfg *Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	lifeMu sync.Mutex

	mu    sync.RWMutex
	known []cache.Key
}

func New(cfg *Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{log: cfg.Logger, cfg: cfg, ctx: ctx, cancel: cancel}, nil
}

// Close cancels background runs and waits for them to return.
func (e *Engine) Close() {
	e.lifeMu.Lock()
	e.cancel()
	e.lifeMu.Unlock()
	e.wg.Wait()
}

// spawn runs fn in the background unless the engine is closed.
func (e *Engine) spawn(fn func()) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.closed() {
		return ErrClosed
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return nil
}

func (e *Engine) closed() bool { return e.ctx.Err() != nil }

func (e *Engine) timeout(t time.Duration) time.Duration {
	if t <= 0 {
		return e.cfg.DefaultTimeout
	}
	return t
}

func (e *Engine) hint(h int) int {
	if h <= 0 {
		return e.cfg.DefaultConcurrencyHint
	}
	return h
}

// CheckDelay probes one node and waits for the result. Probe failures are an
// errored delay, not an error; errors are reserved for bad requests.
func (e *Engine) CheckDelay(ctx context.Context, name, group string, timeout time.Duration) (delay.Delay, error) {
	if e.closed() {
		return delay.Errored(), ErrClosed
	}
	if name == "" || group == "" || timeout < 0 {
		return delay.Errored(), fmt.Errorf("%w: name and group are required", ErrInvalidRequest)
	}
	return e.cfg.Prober.Probe(ctx, cache.Key{Name: name, Group: group}, e.timeout(timeout)), nil
}

// CheckListDelay probes names in the background and returns immediately.
// Completion is observed through the cache and its listeners.
func (e *Engine) CheckListDelay(names []string, group string, timeout time.Duration, hint int) error {
	if e.closed() {
		return ErrClosed
	}
	if group == "" || timeout < 0 {
		return fmt.Errorf("%w: group is required", ErrInvalidRequest)
	}
	names = slices.DeleteFunc(slices.Clone(names), func(n string) bool { return n == "" })
	opts := scheduler.Options{Timeout: e.timeout(timeout), ConcurrencyHint: e.hint(hint)}

	return e.spawn(func() {
		res := e.cfg.Batches.Run(e.ctx, names, group, opts)
		e.log.Debug("engine: list check finished", "group", group, "total", res.Total, "measured", res.Measured, "errored", res.Errored)
	})
}

// GlobalTestOptions select what a global test covers.
type GlobalTestOptions struct {
	Timeout         time.Duration
	ConcurrencyHint int

	// Groups limits the test to the named groups; empty means all.
	Groups []string
}

// StartGlobalTest lists every group from the node source, opens a session,
// and probes the groups one after another in the background. It fails with
// session.ErrAlreadyRunning while another test is active.
func (e *Engine) StartGlobalTest(opts GlobalTestOptions) (string, error) {
	if e.closed() {
		return "", ErrClosed
	}
	if e.cfg.Sessions.Snapshot().Running() {
		return "", session.ErrAlreadyRunning
	}

	listCtx, cancel := context.WithTimeout(e.ctx, e.cfg.ListTimeout)
	groups, err := e.cfg.Nodes.Groups(listCtx)
	cancel()
	if err != nil {
		return "", fmt.Errorf("engine: failed to list groups: %w", err)
	}
	groups = filterGroups(groups, opts.Groups)

	plan := make([]core.Group, 0, len(groups))
	var keys []cache.Key
	for _, g := range groups {
		nodes := scheduler.Dedupe(g.Nodes)
		if len(nodes) == 0 {
			continue
		}
		plan = append(plan, core.Group{Name: g.Name, Type: g.Type, Nodes: nodes})
		for _, n := range nodes {
			keys = append(keys, cache.Key{Name: n, Group: g.Name})
		}
	}
	if len(keys) == 0 {
		return "", ErrNoNodes
	}
	e.setKnown(keys)

	ticket, err := e.cfg.Sessions.Start(len(keys))
	if err != nil {
		return "", err
	}

	runOpts := scheduler.Options{
		Timeout:         e.timeout(opts.Timeout),
		ConcurrencyHint: e.hint(opts.ConcurrencyHint),
		Cancelled:       ticket.Cancelled,
		OnItem:          func(cache.Key, delay.Delay) { e.cfg.Sessions.Progress(ticket, 1) },
	}

	if err := e.spawn(func() { e.runGlobalTest(ticket, plan, runOpts) }); err != nil {
		e.cfg.Sessions.Finish(ticket, err)
		return "", err
	}
	return ticket.ID(), nil
}

func (e *Engine) runGlobalTest(ticket *session.Ticket, plan []core.Group, opts scheduler.Options) {
	var runErr error
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("engine: global test panicked", "id", ticket.ID(), "panic", r)
			runErr = fmt.Errorf("panic: %v", r)
		}
		e.cfg.Sessions.Finish(ticket, runErr)
	}()

	var total scheduler.Result
	for _, g := range plan {
		if ticket.Cancelled() {
			break
		}
		if err := e.ctx.Err(); err != nil {
			runErr = err
			break
		}
		res := e.cfg.Batches.Run(e.ctx, g.Nodes, g.Name, opts)
		total.Add(res)
		e.log.Debug("engine: global test group finished", "id", ticket.ID(), "group", g.Name, "measured", res.Measured, "errored", res.Errored, "cancelled", res.Cancelled)
	}
	e.log.Info("engine: global test run returned", "id", ticket.ID(), "groups", len(plan), "measured", total.Measured, "errored", total.Errored)
}

func filterGroups(groups []core.Group, only []string) []core.Group {
	if len(only) == 0 {
		return groups
	}
	return slices.DeleteFunc(slices.Clone(groups), func(g core.Group) bool {
		return !slices.Contains(only, g.Name)
	})
}

// CancelGlobalTest asks the running test to stop claiming new nodes.
func (e *Engine) CancelGlobalTest() error {
	return e.cfg.Sessions.RequestCancel()
}

// ForceCancelFrozenTest resets the global test without waiting for it.
func (e *Engine) ForceCancelFrozenTest() bool {
	return e.cfg.Watchdog.ForceCancelFrozenTest()
}

// Health is a read-only view of the global test and the cache.
type Health struct {
	Session session.Snapshot  `json:"session"`
	Freeze  watchdog.Status   `json:"freeze"`
	Nodes   cache.Stats       `json:"nodes"`
	Entries int               `json:"cache_entries"`
	URLs    map[string]string `json:"group_urls"`
}

func (e *Engine) HealthReport() Health {
	return Health{
		Session: e.cfg.Sessions.Snapshot(),
		Freeze:  e.cfg.Watchdog.Check(),
		Nodes:   e.cfg.Cache.Stats(e.knownKeys()),
		Entries: e.cfg.Cache.Len(),
		URLs:    e.cfg.Cache.URLs(),
	}
}

func (e *Engine) setKnown(keys []cache.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.known = keys
}

// knownKeys returns the nodes of the last global test listing, or nil so that
// stats fall back to every stored entry.
func (e *Engine) knownKeys() []cache.Key {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.known
}

func (e *Engine) Delay(name, group string) delay.Delay {
	return e.cfg.Cache.Get(cache.Key{Name: name, Group: group})
}

func (e *Engine) OnDelay(name, group string, fn cache.DelayListener) func() {
	return e.cfg.Cache.OnDelay(cache.Key{Name: name, Group: group}, fn)
}

func (e *Engine) OnGroupSettled(group string, fn cache.GroupListener) func() {
	return e.cfg.Cache.OnGroupSettled(group, fn)
}

func (e *Engine) OnGroupProgress(group string, fn cache.ProgressListener) func() {
	return e.cfg.Cache.OnGroupProgress(group, fn)
}

// SetGroupURL sets the probe URL for group; an empty URL reverts to the default.
func (e *Engine) SetGroupURL(group, rawURL string) error {
	if group == "" {
		return fmt.Errorf("%w: group is required", ErrInvalidRequest)
	}
	if rawURL == "" {
		e.cfg.Cache.ResetURL(group)
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) url", ErrInvalidRequest)
	}
	e.cfg.Cache.SetURL(group, rawURL)
	return nil
}

func (e *Engine) GroupURL(group string) string {
	return e.cfg.Cache.URL(group)
}
