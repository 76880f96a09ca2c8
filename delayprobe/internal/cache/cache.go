// Package cache stores the last known delay per (node, group) with time-based
// staleness, per-group probe URLs, and two tiers of change listeners.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/delay"
	"github.com/puzpuzpuz/xsync/v4"
)

// Key identifies a node. Names are unique within a group only.
type Key struct {
	Name  string
	Group string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Group, k.Name)
}

type entry struct {
	delay      delay.Delay
	recordedAt time.Time

	// previous is what MarkTesting replaced, so Restore can put it back.
	previous   delay.Delay
	previousAt time.Time

	// owner is the run that placed the testing mark; 0 for probe marks.
	owner MarkOwner
}

// MarkOwner identifies the run that pre-marked keys as testing. Only the same
// owner may restore them, so a run abandoned by a forced reset cannot revert
// marks placed by its successor.
type MarkOwner uint64

// Cache is safe for concurrent use. Writes are last-writer-wins; callers are
// expected not to probe the same key concurrently.
type Cache struct {
	log *slog.Logger
	cfg *Config

	// writeMu makes MarkTesting/Restore read-modify-write atomic with respect to Set.
	writeMu sync.Mutex
	entries *ttlcache.Cache[Key, entry]
	owners  atomic.Uint64

	urls *xsync.Map[string, string]

	delayListeners    *xsync.Map[Key, *listenerSet[DelayListener]]
	settledListeners  *xsync.Map[string, *listenerSet[GroupListener]]
	progressListeners *xsync.Map[string, *listenerSet[ProgressListener]]
}

func New(cfg *Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("cache: invalid config: %w", err)
	}
	opts := []ttlcache.Option[Key, entry]{
		ttlcache.WithTTL[Key, entry](cfg.TTL),
		ttlcache.WithDisableTouchOnHit[Key, entry](),
	}
	if cfg.Capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[Key, entry](cfg.Capacity))
	}
	return &Cache{
		log: cfg.Logger,
		cfg: cfg,

		entries: ttlcache.New(opts...),
		urls:    xsync.NewMap[string, string](),

		delayListeners:    xsync.NewMap[Key, *listenerSet[DelayListener]](),
		settledListeners:  xsync.NewMap[string, *listenerSet[GroupListener]](),
		progressListeners: xsync.NewMap[string, *listenerSet[ProgressListener]](),
	}, nil
}

// Run evicts expired entries in the background until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	go c.entries.Start()
	<-ctx.Done()
	c.entries.Stop()
	return nil
}

// Get returns the stored delay, or Absent when missing or older than the TTL.
func (c *Cache) Get(key Key) delay.Delay {
	e, ok := c.load(key)
	if !ok {
		return delay.Absent()
	}
	return e.delay
}

// RecordedAt returns when the current fresh value was written.
func (c *Cache) RecordedAt(key Key) (time.Time, bool) {
	e, ok := c.load(key)
	if !ok {
		return time.Time{}, false
	}
	return e.recordedAt, true
}

func (c *Cache) load(key Key) (entry, bool) {
	item := c.entries.Get(key)
	if item == nil {
		return entry{}, false
	}
	e := item.Value()
	if c.stale(e.recordedAt) {
		return entry{}, false
	}
	return e, true
}

func (c *Cache) stale(at time.Time) bool {
	return c.cfg.Clock.Since(at) > c.cfg.TTL
}

// Set overwrites the value for key and notifies its listeners.
func (c *Cache) Set(key Key, d delay.Delay) {
	c.writeMu.Lock()
	c.entries.Set(key, entry{delay: d, recordedAt: c.cfg.Clock.Now()}, ttlcache.DefaultTTL)
	c.writeMu.Unlock()

	c.fireDelay(key, d)
}

// NewMarkOwner returns an owner id no other run holds.
func (c *Cache) NewMarkOwner() MarkOwner {
	return MarkOwner(c.owners.Add(1))
}

// MarkTesting stores the in-progress sentinel, remembering the current value.
func (c *Cache) MarkTesting(key Key) {
	c.MarkTestingFor(key, 0)
}

// MarkTestingFor is MarkTesting on behalf of owner, which may later Restore
// the key. A newer mark takes the key over from an earlier owner.
func (c *Cache) MarkTestingFor(key Key, owner MarkOwner) {
	c.writeMu.Lock()
	prev, _ := c.load(key)
	if prev.delay.IsTesting() {
		// Keep the value from before the first mark.
		prev.delay, prev.recordedAt = prev.previous, prev.previousAt
	}
	c.entries.Set(key, entry{
		delay:      delay.Testing(),
		recordedAt: c.cfg.Clock.Now(),
		previous:   prev.delay,
		previousAt: prev.recordedAt,
		owner:      owner,
	}, ttlcache.DefaultTTL)
	c.writeMu.Unlock()

	c.fireDelay(key, delay.Testing())
}

// Restore reverts a key still marked testing by owner to its value from
// before the mark. It reports whether anything changed; marks held by another
// owner, or by a probe, are left alone.
func (c *Cache) Restore(key Key, owner MarkOwner) bool {
	c.writeMu.Lock()
	cur, ok := c.load(key)
	if !ok || !cur.delay.IsTesting() || owner == 0 || cur.owner != owner {
		c.writeMu.Unlock()
		return false
	}
	restored := cur.previous
	remaining := c.cfg.TTL - c.cfg.Clock.Since(cur.previousAt)
	if restored.IsAbsent() || cur.previousAt.IsZero() || remaining <= 0 {
		restored = delay.Absent()
		c.entries.Delete(key)
	} else {
		c.entries.Set(key, entry{delay: restored, recordedAt: cur.previousAt}, remaining)
	}
	c.writeMu.Unlock()

	c.fireDelay(key, restored)
	return true
}

// URL returns the probe URL for group.
func (c *Cache) URL(group string) string {
	if u, ok := c.urls.Load(group); ok {
		return u
	}
	return c.cfg.DefaultURL
}

// SetURL sets the probe URL for group. An empty url resets it to the default.
func (c *Cache) SetURL(group, url string) {
	if url == "" {
		c.urls.Delete(group)
		return
	}
	c.urls.Store(group, url)
}

// ResetURL reverts group to the default probe URL.
func (c *Cache) ResetURL(group string) {
	c.urls.Delete(group)
}

// URLs returns the explicit per-group overrides.
func (c *Cache) URLs() map[string]string {
	out := make(map[string]string, c.urls.Size())
	c.urls.Range(func(group, url string) bool {
		out[group] = url
		return true
	})
	return out
}

func (c *Cache) DefaultURL() string { return c.cfg.DefaultURL }

// Len returns the number of stored slots, including stale ones not yet evicted.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Stats counts the given keys by delay kind. With nil keys every stored slot is counted.
type Stats struct {
	Absent   int `json:"never_tested"`
	Testing  int `json:"testing"`
	Measured int `json:"measured"`
	Errored  int `json:"errored"`
}

func (s Stats) Total() int { return s.Absent + s.Testing + s.Measured + s.Errored }

func (c *Cache) Stats(keys []Key) Stats {
	if keys == nil {
		items := c.entries.Items()
		keys = make([]Key, 0, len(items))
		for k := range items {
			keys = append(keys, k)
		}
	}
	var s Stats
	for _, k := range keys {
		switch c.Get(k).Kind() {
		case delay.KindTesting:
			s.Testing++
		case delay.KindMeasured:
			s.Measured++
		case delay.KindErrored:
			s.Errored++
		default:
			s.Absent++
		}
	}
	return s
}

// OnDelay registers fn for every write to key. The returned func unsubscribes.
func (c *Cache) OnDelay(key Key, fn DelayListener) func() {
	return subscribe(c.delayListeners, key, fn)
}

// OnGroupSettled registers fn for batch completions of group.
func (c *Cache) OnGroupSettled(group string, fn GroupListener) func() {
	return subscribe(c.settledListeners, group, fn)
}

// OnGroupProgress registers fn for throttled progress of group batches.
func (c *Cache) OnGroupProgress(group string, fn ProgressListener) func() {
	return subscribe(c.progressListeners, group, fn)
}

// NotifyGroupSettled fires the settled listeners of group.
func (c *Cache) NotifyGroupSettled(group string) {
	set, ok := c.settledListeners.Load(group)
	if !ok {
		return
	}
	for _, fn := range set.snapshot() {
		c.safeCall("group settled", func() { fn(group) })
	}
}

// NotifyGroupProgress fires the progress listeners of group.
func (c *Cache) NotifyGroupProgress(group string, done, total int) {
	set, ok := c.progressListeners.Load(group)
	if !ok {
		return
	}
	for _, fn := range set.snapshot() {
		c.safeCall("group progress", func() { fn(group, done, total) })
	}
}

func (c *Cache) fireDelay(key Key, d delay.Delay) {
	set, ok := c.delayListeners.Load(key)
	if !ok || set.len() == 0 {
		return
	}
	for _, fn := range set.snapshot() {
		c.safeCall("delay", func() { fn(key, d) })
	}
}

func (c *Cache) safeCall(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("cache: listener panicked", "listener", kind, "panic", r)
		}
	}()
	fn()
}
