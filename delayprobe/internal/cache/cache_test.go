package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/delayprobe/config"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/delay"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, clk clockwork.Clock) *Cache {
	t.Helper()
	c, err := New(&Config{
		Logger: logger.With("test", t.Name()),
		Clock:  clk,
	})
	require.NoError(t, err)
	return c
}

func TestCache_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	require.Error(t, cfg.Validate())

	cfg.Logger = logger
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.Clock)
	require.Equal(t, config.DefaultCacheTTL, cfg.TTL)
	require.Equal(t, config.DefaultTestURL, cfg.DefaultURL)

	cfg.TTL = -time.Second
	require.Error(t, cfg.Validate())

	cfg = &Config{Logger: logger, DefaultURL: "::nope"}
	require.Error(t, cfg.Validate())
}

func TestCache_GetMissingIsAbsent(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, clockwork.NewFakeClock())
	require.True(t, c.Get(Key{Name: "US-1", Group: "Proxy"}).IsAbsent())
	_, ok := c.RecordedAt(Key{Name: "US-1", Group: "Proxy"})
	require.False(t, ok)
}

func TestCache_SetGet_KeyedByGroup(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, clockwork.NewFakeClock())
	a := Key{Name: "US-1", Group: "A"}
	b := Key{Name: "US-1", Group: "B"}

	c.Set(a, delay.Measured(120))
	require.Equal(t, delay.Measured(120), c.Get(a))
	require.True(t, c.Get(b).IsAbsent())

	c.Set(b, delay.Errored())
	require.Equal(t, delay.Measured(120), c.Get(a))
	require.True(t, c.Get(b).IsErrored())

	c.Set(a, delay.Measured(80))
	require.Equal(t, delay.Measured(80), c.Get(a))
}

func TestCache_Staleness(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	c := newTestCache(t, clk)
	k := Key{Name: "JP-2", Group: "Proxy"}

	c.Set(k, delay.Measured(210))
	at, ok := c.RecordedAt(k)
	require.True(t, ok)
	require.Equal(t, clk.Now(), at)

	clk.Advance(29 * time.Minute)
	require.Equal(t, delay.Measured(210), c.Get(k))

	clk.Advance(2 * time.Minute)
	require.True(t, c.Get(k).IsAbsent())
	// The slot is still stored until overwritten or evicted.
	require.Equal(t, 1, c.Len())

	c.Set(k, delay.Measured(190))
	require.Equal(t, delay.Measured(190), c.Get(k))
}

func TestCache_MarkTestingAndRestore(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	c := newTestCache(t, clk)
	k := Key{Name: "HK-1", Group: "Proxy"}
	owner := c.NewMarkOwner()

	c.Set(k, delay.Measured(55))
	c.MarkTestingFor(k, owner)
	require.True(t, c.Get(k).IsTesting())

	// A second mark keeps the original value to restore.
	c.MarkTestingFor(k, owner)
	require.True(t, c.Restore(k, owner))
	require.Equal(t, delay.Measured(55), c.Get(k))

	// Nothing to restore once the value is terminal.
	require.False(t, c.Restore(k, owner))

	c.MarkTestingFor(k, owner)
	c.Set(k, delay.Measured(60))
	require.False(t, c.Restore(k, owner))
	require.Equal(t, delay.Measured(60), c.Get(k))
}

func TestCache_Restore_OnlyByMarkingOwner(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, clockwork.NewFakeClock())
	k := Key{Name: "HK-2", Group: "Proxy"}
	stale, current := c.NewMarkOwner(), c.NewMarkOwner()
	require.NotEqual(t, stale, current)

	c.Set(k, delay.Measured(30))
	c.MarkTestingFor(k, stale)
	c.MarkTestingFor(k, current)

	// The earlier owner lost the key to the newer mark.
	require.False(t, c.Restore(k, stale))
	require.True(t, c.Get(k).IsTesting())

	require.True(t, c.Restore(k, current))
	require.Equal(t, delay.Measured(30), c.Get(k))

	// Probe marks have no owner and are never restored.
	c.MarkTesting(k)
	require.False(t, c.Restore(k, current))
	require.False(t, c.Restore(k, 0))
	require.True(t, c.Get(k).IsTesting())
}

func TestCache_Restore_WithoutPreviousBecomesAbsent(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, clockwork.NewFakeClock())
	k := Key{Name: "SG-1", Group: "Proxy"}
	owner := c.NewMarkOwner()

	c.MarkTestingFor(k, owner)
	require.True(t, c.Restore(k, owner))
	require.True(t, c.Get(k).IsAbsent())
}

func TestCache_Restore_ExpiredPreviousBecomesAbsent(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	c := newTestCache(t, clk)
	k := Key{Name: "SG-1", Group: "Proxy"}
	owner := c.NewMarkOwner()

	c.Set(k, delay.Measured(40))
	clk.Advance(29 * time.Minute)
	c.MarkTestingFor(k, owner)
	clk.Advance(2 * time.Minute)
	require.True(t, c.Restore(k, owner))
	require.True(t, c.Get(k).IsAbsent())
}

func TestCache_URLs(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, clockwork.NewFakeClock())
	require.Equal(t, config.DefaultTestURL, c.URL("groupA"))
	require.Equal(t, config.DefaultTestURL, c.DefaultURL())

	c.SetURL("groupA", "https://cp.cloudflare.com/generate_204")
	require.Equal(t, "https://cp.cloudflare.com/generate_204", c.URL("groupA"))
	require.Equal(t, config.DefaultTestURL, c.URL("groupB"))
	require.Equal(t, map[string]string{"groupA": "https://cp.cloudflare.com/generate_204"}, c.URLs())

	c.ResetURL("groupA")
	require.Equal(t, config.DefaultTestURL, c.URL("groupA"))

	c.SetURL("groupB", "https://example.com/204")
	c.SetURL("groupB", "")
	require.Empty(t, c.URLs())
}

func TestCache_DelayListeners(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, clockwork.NewFakeClock())
	k := Key{Name: "US-1", Group: "A"}
	other := Key{Name: "US-1", Group: "B"}

	var mu sync.Mutex
	var got []delay.Delay
	unsubscribe := c.OnDelay(k, func(key Key, d delay.Delay) {
		require.Equal(t, k, key)
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
	})

	c.MarkTesting(k)
	c.Set(k, delay.Measured(99))
	c.Set(other, delay.Measured(1))

	mu.Lock()
	require.Equal(t, []delay.Delay{delay.Testing(), delay.Measured(99)}, got)
	mu.Unlock()

	unsubscribe()
	c.Set(k, delay.Measured(100))
	mu.Lock()
	require.Len(t, got, 2)
	mu.Unlock()
}

func TestCache_Listeners_UnsubscribeReleasesRegistry(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, clockwork.NewFakeClock())

	for i := range 1000 {
		k := Key{Name: fmt.Sprintf("n%d", i), Group: "A"}
		c.OnDelay(k, func(Key, delay.Delay) {})()
	}
	require.Zero(t, c.delayListeners.Size())

	unsubSettled := c.OnGroupSettled("A", func(string) {})
	unsubProgress := c.OnGroupProgress("A", func(string, int, int) {})
	unsubSettled()
	unsubSettled()
	unsubProgress()
	require.Zero(t, c.settledListeners.Size())
	require.Zero(t, c.progressListeners.Size())

	// A remaining listener keeps the set; the second unsubscribe drops it.
	k := Key{Name: "n0", Group: "A"}
	var calls atomic.Int32
	first := c.OnDelay(k, func(Key, delay.Delay) { calls.Add(1) })
	second := c.OnDelay(k, func(Key, delay.Delay) { calls.Add(1) })
	first()
	require.Equal(t, 1, c.delayListeners.Size())
	c.Set(k, delay.Measured(5))
	require.EqualValues(t, 1, calls.Load())
	second()
	require.Zero(t, c.delayListeners.Size())
}

func TestCache_Listeners_ConcurrentSubscribe(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, clockwork.NewFakeClock())
	k := Key{Name: "n", Group: "A"}

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				c.OnDelay(k, func(Key, delay.Delay) {})()
			}
		}()
	}

	var calls atomic.Int32
	keep := c.OnDelay(k, func(Key, delay.Delay) { calls.Add(1) })
	wg.Wait()

	c.Set(k, delay.Measured(1))
	require.EqualValues(t, 1, calls.Load())
	keep()
	require.Zero(t, c.delayListeners.Size())
}

func TestCache_GroupListeners(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, clockwork.NewFakeClock())

	var settled atomic.Int32
	unsubscribe := c.OnGroupSettled("A", func(group string) {
		require.Equal(t, "A", group)
		settled.Add(1)
	})
	var lastDone, lastTotal atomic.Int32
	c.OnGroupProgress("A", func(group string, done, total int) {
		lastDone.Store(int32(done))
		lastTotal.Store(int32(total))
	})

	c.NotifyGroupSettled("A")
	c.NotifyGroupSettled("B")
	c.NotifyGroupProgress("A", 3, 10)
	require.Equal(t, int32(1), settled.Load())
	require.Equal(t, int32(3), lastDone.Load())
	require.Equal(t, int32(10), lastTotal.Load())

	unsubscribe()
	c.NotifyGroupSettled("A")
	require.Equal(t, int32(1), settled.Load())
}

func TestCache_ListenerPanicIsRecovered(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, clockwork.NewFakeClock())
	k := Key{Name: "US-1", Group: "A"}

	var called atomic.Bool
	c.OnDelay(k, func(Key, delay.Delay) { panic("boom") })
	c.OnGroupSettled("A", func(string) { panic("boom") })
	c.OnGroupSettled("A", func(string) { called.Store(true) })

	require.NotPanics(t, func() { c.Set(k, delay.Measured(5)) })
	require.NotPanics(t, func() { c.NotifyGroupSettled("A") })
	require.True(t, called.Load())
	require.Equal(t, delay.Measured(5), c.Get(k))
}

func TestCache_Stats(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	c := newTestCache(t, clk)

	keys := []Key{
		{Name: "a", Group: "G"},
		{Name: "b", Group: "G"},
		{Name: "c", Group: "G"},
		{Name: "d", Group: "G"},
		{Name: "e", Group: "G"},
	}
	c.Set(keys[0], delay.Measured(10))
	c.Set(keys[1], delay.Errored())
	c.MarkTesting(keys[2])
	c.Set(keys[3], delay.Measured(20))

	s := c.Stats(keys)
	require.Equal(t, Stats{Absent: 1, Testing: 1, Measured: 2, Errored: 1}, s)
	require.Equal(t, 5, s.Total())

	all := c.Stats(nil)
	require.Equal(t, Stats{Testing: 1, Measured: 2, Errored: 1}, all)

	clk.Advance(31 * time.Minute)
	require.Equal(t, Stats{Absent: 5}, c.Stats(keys))
}

func TestCache_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, clockwork.NewRealClock())
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := Key{Name: "n", Group: "G"}
			owner := c.NewMarkOwner()
			for j := range 200 {
				switch j % 4 {
				case 0:
					c.MarkTestingFor(k, owner)
				case 1:
					c.Set(k, delay.Measured(int64(i)))
				case 2:
					_ = c.Get(k)
				case 3:
					c.Restore(k, owner)
				}
			}
			c.SetURL("G", "https://example.com/204")
			_ = c.URL("G")
		}(i)
	}
	wg.Wait()

	c.Set(Key{Name: "n", Group: "G"}, delay.Measured(1))
	require.Equal(t, delay.Measured(1), c.Get(Key{Name: "n", Group: "G"}))
}
