package cache

import (
	"sync"

	"github.com/malbeclabs/delayprobe/delayprobe/internal/delay"
	"github.com/puzpuzpuz/xsync/v4"
)

// DelayListener is called after every write to a key.
type DelayListener func(key Key, d delay.Delay)

// GroupListener is called when a batch for a group settles.
type GroupListener func(group string)

// ProgressListener receives throttled progress for a group batch.
type ProgressListener func(group string, done, total int)

// listenerSet is a registry of callbacks addressable by id for unsubscription.
type listenerSet[F any] struct {
	mu   sync.RWMutex
	next uint64
	fns  map[uint64]F
}

func newListenerSet[F any]() *listenerSet[F] {
	return &listenerSet[F]{fns: make(map[uint64]F)}
}

func (s *listenerSet[F]) add(fn F) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.fns[s.next] = fn
	return s.next
}

func (s *listenerSet[F]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fns, id)
}

func (s *listenerSet[F]) snapshot() []F {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]F, 0, len(s.fns))
	for _, fn := range s.fns {
		out = append(out, fn)
	}
	return out
}

func (s *listenerSet[F]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fns)
}

// subscribe adds fn to the set for key. Adds and removals for one key are
// serialized through Compute, and the set is dropped from the registry once
// its last listener unsubscribes.
func subscribe[K comparable, F any](m *xsync.Map[K, *listenerSet[F]], key K, fn F) func() {
	var id uint64
	m.Compute(key, func(set *listenerSet[F], loaded bool) (*listenerSet[F], xsync.ComputeOp) {
		if !loaded {
			set = newListenerSet[F]()
		}
		id = set.add(fn)
		return set, xsync.UpdateOp
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.Compute(key, func(set *listenerSet[F], loaded bool) (*listenerSet[F], xsync.ComputeOp) {
				if !loaded {
					return set, xsync.CancelOp
				}
				set.remove(id)
				if set.len() == 0 {
					return set, xsync.DeleteOp
				}
				return set, xsync.UpdateOp
			})
		})
	}
}
