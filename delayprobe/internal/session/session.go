// Package session tracks the single global "test all nodes" run: whether one
// is active, its progress, and how the last one ended.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/metrics"
)

var (
	ErrAlreadyRunning = errors.New("global test already running")
	ErrNotRunning     = errors.New("no global test running")
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

type Outcome string

const (
	OutcomeNone        Outcome = ""
	OutcomeCompleted   Outcome = "completed"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeForcedReset Outcome = "forced_reset"
	OutcomeFailed      Outcome = "failed"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Ticket is held by the workers of one session. It outlives the session: after
// a forced reset the abandoned workers keep their ticket, see it cancelled, and
// have their progress ignored.
type Ticket struct {
	id        string
	gen       uint64
	total     int
	cancelled atomic.Bool
}

func (t *Ticket) ID() string { return t.id }

func (t *Ticket) Generation() uint64 { return t.gen }

func (t *Ticket) Total() int { return t.total }

// Cancelled reports whether workers should stop claiming new work.
func (t *Ticket) Cancelled() bool { return t.cancelled.Load() }

// Snapshot is a point-in-time copy of the session state.
type Snapshot struct {
	ID              string    `json:"id,omitempty"`
	State           State     `json:"state"`
	Generation      uint64    `json:"generation"`
	CancelRequested bool      `json:"cancel_requested"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	LastProgressAt  time.Time `json:"last_progress_at,omitzero"`
	Completed       int       `json:"completed"`
	Total           int       `json:"total"`
	LastOutcome     Outcome   `json:"last_outcome,omitempty"`
	LastFinishedAt  time.Time `json:"last_finished_at,omitzero"`
}

func (s Snapshot) Running() bool { return s.State == StateRunning }

type Manager struct {
	log *slog.Logger
	cfg *Config

	mu      sync.RWMutex
	current *Ticket
	gen     uint64
	snap    Snapshot
}

func New(cfg *Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session: invalid config: %w", err)
	}
	return &Manager{log: cfg.Logger, cfg: cfg, snap: Snapshot{State: StateIdle}}, nil
}

// Start begins a session over total nodes. Only one session may be active.
func (m *Manager) Start(total int) (*Ticket, error) {
	if total < 0 {
		return nil, fmt.Errorf("session: total must not be negative: %d", total)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, ErrAlreadyRunning
	}
	m.gen++
	now := m.cfg.Clock.Now()
	t := &Ticket{id: uuid.NewString(), gen: m.gen, total: total}
	m.current = t
	m.snap = Snapshot{
		ID:             t.id,
		State:          StateRunning,
		Generation:     t.gen,
		StartedAt:      now,
		LastProgressAt: now,
		Total:          total,
		LastOutcome:    m.snap.LastOutcome,
		LastFinishedAt: m.snap.LastFinishedAt,
	}
	metrics.SessionProgress.WithLabelValues("completed").Set(0)
	metrics.SessionProgress.WithLabelValues("total").Set(float64(total))

	m.log.Info("session: global test started", "id", t.id, "generation", t.gen, "total", total)
	return t, nil
}

// Progress records n more completed nodes for t. Progress from a ticket that
// is no longer current is ignored and reported as false.
func (m *Manager) Progress(t *Ticket, n int) bool {
	if t == nil || n <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != t {
		return false
	}
	m.snap.Completed = min(m.snap.Completed+n, m.snap.Total)
	m.snap.LastProgressAt = m.cfg.Clock.Now()
	metrics.SessionProgress.WithLabelValues("completed").Set(float64(m.snap.Completed))
	return true
}

// RequestCancel asks the current session's workers to stop claiming work.
func (m *Manager) RequestCancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return ErrNotRunning
	}
	m.current.cancelled.Store(true)
	m.snap.CancelRequested = true
	m.log.Info("session: cancel requested", "id", m.current.id, "completed", m.snap.Completed, "total", m.snap.Total)
	return nil
}

// Finish ends the session held by t and returns its outcome. A ticket that is
// no longer current yields OutcomeNone and changes nothing.
func (m *Manager) Finish(t *Ticket, runErr error) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t == nil || m.current != t {
		return OutcomeNone
	}

	var outcome Outcome
	switch {
	case m.snap.CancelRequested:
		outcome = OutcomeCancelled
	case runErr != nil:
		outcome = OutcomeFailed
	case m.snap.Completed >= m.snap.Total:
		outcome = OutcomeCompleted
	default:
		outcome = OutcomeFailed
	}
	m.endLocked(outcome)

	attrs := []any{"id", t.id, "outcome", outcome, "completed", m.snap.Completed, "total", m.snap.Total}
	if runErr != nil {
		attrs = append(attrs, "error", runErr)
	}
	m.log.Info("session: global test finished", attrs...)
	return outcome
}

// ForceReset returns to idle immediately without waiting for workers. The
// abandoned ticket is flagged cancelled so its workers stop claiming work.
func (m *Manager) ForceReset() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return false
	}
	t := m.current
	t.cancelled.Store(true)
	m.endLocked(OutcomeForcedReset)
	m.log.Warn("session: global test force reset", "id", t.id, "completed", m.snap.Completed, "total", m.snap.Total)
	return true
}

func (m *Manager) endLocked(outcome Outcome) {
	m.current = nil
	m.snap.State = StateIdle
	m.snap.LastOutcome = outcome
	m.snap.LastFinishedAt = m.cfg.Clock.Now()
	metrics.SessionsTotal.WithLabelValues(string(outcome)).Inc()
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Current returns the active ticket, if any.
func (m *Manager) Current() (*Ticket, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.current != nil
}
