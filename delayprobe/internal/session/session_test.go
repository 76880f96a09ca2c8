package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClock()
	m, err := New(&Config{Logger: logger, Clock: clk})
	require.NoError(t, err)
	return m, clk
}

func TestSession_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := New(&Config{})
	require.Error(t, err)

	cfg := &Config{Logger: logger}
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.Clock)
}

func TestSession_StartsIdle(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	snap := m.Snapshot()
	require.Equal(t, StateIdle, snap.State)
	require.False(t, snap.Running())
	_, ok := m.Current()
	require.False(t, ok)
}

func TestSession_Start_IsMutuallyExclusive(t *testing.T) {
	t.Parallel()

	m, clk := newTestManager(t)
	t1, err := m.Start(10)
	require.NoError(t, err)
	require.NotEmpty(t, t1.ID())
	require.EqualValues(t, 1, t1.Generation())

	_, err = m.Start(5)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	snap := m.Snapshot()
	want := Snapshot{
		ID:             t1.ID(),
		State:          StateRunning,
		Generation:     1,
		StartedAt:      clk.Now(),
		LastProgressAt: clk.Now(),
		Total:          10,
	}
	if diff := cmp.Diff(want, snap); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_Start_ConcurrentCallersGetOneTicket(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var started, rejected int
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Start(1)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				started++
			} else if errors.Is(err, ErrAlreadyRunning) {
				rejected++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, started)
	require.Equal(t, 49, rejected)
}

func TestSession_Progress_ClampsToTotal(t *testing.T) {
	t.Parallel()

	m, clk := newTestManager(t)
	tk, err := m.Start(3)
	require.NoError(t, err)

	clk.Advance(time.Second)
	require.True(t, m.Progress(tk, 2))
	require.Equal(t, 2, m.Snapshot().Completed)
	require.Equal(t, clk.Now(), m.Snapshot().LastProgressAt)

	require.True(t, m.Progress(tk, 5))
	require.Equal(t, 3, m.Snapshot().Completed)

	require.False(t, m.Progress(tk, 0))
	require.False(t, m.Progress(nil, 1))
}

func TestSession_Finish_Outcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		progress int
		cancel   bool
		err      error
		want     Outcome
	}{
		{"completed", 4, false, nil, OutcomeCompleted},
		{"cancelled", 1, true, nil, OutcomeCancelled},
		{"cancel wins over error", 1, true, errors.New("boom"), OutcomeCancelled},
		{"failed with error", 4, false, errors.New("core unavailable"), OutcomeFailed},
		{"ended short", 2, false, nil, OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, _ := newTestManager(t)
			tk, err := m.Start(4)
			require.NoError(t, err)
			m.Progress(tk, tt.progress)
			if tt.cancel {
				require.NoError(t, m.RequestCancel())
				require.True(t, tk.Cancelled())
			}

			require.Equal(t, tt.want, m.Finish(tk, tt.err))
			snap := m.Snapshot()
			require.Equal(t, StateIdle, snap.State)
			require.Equal(t, tt.want, snap.LastOutcome)

			require.Equal(t, OutcomeNone, m.Finish(tk, nil))
		})
	}
}

func TestSession_RequestCancel_WhenIdle(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	require.ErrorIs(t, m.RequestCancel(), ErrNotRunning)
}

func TestSession_ForceReset_AbandonsWorkers(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	require.False(t, m.ForceReset())

	old, err := m.Start(100)
	require.NoError(t, err)
	require.True(t, m.Progress(old, 10))

	require.True(t, m.ForceReset())
	require.True(t, old.Cancelled())
	snap := m.Snapshot()
	require.Equal(t, StateIdle, snap.State)
	require.Equal(t, OutcomeForcedReset, snap.LastOutcome)

	next, err := m.Start(5)
	require.NoError(t, err)
	require.EqualValues(t, 2, next.Generation())

	// Late progress and completion from the abandoned run are ignored.
	require.False(t, m.Progress(old, 50))
	require.Equal(t, OutcomeNone, m.Finish(old, nil))
	snap = m.Snapshot()
	require.Equal(t, StateRunning, snap.State)
	require.Equal(t, next.ID(), snap.ID)
	require.Zero(t, snap.Completed)
	require.Equal(t, OutcomeForcedReset, snap.LastOutcome)
}
