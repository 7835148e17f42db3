package volume

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/neighborly/internal/conflict"
	"github.com/petervdpas/neighborly/internal/notify"
	"github.com/petervdpas/neighborly/internal/session"
)

type recordedCommits struct {
	mu  sync.Mutex
	got []Pending
}

func (r *recordedCommits) add(p Pending) {
	r.mu.Lock()
	r.got = append(r.got, p)
	r.mu.Unlock()
}

func (r *recordedCommits) list() []Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Pending(nil), r.got...)
}

func newTestScheduler(t *testing.T) (*Scheduler, *clock.Mock, *recordedCommits, string) {
	t.Helper()
	clk := clock.NewMock()
	reg := session.NewRegistry(session.Options{Clock: clk})
	st, err := reg.Create("owner", "tok", 50)
	require.NoError(t, err)

	rec := &recordedCommits{}
	s := NewScheduler(clk, conflict.NewTracker(clk), notify.NewBus(clk), reg, nil, rec.add)
	t.Cleanup(s.Stop)
	return s, clk, rec, st.ID
}

func TestStaleTimerIsNoop(t *testing.T) {
	s, _, rec, id := newTestScheduler(t)

	first, err := s.Schedule(id, "alice", 10)
	require.NoError(t, err)
	_, err = s.Schedule(id, "alice", 20)
	require.NoError(t, err)

	s.mu.Lock()
	sl := s.slots[id]
	s.mu.Unlock()

	// a timer that raced past Stop still carries the old generation
	s.fire(id, sl, first.generation)
	require.Empty(t, rec.list())

	p, ok := s.Pending(id)
	require.True(t, ok)
	require.Equal(t, 20, p.ResolvedVolume)
}

func TestTimerHandsOffOnce(t *testing.T) {
	s, clk, rec, id := newTestScheduler(t)

	p, err := s.Schedule(id, "alice", 10)
	require.NoError(t, err)
	require.Equal(t, p.CreatedAt.Add(Debounce), p.ApplyAt())

	clk.Add(Debounce)
	require.Eventually(t, func() bool { return len(rec.list()) == 1 }, time.Second, 5*time.Millisecond)

	// firing again after hand-off finds an empty slot
	s.mu.Lock()
	sl := s.slots[id]
	s.mu.Unlock()
	s.fire(id, sl, p.generation)
	require.Len(t, rec.list(), 1)
	require.Equal(t, p.ID, rec.list()[0].ID)
}

func TestPanicInCommitIsRecovered(t *testing.T) {
	clk := clock.NewMock()
	reg := session.NewRegistry(session.Options{Clock: clk})
	st, _ := reg.Create("owner", "tok", 50)

	done := make(chan struct{})
	s := NewScheduler(clk, conflict.NewTracker(clk), notify.NewBus(clk), reg, nil, func(Pending) {
		defer close(done)
		panic("boom")
	})
	defer s.Stop()

	_, err := s.Schedule(st.ID, "alice", 10)
	require.NoError(t, err)
	clk.Add(Debounce)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("commit never ran")
	}
}

func TestScheduleAfterStop(t *testing.T) {
	s, _, _, id := newTestScheduler(t)
	s.Stop()
	_, err := s.Schedule(id, "alice", 10)
	require.ErrorIs(t, err, ErrStopped)
}
