package volume

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/neighborly/internal/notify"
	"github.com/petervdpas/neighborly/internal/player"
	"github.com/petervdpas/neighborly/internal/session"
)

type harness struct {
	clk   *clock.Mock
	reg   *session.Registry
	lp    *player.Loopback
	bus   *notify.Bus
	coord *Coordinator
	id    string
}

const owner = "owner"

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	clk := clock.NewMock()
	lp := player.NewLoopback(nil)
	reg := session.NewRegistry(session.Options{Clock: clk, Player: lp})
	st, err := reg.Create(owner, "tok", 50)
	require.NoError(t, err)

	bus := notify.NewBus(clk)
	coord := New(Options{Clock: clk, Registry: reg, Bus: bus, CommitTimeout: timeout})
	t.Cleanup(coord.Stop)
	return &harness{clk: clk, reg: reg, lp: lp, bus: bus, coord: coord, id: st.ID}
}

func (h *harness) subscribe(t *testing.T, sessionID string) <-chan notify.Event {
	ch, cancel := h.bus.Subscribe(sessionID)
	t.Cleanup(cancel)
	return ch
}

func (h *harness) submit(t *testing.T, user string, v int) Ack {
	t.Helper()
	req := Request{SessionID: h.id, UserID: user, Volume: v}
	if user == owner {
		req.OwnerToken = "tok"
	}
	ack, err := h.coord.Submit(context.Background(), req)
	require.NoError(t, err)
	return ack
}

func nextEvent(t *testing.T, ch <-chan notify.Event) notify.Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return notify.Event{}
	}
}

func waitFor(t *testing.T, ch <-chan notify.Event, typ string) notify.Event {
	t.Helper()
	for {
		if e := nextEvent(t, ch); e.Payload.EventType() == typ {
			return e
		}
	}
}

func requireNoEvent(t *testing.T, ch <-chan notify.Event, typ string) {
	t.Helper()
	deadline := time.After(50 * time.Millisecond)
	for {
		select {
		case e := <-ch:
			require.NotEqual(t, typ, e.Payload.EventType(), "unexpected %s", typ)
		case <-deadline:
			return
		}
	}
}

func TestDebounceCollapsesToLastValue(t *testing.T) {
	h := newHarness(t, time.Second)
	ch := h.subscribe(t, h.id)

	h.submit(t, "alice", 10)
	h.clk.Add(100 * time.Millisecond)
	h.submit(t, "alice", 20)
	h.clk.Add(100 * time.Millisecond)
	ack := h.submit(t, "alice", 30)
	require.Equal(t, 2, ack.RemainingTokens)
	require.Equal(t, int64(300), ack.WillApplyInMs)

	h.clk.Add(Debounce)
	applied := waitFor(t, ch, notify.TypeVolumeApplied).Payload.(notify.VolumeApplied)
	require.Equal(t, 30, applied.Volume)
	require.Equal(t, "alice", applied.UserID)

	h.clk.Add(time.Second)
	requireNoEvent(t, ch, notify.TypeVolumeApplied)
	require.Equal(t, []int{30}, h.lp.Calls())

	st, err := h.reg.Get(h.id)
	require.NoError(t, err)
	require.Equal(t, 30, st.Volume)
	require.Equal(t, "alice", st.CurrentController)
}

func TestSupersededChangeNeverCommits(t *testing.T) {
	h := newHarness(t, time.Second)
	ch := h.subscribe(t, h.id)

	h.submit(t, "alice", 30)
	h.clk.Add(299 * time.Millisecond)
	h.submit(t, "alice", 70)
	h.clk.Add(299 * time.Millisecond)
	requireNoEvent(t, ch, notify.TypeVolumeApplied)

	h.clk.Add(time.Millisecond)
	applied := waitFor(t, ch, notify.TypeVolumeApplied).Payload.(notify.VolumeApplied)
	require.Equal(t, 70, applied.Volume)
	require.Equal(t, []int{70}, h.lp.Calls())
}

func TestConflictAveragesBetweenValues(t *testing.T) {
	h := newHarness(t, time.Second)
	ch := h.subscribe(t, h.id)

	ack := h.submit(t, "alice", 40)
	require.False(t, ack.IsConflictResolution)
	h.clk.Add(100 * time.Millisecond)
	ack = h.submit(t, "bob", 60)
	require.True(t, ack.IsConflictResolution)
	require.Greater(t, ack.ResolvedVolume, 40)
	require.Less(t, ack.ResolvedVolume, 60)

	var types []string
	for i := 0; i < 5; i++ {
		types = append(types, nextEvent(t, ch).Payload.EventType())
	}
	require.Equal(t, []string{
		notify.TypeControllerChanged, notify.TypeVolumePending,
		notify.TypeControllerChanged, notify.TypeConflictDetected, notify.TypeVolumePending,
	}, types)
}

func TestConflictEventCarriesUsersAndValues(t *testing.T) {
	h := newHarness(t, time.Second)
	ch := h.subscribe(t, h.id)

	h.submit(t, "alice", 40)
	h.clk.Add(100 * time.Millisecond)
	h.submit(t, "bob", 60)

	c := waitFor(t, ch, notify.TypeConflictDetected).Payload.(notify.ConflictDetected)
	require.Equal(t, []string{"alice", "bob"}, c.ConflictingUsers)
	require.Equal(t, 60, c.OriginalVolume)
	require.Equal(t, 50, c.AveragedVolume)
	require.Equal(t, "2 neighbors moved the volume at once, using 50%", c.Message)

	p := nextEvent(t, ch).Payload.(notify.VolumePending)
	require.Equal(t, 50, p.Volume)
	require.Equal(t, 60, p.OriginalVolume)
	require.True(t, p.IsConflictResolution)
}

func TestOwnerDragCommitsOnce(t *testing.T) {
	h := newHarness(t, time.Second)
	ch := h.subscribe(t, h.id)

	for v := 10; v <= 100; v += 10 {
		ack := h.submit(t, owner, v)
		require.Equal(t, v, ack.ResolvedVolume)
		require.Equal(t, MaxTokens, ack.RemainingTokens)
		h.clk.Add(20 * time.Millisecond)
	}
	h.clk.Add(Debounce)

	applied := waitFor(t, ch, notify.TypeVolumeApplied).Payload.(notify.VolumeApplied)
	require.Equal(t, 100, applied.Volume)
	h.clk.Add(time.Second)
	requireNoEvent(t, ch, notify.TypeVolumeApplied)
	require.Equal(t, []int{100}, h.lp.Calls())
}

func TestTwoNeighborsFiftyMillisApart(t *testing.T) {
	h := newHarness(t, time.Second)
	ch := h.subscribe(t, h.id)

	h.submit(t, "a", 20)
	h.clk.Add(50 * time.Millisecond)
	ack := h.submit(t, "b", 80)
	require.True(t, ack.IsConflictResolution)
	// (20*4950 + 80*5000) / 9950 = 50.15; b is barely more recent, so the
	// rounded average lands on 50 rather than closer to 80
	require.Equal(t, 50, ack.ResolvedVolume)

	c := waitFor(t, ch, notify.TypeConflictDetected).Payload.(notify.ConflictDetected)
	require.Equal(t, ack.ResolvedVolume, c.AveragedVolume)

	h.clk.Add(250 * time.Millisecond)
	requireNoEvent(t, ch, notify.TypeVolumeApplied)

	h.clk.Add(50 * time.Millisecond)
	applied := waitFor(t, ch, notify.TypeVolumeApplied).Payload.(notify.VolumeApplied)
	require.Equal(t, "b", applied.UserID)
	require.Equal(t, ack.ResolvedVolume, applied.Volume)

	h.clk.Add(time.Second)
	requireNoEvent(t, ch, notify.TypeVolumeApplied)
	require.Equal(t, []int{ack.ResolvedVolume}, h.lp.Calls())
}

func TestRateLimitedNeighbor(t *testing.T) {
	h := newHarness(t, time.Second)

	for i := 0; i < MaxTokens; i++ {
		h.submit(t, "alice", 10+i)
	}
	_, err := h.coord.Submit(context.Background(), Request{SessionID: h.id, UserID: "alice", Volume: 50})
	var rl *RateLimitedError
	require.True(t, errors.As(err, &rl))
	require.Equal(t, 12, rl.RetryAfterSeconds)
	require.Zero(t, h.coord.RemainingTokens("alice"))

	h.clk.Add(12 * time.Second)
	h.submit(t, "alice", 50)
}

func TestInvalidRequests(t *testing.T) {
	h := newHarness(t, time.Second)
	ch := h.subscribe(t, h.id)

	for _, v := range []int{-1, 101} {
		_, err := h.coord.Submit(context.Background(), Request{SessionID: h.id, UserID: "alice", Volume: v})
		require.ErrorIs(t, err, ErrInvalidVolume)
	}
	_, err := h.coord.Submit(context.Background(), Request{SessionID: h.id, Volume: 10})
	require.ErrorIs(t, err, ErrMissingUser)
	_, err = h.coord.Submit(context.Background(), Request{SessionID: "missing", UserID: "alice", Volume: 10})
	require.ErrorIs(t, err, session.ErrNotFound)

	require.Equal(t, MaxTokens, h.coord.RemainingTokens("alice"))
	requireNoEvent(t, ch, notify.TypeVolumePending)
}

func TestSessionsAreIsolated(t *testing.T) {
	h := newHarness(t, time.Second)
	other, err := h.reg.Create("owner2", "tok2", 50)
	require.NoError(t, err)
	ch1 := h.subscribe(t, h.id)
	ch2 := h.subscribe(t, other.ID)

	h.submit(t, "alice", 10)
	_, err = h.coord.Submit(context.Background(), Request{SessionID: other.ID, UserID: "bob", Volume: 90})
	require.NoError(t, err)

	h.clk.Add(Debounce)
	a1 := waitFor(t, ch1, notify.TypeVolumeApplied).Payload.(notify.VolumeApplied)
	a2 := waitFor(t, ch2, notify.TypeVolumeApplied).Payload.(notify.VolumeApplied)
	require.Equal(t, 10, a1.Volume)
	require.Equal(t, 90, a2.Volume)

	s1, _ := h.reg.Get(h.id)
	s2, _ := h.reg.Get(other.ID)
	require.Equal(t, 10, s1.Volume)
	require.Equal(t, 90, s2.Volume)
}

func TestCommitFailureStillUpdatesState(t *testing.T) {
	h := newHarness(t, time.Second)
	ch := h.subscribe(t, h.id)
	h.lp.Fail(errors.New("no active device"))

	h.submit(t, "alice", 35)
	h.clk.Add(Debounce)

	e := waitFor(t, ch, notify.TypeVolumeError).Payload.(notify.VolumeError)
	require.Equal(t, 35, e.Volume)
	require.Contains(t, e.Message, "no active device")

	st, err := h.reg.Get(h.id)
	require.NoError(t, err)
	require.Equal(t, 35, st.Volume)
	require.Equal(t, "alice", st.CurrentController)
	require.Equal(t, session.ActionVolumeError, st.History[len(st.History)-1].Action)
}

func TestCommitTimeout(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	ch := h.subscribe(t, h.id)
	release := h.lp.Block()
	defer release()

	h.submit(t, "alice", 60)
	h.clk.Add(Debounce)

	e := waitFor(t, ch, notify.TypeVolumeError).Payload.(notify.VolumeError)
	require.Contains(t, e.Message, "did not answer")
}

func TestCurrentController(t *testing.T) {
	h := newHarness(t, time.Second)
	ch := h.subscribe(t, h.id)
	require.Equal(t, "", h.coord.CurrentController(h.id))

	h.submit(t, "alice", 20)
	require.Equal(t, "alice", h.coord.CurrentController(h.id))
	p, ok := h.coord.Pending(h.id)
	require.True(t, ok)
	require.Equal(t, 20, p.ResolvedVolume)

	h.clk.Add(Debounce)
	waitFor(t, ch, notify.TypeVolumeApplied)
	_, ok = h.coord.Pending(h.id)
	require.False(t, ok)
	require.Equal(t, "alice", h.coord.CurrentController(h.id))

	// same controller again: no controller_changed
	h.submit(t, "alice", 25)
	require.Equal(t, notify.TypeVolumePending, nextEvent(t, ch).Payload.EventType())
}

func TestForgetCancelsPending(t *testing.T) {
	h := newHarness(t, time.Second)
	ch := h.subscribe(t, h.id)

	h.submit(t, "alice", 80)
	h.coord.Forget(h.id)
	h.clk.Add(time.Second)

	for range ch {
	}
	require.Empty(t, h.lp.Calls())
	_, ok := h.coord.Pending(h.id)
	require.False(t, ok)
}

func TestOwnerIDWithoutTokenIsRateLimited(t *testing.T) {
	h := newHarness(t, time.Second)

	for i := 0; i < MaxTokens; i++ {
		_, err := h.coord.Submit(context.Background(), Request{SessionID: h.id, UserID: owner, Volume: 10 + i})
		require.NoError(t, err)
	}
	_, err := h.coord.Submit(context.Background(), Request{SessionID: h.id, UserID: owner, Volume: 30, OwnerToken: "guess"})
	var rl *RateLimitedError
	require.True(t, errors.As(err, &rl))

	// the real token still bypasses the bucket
	ack := h.submit(t, owner, 40)
	require.Equal(t, 40, ack.ResolvedVolume)
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t, time.Second)
	ch := h.subscribe(t, h.id)

	msg, err := h.coord.SendMessage(context.Background(), h.id, "alice", ActionThankYou, "  thanks!  ")
	require.NoError(t, err)
	require.Equal(t, "thanks!", msg)

	m := nextEvent(t, ch).Payload.(notify.NeighborMessage)
	require.Equal(t, "alice", m.UserID)
	require.Equal(t, ActionThankYou, m.Action)

	_, err = h.coord.SendMessage(context.Background(), h.id, "alice", "shout", "hi")
	require.ErrorIs(t, err, ErrUnknownAction)
	_, err = h.coord.SendMessage(context.Background(), h.id, "alice", ActionCustomMessage, "   ")
	require.ErrorIs(t, err, ErrInvalidText)

	// messages have their own budget
	for i := 0; i < MaxTokens-1; i++ {
		_, err = h.coord.SendMessage(context.Background(), h.id, "alice", ActionEmojiMessage, "hi")
		require.NoError(t, err)
	}
	_, err = h.coord.SendMessage(context.Background(), h.id, "alice", ActionEmojiMessage, "hi")
	var rl *RateLimitedError
	require.True(t, errors.As(err, &rl))
	require.Equal(t, MaxTokens, h.coord.RemainingTokens("alice"))

	st, _ := h.reg.Get(h.id)
	require.Equal(t, session.ActionMessage, st.History[len(st.History)-1].Action)
}
