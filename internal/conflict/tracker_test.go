package conflict

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestSingleUserIsNotAConflict(t *testing.T) {
	clk := clock.NewMock()
	tr := NewTracker(clk)

	tr.Record("s1", "alice", 10)
	clk.Add(100 * time.Millisecond)
	tr.Record("s1", "alice", 20)

	require.Equal(t, []string{"alice"}, tr.DetectConflict("s1"))
}

func TestTwoUsersInWindowConflict(t *testing.T) {
	clk := clock.NewMock()
	tr := NewTracker(clk)

	tr.Record("s1", "alice", 40)
	clk.Add(50 * time.Millisecond)
	tr.Record("s1", "bob", 60)
	tr.Record("s1", "alice", 45)

	require.Equal(t, []string{"alice", "bob"}, tr.DetectConflict("s1"))
}

func TestUsersOutsideWindowDoNotConflict(t *testing.T) {
	clk := clock.NewMock()
	tr := NewTracker(clk)

	tr.Record("s1", "alice", 40)
	clk.Add(Window + time.Millisecond)
	tr.Record("s1", "bob", 60)

	require.Equal(t, []string{"bob"}, tr.DetectConflict("s1"))
	// Alice is still retained, only outside the conflict window.
	require.Len(t, tr.Samples("s1"), 2)
}

func TestRecordPrunesPastRetention(t *testing.T) {
	clk := clock.NewMock()
	tr := NewTracker(clk)

	tr.Record("s1", "alice", 40)
	clk.Add(Retention + time.Second)
	tr.Record("s1", "bob", 60)

	samples := tr.Samples("s1")
	require.Len(t, samples, 1)
	require.Equal(t, "bob", samples[0].UserID)
}

func TestResolveWeighsRecentSamplesMore(t *testing.T) {
	clk := clock.NewMock()
	tr := NewTracker(clk)

	tr.Record("s1", "alice", 40)
	clk.Add(50 * time.Millisecond)
	tr.Record("s1", "bob", 60)

	v, ok := tr.Resolve("s1")
	require.True(t, ok)
	require.Greater(t, v, 40)
	require.Less(t, v, 60)
}

func TestResolveFavoursLaterSubmission(t *testing.T) {
	clk := clock.NewMock()
	tr := NewTracker(clk)

	tr.Record("s1", "alice", 20)
	clk.Add(2 * time.Second)
	tr.Record("s1", "bob", 80)

	// weights 3000 and 5000: (20*3000 + 80*5000) / 8000 = 57.5
	v, ok := tr.Resolve("s1")
	require.True(t, ok)
	require.Equal(t, 58, v)
}

func TestResolveAgedSampleKeepsMinimumWeight(t *testing.T) {
	clk := clock.NewMock()
	tr := NewTracker(clk)

	tr.Record("s1", "alice", 0)
	clk.Add(Window - time.Millisecond)
	tr.Record("s1", "bob", 100)

	// alice weighs 1, bob weighs 5000.
	v, ok := tr.Resolve("s1")
	require.True(t, ok)
	require.Equal(t, 100, v)
}

func TestResolveWithoutSamplesDefaults(t *testing.T) {
	tr := NewTracker(clock.NewMock())

	v, ok := tr.Resolve("missing")
	require.False(t, ok)
	require.Equal(t, DefaultVolume, v)
}

func TestSessionsAreIsolated(t *testing.T) {
	clk := clock.NewMock()
	tr := NewTracker(clk)

	tr.Record("s1", "alice", 10)
	tr.Record("s2", "bob", 90)

	require.Equal(t, []string{"alice"}, tr.DetectConflict("s1"))
	require.Equal(t, []string{"bob"}, tr.DetectConflict("s2"))

	tr.Forget("s1")
	require.Empty(t, tr.Samples("s1"))
	require.Len(t, tr.Samples("s2"), 1)
}
