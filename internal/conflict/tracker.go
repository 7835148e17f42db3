// Package conflict keeps a short rolling window of volume submissions per
// session and decides when several people are fighting over the dial.
package conflict

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"
)

var log = logging.Logger("conflict")

const (
	// Window is the trailing interval in which submissions from distinct
	// users count as concurrent.
	Window = 5 * time.Second

	// Retention is how long samples are kept at all.
	Retention = 10 * time.Second

	// DefaultVolume is the fallback when resolution finds no samples in window.
	DefaultVolume = 50
)

// Sample is one accepted submission.
type Sample struct {
	UserID string    `json:"user_id"`
	Volume int       `json:"volume"`
	At     time.Time `json:"at"`
}

type sessionSamples struct {
	mu      sync.Mutex
	samples []Sample
}

// Tracker owns the sample lists of all sessions. Sessions never share a lock.
type Tracker struct {
	clock clock.Clock

	mu       sync.RWMutex
	sessions map[string]*sessionSamples
}

// NewTracker creates a tracker. A nil clock means wall-clock time.
func NewTracker(clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		clock:    clk,
		sessions: make(map[string]*sessionSamples),
	}
}

// Record appends a sample for the session and prunes anything older than
// Retention.
func (t *Tracker) Record(sessionID, userID string, volume int) {
	s := t.session(sessionID)
	now := t.clock.Now()

	s.mu.Lock()
	s.samples = append(s.samples, Sample{UserID: userID, Volume: volume, At: now})
	s.samples = pruneBefore(s.samples, now.Add(-Retention))
	s.mu.Unlock()
}

// DetectConflict returns the distinct users with samples inside Window, in
// order of first appearance. Two or more users means a conflict.
func (t *Tracker) DetectConflict(sessionID string) []string {
	recent := t.windowSamples(sessionID)
	return lo.Uniq(lo.Map(recent, func(s Sample, _ int) string { return s.UserID }))
}

// Resolve returns the recency-weighted average of the samples inside Window.
// Each sample weighs max(1, windowMs - ageMs). When no sample is in window it
// returns DefaultVolume and false.
func (t *Tracker) Resolve(sessionID string) (int, bool) {
	recent := t.windowSamples(sessionID)
	if len(recent) == 0 {
		log.Warnw("no samples in conflict window, using default", "session", sessionID, "volume", DefaultVolume)
		return DefaultVolume, false
	}

	now := t.clock.Now()
	windowMs := Window.Milliseconds()

	var sum, weights float64
	for _, s := range recent {
		w := windowMs - now.Sub(s.At).Milliseconds()
		if w < 1 {
			w = 1
		}
		sum += float64(s.Volume) * float64(w)
		weights += float64(w)
	}
	return int(math.Round(sum / weights)), true
}

// Samples returns a copy of the session's retained samples, oldest first.
func (t *Tracker) Samples(sessionID string) []Sample {
	t.mu.RLock()
	s, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sample(nil), s.samples...)
}

// Forget drops all samples of a session.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
}

func (t *Tracker) windowSamples(sessionID string) []Sample {
	cutoff := t.clock.Now().Add(-Window)
	return lo.Filter(t.Samples(sessionID), func(s Sample, _ int) bool {
		return !s.At.Before(cutoff)
	})
}

func (t *Tracker) session(sessionID string) *sessionSamples {
	t.mu.RLock()
	s, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.sessions[sessionID]; !ok {
		s = &sessionSamples{}
		t.sessions[sessionID] = s
	}
	return s
}

// pruneBefore drops leading samples older than cutoff. Samples are appended
// in time order so the slice stays sorted.
func pruneBefore(samples []Sample, cutoff time.Time) []Sample {
	i := 0
	for i < len(samples) && samples[i].At.Before(cutoff) {
		i++
	}
	if i == 0 {
		return samples
	}
	return append(samples[:0:0], samples[i:]...)
}
