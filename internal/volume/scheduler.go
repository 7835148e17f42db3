package volume

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/petervdpas/neighborly/internal/conflict"
	"github.com/petervdpas/neighborly/internal/metrics"
	"github.com/petervdpas/neighborly/internal/notify"
)

// ErrStopped is returned by Schedule after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Pending is a change waiting for its debounce interval to elapse.
type Pending struct {
	ID                   string    `json:"id"`
	SessionID            string    `json:"sessionId"`
	UserID               string    `json:"userId"`
	RequestedVolume      int       `json:"requestedVolume"`
	ResolvedVolume       int       `json:"resolvedVolume"`
	CreatedAt            time.Time `json:"createdAt"`
	IsConflictResolution bool      `json:"isConflictResolution"`
	ConflictingUsers     []string  `json:"conflictingUsers,omitempty"`

	generation uint64
}

// ApplyAt is when the change commits unless superseded.
func (p Pending) ApplyAt() time.Time {
	return p.CreatedAt.Add(Debounce)
}

// slot is the single pending change of one session. gen increases on every
// Schedule and Forget; a timer only acts if it still carries the current gen.
type slot struct {
	mu      sync.Mutex
	gen     uint64
	pending *Pending
	timer   *clock.Timer
}

// Scheduler debounces volume changes per session and hands the surviving
// change to commit once its timer fires.
type Scheduler struct {
	clock    clock.Clock
	tracker  *conflict.Tracker
	bus      *notify.Bus
	registry Registry
	metrics  *metrics.Metrics
	commit   func(Pending)

	mu      sync.Mutex
	slots   map[string]*slot
	stopped bool
}

// NewScheduler creates a scheduler. commit runs on the timer goroutine.
func NewScheduler(clk clock.Clock, tracker *conflict.Tracker, bus *notify.Bus, reg Registry, m *metrics.Metrics, commit func(Pending)) *Scheduler {
	return &Scheduler{
		clock:    clk,
		tracker:  tracker,
		bus:      bus,
		registry: reg,
		metrics:  m,
		commit:   commit,
		slots:    make(map[string]*slot),
	}
}

// Schedule replaces the session's pending change with a new one for
// userID. The sample is recorded, a conflict resolved by averaging if
// several users are active, and the notifications for the new change are
// published before Schedule returns.
func (s *Scheduler) Schedule(sessionID, userID string, volume int) (Pending, error) {
	sl, err := s.slot(sessionID)
	if err != nil {
		return Pending{}, err
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	prevController := s.controllerLocked(sessionID, sl)

	sl.gen++
	if sl.pending != nil {
		if sl.timer != nil {
			sl.timer.Stop()
		}
		log.Debugw("pending change superseded", "session", sessionID, "pending", sl.pending.ID, "by", userID)
		s.metrics.Superseded()
	}
	sl.timer = nil

	s.tracker.Record(sessionID, userID, volume)

	p := Pending{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		UserID:          userID,
		RequestedVolume: volume,
		ResolvedVolume:  volume,
		CreatedAt:       s.clock.Now(),
		generation:      sl.gen,
	}
	if users := s.tracker.DetectConflict(sessionID); len(users) >= 2 {
		resolved, _ := s.tracker.Resolve(sessionID)
		p.ResolvedVolume = resolved
		p.IsConflictResolution = true
		p.ConflictingUsers = users
	}
	sl.pending = &p

	if prevController != userID {
		s.bus.PublishController(sessionID, userID)
	}
	if p.IsConflictResolution {
		s.metrics.Conflict()
		log.Infow("conflict resolved by averaging", "session", sessionID, "users", p.ConflictingUsers,
			"requested", volume, "resolved", p.ResolvedVolume)
		s.bus.PublishConflict(sessionID, notify.ConflictDetected{
			ConflictingUsers: p.ConflictingUsers,
			OriginalVolume:   volume,
			AveragedVolume:   p.ResolvedVolume,
			Message:          fmt.Sprintf("%d neighbors moved the volume at once, using %d%%", len(p.ConflictingUsers), p.ResolvedVolume),
		})
	}
	s.bus.PublishPending(sessionID, notify.VolumePending{
		UserID:               userID,
		Volume:               p.ResolvedVolume,
		OriginalVolume:       volume,
		WillApplyIn:          Debounce.Milliseconds(),
		IsConflictResolution: p.IsConflictResolution,
	})

	gen := sl.gen
	sl.timer = s.clock.AfterFunc(Debounce, func() { s.fire(sessionID, sl, gen) })

	return p, nil
}

// fire runs on the timer goroutine. A stale generation means the change was
// superseded or forgotten after the timer had already started.
func (s *Scheduler) fire(sessionID string, sl *slot, gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("panic in scheduled commit", "session", sessionID, "panic", fmt.Sprint(r))
		}
	}()

	sl.mu.Lock()
	if sl.gen != gen || sl.pending == nil {
		sl.mu.Unlock()
		return
	}
	p := *sl.pending
	sl.pending = nil
	sl.timer = nil
	sl.mu.Unlock()

	s.commit(p)
}

// CurrentController is the owner of the pending change if there is one,
// else the last committer.
func (s *Scheduler) CurrentController(sessionID string) string {
	s.mu.Lock()
	sl, ok := s.slots[sessionID]
	s.mu.Unlock()
	if !ok {
		return s.lastCommitter(sessionID)
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return s.controllerLocked(sessionID, sl)
}

func (s *Scheduler) controllerLocked(sessionID string, sl *slot) string {
	if sl.pending != nil {
		return sl.pending.UserID
	}
	return s.lastCommitter(sessionID)
}

func (s *Scheduler) lastCommitter(sessionID string) string {
	st, err := s.registry.Get(sessionID)
	if err != nil {
		return ""
	}
	return st.CurrentController
}

// Pending returns the session's pending change, if any.
func (s *Scheduler) Pending(sessionID string) (Pending, bool) {
	s.mu.Lock()
	sl, ok := s.slots[sessionID]
	s.mu.Unlock()
	if !ok {
		return Pending{}, false
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.pending == nil {
		return Pending{}, false
	}
	return *sl.pending, true
}

// Forget cancels the session's pending change and drops its slot.
func (s *Scheduler) Forget(sessionID string) {
	s.mu.Lock()
	sl, ok := s.slots[sessionID]
	delete(s.slots, sessionID)
	s.mu.Unlock()
	if ok {
		sl.cancel()
	}
}

// Stop cancels every pending change. Later Schedule calls fail.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	slots := s.slots
	s.slots = make(map[string]*slot)
	s.mu.Unlock()

	for _, sl := range slots {
		sl.cancel()
	}
}

func (s *Scheduler) slot(sessionID string) (*slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}
	sl, ok := s.slots[sessionID]
	if !ok {
		sl = &slot{}
		s.slots[sessionID] = sl
	}
	return sl, nil
}

func (sl *slot) cancel() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.gen++
	if sl.timer != nil {
		sl.timer.Stop()
		sl.timer = nil
	}
	sl.pending = nil
}
