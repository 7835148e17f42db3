package volume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/neighborly/internal/metrics"
	"github.com/petervdpas/neighborly/internal/notify"
	"github.com/petervdpas/neighborly/internal/session"
)

// Registry is the part of the session store the volume pipeline needs.
// *session.Registry satisfies it.
type Registry interface {
	Get(id string) (session.State, error)
	IsOwner(id, userID, token string) bool
	ApplyVolume(ctx context.Context, id string, volume int) error
	RecordVolume(id string, volume int, at time.Time) error
	RecordController(id, userID string) error
	AppendHistory(id string, entry session.HistoryEntry) error
}

// Result is the outcome of one player call.
type Result struct {
	SessionID string
	UserID    string
	Volume    int
	At        time.Time
	Took      time.Duration
	Err       error
}

func (r Result) OK() bool { return r.Err == nil }

// Committer applies changes to the player and records the outcome.
// Commits of one session never overlap.
type Committer struct {
	registry Registry
	bus      *notify.Bus
	clock    clock.Clock
	timeout  time.Duration
	metrics  *metrics.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCommitter creates a committer whose player calls are bounded by timeout.
func NewCommitter(reg Registry, bus *notify.Bus, clk clock.Clock, timeout time.Duration, m *metrics.Metrics) *Committer {
	return &Committer{
		registry: reg,
		bus:      bus,
		clock:    clk,
		timeout:  timeout,
		metrics:  m,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Run commits p and handles the result while holding the session's commit
// lock.
func (c *Committer) Run(ctx context.Context, p Pending) Result {
	l := c.lock(p.SessionID)
	l.Lock()
	defer l.Unlock()

	res := c.Commit(ctx, p.SessionID, p.UserID, p.ResolvedVolume)
	c.Handle(res)
	return res
}

// Commit performs the player call. It does not touch local state.
func (c *Committer) Commit(ctx context.Context, sessionID, userID string, volume int) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := c.registry.ApplyVolume(ctx, sessionID, volume)
	took := time.Since(start)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("player did not answer within %s: %w", c.timeout, err)
	}
	c.metrics.Commit(err == nil, took)

	return Result{
		SessionID: sessionID,
		UserID:    userID,
		Volume:    volume,
		At:        c.clock.Now(),
		Took:      took,
		Err:       err,
	}
}

// Handle records the result locally and notifies viewers. Local state is
// updated even when the player call failed.
func (c *Committer) Handle(res Result) {
	entry := session.HistoryEntry{
		Action: session.ActionVolumeApplied,
		UserID: res.UserID,
		Volume: res.Volume,
		At:     res.At,
	}
	if res.Err != nil {
		entry.Action = session.ActionVolumeError
		entry.Error = res.Err.Error()
	}

	if err := c.record(res, entry); err != nil {
		log.Warnw("could not record commit", "session", res.SessionID, "err", err)
	}

	if res.Err != nil {
		log.Warnw("volume commit failed", "session", res.SessionID, "user", res.UserID, "volume", res.Volume, "err", res.Err)
		c.bus.PublishError(res.SessionID, notify.VolumeError{
			UserID:  res.UserID,
			Volume:  res.Volume,
			Message: res.Err.Error(),
		})
		return
	}

	log.Infow("volume applied", "session", res.SessionID, "user", res.UserID, "volume", res.Volume, "took", res.Took)
	c.bus.PublishApplied(res.SessionID, notify.VolumeApplied{
		UserID:    res.UserID,
		Volume:    res.Volume,
		AppliedAt: res.At.UnixMilli(),
	})
}

func (c *Committer) record(res Result, entry session.HistoryEntry) error {
	if err := c.registry.RecordVolume(res.SessionID, res.Volume, res.At); err != nil {
		return err
	}
	if err := c.registry.RecordController(res.SessionID, res.UserID); err != nil {
		return err
	}
	return c.registry.AppendHistory(res.SessionID, entry)
}

// Forget drops the session's commit lock.
func (c *Committer) Forget(sessionID string) {
	c.mu.Lock()
	delete(c.locks, sessionID)
	c.mu.Unlock()
}

func (c *Committer) lock(sessionID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[sessionID] = l
	}
	return l
}
