// Package volume coordinates shared control of a session's volume: rate
// limiting, debouncing, conflict averaging and committing to the player.
package volume

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/neighborly/internal/conflict"
	"github.com/petervdpas/neighborly/internal/metrics"
	"github.com/petervdpas/neighborly/internal/notify"
	"github.com/petervdpas/neighborly/internal/ratelimit"
	"github.com/petervdpas/neighborly/internal/session"
	"github.com/petervdpas/neighborly/internal/util"
)

var log = logging.Logger("volume")

// Request is a volume submission.
type Request struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Volume    int    `json:"volume"`

	// OwnerToken is the session access token. Only the owner sends it.
	OwnerToken string `json:"ownerToken,omitempty"`
}

// Ack is the immediate answer to an accepted submission.
type Ack struct {
	Success              bool  `json:"success"`
	Pending              bool  `json:"pending"`
	ResolvedVolume       int   `json:"resolvedVolume"`
	WillApplyInMs        int64 `json:"willApplyInMs"`
	RemainingTokens      int   `json:"remainingTokens"`
	IsConflictResolution bool  `json:"isConflictResolution"`
}

// Options configure a Coordinator.
type Options struct {
	Clock         clock.Clock
	Registry      Registry
	Bus           *notify.Bus
	Metrics       *metrics.Metrics
	CommitTimeout time.Duration
}

// Coordinator is the entry point of the volume pipeline.
type Coordinator struct {
	clock     clock.Clock
	registry  Registry
	bus       *notify.Bus
	metrics   *metrics.Metrics
	limiter   *ratelimit.Limiter
	messages  *ratelimit.Limiter
	tracker   *conflict.Tracker
	scheduler *Scheduler
	committer *Committer

	ctx    context.Context
	cancel context.CancelFunc
}

// New wires a coordinator.
func New(opt Options) *Coordinator {
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	if opt.CommitTimeout <= 0 {
		opt.CommitTimeout = util.DefaultPlayerTimeout
	}
	if opt.Bus == nil {
		opt.Bus = notify.NewBus(opt.Clock)
	}

	c := &Coordinator{
		clock:    opt.Clock,
		registry: opt.Registry,
		bus:      opt.Bus,
		metrics:  opt.Metrics,
		limiter:  ratelimit.New(opt.Clock),
		messages: ratelimit.New(opt.Clock),
		tracker:  conflict.NewTracker(opt.Clock),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.committer = NewCommitter(opt.Registry, opt.Bus, opt.Clock, opt.CommitTimeout, opt.Metrics)
	c.scheduler = NewScheduler(opt.Clock, c.tracker, opt.Bus, opt.Registry, opt.Metrics, func(p Pending) {
		c.committer.Run(c.ctx, p)
	})
	return c
}

// Submit validates and schedules a volume change. Errors are
// ErrInvalidVolume, ErrMissingUser, session.ErrNotFound or
// *RateLimitedError.
func (c *Coordinator) Submit(ctx context.Context, req Request) (Ack, error) {
	if req.Volume < 0 || req.Volume > 100 {
		c.metrics.Request(metrics.OutcomeInvalid)
		return Ack{}, fmt.Errorf("%w: got %d", ErrInvalidVolume, req.Volume)
	}
	if req.UserID == "" {
		c.metrics.Request(metrics.OutcomeInvalid)
		return Ack{}, ErrMissingUser
	}

	if _, err := c.registry.Get(req.SessionID); err != nil {
		c.metrics.Request(metrics.OutcomeNotFound)
		return Ack{}, err
	}

	// the owner has unrestricted control of their own player
	owner := c.registry.IsOwner(req.SessionID, req.UserID, req.OwnerToken)
	if !owner && !c.limiter.TryConsume(req.UserID) {
		c.metrics.Request(metrics.OutcomeRateLimited)
		retry := c.limiter.SecondsUntilNextToken(req.UserID)
		log.Infow("volume request rate limited", "session", req.SessionID, "user", req.UserID, "retry_after", retry)
		return Ack{}, &RateLimitedError{UserID: req.UserID, RetryAfterSeconds: retry}
	}

	p, err := c.scheduler.Schedule(req.SessionID, req.UserID, req.Volume)
	if err != nil {
		return Ack{}, err
	}
	c.metrics.Request(metrics.OutcomeAccepted)
	log.Debugw("volume change pending", "session", req.SessionID, "user", req.UserID,
		"requested", req.Volume, "resolved", p.ResolvedVolume)

	return Ack{
		Success:              true,
		Pending:              true,
		ResolvedVolume:       p.ResolvedVolume,
		WillApplyInMs:        Debounce.Milliseconds(),
		RemainingTokens:      c.limiter.RemainingTokens(req.UserID),
		IsConflictResolution: p.IsConflictResolution,
	}, nil
}

// SendMessage relays a short neighbor message to everyone watching the
// session and returns the text as sent.
func (c *Coordinator) SendMessage(ctx context.Context, sessionID, userID, action, text string) (string, error) {
	switch action {
	case ActionCustomMessage, ActionEmojiMessage, ActionThankYou:
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if userID == "" {
		return "", ErrMissingUser
	}
	msg, err := util.ValidateMessage(text)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidText, err)
	}

	if _, err := c.registry.Get(sessionID); err != nil {
		return "", err
	}
	if !c.messages.TryConsume(userID) {
		return "", &RateLimitedError{UserID: userID, RetryAfterSeconds: c.messages.SecondsUntilNextToken(userID)}
	}

	now := c.clock.Now()
	if err := c.registry.AppendHistory(sessionID, session.HistoryEntry{
		Action:  session.ActionMessage,
		UserID:  userID,
		Message: msg,
		At:      now,
	}); err != nil {
		return "", err
	}
	c.bus.PublishMessage(sessionID, notify.NeighborMessage{
		UserID:  userID,
		Action:  action,
		Message: msg,
		SentAt:  now.UnixMilli(),
	})
	log.Infow("neighbor message", "session", sessionID, "user", userID, "action", action)
	return msg, nil
}

// CurrentController returns who is in control of the session's volume.
func (c *Coordinator) CurrentController(sessionID string) string {
	return c.scheduler.CurrentController(sessionID)
}

// Pending returns the session's pending change, if any.
func (c *Coordinator) Pending(sessionID string) (Pending, bool) {
	return c.scheduler.Pending(sessionID)
}

// RemainingTokens reports userID's volume tokens.
func (c *Coordinator) RemainingTokens(userID string) int {
	return c.limiter.RemainingTokens(userID)
}

// Forget drops everything kept for a session. Used when it expires.
func (c *Coordinator) Forget(sessionID string) {
	c.scheduler.Forget(sessionID)
	c.tracker.Forget(sessionID)
	c.committer.Forget(sessionID)
	c.bus.Close(sessionID)
	log.Debugw("session forgotten", "session", sessionID)
}

// SweepLimiters evicts idle full buckets of both limiters.
func (c *Coordinator) SweepLimiters(idle time.Duration) int {
	return c.limiter.Sweep(idle) + c.messages.Sweep(idle)
}

// RunSweeper calls SweepLimiters every interval until ctx ends.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) error {
	t := c.clock.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := c.SweepLimiters(ratelimit.IdleEviction); n > 0 {
				log.Debugw("evicted idle rate limit buckets", "count", n)
			}
		}
	}
}

// Stop cancels pending changes and in-flight commits.
func (c *Coordinator) Stop() {
	c.scheduler.Stop()
	c.cancel()
}
