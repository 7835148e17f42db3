// Package session holds the shareable sessions: one per owner link, with
// the committed volume, who controls it and what happened recently.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"

	"github.com/petervdpas/neighborly/internal/player"
	"github.com/petervdpas/neighborly/internal/util"
)

var log = logging.Logger("session")

// ErrNotFound is returned for unknown or expired session ids.
var ErrNotFound = errors.New("session not found")

// History actions.
const (
	ActionVolumeApplied = "volume_applied"
	ActionVolumeError   = "volume_error"
	ActionMessage       = "message"
	ActionCreated       = "created"
)

// HistoryEntry is one past action on a session.
type HistoryEntry struct {
	ID      string    `json:"id"`
	Action  string    `json:"action"`
	UserID  string    `json:"userId"`
	Volume  int       `json:"volume,omitempty"`
	Message string    `json:"message,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// State is a point-in-time copy of a session.
type State struct {
	ID                 string         `json:"id"`
	OwnerID            string         `json:"ownerId"`
	Volume             int            `json:"volume"`
	CurrentController  string         `json:"currentController"`
	LastVolumeChangeAt time.Time      `json:"lastVolumeChangeAt"`
	CreatedAt          time.Time      `json:"createdAt"`
	LastActivityAt     time.Time      `json:"lastActivityAt"`
	History            []HistoryEntry `json:"history"`
}

// Record is a State plus the secret needed to drive the owner's player.
// It is what snapshots persist.
type Record struct {
	State
	AccessToken string `json:"-"`
}

type session struct {
	mu           sync.Mutex
	id           string
	ownerID      string
	accessToken  string
	volume       int
	controller   string
	lastChangeAt time.Time
	createdAt    time.Time
	lastActivity time.Time
	history      *util.RingBuffer[HistoryEntry]
}

func (s *session) stateLocked() State {
	return State{
		ID:                 s.id,
		OwnerID:            s.ownerID,
		Volume:             s.volume,
		CurrentController:  s.controller,
		LastVolumeChangeAt: s.lastChangeAt,
		CreatedAt:          s.createdAt,
		LastActivityAt:     s.lastActivity,
		History:            s.history.Snapshot(),
	}
}

// Options configure a Registry.
type Options struct {
	Clock       clock.Clock
	Player      player.Player
	HistorySize int
	TrackTTL    time.Duration // 0 disables the track cache
}

// Registry is the in-process session store. Each session has its own lock;
// the map lock is only held for lookups and membership changes.
type Registry struct {
	clock       clock.Clock
	player      player.Player
	historySize int
	tracks      *expirable.LRU[string, *player.Track]

	mu       sync.RWMutex
	sessions map[string]*session

	hookMu   sync.RWMutex
	onExpire []func(id string)
}

// NewRegistry creates an empty registry.
func NewRegistry(opt Options) *Registry {
	if opt.Clock == nil {
		opt.Clock = clock.New()
	}
	if opt.HistorySize <= 0 {
		opt.HistorySize = 50
	}
	r := &Registry{
		clock:       opt.Clock,
		player:      opt.Player,
		historySize: opt.HistorySize,
		sessions:    make(map[string]*session),
	}
	if opt.TrackTTL > 0 {
		r.tracks = expirable.NewLRU[string, *player.Track](1024, nil, opt.TrackTTL)
	}
	return r
}

// Create registers a new session for ownerID and returns its state.
func (r *Registry) Create(ownerID, accessToken string, volume int) (State, error) {
	if ownerID == "" {
		return State{}, errors.New("owner id is required")
	}
	if volume < 0 || volume > 100 {
		return State{}, fmt.Errorf("initial volume %d out of range 0..100", volume)
	}

	now := r.clock.Now()
	s := &session{
		id:           uuid.NewString(),
		ownerID:      ownerID,
		accessToken:  accessToken,
		volume:       volume,
		createdAt:    now,
		lastActivity: now,
		history:      util.NewRingBuffer[HistoryEntry](r.historySize),
	}
	s.history.Push(HistoryEntry{ID: uuid.NewString(), Action: ActionCreated, UserID: ownerID, Volume: volume, At: now})

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	log.Infow("session created", "session", s.id, "owner", ownerID)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(), nil
}

// Get returns a copy of the session state.
func (r *Registry) Get(id string) (State, error) {
	s, err := r.lookup(id)
	if err != nil {
		return State{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(), nil
}

// ApplyVolume performs the external player call for the session's owner.
// It does not touch local state.
func (r *Registry) ApplyVolume(ctx context.Context, id string, volume int) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	token := s.accessToken
	s.mu.Unlock()

	if r.player == nil {
		return errors.New("no player configured")
	}
	return r.player.SetVolume(ctx, token, volume)
}

// IsOwner reports whether userID is the session owner and token matches
// the access token the session was created with.
func (r *Registry) IsOwner(id, userID, token string) bool {
	s, err := r.lookup(id)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if userID == "" || userID != s.ownerID || s.accessToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.accessToken)) == 1
}

// RecordVolume stores the committed volume.
func (r *Registry) RecordVolume(id string, volume int, at time.Time) error {
	return r.update(id, func(s *session) {
		s.volume = volume
		s.lastChangeAt = at
	})
}

// RecordController stores the last committer.
func (r *Registry) RecordController(id, userID string) error {
	return r.update(id, func(s *session) { s.controller = userID })
}

// AppendHistory adds an entry to the session's bounded history.
func (r *Registry) AppendHistory(id string, entry HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.At.IsZero() {
		entry.At = r.clock.Now()
	}
	return r.update(id, func(s *session) { s.history.Push(entry) })
}

// Touch marks the session as active without changing anything else.
func (r *Registry) Touch(id string) error {
	return r.update(id, func(*session) {})
}

// CurrentTrack asks the player what is playing, served from a short cache.
func (r *Registry) CurrentTrack(ctx context.Context, id string) (*player.Track, error) {
	if r.tracks != nil {
		if t, ok := r.tracks.Get(id); ok {
			return t, nil
		}
	}

	s, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	token := s.accessToken
	s.mu.Unlock()

	if r.player == nil {
		return nil, nil
	}
	t, err := r.player.CurrentTrack(ctx, token)
	if err != nil {
		return nil, err
	}
	if r.tracks != nil {
		r.tracks.Add(id, t)
	}
	return t, nil
}

// IDs returns all session ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := lo.Keys(r.sessions)
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// OnExpire registers a hook run (outside any registry lock) for every
// session removed by Expire or Remove.
func (r *Registry) OnExpire(fn func(id string)) {
	r.hookMu.Lock()
	r.onExpire = append(r.onExpire, fn)
	r.hookMu.Unlock()
}

// Expire removes sessions without activity for longer than maxIdle and
// returns their ids.
func (r *Registry) Expire(maxIdle time.Duration) []string {
	now := r.clock.Now()

	r.mu.Lock()
	var expired []string
	for id, s := range r.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastActivity)
		s.mu.Unlock()
		if idle > maxIdle {
			delete(r.sessions, id)
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		log.Infow("session expired", "session", id)
		r.expired(id)
	}
	return expired
}

// RunExpiry calls Expire(maxIdle) every interval until ctx ends.
func (r *Registry) RunExpiry(ctx context.Context, maxIdle, interval time.Duration) error {
	t := r.clock.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if ids := r.Expire(maxIdle); len(ids) > 0 {
				log.Infow("expired idle sessions", "count", len(ids), "remaining", r.Len())
			}
		}
	}
}

// Remove deletes a session immediately.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	r.expired(id)
	return nil
}

// Records returns every session with its access token, for snapshots.
func (r *Registry) Records() []Record {
	r.mu.RLock()
	all := lo.Values(r.sessions)
	r.mu.RUnlock()

	out := make([]Record, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		out = append(out, Record{State: s.stateLocked(), AccessToken: s.accessToken})
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore loads records into the registry, skipping ids already present.
func (r *Registry) Restore(records []Record) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if _, ok := r.sessions[rec.ID]; ok {
			continue
		}
		s := &session{
			id:           rec.ID,
			ownerID:      rec.OwnerID,
			accessToken:  rec.AccessToken,
			volume:       rec.Volume,
			controller:   rec.CurrentController,
			lastChangeAt: rec.LastVolumeChangeAt,
			createdAt:    rec.CreatedAt,
			lastActivity: rec.LastActivityAt,
			history:      util.NewRingBuffer[HistoryEntry](r.historySize),
		}
		for _, h := range rec.History {
			s.history.Push(h)
		}
		r.sessions[rec.ID] = s
		n++
	}
	return n
}

func (r *Registry) lookup(id string) (*session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

func (r *Registry) update(id string, fn func(s *session)) error {
	s, err := r.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	fn(s)
	s.lastActivity = r.clock.Now()
	s.mu.Unlock()
	return nil
}

func (r *Registry) expired(id string) {
	if r.tracks != nil {
		r.tracks.Remove(id)
	}
	r.hookMu.RLock()
	hooks := append([]func(string){}, r.onExpire...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
}
