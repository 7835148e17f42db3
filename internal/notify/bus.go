// Package notify fans session lifecycle events out to every viewer of a
// session. Delivery is in-process and synchronous: Publish returns once the
// event has been offered to every subscriber of the session. Transports
// (websockets) subscribe like any other consumer.
package notify

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("notify")

// subscriberCap is the number of events buffered per subscriber before the
// bus starts dropping for that subscriber.
const subscriberCap = 64

// Event is what subscribers receive.
type Event struct {
	Session string    `json:"session"`
	Seq     uint64    `json:"seq"` // per-session, strictly increasing
	At      time.Time `json:"at"`
	Payload Payload   `json:"payload"`
}

// topic holds the subscribers of one session. Its lock is held across the
// whole fan-out so concurrent publishers to one session are serialized and
// every subscriber sees the same order.
type topic struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[chan Event]struct{}
	closed bool // set by Close; a closed topic is never reused
}

// Bus is a topic-per-session event bus.
type Bus struct {
	clock clock.Clock

	mu     sync.RWMutex
	topics map[string]*topic

	dropped func(session string)
}

// NewBus creates an empty bus stamping events with clk, or the wall clock
// when clk is nil.
func NewBus(clk clock.Clock) *Bus {
	if clk == nil {
		clk = clock.New()
	}
	return &Bus{clock: clk, topics: make(map[string]*topic)}
}

// OnDrop registers a hook called whenever an event is dropped for a slow
// subscriber. Must be called before the bus is used.
func (b *Bus) OnDrop(fn func(session string)) {
	b.dropped = fn
}

// Subscribe returns a channel that receives the session's events in publish
// order, and a cancel function that closes it.
func (b *Bus) Subscribe(session string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberCap)

	t := b.lockedTopic(session)
	t.subs[ch] = struct{}{}
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if _, ok := t.subs[ch]; ok {
			delete(t.subs, ch)
			close(ch)
		}
		t.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers payload to every current subscriber of session. A full
// subscriber misses the event; nothing is replayed later.
func (b *Bus) Publish(session string, payload Payload) {
	t := b.lockedTopic(session)
	defer t.mu.Unlock()

	t.seq++
	evt := Event{Session: session, Seq: t.seq, At: b.clock.Now(), Payload: payload}
	for ch := range t.subs {
		select {
		case ch <- evt:
		default:
			log.Warnw("subscriber full, dropping event", "session", session, "type", payload.EventType(), "seq", evt.Seq)
			if b.dropped != nil {
				b.dropped(session)
			}
		}
	}
}

// Subscribers returns the number of subscribers of session.
func (b *Bus) Subscribers(session string) int {
	b.mu.RLock()
	t, ok := b.topics[session]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close closes every subscriber channel of session and forgets the topic.
func (b *Bus) Close(session string) {
	b.mu.Lock()
	t, ok := b.topics[session]
	delete(b.topics, session)
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	t.closed = true
	for ch := range t.subs {
		close(ch)
	}
	t.subs = map[chan Event]struct{}{}
	t.mu.Unlock()
}

// lockedTopic returns the live topic of session with its lock held. A
// topic that Close removed after the lookup is skipped and looked up again.
func (b *Bus) lockedTopic(session string) *topic {
	for {
		t := b.topic(session)
		t.mu.Lock()
		if !t.closed {
			return t
		}
		t.mu.Unlock()
	}
}

func (b *Bus) topic(session string) *topic {
	b.mu.RLock()
	t, ok := b.topics[session]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[session]; !ok {
		t = &topic{subs: make(map[chan Event]struct{})}
		b.topics[session] = t
	}
	return t
}

// ── Typed publish helpers ─────────────────────────────────────────────────────

// PublishPending announces a scheduled change.
func (b *Bus) PublishPending(session string, p VolumePending) {
	p.Type = TypeVolumePending
	b.Publish(session, p)
}

// PublishConflict announces an averaged resolution.
func (b *Bus) PublishConflict(session string, p ConflictDetected) {
	p.Type = TypeConflictDetected
	b.Publish(session, p)
}

// PublishApplied announces a successful commit.
func (b *Bus) PublishApplied(session string, p VolumeApplied) {
	p.Type = TypeVolumeApplied
	b.Publish(session, p)
}

// PublishError announces a failed commit.
func (b *Bus) PublishError(session string, p VolumeError) {
	p.Type = TypeVolumeError
	b.Publish(session, p)
}

// PublishController announces who is in control now.
func (b *Bus) PublishController(session, userID string) {
	b.Publish(session, ControllerChanged{Type: TypeControllerChanged, CurrentController: userID})
}

// PublishMessage relays a neighbor's message.
func (b *Bus) PublishMessage(session string, p NeighborMessage) {
	p.Type = TypeNeighborMessage
	b.Publish(session, p)
}
