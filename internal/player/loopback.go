package player

import (
	"context"
	"sync"
)

// Loopback is an in-process Player. It remembers the last volume per token
// and can be told to fail, which makes it useful for local runs and tests.
type Loopback struct {
	mu      sync.Mutex
	volumes map[string]int
	calls   []int
	track   *Track
	failErr error
	block   chan struct{}
}

// NewLoopback creates a loopback player reporting track as playing.
func NewLoopback(track *Track) *Loopback {
	return &Loopback{volumes: make(map[string]int), track: track}
}

// SetVolume records the call. It honours ctx while blocked (see Block).
func (l *Loopback) SetVolume(ctx context.Context, token string, volume int) error {
	l.mu.Lock()
	block := l.block
	l.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, volume)
	if l.failErr != nil {
		return l.failErr
	}
	l.volumes[token] = volume
	return nil
}

// CurrentTrack returns the configured track.
func (l *Loopback) CurrentTrack(ctx context.Context, token string) (*Track, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.track == nil {
		return nil, nil
	}
	t := *l.track
	return &t, nil
}

// Fail makes every following SetVolume return err. nil restores success.
func (l *Loopback) Fail(err error) {
	l.mu.Lock()
	l.failErr = err
	l.mu.Unlock()
}

// Block makes SetVolume wait until the returned release func is called or
// the call's context ends.
func (l *Loopback) Block() (release func()) {
	ch := make(chan struct{})
	l.mu.Lock()
	l.block = ch
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.block = nil
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Calls returns every volume passed to SetVolume, in call order.
func (l *Loopback) Calls() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.calls...)
}

// Volume returns the last successfully set volume for token.
func (l *Loopback) Volume(token string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.volumes[token]
	return v, ok
}
