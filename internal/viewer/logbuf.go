// internal/viewer/logbuf.go
package viewer

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/neighborly/internal/util"
)

type LogEntry struct {
	TS    time.Time `json:"ts"`
	Level string    `json:"level,omitempty"`
	Msg   string    `json:"msg"`
}

// LogBuffer keeps the most recent log lines and tails them to subscribers.
// It is fed by an io.Copy from the logging pipe.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Write implements io.Writer. Input is split into lines; partial lines wait
// for the next write.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}

		e := LogEntry{TS: time.Now(), Level: levelOf(line), Msg: line}
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
			}
		}
	}
	return len(p), nil
}

// levelOf picks the level word out of a plaintext go-log line
// ("2024-05-01T10:00:00.000Z	INFO	volume	...").
func levelOf(line string) string {
	for _, f := range strings.Fields(line) {
		switch f {
		case "DEBUG", "INFO", "WARN", "ERROR", "DPANIC", "PANIC", "FATAL":
			return strings.ToLower(f)
		}
	}
	return ""
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/logs[?limit=N]
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	entries := b.Snapshot()
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n >= 0 {
		entries = b.entries.Last(n)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(entries)
}

// GET /api/logs/stream (Server-Sent Events), tail only
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(e)
			_, _ = w.Write([]byte("event: message\ndata: " + string(data) + "\n\n"))
			flusher.Flush()
		}
	}
}
