package viewer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/neighborly/internal/notify"
	"github.com/petervdpas/neighborly/internal/session"
	"github.com/petervdpas/neighborly/internal/volume"
)

func TestLogBufferSplitsLines(t *testing.T) {
	b := NewLogBuffer(3)
	_, _ = b.Write([]byte("2024-05-01T10:00:00.000Z\tINFO\tvolume\tfirst\n2024-05-01T10:00:00.000Z\tWA"))
	require.Len(t, b.Snapshot(), 1)
	_, _ = b.Write([]byte("RN\tvolume\tsecond\n\n"))

	got := b.Snapshot()
	require.Len(t, got, 2)
	require.Equal(t, "info", got[0].Level)
	require.Equal(t, "warn", got[1].Level)

	for i := 0; i < 5; i++ {
		_, _ = b.Write([]byte("line\n"))
	}
	require.Len(t, b.Snapshot(), 3)
}

func TestLogsEndpointLimit(t *testing.T) {
	b := NewLogBuffer(10)
	for _, l := range []string{"a\n", "b\n", "c\n"} {
		_, _ = b.Write([]byte(l))
	}

	rec := httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodGet, "/api/logs?limit=2", nil))
	var got []LogEntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].Msg)
}

func TestHandlerSetsNoCacheOnAPI(t *testing.T) {
	reg := session.NewRegistry(session.Options{})
	bus := notify.NewBus(nil)
	coord := volume.New(volume.Options{Registry: reg, Bus: bus})
	defer coord.Stop()

	h := Handler("127.0.0.1:0", Viewer{Sessions: reg, Volume: coord, Bus: bus, Logs: NewLogBuffer(10)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Cache-Control"), "no-store")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Cache-Control"))
}
