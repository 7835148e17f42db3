// internal/viewer/routes/register.go
package routes

import (
	"net/http"

	"github.com/petervdpas/neighborly/internal/metrics"
	"github.com/petervdpas/neighborly/internal/notify"
	"github.com/petervdpas/neighborly/internal/session"
	"github.com/petervdpas/neighborly/internal/volume"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Sessions *session.Registry
	Volume   *volume.Coordinator
	Bus      *notify.Bus
	Metrics  *metrics.Metrics
	Logs     Logs

	// BaseURL is the externally visible origin used in share links.
	BaseURL string
	// AllowedOrigins limits websocket origins. Empty allows any.
	AllowedOrigins []string
}

func Register(mux *http.ServeMux, d Deps) {
	registerSessionRoutes(mux, d)
	registerControlRoutes(mux, d)
	registerWSRoutes(mux, d)

	if d.Logs != nil {
		handleGet(mux, "/api/logs", d.Logs.ServeLogsJSON)
		handleGet(mux, "/api/logs/stream", d.Logs.ServeLogsSSE)
	}
	if d.Metrics != nil {
		mux.Handle("/metrics", d.Metrics.Handler())
	}
	handleGet(mux, "/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true, "sessions": d.Sessions.Len()})
	})
}
