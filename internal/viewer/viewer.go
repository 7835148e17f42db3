// Package viewer serves the HTTP and websocket API used by the owner page
// and the neighbors' control page.
package viewer

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/neighborly/internal/metrics"
	"github.com/petervdpas/neighborly/internal/notify"
	"github.com/petervdpas/neighborly/internal/session"
	"github.com/petervdpas/neighborly/internal/viewer/routes"
	"github.com/petervdpas/neighborly/internal/volume"
)

var log = logging.Logger("viewer")

type Viewer struct {
	Sessions *session.Registry
	Volume   *volume.Coordinator
	Bus      *notify.Bus
	Metrics  *metrics.Metrics
	Logs     *LogBuffer

	// canonical base URL for share links (e.g. http://127.0.0.1:8080)
	BaseURL        string
	AllowedOrigins []string
}

// Handler builds the full mux.
func Handler(addr string, v Viewer) http.Handler {
	mux := http.NewServeMux()

	baseURL := v.BaseURL
	if baseURL == "" {
		baseURL = "http://" + addr
	}

	deps := routes.Deps{
		Sessions:       v.Sessions,
		Volume:         v.Volume,
		Bus:            v.Bus,
		Metrics:        v.Metrics,
		BaseURL:        baseURL,
		AllowedOrigins: v.AllowedOrigins,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			noCache(mux).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// Start serves until ctx ends, then shuts down gracefully.
func Start(ctx context.Context, addr string, v Viewer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(addr, v),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
