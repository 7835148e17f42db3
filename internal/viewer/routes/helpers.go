// internal/viewer/routes/helpers.go

package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/neighborly/internal/player"
	"github.com/petervdpas/neighborly/internal/session"
	"github.com/petervdpas/neighborly/internal/volume"
)

var log = logging.Logger("viewer")

// maxBody caps JSON request bodies.
const maxBody = 64 << 10

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid JSON: " + err.Error()})
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		fn(w, r)
	})
}

func handlePost[T any](mux *http.ServeMux, path string, fn func(http.ResponseWriter, *http.Request, T)) {
	handleBody(mux, http.MethodPost, path, fn)
}

func handlePut[T any](mux *http.ServeMux, path string, fn func(http.ResponseWriter, *http.Request, T)) {
	handleBody(mux, http.MethodPut, path, fn)
}

func handleBody[T any](mux *http.ServeMux, method, path string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, method) {
			return
		}
		var req T
		if decodeJSON(w, r, &req) != nil {
			return
		}
		fn(w, r, req)
	})
}

// linkID extracts the session link from /prefix/{link}.
func linkID(w http.ResponseWriter, r *http.Request, prefix string) (string, bool) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONStatus(w, http.StatusBadRequest, map[string]any{"success": false, "error": "missing session link"})
		return "", false
	}
	return id, true
}

// writeError maps pipeline errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	body := map[string]any{"success": false, "error": err.Error()}
	status := http.StatusInternalServerError

	var rl *volume.RateLimitedError
	var apiErr *player.APIError
	switch {
	case errors.As(err, &rl):
		status = http.StatusTooManyRequests
		body["retryAfterSeconds"] = rl.RetryAfterSeconds
		body["retryAfter"] = rl.RetryAfterSeconds
		body["remainingTokens"] = 0
		body["message"] = fmt.Sprintf("Too many changes, try again in %ds", rl.RetryAfterSeconds)
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfterSeconds))
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, volume.ErrInvalidVolume),
		errors.Is(err, volume.ErrMissingUser),
		errors.Is(err, volume.ErrUnknownAction),
		errors.Is(err, volume.ErrInvalidText):
		status = http.StatusBadRequest
	case errors.As(err, &apiErr):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		log.Errorw("request failed", "err", err)
	}
	writeJSONStatus(w, status, body)
}
