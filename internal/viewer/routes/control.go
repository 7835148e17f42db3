package routes

import (
	"net/http"
	"strings"

	"github.com/petervdpas/neighborly/internal/volume"
)

type controlRequest struct {
	NeighborID    string `json:"neighborId"`
	Action        string `json:"action"`
	Volume        *int   `json:"volume"`
	CustomMessage string `json:"customMessage"`
	Message       string `json:"message"`
	AccessToken   string `json:"accessToken"`
}

// registerControlRoutes adds PUT /api/control/{link}: volume changes and
// neighbor messages.
func registerControlRoutes(mux *http.ServeMux, d Deps) {
	handlePut(mux, "/api/control/", func(w http.ResponseWriter, r *http.Request, req controlRequest) {
		id, ok := linkID(w, r, "/api/control/")
		if !ok {
			return
		}

		// every request names its sender so the limiter and the conflict
		// window see one user per client
		neighbor := strings.TrimSpace(req.NeighborID)
		if neighbor == "" {
			writeError(w, volume.ErrMissingUser)
			return
		}
		action := req.Action
		if action == "" && req.Volume != nil {
			action = volume.ActionVolumeChange
		}

		if action == volume.ActionVolumeChange {
			if req.Volume == nil {
				writeError(w, volume.ErrInvalidVolume)
				return
			}
			ack, err := d.Volume.Submit(r.Context(), volume.Request{
				SessionID:  id,
				UserID:     neighbor,
				Volume:     *req.Volume,
				OwnerToken: req.AccessToken,
			})
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, struct {
				volume.Ack
				NeighborID string `json:"neighborId"`
			}{ack, neighbor})
			return
		}

		text := req.Message
		if action == volume.ActionCustomMessage && req.CustomMessage != "" {
			text = req.CustomMessage
		}
		sent, err := d.Volume.SendMessage(r.Context(), id, neighbor, action, text)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{
			"success":    true,
			"message":    sent,
			"neighborId": neighbor,
		})
	})
}
