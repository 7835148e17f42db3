package routes

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/petervdpas/neighborly/internal/player"
	"github.com/petervdpas/neighborly/internal/session"
)

// trackTimeout bounds the player lookup behind session and status pages.
const trackTimeout = 3 * time.Second

// registerSessionRoutes adds the owner and viewer read endpoints.
//
//	POST /api/sessions        owner creates a share link
//	GET  /api/session/{link}  full session view incl. history
//	GET  /api/status/{link}   light status, polled by the page
func registerSessionRoutes(mux *http.ServeMux, d Deps) {
	handlePost(mux, "/api/sessions", func(w http.ResponseWriter, r *http.Request, req struct {
		OwnerID     string `json:"ownerId"`
		AccessToken string `json:"accessToken"`
		Volume      *int   `json:"volume"`
	}) {
		if strings.TrimSpace(req.OwnerID) == "" {
			writeJSONStatus(w, http.StatusBadRequest, map[string]any{"success": false, "error": "missing ownerId"})
			return
		}
		vol := 50
		if req.Volume != nil {
			vol = *req.Volume
		}
		st, err := d.Sessions.Create(req.OwnerID, req.AccessToken, vol)
		if err != nil {
			writeJSONStatus(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
			return
		}
		writeJSONStatus(w, http.StatusCreated, map[string]any{
			"success":  true,
			"linkId":   st.ID,
			"ownerId":  st.OwnerID,
			"volume":   st.Volume,
			"shareUrl": strings.TrimRight(d.BaseURL, "/") + "/?link=" + st.ID,
		})
	})

	handleGet(mux, "/api/session/", func(w http.ResponseWriter, r *http.Request) {
		id, ok := linkID(w, r, "/api/session/")
		if !ok {
			return
		}
		st, err := d.Sessions.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{
			"success":           true,
			"linkId":            st.ID,
			"volume":            st.Volume,
			"currentController": d.Volume.CurrentController(id),
			"lastVolumeChange":  st.LastVolumeChangeAt,
			"track":             currentTrack(r.Context(), d.Sessions, id),
			"history":           st.History,
		})
	})

	handleGet(mux, "/api/status/", func(w http.ResponseWriter, r *http.Request) {
		id, ok := linkID(w, r, "/api/status/")
		if !ok {
			return
		}
		st, err := d.Sessions.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		resp := map[string]any{
			"success":           true,
			"volume":            st.Volume,
			"currentController": d.Volume.CurrentController(id),
			"track":             currentTrack(r.Context(), d.Sessions, id),
			"pending":           nil,
		}
		if p, ok := d.Volume.Pending(id); ok {
			resp["pending"] = map[string]any{
				"userId":               p.UserID,
				"volume":               p.ResolvedVolume,
				"applyAt":              p.ApplyAt().UnixMilli(),
				"isConflictResolution": p.IsConflictResolution,
			}
		}
		writeJSON(w, resp)
	})
}

// currentTrack degrades to nil when the player cannot be reached.
func currentTrack(ctx context.Context, reg *session.Registry, id string) *player.Track {
	ctx, cancel := context.WithTimeout(ctx, trackTimeout)
	defer cancel()
	t, err := reg.CurrentTrack(ctx, id)
	if err != nil {
		log.Warnw("track lookup failed", "session", id, "err", err)
		return nil
	}
	return t
}
