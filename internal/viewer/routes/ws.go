package routes

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/petervdpas/neighborly/internal/notify"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsPongWait   = wsPingPeriod + 10*time.Second
)

func newUpgrader(allowed []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || lo.Contains(allowed, origin)
		},
	}
}

// registerWSRoutes adds GET /ws/{link}?neighborId=. The socket first gets
// session_joined, then every event of the session in publish order.
func registerWSRoutes(mux *http.ServeMux, d Deps) {
	up := newUpgrader(d.AllowedOrigins)

	handleGet(mux, "/ws/", func(w http.ResponseWriter, r *http.Request) {
		id, ok := linkID(w, r, "/ws/")
		if !ok {
			return
		}
		if _, err := d.Sessions.Get(id); err != nil {
			writeError(w, err)
			return
		}
		neighbor := r.URL.Query().Get("neighborId")

		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			log.Warnw("websocket upgrade failed", "session", id, "err", err)
			return
		}
		defer conn.Close()

		// subscribe before reading state so nothing falls between the two
		events, cancel := d.Bus.Subscribe(id)
		defer cancel()

		st, err := d.Sessions.Get(id)
		if err != nil {
			return
		}
		_ = d.Sessions.Touch(id)
		log.Infow("viewer joined", "session", id, "neighbor", neighbor, "viewers", d.Bus.Subscribers(id))

		if err := writeWS(conn, notify.SessionJoined{
			Type:              notify.TypeSessionJoined,
			SessionID:         id,
			Volume:            st.Volume,
			CurrentController: d.Volume.CurrentController(id),
		}); err != nil {
			return
		}

		closed := make(chan struct{})
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-closed:
				log.Debugw("viewer left", "session", id, "neighbor", neighbor)
				return
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case e, ok := <-events:
				if !ok {
					// session expired
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
						time.Now().Add(wsWriteWait))
					return
				}
				if err := writeWS(conn, e.Payload); err != nil {
					return
				}
			}
		}
	})
}

func writeWS(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}
