// internal/viewer/routes/events.go

package routes

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventWriteWait  = 10 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = (eventPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The control API listens on loopback; any local page may watch.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// registerEventRoutes adds GET /api/events, a websocket carrying every
// call.Event as a JSON text message. The stream starts with a snapshot
// event so a client does not have to poll /api/call/status first.
func registerEventRoutes(mux *http.ServeMux, d Deps) {
	handleGet(mux, "/api/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("VIEWER: events upgrade: %v", err)
			return
		}
		defer conn.Close()

		events, cancel := d.Calls.Subscribe()
		defer cancel()

		// Reads only serve pongs and notice the close.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			conn.SetReadLimit(512)
			_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(eventPongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		write := func(v any) error {
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			return conn.WriteJSON(v)
		}
		if err := write(map[string]any{"type": "snapshot", "status": d.Calls.Status()}); err != nil {
			return
		}

		ping := time.NewTicker(eventPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-closed:
				return
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
						time.Now().Add(eventWriteWait))
					return
				}
				if err := write(ev); err != nil {
					return
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	})
}
