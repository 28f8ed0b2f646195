// internal/viewer/routes/voice.go

package routes

import (
	"context"
	"net/http"
	"strings"

	"github.com/petervdpas/huddle/internal/proto"
)

// registerVoiceRoutes adds the voice channel endpoints.
//
//	POST /api/voice/join      {"channel_id"}
//	POST /api/voice/leave
//	POST /api/voice/mute
//	POST /api/voice/deafen
//	GET  /api/voice/presence?channel=<id>
func registerVoiceRoutes(mux *http.ServeMux, d Deps) {
	handlePost(mux, "/api/voice/join", func(w http.ResponseWriter, r *http.Request, req struct {
		ChannelID string `json:"channel_id"`
	}) {
		channelID := strings.TrimSpace(req.ChannelID)
		if channelID == "" {
			http.Error(w, "missing channel_id", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), d.CommandTimeout)
		defer cancel()
		if err := d.Calls.JoinVoice(ctx, channelID); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "joined", "channel_id": channelID})
	})

	handlePost(mux, "/api/voice/leave", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := d.Calls.LeaveVoice(); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "left"})
	})

	handlePost(mux, "/api/voice/mute", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := d.Calls.ToggleMute()
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	handlePost(mux, "/api/voice/deafen", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		deafened, err := d.Calls.ToggleDeafen()
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"deafened": deafened})
	})

	// Looking at a channel starts watching its presence topic, so the
	// first answer may be empty until members announce themselves.
	handleGet(mux, "/api/voice/presence", func(w http.ResponseWriter, r *http.Request) {
		channelID := strings.TrimSpace(r.URL.Query().Get("channel"))
		if channelID == "" {
			http.Error(w, "missing channel", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), d.CommandTimeout)
		defer cancel()
		if err := d.Calls.WatchPresence(ctx, channelID); err != nil {
			callError(w, err)
			return
		}
		roster, _ := d.Calls.Roster(channelID)
		if roster == nil {
			roster = []proto.Participant{}
		}
		writeJSON(w, map[string]any{"channel_id": channelID, "participants": roster})
	})
}
