// internal/viewer/routes/call.go

package routes

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/petervdpas/huddle/internal/media"
)

type conversationReq struct {
	ConversationID string `json:"conversation_id"`
}

// registerCallRoutes adds the direct call endpoints.
//
//	POST /api/call/start         {"conversation_id","callee_id","video"}
//	POST /api/call/accept        {"conversation_id","video"}
//	POST /api/call/decline       {"conversation_id"}
//	POST /api/call/hangup
//	POST /api/call/toggle-audio
//	POST /api/call/toggle-video
//	GET  /api/call/status
//	POST /api/conversation/open  {"conversation_id"}
//	POST /api/conversation/close {"conversation_id"}
func registerCallRoutes(mux *http.ServeMux, d Deps) {
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		CalleeID       string `json:"callee_id"`
		Video          bool   `json:"video"`
	}) {
		conv, callee := strings.TrimSpace(req.ConversationID), strings.TrimSpace(req.CalleeID)
		if conv == "" || callee == "" {
			http.Error(w, "missing conversation_id or callee_id", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), d.CommandTimeout)
		defer cancel()
		if err := d.Calls.StartCall(ctx, conv, callee, req.Video); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "calling", "conversation_id": conv})
	})

	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		Video          bool   `json:"video"`
	}) {
		conv := strings.TrimSpace(req.ConversationID)
		if conv == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), d.CommandTimeout)
		defer cancel()
		if err := d.Calls.AcceptCall(ctx, conv, req.Video); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "accepted", "conversation_id": conv})
	})

	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, req conversationReq) {
		conv := strings.TrimSpace(req.ConversationID)
		if conv == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		if err := d.Calls.DeclineCall(conv); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "declined", "conversation_id": conv})
	})

	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := d.Calls.Hangup(); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := d.Calls.ToggleMute()
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		ctx, cancel := context.WithTimeout(r.Context(), d.CommandTimeout)
		defer cancel()
		enabled, err := d.Calls.ToggleVideo(ctx)
		var devErr *media.DeviceError
		if errors.As(err, &devErr) {
			// The camera failing to start leaves the call up with video off.
			writeJSON(w, map[string]any{"video": false, "error": err.Error()})
			return
		}
		if err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"video": enabled})
	})

	handleGet(mux, "/api/call/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Calls.Status())
	})

	handlePost(mux, "/api/conversation/open", func(w http.ResponseWriter, r *http.Request, req conversationReq) {
		conv := strings.TrimSpace(req.ConversationID)
		if conv == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), d.CommandTimeout)
		defer cancel()
		if err := d.Calls.OpenConversation(ctx, conv); err != nil {
			callError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "open", "conversation_id": conv})
	})

	handlePost(mux, "/api/conversation/close", func(w http.ResponseWriter, r *http.Request, req conversationReq) {
		conv := strings.TrimSpace(req.ConversationID)
		if conv == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		d.Calls.CloseConversation(conv)
		writeJSON(w, map[string]string{"status": "closed", "conversation_id": conv})
	})
}
