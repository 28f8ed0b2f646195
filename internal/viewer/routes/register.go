// internal/viewer/routes/register.go

// Package routes is the local JSON control API of a peer: voice channel
// and direct call commands, the call event websocket and the log tail.
package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/petervdpas/huddle/internal/call"
	"github.com/petervdpas/huddle/internal/proto"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Calls is the part of *call.Manager the API drives.
type Calls interface {
	JoinVoice(ctx context.Context, channelID string) error
	LeaveVoice() error
	ToggleMute() (bool, error)
	ToggleDeafen() (bool, error)
	ToggleVideo(ctx context.Context) (bool, error)
	WatchPresence(ctx context.Context, channelID string) error
	Roster(channelID string) ([]proto.Participant, bool)

	StartCall(ctx context.Context, conversationID, calleeID string, video bool) error
	AcceptCall(ctx context.Context, conversationID string, video bool) error
	DeclineCall(conversationID string) error
	Hangup() error
	OpenConversation(ctx context.Context, conversationID string) error
	CloseConversation(conversationID string)

	Status() call.Snapshot
	Subscribe() (<-chan call.Event, func())
}

type Deps struct {
	Calls Calls
	Logs  Logs
	// CommandTimeout bounds device acquisition and subscribe round trips
	// for one request.
	CommandTimeout time.Duration
}

func Register(mux *http.ServeMux, d Deps) {
	if d.CommandTimeout <= 0 {
		d.CommandTimeout = 15 * time.Second
	}
	if d.Logs != nil {
		mux.HandleFunc("GET /api/logs", d.Logs.ServeLogsJSON)
		mux.HandleFunc("GET /api/logs/stream", d.Logs.ServeLogsSSE)
	}
	if d.Calls == nil {
		return
	}
	registerVoiceRoutes(mux, d)
	registerCallRoutes(mux, d)
	registerEventRoutes(mux, d)
}
