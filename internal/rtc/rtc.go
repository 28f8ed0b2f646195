// Package rtc wraps pion peer connections behind the small surface the
// call state machine needs, so that machine can be driven by fakes.
package rtc

import (
	"github.com/pion/rtp"

	"github.com/petervdpas/huddle/internal/media"
	"github.com/petervdpas/huddle/internal/proto"
)

// Peer is one connection to one remote participant.
type Peer interface {
	// AddTrack attaches a local track for sending.
	AddTrack(t media.Track) error
	// SetVideoTrack swaps the track on the video sender without
	// renegotiating. Nil clears it.
	SetVideoTrack(t media.Track) error
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer() (string, error)
	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer() (string, error)
	// LocalDescription returns the SDP last applied locally.
	LocalDescription() string
	SetRemoteOffer(sdp string) error
	SetRemoteAnswer(sdp string) error
	AddICECandidate(c proto.Candidate) error
	Close() error
}

// RemoteTrack is an inbound media track.
type RemoteTrack interface {
	ID() string
	Kind() media.Kind
	MimeType() string
	ReadRTP() (*rtp.Packet, error)
	// RequestKeyframe asks the sender for a fresh video keyframe.
	RequestKeyframe() error
}

type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// Events are invoked from pion's goroutines.
type Events struct {
	OnICECandidate func(proto.Candidate)
	OnTrack        func(RemoteTrack)
	OnStateChange  func(ConnectionState)
}

type PeerConfig struct {
	RemoteID string
	// Video adds a video transceiver up front so a camera can be switched
	// on later without renegotiation.
	Video bool
}

type Factory interface {
	NewPeer(cfg PeerConfig, ev Events) (Peer, error)
}
