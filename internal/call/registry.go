package call

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/petervdpas/huddle/internal/media"
	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/rtc"
)

// PeerState is the negotiation state of one remote participant.
type PeerState string

const (
	PeerNone       PeerState = "none"
	PeerConnecting PeerState = "connecting"
	PeerConnected  PeerState = "connected"
	PeerClosed     PeerState = "closed"
)

type entry struct {
	id        string
	peer      rtc.Peer
	state     PeerState
	initiator bool
	remoteSet bool
	remoteSDP string
	pending   []proto.Candidate
	stall     *time.Timer
}

type registryConfig struct {
	tag     string
	selfID  string
	factory rtc.Factory
	stream  *media.Stream
	// video adds a video transceiver to every connection.
	video bool
	// reoffer resends the stored offer when a remote we are still waiting
	// on announces itself again.
	reoffer    bool
	stallAfter time.Duration

	send    func(proto.Message)
	post    func(func()) bool
	onTrack func(remoteID string, t rtc.RemoteTrack)
	onState func(remoteID string, s PeerState)
}

// registry owns the peer connections of one session. It is only used from
// the session loop.
type registry struct {
	cfg     registryConfig
	entries map[string]*entry
	// candidates that arrived before any connection existed for the sender
	early map[string][]proto.Candidate
}

func newRegistry(cfg registryConfig) *registry {
	return &registry{
		cfg:     cfg,
		entries: make(map[string]*entry),
		early:   make(map[string][]proto.Candidate),
	}
}

func (r *registry) logf(format string, args ...any) {
	log.Printf("CALL [%s]: "+format, append([]any{r.cfg.tag}, args...)...)
}

func (r *registry) setState(e *entry, s PeerState) {
	if e.state == s {
		return
	}
	e.state = s
	if r.cfg.onState != nil {
		r.cfg.onState(e.id, s)
	}
}

// open creates the connection for remoteID with the local tracks attached.
func (r *registry) open(remoteID string, initiator bool) (*entry, error) {
	e := &entry{id: remoteID, initiator: initiator}
	current := func() bool { return r.entries[remoteID] == e }

	peer, err := r.cfg.factory.NewPeer(rtc.PeerConfig{RemoteID: remoteID, Video: r.cfg.video}, rtc.Events{
		OnICECandidate: func(c proto.Candidate) {
			r.cfg.post(func() {
				if current() {
					r.cfg.send(proto.ICECandidate{From: r.cfg.selfID, To: remoteID, Candidate: c})
				}
			})
		},
		OnTrack: func(t rtc.RemoteTrack) {
			r.cfg.post(func() {
				if !current() {
					return
				}
				r.setState(e, PeerConnected)
				if r.cfg.onTrack != nil {
					r.cfg.onTrack(remoteID, t)
				}
			})
		},
		OnStateChange: func(s rtc.ConnectionState) {
			r.cfg.post(func() {
				if current() {
					r.logf("connection to %s is %s", remoteID, s)
				}
			})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer %s: %w", remoteID, err)
	}
	e.peer = peer

	if r.cfg.stream != nil {
		for _, t := range r.cfg.stream.Tracks() {
			if err := peer.AddTrack(t); err != nil {
				_ = peer.Close()
				return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
		}
	}

	e.pending = r.early[remoteID]
	delete(r.early, remoteID)
	r.entries[remoteID] = e
	r.setState(e, PeerConnecting)

	if r.cfg.stallAfter > 0 {
		e.stall = time.AfterFunc(r.cfg.stallAfter, func() {
			r.cfg.post(func() {
				if current() && e.state == PeerConnecting {
					r.logf("peer %s still negotiating after %s", remoteID, r.cfg.stallAfter)
				}
			})
		})
	}
	return e, nil
}

// HandleJoined makes us the offering side towards a newly announced
// remote. A second announcement for a known remote creates nothing.
func (r *registry) HandleJoined(remoteID string) {
	if e, ok := r.entries[remoteID]; ok {
		if r.cfg.reoffer && e.initiator && !e.remoteSet {
			if sdp := e.peer.LocalDescription(); sdp != "" {
				r.logf("re-sending offer to %s", remoteID)
				r.cfg.send(proto.Offer{From: r.cfg.selfID, To: remoteID, SDP: sdp})
			}
		}
		return
	}

	e, err := r.open(remoteID, true)
	if err != nil {
		r.logf("offer to %s: %v", remoteID, err)
		return
	}
	sdp, err := e.peer.CreateOffer()
	if err != nil {
		r.logf("create offer for %s: %v", remoteID, err)
		r.Remove(remoteID)
		return
	}
	r.cfg.send(proto.Offer{From: r.cfg.selfID, To: remoteID, SDP: sdp})
}

// HandleOffer answers an offer, creating the connection without offering
// if none exists yet.
func (r *registry) HandleOffer(from, sdp string) {
	e, ok := r.entries[from]
	if ok && e.remoteSet && e.remoteSDP == sdp {
		return
	}
	if !ok {
		var err error
		if e, err = r.open(from, false); err != nil {
			r.logf("answer %s: %v", from, err)
			return
		}
	}

	if err := e.peer.SetRemoteOffer(sdp); err != nil {
		r.logf("set remote offer from %s: %v", from, err)
		return
	}
	e.remoteSet = true
	e.remoteSDP = sdp

	answer, err := e.peer.CreateAnswer()
	if err != nil {
		r.logf("create answer for %s: %v", from, err)
		return
	}
	r.cfg.send(proto.Answer{From: r.cfg.selfID, To: from, SDP: answer})
	r.flush(e)
}

func (r *registry) HandleAnswer(from, sdp string) {
	e, ok := r.entries[from]
	if !ok {
		r.logf("answer from %s without a connection", from)
		return
	}
	if e.remoteSet {
		return
	}
	if err := e.peer.SetRemoteAnswer(sdp); err != nil {
		r.logf("set remote answer from %s: %v", from, err)
		return
	}
	e.remoteSet = true
	e.remoteSDP = sdp
	r.flush(e)
}

// HandleCandidate applies c now if the remote description is known,
// otherwise queues it behind earlier candidates from the same sender.
func (r *registry) HandleCandidate(from string, c proto.Candidate) {
	e, ok := r.entries[from]
	switch {
	case !ok:
		r.early[from] = append(r.early[from], c)
	case !e.remoteSet:
		e.pending = append(e.pending, c)
	default:
		if err := e.peer.AddICECandidate(c); err != nil {
			r.logf("add candidate from %s: %v", from, err)
		}
	}
}

func (r *registry) flush(e *entry) {
	queued := e.pending
	e.pending = nil
	for _, c := range queued {
		if err := e.peer.AddICECandidate(c); err != nil {
			r.logf("add queued candidate from %s: %v", e.id, err)
		}
	}
}

// SetVideoTrack swaps the outgoing video on every connection.
func (r *registry) SetVideoTrack(t media.Track) {
	for id, e := range r.entries {
		if err := e.peer.SetVideoTrack(t); err != nil {
			r.logf("video track for %s: %v", id, err)
		}
	}
}

// Remove closes and forgets remoteID, including queued candidates.
func (r *registry) Remove(remoteID string) bool {
	delete(r.early, remoteID)
	e, ok := r.entries[remoteID]
	if !ok {
		return false
	}
	delete(r.entries, remoteID)
	if e.stall != nil {
		e.stall.Stop()
	}
	if err := e.peer.Close(); err != nil {
		r.logf("close %s: %v", remoteID, err)
	}
	r.setState(e, PeerClosed)
	return true
}

func (r *registry) CloseAll() {
	for _, id := range r.IDs() {
		r.Remove(id)
	}
	r.early = make(map[string][]proto.Candidate)
}

func (r *registry) State(remoteID string) PeerState {
	if e, ok := r.entries[remoteID]; ok {
		return e.state
	}
	return PeerNone
}

// Pending counts queued candidates for remoteID.
func (r *registry) Pending(remoteID string) int {
	if e, ok := r.entries[remoteID]; ok {
		return len(e.pending)
	}
	return len(r.early[remoteID])
}

func (r *registry) Len() int { return len(r.entries) }

func (r *registry) IDs() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
