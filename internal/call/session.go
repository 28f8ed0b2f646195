package call

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/petervdpas/huddle/internal/media"
	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/render"
	"github.com/petervdpas/huddle/internal/rtc"
	"github.com/petervdpas/huddle/internal/signaling"
)

var (
	ErrNotActive = errors.New("call: session not active")
	ErrStarted   = errors.New("call: session already started")
	// ErrRemoteLeft is passed to OnLeave when the other side of a direct
	// call hung up.
	ErrRemoteLeft = errors.New("call: remote hung up")
)

const (
	KindVoice  = "voice"
	KindDirect = "direct"
)

// Deps are the collaborators shared by every session.
type Deps struct {
	Signal *signaling.Channel
	Media  *media.Manager
	Peers  rtc.Factory
	Self   proto.Participant

	RecordDir          string
	NegotiationTimeout time.Duration
	// PresenceInterval is how often a voice member re-announces itself on
	// the sidebar topic. 0 announces only on join.
	PresenceInterval time.Duration
	// Remember receives display names seen on the wire. Optional.
	Remember func(proto.Participant)
	// Directory names peers that never announced themselves to us. Optional.
	Directory Directory
}

func (d Deps) remember(p proto.Participant) {
	if d.Remember != nil && p.Username != "" {
		d.Remember(p)
	}
}

// Hooks report lifecycle changes. They run on the session loop and must not
// call back into the session.
type Hooks struct {
	OnLeave       func(err error)
	OnPeerState   func(remoteID string, s PeerState)
	OnRemoteVideo func(enabled bool)
}

type PeerStatus struct {
	ID       string    `json:"id"`
	Username string    `json:"username,omitempty"`
	State    PeerState `json:"state"`
	Pending  int       `json:"pending_candidates"`
}

// Status is a point-in-time view of a session.
type Status struct {
	Kind      string             `json:"kind"`
	Target    string             `json:"target"`
	Remote    *proto.Participant `json:"remote,omitempty"`
	Initiator bool               `json:"initiator,omitempty"`

	Muted              bool `json:"muted"`
	Deafened           bool `json:"deafened"`
	VideoEnabled       bool `json:"video_enabled"`
	RemoteVideoEnabled bool `json:"remote_video_enabled"`

	Peers   []PeerStatus    `json:"peers"`
	Outputs []render.Status `json:"outputs"`
}

// Session is the part common to voice channel and direct calls.
type Session interface {
	Kind() string
	Target() string
	ToggleMute() (bool, error)
	Status() (Status, bool)
	// End leaves the call, announcing it to the other participants.
	End()
	Done() <-chan struct{}
}

// base holds the loop-owned state both session kinds share.
type base struct {
	deps  Deps
	hooks Hooks
	loop  *loop
	tag   string
	// target is the channel or conversation id, readable from any goroutine.
	target atomic.Value

	stream  *media.Stream
	reg     *registry
	outputs *render.Outputs
	subs    []*signaling.Subscription
	names   map[string]string

	started bool
	ended   bool
}

func (b *base) init(d Deps, h Hooks, tag string) {
	b.deps = d
	b.hooks = h
	b.loop = newLoop()
	b.tag = tag
	b.outputs = render.NewOutputs(d.RecordDir)
	b.names = make(map[string]string)
}

func (b *base) Done() <-chan struct{} { return b.loop.done }

func (b *base) Target() string {
	v, _ := b.target.Load().(string)
	return v
}

// subscribe attaches a handler whose messages are processed on the loop.
func (b *base) subscribe(ctx context.Context, topic string, h func(proto.Message)) error {
	sub, err := b.deps.Signal.Subscribe(ctx, topic, func(m proto.Message) {
		b.loop.post(func() {
			if b.started && !b.ended {
				h(m)
			}
		})
	})
	if err != nil {
		return err
	}
	b.subs = append(b.subs, sub)
	return nil
}

func (b *base) send(topic string, m proto.Message) {
	b.deps.Signal.Send(context.Background(), topic, m)
}

// resolveName looks up a peer that reached us without a user_joined. The
// answer is applied on the loop if the peer is still connected.
func (b *base) resolveName(id string) {
	dir := b.deps.Directory
	if dir == nil {
		return
	}
	b.names[id] = ""
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p, err := dir.Lookup(ctx, id)
		if err != nil || p.Username == "" {
			return
		}
		b.loop.post(func() {
			if b.ended || b.reg == nil || b.reg.State(id) == PeerNone {
				return
			}
			if b.names[id] == "" {
				b.names[id] = p.Username
			}
		})
	}()
}

func (b *base) registryConfig(topic string, video, reoffer bool) registryConfig {
	return registryConfig{
		tag:        b.tag,
		selfID:     b.deps.Self.ID,
		factory:    b.deps.Peers,
		stream:     b.stream,
		video:      video,
		reoffer:    reoffer,
		stallAfter: b.deps.NegotiationTimeout,
		send:       func(m proto.Message) { b.send(topic, m) },
		post:       b.loop.post,
		onTrack: func(remoteID string, t rtc.RemoteTrack) {
			b.outputs.Attach(remoteID, t)
		},
		onState: func(remoteID string, s PeerState) {
			if b.hooks.OnPeerState != nil {
				b.hooks.OnPeerState(remoteID, s)
			}
		},
	}
}

// release stops local capture, closes every connection and output and
// drops all subscriptions. It runs on the loop.
func (b *base) release() {
	if b.stream != nil {
		b.stream.Stop()
	}
	if b.reg != nil {
		b.reg.CloseAll()
	}
	b.outputs.RemoveAll()
	for _, s := range b.subs {
		s.Close()
	}
	b.subs = nil
}

// finish marks the session ended, reports it and stops the loop. It runs
// on the loop.
func (b *base) finish(err error) {
	b.ended = true
	if b.hooks.OnLeave != nil {
		b.hooks.OnLeave(err)
	}
	b.loop.stopAsync()
}

func (b *base) peerStatus() []PeerStatus {
	if b.reg == nil {
		return nil
	}
	out := make([]PeerStatus, 0, b.reg.Len())
	for _, id := range b.reg.IDs() {
		out = append(out, PeerStatus{
			ID:       id,
			Username: b.names[id],
			State:    b.reg.State(id),
			Pending:  b.reg.Pending(id),
		})
	}
	return out
}

func (b *base) toggleMute() (muted bool, err error) {
	ok := b.loop.do(func() {
		if !b.started || b.ended || b.stream == nil {
			err = ErrNotActive
			return
		}
		muted = b.stream.ToggleMute()
	})
	if !ok {
		return false, ErrNotActive
	}
	return muted, err
}
