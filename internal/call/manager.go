// Package call runs voice channel and direct calls over a signaling
// channel. Each session owns one event loop; the Manager makes sure only
// one session holds the capture devices at a time.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/huddle/internal/media"
	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/rtc"
	"github.com/petervdpas/huddle/internal/signaling"
)

var (
	ErrBusy      = errors.New("call: another call is active")
	ErrNoCall    = errors.New("call: no active call")
	ErrWrongKind = errors.New("call: not supported by the active call")
)

// Directory resolves and records display names. *identity.Cache satisfies it.
type Directory interface {
	Lookup(ctx context.Context, id string) (proto.Participant, error)
	Remember(p proto.Participant)
}

type Options struct {
	Signal    *signaling.Channel
	Media     *media.Manager
	Peers     rtc.Factory
	Directory Directory
	Tone      Tone

	RecordDir          string
	NegotiationTimeout time.Duration
	MaxParticipants    int
	VideoDefault       bool
	// PresenceInterval paces voice presence announcements. Watched rosters
	// forget members silent for three intervals.
	PresenceInterval time.Duration
}

// Manager owns the active call session and the always-on ringer and
// sidebar presence.
type Manager struct {
	opts     Options
	self     proto.Participant
	ringer   *Ringer
	presence *Presence
	events   *broker

	mu       sync.Mutex
	active   Session
	timeout  time.Duration
	maxPeers int
	closed   bool
}

// New resolves the local identity once and wires the ringer and presence
// watcher to the signaling channel.
func New(ctx context.Context, o Options) (*Manager, error) {
	if o.Signal == nil || o.Media == nil || o.Peers == nil || o.Directory == nil || o.Tone == nil {
		return nil, errors.New("call: incomplete options")
	}
	self, err := o.Directory.Lookup(ctx, o.Signal.SelfID())
	if err != nil {
		return nil, fmt.Errorf("resolve self: %w", err)
	}

	m := &Manager{
		opts:     o,
		self:     self,
		events:   newBroker(),
		timeout:  o.NegotiationTimeout,
		maxPeers: o.MaxParticipants,
	}
	m.ringer = NewRinger(o.Signal, o.Tone, self)
	m.ringer.Remember = o.Directory.Remember
	m.ringer.OnIncoming = func(ic IncomingCall) {
		from := ic.From
		m.events.publish(Event{Type: EventIncoming, Kind: KindDirect, Target: ic.ConversationID, From: &from})
	}
	m.ringer.OnCancelled = func(ic IncomingCall) {
		from := ic.From
		m.events.publish(Event{Type: EventCancelled, Kind: KindDirect, Target: ic.ConversationID, From: &from})
	}
	m.presence = NewPresence(o.Signal)
	m.presence.TTL = 3 * o.PresenceInterval
	m.presence.OnChange = func(channelID string, roster []proto.Participant) {
		m.events.publish(Event{Type: EventPresence, Kind: KindVoice, Target: channelID, Roster: roster})
	}
	return m, nil
}

func (m *Manager) Self() proto.Participant { return m.self }

// Subscribe returns a stream of call events and a func to stop it.
func (m *Manager) Subscribe() (<-chan Event, func()) { return m.events.subscribe() }

// SetNegotiationTimeout applies to sessions started afterwards.
func (m *Manager) SetNegotiationTimeout(d time.Duration) {
	m.mu.Lock()
	m.timeout = d
	m.mu.Unlock()
}

func (m *Manager) SetMaxParticipants(n int) {
	m.mu.Lock()
	m.maxPeers = n
	m.mu.Unlock()
}

func (m *Manager) deps() Deps {
	m.mu.Lock()
	timeout := m.timeout
	m.mu.Unlock()
	return Deps{
		Signal:             m.opts.Signal,
		Media:              m.opts.Media,
		Peers:              m.opts.Peers,
		Self:               m.self,
		RecordDir:          m.opts.RecordDir,
		NegotiationTimeout: timeout,
		PresenceInterval:   m.opts.PresenceInterval,
		Remember:           m.opts.Directory.Remember,
		Directory:          m.opts.Directory,
	}
}

// hooks reports a session's lifecycle as events and frees the slot when
// it ends.
func (m *Manager) hooks(kind, target string, owner func() Session) Hooks {
	return Hooks{
		OnLeave: func(err error) {
			m.mu.Lock()
			if m.active != nil && m.active == owner() {
				m.active = nil
			}
			m.mu.Unlock()

			ev := Event{Type: EventLeft, Kind: kind, Target: target, Reason: "local"}
			switch {
			case errors.Is(err, ErrRemoteLeft):
				ev.Reason = "remote"
			case err != nil:
				ev.Type = EventFailed
				ev.Reason = ""
				ev.Error = err.Error()
			}
			m.events.publish(ev)
		},
		OnPeerState: func(remoteID string, s PeerState) {
			m.events.publish(Event{Type: EventPeer, Kind: kind, Target: target, Peer: remoteID, State: s})
		},
		OnRemoteVideo: func(enabled bool) {
			m.events.publish(Event{Type: EventVideo, Kind: kind, Target: target, Enabled: &enabled})
		},
	}
}

// claim reserves the single session slot.
func (m *Manager) claim(s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrNotActive
	}
	if m.active != nil {
		return ErrBusy
	}
	m.active = s
	return nil
}

func (m *Manager) unclaim(s Session) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
}

// JoinVoice joins a voice channel call.
func (m *Manager) JoinVoice(ctx context.Context, channelID string) error {
	m.mu.Lock()
	maxPeers := m.maxPeers
	m.mu.Unlock()

	var g *GroupSession
	g = NewGroupSession(m.deps(), m.hooks(KindVoice, channelID, func() Session { return g }), maxPeers)
	if err := m.claim(g); err != nil {
		g.loop.stop()
		return err
	}
	if err := g.Join(ctx, channelID); err != nil {
		m.unclaim(g)
		return err
	}
	m.events.publish(Event{Type: EventJoined, Kind: KindVoice, Target: channelID})
	return nil
}

// StartCall rings calleeID and starts the direct call as initiator.
func (m *Manager) StartCall(ctx context.Context, conversationID, calleeID string, video bool) error {
	callee, err := m.opts.Directory.Lookup(ctx, calleeID)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	callee.ID = calleeID

	var d *DirectSession
	d = NewDirectSession(m.deps(), m.hooks(KindDirect, conversationID, func() Session { return d }),
		conversationID, callee, true, video || m.opts.VideoDefault)
	if err := m.claim(d); err != nil {
		d.loop.stop()
		return err
	}
	if err := m.ringer.Ring(ctx, conversationID, callee); err != nil {
		m.unclaim(d)
		d.loop.stop()
		return fmt.Errorf("ring: %w", err)
	}
	if err := d.Start(ctx); err != nil {
		m.unclaim(d)
		m.ringer.Cancel(conversationID)
		return err
	}
	m.events.publish(Event{Type: EventJoined, Kind: KindDirect, Target: conversationID, Peer: calleeID})
	return nil
}

// AcceptCall answers the pending ring on conversationID.
func (m *Manager) AcceptCall(ctx context.Context, conversationID string, video bool) error {
	m.mu.Lock()
	busy := m.active != nil
	m.mu.Unlock()
	if busy {
		return ErrBusy
	}
	ic, err := m.ringer.Accept(conversationID)
	if err != nil {
		return err
	}

	var d *DirectSession
	d = NewDirectSession(m.deps(), m.hooks(KindDirect, conversationID, func() Session { return d }),
		conversationID, ic.From, false, video || m.opts.VideoDefault)
	if err := m.claim(d); err != nil {
		d.loop.stop()
		return err
	}
	if err := d.Start(ctx); err != nil {
		m.unclaim(d)
		return err
	}
	m.events.publish(Event{Type: EventJoined, Kind: KindDirect, Target: conversationID, Peer: ic.From.ID})
	return nil
}

// DeclineCall silences a ring. The caller is not notified.
func (m *Manager) DeclineCall(conversationID string) error {
	return m.ringer.Decline(conversationID)
}

func (m *Manager) Incoming() []IncomingCall { return m.ringer.Pending() }

func (m *Manager) OpenConversation(ctx context.Context, conversationID string) error {
	return m.ringer.OpenConversation(ctx, conversationID)
}

func (m *Manager) CloseConversation(conversationID string) {
	m.ringer.CloseConversation(conversationID)
}

func (m *Manager) Conversations() []string { return m.ringer.Conversations() }

func (m *Manager) WatchPresence(ctx context.Context, channelID string) error {
	return m.presence.Watch(ctx, channelID)
}

func (m *Manager) UnwatchPresence(channelID string) { m.presence.Unwatch(channelID) }

// Roster lists who is in a voice channel, including us when we are in it.
func (m *Manager) Roster(channelID string) ([]proto.Participant, bool) {
	roster, ok := m.presence.Roster(channelID)
	if s := m.Active(); s != nil && s.Kind() == KindVoice && s.Target() == channelID {
		roster = append([]proto.Participant{m.self}, roster...)
		ok = true
	}
	return roster, ok
}

// Active returns the running session, or nil.
func (m *Manager) Active() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Hangup ends the active session of any kind.
func (m *Manager) Hangup() error {
	s := m.Active()
	if s == nil {
		return ErrNoCall
	}
	s.End()
	m.unclaim(s)
	return nil
}

// LeaveVoice ends the active voice channel call.
func (m *Manager) LeaveVoice() error {
	s := m.Active()
	if s == nil || s.Kind() != KindVoice {
		return ErrNoCall
	}
	s.End()
	m.unclaim(s)
	return nil
}

func (m *Manager) ToggleMute() (bool, error) {
	s := m.Active()
	if s == nil {
		return false, ErrNoCall
	}
	return s.ToggleMute()
}

func (m *Manager) ToggleDeafen() (bool, error) {
	s := m.Active()
	if s == nil {
		return false, ErrNoCall
	}
	g, ok := s.(*GroupSession)
	if !ok {
		return false, ErrWrongKind
	}
	return g.ToggleDeafen()
}

func (m *Manager) ToggleVideo(ctx context.Context) (bool, error) {
	s := m.Active()
	if s == nil {
		return false, ErrNoCall
	}
	d, ok := s.(*DirectSession)
	if !ok {
		return false, ErrWrongKind
	}
	return d.ToggleVideo(ctx)
}

// Snapshot is the manager-wide view served by the control API.
type Snapshot struct {
	Self          proto.Participant `json:"self"`
	Active        *Status           `json:"active,omitempty"`
	Incoming      []IncomingCall    `json:"incoming"`
	Conversations []string          `json:"conversations"`
}

func (m *Manager) Status() Snapshot {
	snap := Snapshot{
		Self:          m.self,
		Incoming:      m.ringer.Pending(),
		Conversations: m.ringer.Conversations(),
	}
	if s := m.Active(); s != nil {
		if st, ok := s.Status(); ok {
			snap.Active = &st
		}
	}
	return snap
}

// Close ends the active call and stops ringing and presence tracking.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	s := m.active
	m.active = nil
	m.mu.Unlock()

	if s != nil {
		s.End()
	}
	m.ringer.Close()
	m.presence.Close()
	m.events.close()
	log.Printf("CALL: manager closed")
}
