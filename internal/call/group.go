package call

import (
	"context"
	"log"
	"time"

	"github.com/petervdpas/huddle/internal/proto"
)

// GroupSession is a full mesh voice call on one voice channel. Members
// already in the channel offer to each newcomer; the newcomer only answers.
type GroupSession struct {
	base
	channelID       string
	maxParticipants int
}

func NewGroupSession(d Deps, h Hooks, maxParticipants int) *GroupSession {
	g := &GroupSession{maxParticipants: maxParticipants}
	g.init(d, h, "voice")
	return g
}

func (g *GroupSession) Kind() string { return KindVoice }

// Join acquires the microphone, subscribes to the channel topics and
// announces us. On failure everything acquired so far is released and
// OnLeave receives the error.
func (g *GroupSession) Join(ctx context.Context, channelID string) error {
	var err error
	ok := g.loop.do(func() {
		if g.started || g.ended {
			err = ErrStarted
			return
		}
		g.target.Store(channelID)
		g.channelID = channelID
		g.tag = "voice:" + channelID
		err = g.join(ctx)
		if err != nil {
			g.release()
			g.finish(err)
			return
		}
		g.started = true
	})
	if !ok {
		return ErrNotActive
	}
	return err
}

func (g *GroupSession) join(ctx context.Context) error {
	stream, err := g.deps.Media.Acquire(ctx, false)
	if err != nil {
		return err
	}
	g.stream = stream

	topic := proto.VoiceTopic(g.channelID)
	g.reg = newRegistry(g.registryConfig(topic, false, false))

	if err := g.subscribe(ctx, topic, g.handle); err != nil {
		return err
	}
	// The sidebar topic is only written here, but the first send on a
	// topic must follow an active subscription.
	if err := g.subscribe(ctx, proto.VoicePresenceTopic(g.channelID), func(proto.Message) {}); err != nil {
		return err
	}

	joined := proto.UserJoined{ID: g.deps.Self.ID, Username: g.deps.Self.Username}
	g.send(topic, joined)
	g.send(proto.VoicePresenceTopic(g.channelID), joined)
	if g.deps.PresenceInterval > 0 {
		go g.announce(g.deps.PresenceInterval, joined)
	}
	log.Printf("CALL [%s]: joined as %s", g.tag, g.deps.Self.Label())
	return nil
}

// announce repeats our presence until the session ends.
func (g *GroupSession) announce(every time.Duration, joined proto.UserJoined) {
	topic := proto.VoicePresenceTopic(g.channelID)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-g.loop.quit:
			return
		case <-t.C:
			g.loop.post(func() {
				if g.started && !g.ended {
					g.send(topic, joined)
				}
			})
		}
	}
}

func (g *GroupSession) handle(m proto.Message) { proto.Dispatch(m, groupVisitor{g}) }

// Leave announces our departure and tears everything down. It is safe
// at any point of negotiation and more than once.
func (g *GroupSession) Leave() {
	g.loop.do(func() {
		if g.ended {
			return
		}
		if g.started {
			left := proto.UserLeft{ID: g.deps.Self.ID}
			g.send(proto.VoiceTopic(g.channelID), left)
			g.send(proto.VoicePresenceTopic(g.channelID), left)
		}
		g.release()
		log.Printf("CALL [%s]: left", g.tag)
		g.finish(nil)
	})
	g.loop.stop()
}

func (g *GroupSession) End() { g.Leave() }

func (g *GroupSession) ToggleMute() (bool, error) { return g.toggleMute() }

// ToggleDeafen silences every remote audio output. The microphone is left
// alone.
func (g *GroupSession) ToggleDeafen() (deafened bool, err error) {
	ok := g.loop.do(func() {
		if !g.started || g.ended {
			err = ErrNotActive
			return
		}
		deafened = !g.outputs.Deafened()
		g.outputs.SetDeafened(deafened)
	})
	if !ok {
		return false, ErrNotActive
	}
	return deafened, err
}

func (g *GroupSession) Status() (st Status, ok bool) {
	ok = g.loop.do(func() {
		st = Status{
			Kind:     KindVoice,
			Target:   g.channelID,
			Deafened: g.outputs.Deafened(),
			Peers:    g.peerStatus(),
			Outputs:  g.outputs.Snapshot(),
		}
		if g.stream != nil {
			st.Muted = g.stream.Muted()
		}
	})
	return st, ok
}

type groupVisitor struct{ g *GroupSession }

func (v groupVisitor) OnUserJoined(m proto.UserJoined) {
	g := v.g
	g.names[m.ID] = m.Username
	g.deps.remember(proto.Participant{ID: m.ID, Username: m.Username})
	g.reg.HandleJoined(m.ID)
	if n := g.reg.Len() + 1; g.maxParticipants > 0 && n > g.maxParticipants {
		log.Printf("CALL [%s]: %d participants exceeds the mesh limit of %d", g.tag, n, g.maxParticipants)
	}
}

func (v groupVisitor) OnUserLeft(m proto.UserLeft) {
	v.g.reg.Remove(m.ID)
	v.g.outputs.Remove(m.ID)
	delete(v.g.names, m.ID)
}

// OnOffer comes from members that were here before us. They never send us
// user_joined, so their names come from the directory.
func (v groupVisitor) OnOffer(m proto.Offer) {
	g := v.g
	g.reg.HandleOffer(m.From, m.SDP)
	if _, known := g.names[m.From]; !known {
		g.resolveName(m.From)
	}
}

func (v groupVisitor) OnAnswer(m proto.Answer)             { v.g.reg.HandleAnswer(m.From, m.SDP) }
func (v groupVisitor) OnICECandidate(m proto.ICECandidate) { v.g.reg.HandleCandidate(m.From, m.Candidate) }
func (v groupVisitor) OnVideoToggle(proto.VideoToggle)     {}
func (v groupVisitor) OnCallOffer(proto.CallOffer)         {}
func (v groupVisitor) OnIncomingCall(proto.IncomingCall)   {}
