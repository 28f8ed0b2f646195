package call

import (
	"context"
	"log"

	"github.com/petervdpas/huddle/internal/proto"
)

// DirectSession is a one-to-one call on call:<conversation>. The side that
// rang is the initiator and sends the only offer.
type DirectSession struct {
	base
	conversationID string
	remote         proto.Participant
	initiator      bool
	wantVideo      bool

	videoOn     bool
	remoteVideo bool
	// answered is set once the callee announces itself on the call topic.
	answered bool
}

func NewDirectSession(d Deps, h Hooks, conversationID string, remote proto.Participant, initiator, video bool) *DirectSession {
	s := &DirectSession{
		conversationID: conversationID,
		remote:         remote,
		initiator:      initiator,
		wantVideo:      video,
	}
	s.init(d, h, "call:"+conversationID)
	s.target.Store(conversationID)
	return s
}

func (s *DirectSession) Kind() string { return KindDirect }

func (s *DirectSession) Remote() proto.Participant { return s.remote }

func (s *DirectSession) topic() string { return proto.CallTopic(s.conversationID) }

// Start acquires media, subscribes to the call topic and, as initiator,
// sends the announcement and the first offer.
func (s *DirectSession) Start(ctx context.Context) error {
	var err error
	ok := s.loop.do(func() {
		if s.started || s.ended {
			err = ErrStarted
			return
		}
		if err = s.start(ctx); err != nil {
			s.release()
			s.finish(err)
			return
		}
		s.started = true
	})
	if !ok {
		return ErrNotActive
	}
	return err
}

func (s *DirectSession) start(ctx context.Context) error {
	stream, err := s.deps.Media.Acquire(ctx, s.wantVideo)
	if err != nil {
		return err
	}
	s.stream = stream
	s.videoOn = stream.VideoTrack() != nil

	s.reg = newRegistry(s.registryConfig(s.topic(), true, true))
	if err := s.subscribe(ctx, s.topic(), s.handle); err != nil {
		return err
	}

	self := s.deps.Self
	if s.initiator {
		s.send(s.topic(), proto.CallOffer{From: self.ID, To: s.remote.ID, Username: self.Username})
		s.reg.HandleJoined(s.remote.ID)
	} else {
		s.send(s.topic(), proto.UserJoined{ID: self.ID, Username: self.Username})
	}
	if s.videoOn {
		s.send(s.topic(), proto.VideoToggle{From: self.ID, Enabled: true})
	}
	log.Printf("CALL [%s]: started with %s (initiator=%v video=%v)", s.tag, s.remote.Label(), s.initiator, s.videoOn)
	return nil
}

func (s *DirectSession) handle(m proto.Message) {
	if m.Sender() != s.remote.ID {
		return
	}
	proto.Dispatch(m, directVisitor{s})
}

// Hangup sends user_left and tears the call down. A caller hanging up
// before the callee answered also withdraws the ring on dm_call.
func (s *DirectSession) Hangup() {
	s.loop.do(func() {
		if s.ended {
			return
		}
		if s.started {
			left := proto.UserLeft{ID: s.deps.Self.ID}
			s.send(s.topic(), left)
			if s.initiator && !s.answered {
				s.send(proto.DMCallTopic(s.conversationID), left)
			}
		}
		s.release()
		log.Printf("CALL [%s]: hung up", s.tag)
		s.finish(nil)
	})
	s.loop.stop()
}

func (s *DirectSession) End() { s.Hangup() }

func (s *DirectSession) ToggleMute() (bool, error) { return s.toggleMute() }

// ToggleVideo switches the camera and announces the new state. A camera
// that cannot be opened fails the toggle, not the call.
func (s *DirectSession) ToggleVideo(ctx context.Context) (enabled bool, err error) {
	ok := s.loop.do(func() {
		if !s.started || s.ended {
			err = ErrNotActive
			return
		}
		if s.videoOn {
			s.reg.SetVideoTrack(nil)
			s.stream.DisableVideo()
			s.videoOn = false
		} else {
			t, verr := s.stream.EnableVideo(ctx)
			if verr != nil {
				err = verr
				enabled = false
				return
			}
			s.reg.SetVideoTrack(t)
			s.videoOn = true
		}
		enabled = s.videoOn
		s.send(s.topic(), proto.VideoToggle{From: s.deps.Self.ID, Enabled: s.videoOn})
	})
	if !ok {
		return false, ErrNotActive
	}
	return enabled, err
}

// RemoteVideoEnabled reflects the last video_toggle from the other side.
func (s *DirectSession) RemoteVideoEnabled() (on bool) {
	s.loop.do(func() { on = s.remoteVideo })
	return on
}

func (s *DirectSession) Status() (st Status, ok bool) {
	ok = s.loop.do(func() {
		remote := s.remote
		st = Status{
			Kind:               KindDirect,
			Target:             s.conversationID,
			Remote:             &remote,
			Initiator:          s.initiator,
			Deafened:           s.outputs.Deafened(),
			VideoEnabled:       s.videoOn,
			RemoteVideoEnabled: s.remoteVideo,
			Peers:              s.peerStatus(),
			Outputs:            s.outputs.Snapshot(),
		}
		if s.stream != nil {
			st.Muted = s.stream.Muted()
		}
	})
	return st, ok
}

type directVisitor struct{ s *DirectSession }

// OnUserJoined tells the initiator the callee is listening. The offer and
// the camera state may have been published before that, so both are sent
// again.
func (v directVisitor) OnUserJoined(m proto.UserJoined) {
	s := v.s
	s.remember(m.ID, m.Username)
	if !s.initiator {
		return
	}
	s.answered = true
	s.reg.HandleJoined(m.ID)
	if s.videoOn {
		s.send(s.topic(), proto.VideoToggle{From: s.deps.Self.ID, Enabled: true})
	}
}

func (v directVisitor) OnUserLeft(proto.UserLeft) {
	s := v.s
	log.Printf("CALL [%s]: %s hung up", s.tag, s.remote.Label())
	s.release()
	s.finish(ErrRemoteLeft)
}

func (v directVisitor) OnOffer(m proto.Offer) {
	if v.s.initiator {
		log.Printf("CALL [%s]: ignoring offer from %s, we offered", v.s.tag, m.From)
		return
	}
	v.s.reg.HandleOffer(m.From, m.SDP)
}

func (v directVisitor) OnAnswer(m proto.Answer)             { v.s.reg.HandleAnswer(m.From, m.SDP) }
func (v directVisitor) OnICECandidate(m proto.ICECandidate) { v.s.reg.HandleCandidate(m.From, m.Candidate) }

func (v directVisitor) OnVideoToggle(m proto.VideoToggle) {
	v.s.remoteVideo = m.Enabled
	if v.s.hooks.OnRemoteVideo != nil {
		v.s.hooks.OnRemoteVideo(m.Enabled)
	}
}

func (v directVisitor) OnCallOffer(m proto.CallOffer)     { v.s.remember(m.From, m.Username) }
func (v directVisitor) OnIncomingCall(proto.IncomingCall) {}

func (s *DirectSession) remember(id, username string) {
	if username == "" {
		return
	}
	s.names[id] = username
	if s.remote.Username == "" {
		s.remote.Username = username
	}
	s.deps.remember(proto.Participant{ID: id, Username: username})
}
