package rtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/huddle/internal/media"
	"github.com/petervdpas/huddle/internal/proto"
)

type Options struct {
	ICEServers []string
	// Codecs registers the encoders the capture source produces. When nil
	// the pion defaults are used.
	Codecs func(*webrtc.MediaEngine)

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	UDPPortMin, UDPPortMax uint16
}

// PionFactory builds peer connections from one shared pion API.
type PionFactory struct {
	api *webrtc.API

	mu         sync.RWMutex
	iceServers []webrtc.ICEServer
}

func NewPionFactory(o Options) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if o.Codecs != nil {
		o.Codecs(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous timeouts so a brief NAT hiccup does not end the call.
	disconnected, failed, keepAlive := o.DisconnectedTimeout, o.FailedTimeout, o.KeepAliveInterval
	if disconnected <= 0 {
		disconnected = 30 * time.Second
	}
	if failed <= 0 {
		failed = 120 * time.Second
	}
	if keepAlive <= 0 {
		keepAlive = 2 * time.Second
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(disconnected, failed, keepAlive)
	if o.UDPPortMin > 0 && o.UDPPortMax >= o.UDPPortMin {
		if err := se.SetEphemeralUDPPortRange(o.UDPPortMin, o.UDPPortMax); err != nil {
			return nil, fmt.Errorf("udp port range: %w", err)
		}
	}

	f := &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(se),
		),
	}
	f.SetICEServers(o.ICEServers)
	return f, nil
}

// SetICEServers replaces the STUN urls used by peers created afterwards.
func (f *PionFactory) SetICEServers(urls []string) {
	var servers []webrtc.ICEServer
	if len(urls) > 0 {
		servers = []webrtc.ICEServer{{URLs: append([]string(nil), urls...)}}
	}
	f.mu.Lock()
	f.iceServers = servers
	f.mu.Unlock()
}

func (f *PionFactory) NewPeer(cfg PeerConfig, ev Events) (Peer, error) {
	f.mu.RLock()
	servers := f.iceServers
	f.mu.RUnlock()
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}
	p := &pionPeer{pc: pc}

	if cfg.Video {
		tr, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("video transceiver: %w", err)
		}
		p.video = tr
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || ev.OnICECandidate == nil {
			return
		}
		init := c.ToJSON()
		ev.OnICECandidate(proto.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if ev.OnTrack != nil {
			ev.OnTrack(&remoteTrack{tr: tr, pc: pc})
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if ev.OnStateChange != nil {
			ev.OnStateChange(ConnectionState(s.String()))
		}
	})
	return p, nil
}

type pionPeer struct {
	pc    *webrtc.PeerConnection
	video *webrtc.RTPTransceiver

	mu     sync.Mutex
	closed bool
}

func (p *pionPeer) AddTrack(t media.Track) error {
	local := t.Local()
	if local == nil {
		return errors.New("track has no rtp side")
	}
	if t.Kind() == media.KindVideo && p.video != nil {
		return p.video.Sender().ReplaceTrack(local)
	}
	_, err := p.pc.AddTrack(local)
	return err
}

func (p *pionPeer) SetVideoTrack(t media.Track) error {
	if p.video == nil {
		return errors.New("no video sender")
	}
	if t == nil {
		return p.video.Sender().ReplaceTrack(nil)
	}
	return p.video.Sender().ReplaceTrack(t.Local())
}

func (p *pionPeer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (p *pionPeer) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (p *pionPeer) LocalDescription() string {
	if d := p.pc.LocalDescription(); d != nil {
		return d.SDP
	}
	return ""
}

func (p *pionPeer) SetRemoteOffer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
}

func (p *pionPeer) SetRemoteAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (p *pionPeer) AddICECandidate(c proto.Candidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.pc.Close()
}

type remoteTrack struct {
	tr *webrtc.TrackRemote
	pc *webrtc.PeerConnection
}

func (r *remoteTrack) ID() string { return r.tr.ID() }

func (r *remoteTrack) Kind() media.Kind {
	if r.tr.Kind() == webrtc.RTPCodecTypeVideo {
		return media.KindVideo
	}
	return media.KindAudio
}

func (r *remoteTrack) MimeType() string { return r.tr.Codec().MimeType }

func (r *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.tr.ReadRTP()
	return pkt, err
}

func (r *remoteTrack) RequestKeyframe() error {
	return r.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(r.tr.SSRC())},
	})
}
