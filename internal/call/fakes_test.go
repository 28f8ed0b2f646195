package call

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/petervdpas/huddle/internal/bus"
	"github.com/petervdpas/huddle/internal/media"
	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/rtc"
	"github.com/petervdpas/huddle/internal/signaling"
)

var errNoRemote = errors.New("remote description not set")

type fakeFactory struct {
	self string

	mu      sync.Mutex
	peers   []*fakePeer
	failNew error
}

func (f *fakeFactory) NewPeer(cfg rtc.PeerConfig, ev rtc.Events) (rtc.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNew != nil {
		return nil, f.failNew
	}
	p := &fakePeer{self: f.self, remote: cfg.RemoteID, video: cfg.Video, ev: ev}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) byRemote(id string) []*fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakePeer
	for _, p := range f.peers {
		if p.remote == id {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeFactory) all() []*fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePeer(nil), f.peers...)
}

type fakePeer struct {
	self, remote string
	video        bool
	ev           rtc.Events

	mu        sync.Mutex
	tracks    []media.Track
	videoOut  media.Track
	local     string
	remoteSDP string
	offers    int
	answers   int
	applied   []proto.Candidate
	addErrs   int
	closed    bool
	remotes   []*fakeRemote
}

func (p *fakePeer) AddTrack(t media.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	if t.Kind() == media.KindVideo {
		p.videoOut = t
	}
	return nil
}

func (p *fakePeer) SetVideoTrack(t media.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.videoOut = t
	return nil
}

func (p *fakePeer) CreateOffer() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	p.local = fmt.Sprintf("offer %s>%s #%d", p.self, p.remote, p.offers)
	return p.local, nil
}

func (p *fakePeer) CreateAnswer() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteSDP == "" {
		return "", errNoRemote
	}
	p.answers++
	p.local = fmt.Sprintf("answer %s>%s #%d", p.self, p.remote, p.answers)
	return p.local, nil
}

func (p *fakePeer) LocalDescription() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePeer) SetRemoteOffer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteSDP = sdp
	return nil
}

func (p *fakePeer) SetRemoteAnswer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.local == "" {
		return errors.New("no local offer")
	}
	p.remoteSDP = sdp
	return nil
}

func (p *fakePeer) AddICECandidate(c proto.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteSDP == "" {
		p.addErrs++
		return errNoRemote
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		for _, r := range p.remotes {
			close(r.pkts)
		}
	}
	return nil
}

type peerView struct {
	local     string
	remoteSDP string
	offers    int
	answers   int
	applied   []proto.Candidate
	addErrs   int
	closed    bool
	tracks    []media.Track
	videoOut  media.Track
}

func (p *fakePeer) view() peerView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return peerView{
		local:     p.local,
		remoteSDP: p.remoteSDP,
		offers:    p.offers,
		answers:   p.answers,
		applied:   append([]proto.Candidate(nil), p.applied...),
		addErrs:   p.addErrs,
		closed:    p.closed,
		tracks:    append([]media.Track(nil), p.tracks...),
		videoOut:  p.videoOut,
	}
}

// emitTrack simulates the remote media arriving.
func (p *fakePeer) emitTrack(kind media.Kind) {
	r := &fakeRemote{id: fmt.Sprintf("%s-%s", p.remote, kind), kind: kind, pkts: make(chan *rtp.Packet, 4)}
	p.mu.Lock()
	p.remotes = append(p.remotes, r)
	p.mu.Unlock()
	p.ev.OnTrack(r)
}

func (p *fakePeer) emitCandidate(c proto.Candidate) { p.ev.OnICECandidate(c) }

type fakeRemote struct {
	id   string
	kind media.Kind
	pkts chan *rtp.Packet
}

func (r *fakeRemote) ID() string       { return r.id }
func (r *fakeRemote) Kind() media.Kind { return r.kind }
func (r *fakeRemote) MimeType() string { return "audio/opus" }

func (r *fakeRemote) ReadRTP() (*rtp.Packet, error) {
	p, ok := <-r.pkts
	if !ok {
		return nil, io.EOF
	}
	return p, nil
}

func (r *fakeRemote) RequestKeyframe() error { return nil }

type fakeTone struct {
	mu      sync.Mutex
	playing bool
	plays   int
}

func (t *fakeTone) Play(bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.playing = true
	t.plays++
	return nil
}

func (t *fakeTone) Stop() {
	t.mu.Lock()
	t.playing = false
	t.mu.Unlock()
}

func (t *fakeTone) state() (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.playing, t.plays
}

// peerEnv is one participant: its signaling channel, devices and peers.
type peerEnv struct {
	self    proto.Participant
	signal  *signaling.Channel
	source  *media.StaticSource
	factory *fakeFactory
}

func newPeerEnv(t *testing.T, b bus.Bus, id, name string) *peerEnv {
	t.Helper()
	e := &peerEnv{
		self:    proto.Participant{ID: id, Username: name},
		signal:  signaling.New(b, id),
		source:  &media.StaticSource{},
		factory: &fakeFactory{self: id},
	}
	t.Cleanup(e.signal.Close)
	return e
}

func (e *peerEnv) deps() Deps {
	return Deps{
		Signal: e.signal,
		Media:  media.NewManager(e.source),
		Peers:  e.factory,
		Self:   e.self,
	}
}

// liveTracks counts opened local tracks that were never stopped.
func (e *peerEnv) liveTracks() int {
	n := 0
	for _, t := range e.source.Opened() {
		if !t.Stopped() {
			n++
		}
	}
	return n
}

// wire is a raw view of a topic, used to play a remote participant by hand.
type wire struct {
	t     *testing.T
	bus   bus.Bus
	topic string
	sub   bus.Subscription
}

func newWire(t *testing.T, b bus.Bus, topic string) *wire {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), topic)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sub.Close() })
	return &wire{t: t, bus: b, topic: topic, sub: sub}
}

func (w *wire) publish(m proto.Message) {
	w.t.Helper()
	data, err := proto.Encode(m)
	if err != nil {
		w.t.Fatal(err)
	}
	if err := w.bus.Publish(context.Background(), w.topic, data); err != nil {
		w.t.Fatal(err)
	}
}

// next returns the next message of the given kind, skipping others.
func (w *wire) next(kind proto.Kind) proto.Message {
	w.t.Helper()
	return w.nextFrom(kind, "")
}

// nextFrom is next restricted to one sender.
func (w *wire) nextFrom(kind proto.Kind, sender string) proto.Message {
	w.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case data := <-w.sub.Messages():
			m, err := proto.Decode(data)
			if err != nil {
				w.t.Fatal(err)
			}
			if m.Kind() == kind && (sender == "" || m.Sender() == sender) {
				return m
			}
		case <-timeout:
			w.t.Fatalf("no %s on %s", kind, w.topic)
			return nil
		}
	}
}

// quiet fails if a message of kind, or any message when kind is empty,
// shows up within d.
func (w *wire) quiet(kind proto.Kind, d time.Duration) {
	w.t.Helper()
	timeout := time.After(d)
	for {
		select {
		case data := <-w.sub.Messages():
			m, err := proto.Decode(data)
			if err == nil && (kind == "" || m.Kind() == kind) {
				w.t.Fatalf("unexpected %s from %s", kind, m.Sender())
			}
		case <-timeout:
			return
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func cand(s string) proto.Candidate { return proto.Candidate{Candidate: s} }
