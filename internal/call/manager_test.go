package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petervdpas/huddle/internal/bus"
	"github.com/petervdpas/huddle/internal/identity"
	"github.com/petervdpas/huddle/internal/media"
	"github.com/petervdpas/huddle/internal/proto"
)

type node struct {
	env  *peerEnv
	tone *fakeTone
	dir  *identity.Cache
	mgr  *Manager
}

func newNode(t *testing.T, b bus.Bus, id, name string) *node {
	t.Helper()
	env := newPeerEnv(t, b, id, name)
	n := &node{env: env, tone: &fakeTone{}, dir: identity.NewCache(env.self, nil)}
	m, err := New(context.Background(), Options{
		Signal:          env.signal,
		Media:           media.NewManager(env.source),
		Peers:           env.factory,
		Directory:       n.dir,
		Tone:            n.tone,
		MaxParticipants: 8,
	})
	if err != nil {
		t.Fatal(err)
	}
	n.mgr = m
	t.Cleanup(m.Close)
	return n
}

func waitEvent(t *testing.T, ch <-chan Event, typ string, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event stream closed waiting for %s", typ)
			}
			if ev.Type == typ && (match == nil || match(ev)) {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

// ringAndAccept runs the full ring handshake from a to b on conversation c1.
func ringAndAccept(t *testing.T, a, b *node) {
	t.Helper()
	ctx := context.Background()
	events, stop := b.mgr.Subscribe()
	defer stop()

	if err := b.mgr.OpenConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := a.mgr.StartCall(ctx, "c1", b.env.self.ID, false); err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, events, EventIncoming, nil)
	if ev.From == nil || ev.From.ID != a.env.self.ID || ev.Target != "c1" {
		t.Fatalf("incoming = %+v", ev)
	}
	if playing, _ := b.tone.state(); !playing {
		t.Fatal("callee not ringing")
	}
	if err := b.mgr.AcceptCall(ctx, "c1", false); err != nil {
		t.Fatal(err)
	}
	if playing, _ := b.tone.state(); playing {
		t.Fatal("still ringing after accept")
	}
}

func TestDirectCallThroughManagers(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	a, bn := newNode(t, b, "A", "Ann"), newNode(t, b, "B", "Bob")
	aEvents, stop := a.mgr.Subscribe()
	defer stop()

	ringAndAccept(t, a, bn)

	waitFor(t, "answer on caller", func() bool {
		ps := a.env.factory.byRemote("B")
		return len(ps) == 1 && ps[0].view().remoteSDP != ""
	})
	if v := a.env.factory.byRemote("B")[0].view(); v.offers != 1 {
		t.Fatalf("caller created %d offers", v.offers)
	}
	if ps := bn.env.factory.byRemote("A"); len(ps) != 1 || ps[0].view().offers != 0 {
		t.Fatal("callee offered or connected twice")
	}
	if p, err := bn.dir.Lookup(context.Background(), "A"); err != nil || p.Username != "Ann" {
		t.Fatalf("caller name not remembered: %+v, %v", p, err)
	}

	a.env.factory.byRemote("B")[0].emitTrack(media.KindAudio)
	waitEvent(t, aEvents, EventPeer, func(ev Event) bool { return ev.State == PeerConnected })

	if err := bn.mgr.Hangup(); err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, aEvents, EventLeft, nil)
	if ev.Reason != "remote" || ev.Kind != KindDirect {
		t.Fatalf("left = %+v", ev)
	}
	waitFor(t, "caller idle", func() bool { return a.mgr.Active() == nil })
	if a.env.liveTracks() != 0 || bn.env.liveTracks() != 0 {
		t.Fatal("tracks live after hangup")
	}
	if topics := a.env.signal.Topics(); len(topics) != 1 || topics[0] != proto.DMCallTopic("c1") {
		t.Fatalf("caller topics = %v", topics)
	}
}

func TestDeclineIsNotSignaled(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()
	defer b.Close()
	a, bn := newNode(t, b, "A", "Ann"), newNode(t, b, "B", "Bob")
	dm := newWire(t, b, proto.DMCallTopic("c1"))
	call := newWire(t, b, proto.CallTopic("c1"))
	events, stop := bn.mgr.Subscribe()
	defer stop()

	if err := bn.mgr.OpenConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := a.mgr.StartCall(ctx, "c1", "B", false); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, EventIncoming, nil)
	dm.next(proto.KindIncomingCall)

	if err := bn.mgr.DeclineCall("c1"); err != nil {
		t.Fatal(err)
	}
	if playing, _ := bn.tone.state(); playing {
		t.Fatal("tone still playing")
	}
	if len(bn.mgr.Incoming()) != 0 {
		t.Fatal("declined call still pending")
	}

	// The caller hears nothing back and keeps waiting.
	dm.quiet("", 150*time.Millisecond)
	call.quiet(proto.KindUserJoined, 50*time.Millisecond)
	st := a.mgr.Status()
	if st.Active == nil || len(st.Active.Peers) != 1 || st.Active.Peers[0].State != PeerConnecting {
		t.Fatalf("caller status = %+v", st.Active)
	}
	if err := a.mgr.Hangup(); err != nil {
		t.Fatal(err)
	}
}

func TestOneCallAtATime(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()
	defer b.Close()
	a := newNode(t, b, "A", "Ann")

	if err := a.mgr.JoinVoice(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	if err := a.mgr.JoinVoice(ctx, "v2"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second join = %v", err)
	}
	if err := a.mgr.StartCall(ctx, "c1", "B", false); !errors.Is(err, ErrBusy) {
		t.Fatalf("call while in voice = %v", err)
	}
	if a.env.liveTracks() != 1 {
		t.Fatalf("live tracks = %d", a.env.liveTracks())
	}
	if _, err := a.mgr.ToggleVideo(ctx); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("video in voice = %v", err)
	}

	roster, ok := a.mgr.Roster("v1")
	if !ok || len(roster) != 1 || roster[0].ID != "A" {
		t.Fatalf("roster = %+v", roster)
	}

	if err := a.mgr.LeaveVoice(); err != nil {
		t.Fatal(err)
	}
	if err := a.mgr.LeaveVoice(); !errors.Is(err, ErrNoCall) {
		t.Fatalf("second leave = %v", err)
	}
	if err := a.mgr.JoinVoice(ctx, "v2"); err != nil {
		t.Fatalf("join after leave = %v", err)
	}
}

func TestJoinFailureFreesTheSlot(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()
	defer b.Close()
	a := newNode(t, b, "A", "Ann")
	events, stop := a.mgr.Subscribe()
	defer stop()

	a.env.source.Err = media.ErrNoDevice
	err := a.mgr.JoinVoice(ctx, "v1")
	var de *media.DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v", err)
	}
	ev := waitEvent(t, events, EventFailed, nil)
	if ev.Error == "" || ev.Target != "v1" {
		t.Fatalf("failed event = %+v", ev)
	}
	if a.mgr.Active() != nil {
		t.Fatal("failed join kept the slot")
	}

	a.env.source.Err = nil
	if err := a.mgr.JoinVoice(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
}

func TestVideoToggleReachesRemote(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	a, bn := newNode(t, b, "A", "Ann"), newNode(t, b, "B", "Bob")
	bEvents, stop := bn.mgr.Subscribe()
	defer stop()

	ringAndAccept(t, a, bn)

	on, err := a.mgr.ToggleVideo(context.Background())
	if err != nil || !on {
		t.Fatalf("toggle = %v, %v", on, err)
	}
	ev := waitEvent(t, bEvents, EventVideo, nil)
	if ev.Enabled == nil || !*ev.Enabled {
		t.Fatalf("video event = %+v", ev)
	}
	st := bn.mgr.Status()
	if st.Active == nil || !st.Active.RemoteVideoEnabled {
		t.Fatalf("callee status = %+v", st.Active)
	}
	if _, err := bn.mgr.ToggleDeafen(); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("deafen in direct call = %v", err)
	}
}

func TestManagerCloseEndsEverything(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()
	defer b.Close()
	a := newNode(t, b, "A", "Ann")
	events, _ := a.mgr.Subscribe()

	if err := a.mgr.OpenConversation(ctx, "c9"); err != nil {
		t.Fatal(err)
	}
	if err := a.mgr.WatchPresence(ctx, "v3"); err != nil {
		t.Fatal(err)
	}
	if err := a.mgr.JoinVoice(ctx, "v1"); err != nil {
		t.Fatal(err)
	}

	a.mgr.Close()
	if a.env.liveTracks() != 0 || len(a.env.signal.Topics()) != 0 {
		t.Fatalf("close left topics %v", a.env.signal.Topics())
	}
	for range events {
	}
	if err := a.mgr.JoinVoice(ctx, "v1"); err == nil {
		t.Fatal("join after close succeeded")
	}
}

func TestCallerHangupStopsCalleeRinging(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()
	defer b.Close()
	a, bn := newNode(t, b, "A", "Ann"), newNode(t, b, "B", "Bob")
	events, stop := bn.mgr.Subscribe()
	defer stop()

	if err := bn.mgr.OpenConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := a.mgr.StartCall(ctx, "c1", "B", false); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, EventIncoming, nil)

	if err := a.mgr.Hangup(); err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, events, EventCancelled, nil)
	if ev.From == nil || ev.From.ID != "A" || ev.Target != "c1" {
		t.Fatalf("cancelled = %+v", ev)
	}
	if playing, _ := bn.tone.state(); playing {
		t.Fatal("callee still ringing")
	}
	if len(bn.mgr.Incoming()) != 0 {
		t.Fatal("call still pending on callee")
	}
	if err := bn.mgr.AcceptCall(ctx, "c1", false); !errors.Is(err, ErrNoIncoming) {
		t.Fatalf("accept after caller left = %v", err)
	}
}

func TestAnsweredHangupLeavesRingTopicAlone(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	a, bn := newNode(t, b, "A", "Ann"), newNode(t, b, "B", "Bob")

	ringAndAccept(t, a, bn)
	waitFor(t, "callee joined", func() bool {
		st := a.mgr.Status()
		return st.Active != nil && len(st.Active.Peers) == 1 && a.env.factory.byRemote("B")[0].view().remoteSDP != ""
	})

	dm := newWire(t, b, proto.DMCallTopic("c1"))
	if err := a.mgr.Hangup(); err != nil {
		t.Fatal(err)
	}
	dm.quiet(proto.KindUserLeft, 150*time.Millisecond)
}

func TestCallStartedWithVideoShowsOnCallee(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()
	defer b.Close()
	a, bn := newNode(t, b, "A", "Ann"), newNode(t, b, "B", "Bob")
	events, stop := bn.mgr.Subscribe()
	defer stop()

	if err := bn.mgr.OpenConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := a.mgr.StartCall(ctx, "c1", "B", true); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, EventIncoming, nil)
	if st := a.mgr.Status(); st.Active == nil || !st.Active.VideoEnabled {
		t.Fatalf("caller status = %+v", st.Active)
	}

	if err := bn.mgr.AcceptCall(ctx, "c1", false); err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, events, EventVideo, nil)
	if ev.Enabled == nil || !*ev.Enabled {
		t.Fatalf("video event = %+v", ev)
	}
	waitFor(t, "callee sees caller video", func() bool {
		st := bn.mgr.Status()
		return st.Active != nil && st.Active.RemoteVideoEnabled
	})
}
