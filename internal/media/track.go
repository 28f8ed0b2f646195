package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// track is the Track implementation shared by every source.
type track struct {
	id      string
	kind    Kind
	enabled atomic.Bool
	stopped atomic.Bool
	local   webrtc.TrackLocal
	stopFn  func()
	once    sync.Once
}

func newTrack(id string, kind Kind, local webrtc.TrackLocal, stop func()) *track {
	t := &track{id: id, kind: kind, stopFn: stop}
	t.enabled.Store(true)
	if local != nil {
		t.local = &gatedLocal{TrackLocal: local, enabled: &t.enabled}
	}
	return t
}

func (t *track) ID() string               { return t.id }
func (t *track) Kind() Kind               { return t.kind }
func (t *track) Enabled() bool            { return t.enabled.Load() }
func (t *track) SetEnabled(v bool)        { t.enabled.Store(v) }
func (t *track) Stopped() bool            { return t.stopped.Load() }
func (t *track) Local() webrtc.TrackLocal { return t.local }

func (t *track) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		t.enabled.Store(false)
		if t.stopFn != nil {
			t.stopFn()
		}
	})
}

// gatedLocal drops outgoing RTP while its track is disabled, the same
// effect as clearing enabled on a browser MediaStreamTrack.
type gatedLocal struct {
	webrtc.TrackLocal
	enabled *atomic.Bool
}

func (g *gatedLocal) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return g.TrackLocal.Bind(&gatedContext{
		TrackLocalContext: ctx,
		w:                 &gatedWriter{next: ctx.WriteStream(), enabled: g.enabled},
	})
}

type gatedContext struct {
	webrtc.TrackLocalContext
	w *gatedWriter
}

func (c *gatedContext) WriteStream() webrtc.TrackLocalWriter { return c.w }

type gatedWriter struct {
	next    webrtc.TrackLocalWriter
	enabled *atomic.Bool
}

func (w *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.enabled.Load() {
		return header.MarshalSize() + len(payload), nil
	}
	return w.next.WriteRTP(header, payload)
}

func (w *gatedWriter) Write(b []byte) (int, error) {
	if !w.enabled.Load() {
		return len(b), nil
	}
	return w.next.Write(b)
}
