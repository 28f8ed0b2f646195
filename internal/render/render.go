// Package render consumes inbound tracks. Each remote track gets an Output
// that drains its RTP, honours the local deafen state and optionally
// records Opus audio to disk.
package render

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/petervdpas/huddle/internal/media"
	"github.com/petervdpas/huddle/internal/rtc"
)

// KeyframeInterval is how often a PLI is sent for inbound video.
const KeyframeInterval = 3 * time.Second

// Sink receives the packets of one output.
type Sink interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

type discard struct{}

func (discard) WriteRTP(*rtp.Packet) error { return nil }
func (discard) Close() error               { return nil }

// Output is the playback element of one remote track.
type Output struct {
	RemoteID string
	TrackID  string
	Kind     media.Kind

	muted   atomic.Bool
	packets atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64

	mu     sync.Mutex
	sink   Sink
	closed bool
	done   chan struct{}
}

func (o *Output) Muted() bool           { return o.muted.Load() }
func (o *Output) SetMuted(v bool)       { o.muted.Store(v) }
func (o *Output) Packets() uint64       { return o.packets.Load() }
func (o *Output) Done() <-chan struct{} { return o.done }

func (o *Output) run(t rtc.RemoteTrack) {
	defer o.close()
	for {
		pkt, err := t.ReadRTP()
		if err != nil {
			return
		}
		muted := o.Kind == media.KindAudio && o.muted.Load()
		if muted {
			o.dropped.Add(1)
		}
		o.bytes.Add(uint64(len(pkt.Payload)))
		o.packets.Add(1)
		if muted {
			continue
		}

		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return
		}
		if err := o.sink.WriteRTP(pkt); err != nil {
			log.Printf("RENDER: %s/%s sink: %v", o.RemoteID, o.TrackID, err)
			o.sink = discard{}
		}
		o.mu.Unlock()
	}
}

func (o *Output) keyframes(t rtc.RemoteTrack, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			if err := t.RequestKeyframe(); err != nil {
				return
			}
		}
	}
}

func (o *Output) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	if err := o.sink.Close(); err != nil {
		log.Printf("RENDER: %s/%s close sink: %v", o.RemoteID, o.TrackID, err)
	}
	close(o.done)
}

// Status is a snapshot of one output.
type Status struct {
	RemoteID string     `json:"remote_id"`
	TrackID  string     `json:"track_id"`
	Kind     media.Kind `json:"kind"`
	Muted    bool       `json:"muted"`
	Packets  uint64     `json:"packets"`
	Bytes    uint64     `json:"bytes"`
	Dropped  uint64     `json:"dropped"`
}

// Outputs holds every output of one call session.
type Outputs struct {
	recordDir string

	mu       sync.Mutex
	deafened bool
	outputs  map[string][]*Output
}

// NewOutputs records inbound Opus audio under recordDir when it is set.
func NewOutputs(recordDir string) *Outputs {
	return &Outputs{recordDir: recordDir, outputs: make(map[string][]*Output)}
}

// Attach starts rendering t for remoteID. Audio outputs created while
// deafened start muted.
func (s *Outputs) Attach(remoteID string, t rtc.RemoteTrack) *Output {
	o := &Output{
		RemoteID: remoteID,
		TrackID:  t.ID(),
		Kind:     t.Kind(),
		sink:     discard{},
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	o.muted.Store(s.deafened && o.Kind == media.KindAudio)
	s.outputs[remoteID] = append(s.outputs[remoteID], o)
	s.mu.Unlock()

	if s.recordDir != "" && strings.EqualFold(t.MimeType(), webrtc.MimeTypeOpus) {
		if sink, err := newOggSink(s.recordDir, remoteID, t.ID()); err != nil {
			log.Printf("RENDER: recording %s disabled: %v", remoteID, err)
		} else {
			o.sink = sink
		}
	}

	go o.run(t)
	if o.Kind == media.KindVideo {
		go o.keyframes(t, KeyframeInterval)
	}
	return o
}

// Remove closes every output of remoteID.
func (s *Outputs) Remove(remoteID string) {
	s.mu.Lock()
	outs := s.outputs[remoteID]
	delete(s.outputs, remoteID)
	s.mu.Unlock()
	for _, o := range outs {
		o.close()
	}
}

func (s *Outputs) RemoveAll() {
	s.mu.Lock()
	all := s.outputs
	s.outputs = make(map[string][]*Output)
	s.mu.Unlock()
	for _, outs := range all {
		for _, o := range outs {
			o.close()
		}
	}
}

// SetDeafened mutes or unmutes every audio output, current and future.
func (s *Outputs) SetDeafened(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deafened = v
	for _, outs := range s.outputs {
		for _, o := range outs {
			if o.Kind == media.KindAudio {
				o.SetMuted(v)
			}
		}
	}
}

func (s *Outputs) Deafened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deafened
}

// Get returns the outputs of remoteID.
func (s *Outputs) Get(remoteID string) []*Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Output(nil), s.outputs[remoteID]...)
}

func (s *Outputs) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, outs := range s.outputs {
		n += len(outs)
	}
	return n
}

func (s *Outputs) Snapshot() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Status
	for _, outs := range s.outputs {
		for _, o := range outs {
			out = append(out, Status{
				RemoteID: o.RemoteID,
				TrackID:  o.TrackID,
				Kind:     o.Kind,
				Muted:    o.Muted(),
				Packets:  o.packets.Load(),
				Bytes:    o.bytes.Load(),
				Dropped:  o.dropped.Load(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RemoteID != out[j].RemoteID {
			return out[i].RemoteID < out[j].RemoteID
		}
		return out[i].TrackID < out[j].TrackID
	})
	return out
}

func newOggSink(dir, remoteID, trackID string) (Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s-%s-%d.ogg", safeName(remoteID), safeName(trackID), time.Now().Unix())
	return oggwriter.New(filepath.Join(dir, name), 48000, 2)
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
