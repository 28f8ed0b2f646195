// Package media acquires local capture tracks and tracks their
// enabled/stopped state for the duration of a call.
package media

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

var (
	ErrNoDevice         = errors.New("no capture device")
	ErrPermissionDenied = errors.New("capture permission denied")
)

// DeviceError is returned when capture fails. It always wraps ErrNoDevice
// or ErrPermissionDenied so callers can tell the two apart.
type DeviceError struct {
	Audio, Video bool
	Err          error
}

func (e *DeviceError) Error() string {
	what := "audio"
	switch {
	case e.Audio && e.Video:
		what = "audio+video"
	case e.Video:
		what = "video"
	}
	return fmt.Sprintf("acquire %s: %v", what, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Track is one local capture track. Disabling a track keeps it open but
// sends nothing; stopping releases the device.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(bool)
	Stop()
	Stopped() bool
	// Local is what gets attached to a peer connection. Nil for tracks
	// that have no RTP side.
	Local() webrtc.TrackLocal
}

type Constraints struct {
	Audio bool
	Video bool
}

// Source is a capture backend.
type Source interface {
	GetUserMedia(ctx context.Context, c Constraints) ([]Track, error)
}

// CodecSource is implemented by sources whose encoders must be registered
// with the peer connection's media engine.
type CodecSource interface {
	Source
	Populate(m *webrtc.MediaEngine)
}

type Manager struct {
	src Source
}

func NewManager(src Source) *Manager { return &Manager{src: src} }

func (m *Manager) Source() Source { return m.src }

// Acquire opens the microphone, plus the camera when wantVideo is set.
// A result without an audio track is a DeviceError.
func (m *Manager) Acquire(ctx context.Context, wantVideo bool) (*Stream, error) {
	tracks, err := m.src.GetUserMedia(ctx, Constraints{Audio: true, Video: wantVideo})
	if err != nil {
		stopAll(tracks)
		return nil, asDeviceError(err, true, wantVideo)
	}
	s := &Stream{src: m.src, tracks: tracks}
	if len(s.byKind(KindAudio)) == 0 {
		stopAll(tracks)
		return nil, &DeviceError{Audio: true, Video: wantVideo, Err: ErrNoDevice}
	}
	log.Printf("MEDIA: acquired %d tracks (video=%v)", len(tracks), wantVideo)
	return s, nil
}

func asDeviceError(err error, audio, video bool) error {
	var de *DeviceError
	if errors.As(err, &de) {
		return de
	}
	if !errors.Is(err, ErrPermissionDenied) && !errors.Is(err, ErrNoDevice) {
		err = fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	return &DeviceError{Audio: audio, Video: video, Err: err}
}

func stopAll(tracks []Track) {
	for _, t := range tracks {
		t.Stop()
	}
}

// Stream is the set of local tracks owned by one call session.
type Stream struct {
	src Source

	mu      sync.Mutex
	tracks  []Track
	stopped bool
}

func (s *Stream) byKind(k Kind) []Track {
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}

func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Track(nil), s.tracks...)
}

func (s *Stream) AudioTracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byKind(KindAudio)
}

// VideoTrack returns the current camera track, or nil.
func (s *Stream) VideoTrack() Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v := s.byKind(KindVideo); len(v) > 0 {
		return v[0]
	}
	return nil
}

// Muted reports whether every audio track is disabled.
func (s *Stream) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.byKind(KindAudio) {
		if t.Enabled() {
			return false
		}
	}
	return true
}

// ToggleMute flips enabled on all audio tracks and returns the new muted
// state. Tracks stay open.
func (s *Stream) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	audio := s.byKind(KindAudio)
	muted := false
	for _, t := range audio {
		if t.Enabled() {
			muted = true
			break
		}
	}
	for _, t := range audio {
		t.SetEnabled(!muted)
	}
	return muted
}

// EnableVideo opens a fresh camera track and adds it to the stream. It is
// a no-op returning the existing track when video is already on.
func (s *Stream) EnableVideo(ctx context.Context) (Track, error) {
	if v := s.VideoTrack(); v != nil {
		return v, nil
	}
	tracks, err := s.src.GetUserMedia(ctx, Constraints{Video: true})
	if err != nil {
		stopAll(tracks)
		return nil, asDeviceError(err, false, true)
	}

	var video Track
	for _, t := range tracks {
		if t.Kind() == KindVideo && video == nil {
			video = t
			continue
		}
		t.Stop()
	}
	if video == nil {
		return nil, &DeviceError{Video: true, Err: ErrNoDevice}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		video.Stop()
		return nil, errors.New("stream stopped")
	}
	s.tracks = append(s.tracks, video)
	return video, nil
}

// DisableVideo stops and removes the camera track, returning it.
func (s *Stream) DisableVideo() Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t.Kind() == KindVideo {
			t.Stop()
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return t
		}
	}
	return nil
}

// Stop releases every device. Idempotent.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	stopAll(s.tracks)
}

// Live counts tracks that have not been stopped.
func (s *Stream) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tracks {
		if !t.Stopped() {
			n++
		}
	}
	return n
}
