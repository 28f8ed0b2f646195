package media

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// StaticSource produces device-free tracks: an Opus track streaming silence
// and, on request, a VP8 track that sends nothing. Headless peers and tests
// use it in place of real capture.
type StaticSource struct {
	// Err, when set, is returned from every GetUserMedia call.
	Err error
	// NoVideo makes camera requests fail with ErrNoDevice.
	NoVideo bool

	mu     sync.Mutex
	opened []Track
}

func (s *StaticSource) GetUserMedia(ctx context.Context, c Constraints) ([]Track, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if c.Video && s.NoVideo {
		return nil, ErrNoDevice
	}

	var out []Track
	if c.Audio {
		t, err := newSilenceTrack()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if c.Video {
		id := "video-" + uuid.NewString()
		local, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "huddle")
		if err != nil {
			stopAll(out)
			return nil, err
		}
		out = append(out, newTrack(id, KindVideo, local, nil))
	}

	s.mu.Lock()
	s.opened = append(s.opened, out...)
	s.mu.Unlock()
	return out, nil
}

// Opened returns every track handed out so far.
func (s *StaticSource) Opened() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Track(nil), s.opened...)
}

func newSilenceTrack() (Track, error) {
	id := "audio-" + uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, id, "huddle")
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = local.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: 20 * time.Millisecond})
			}
		}
	}()
	return newTrack(id, KindAudio, local, func() { close(done) }), nil
}
