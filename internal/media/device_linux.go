//go:build linux

package media

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures from the local camera (V4L2) and microphone.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
	width    int
	height   int
}

func NewDeviceSource(videoBitrate, width, height int) (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	if videoBitrate > 0 {
		vpxParams.BitRate = videoBitrate
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		width:  width,
		height: height,
	}, nil
}

func (s *DeviceSource) Populate(m *webrtc.MediaEngine) { s.selector.Populate(m) }

func (s *DeviceSource) GetUserMedia(ctx context.Context, c Constraints) ([]Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, ErrNoDevice
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras produce frames that poison the
			// VP8 encoder. Raw formats only.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if s.width > 0 {
				mc.Width = prop.IntRanged{Max: s.width}
			}
			if s.height > 0 {
				mc.Height = prop.IntRanged{Max: s.height}
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classify(err)
	}

	var out []Track
	for _, mt := range stream.GetTracks() {
		mt := mt
		kind := KindAudio
		if mt.Kind() == webrtc.RTPCodecTypeVideo {
			kind = KindVideo
		}
		mt.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: %s track ended: %v", kind, err)
			}
		})
		out = append(out, newTrack(mt.ID(), kind, mt, func() { _ = mt.Close() }))
	}
	return out, nil
}

func classify(err error) error {
	if errors.Is(err, os.ErrPermission) || strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrNoDevice, err)
}
