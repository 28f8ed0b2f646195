//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// DeviceSource has no capture drivers on this platform; every request
// fails with ErrNoDevice.
type DeviceSource struct{}

func NewDeviceSource(videoBitrate, width, height int) (*DeviceSource, error) {
	return &DeviceSource{}, nil
}

func (s *DeviceSource) Populate(m *webrtc.MediaEngine) {
	_ = m.RegisterDefaultCodecs()
}

func (s *DeviceSource) GetUserMedia(ctx context.Context, c Constraints) ([]Track, error) {
	return nil, ErrNoDevice
}
