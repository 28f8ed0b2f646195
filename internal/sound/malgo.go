package sound

import (
	"fmt"
	"log"
	"sync"

	"github.com/gen2brain/malgo"
)

// Device plays through the default output via miniaudio.
type Device struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	gen    *Generator
}

func NewDevice() *Device { return &Device{} }

func (d *Device) Open(sampleRate int) error {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Printf("SOUND: %s", message)
	})
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(sampleRate)

	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{Data: d.onSamples})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("init playback device: %w", err)
	}

	d.mu.Lock()
	d.ctx, d.device = ctx, dev
	d.mu.Unlock()
	return nil
}

func (d *Device) onSamples(out, _ []byte, _ uint32) {
	d.mu.Lock()
	g := d.gen
	d.mu.Unlock()
	if g == nil {
		for i := range out {
			out[i] = 0
		}
		return
	}
	g.Fill(out)
}

func (d *Device) Start(g *Generator) error {
	d.mu.Lock()
	d.gen = g
	dev := d.device
	d.mu.Unlock()
	if dev == nil {
		return fmt.Errorf("playback device not open")
	}
	if dev.IsStarted() {
		return nil
	}
	return dev.Start()
}

func (d *Device) Halt() {
	d.mu.Lock()
	d.gen = nil
	dev := d.device
	d.mu.Unlock()
	if dev != nil && dev.IsStarted() {
		if err := dev.Stop(); err != nil {
			log.Printf("SOUND: stop: %v", err)
		}
	}
}

func (d *Device) Close() error {
	d.mu.Lock()
	dev, ctx := d.device, d.ctx
	d.device, d.ctx, d.gen = nil, nil, nil
	d.mu.Unlock()

	if dev != nil {
		dev.Uninit()
	}
	if ctx != nil {
		err := ctx.Uninit()
		ctx.Free()
		return err
	}
	return nil
}
