// Package sound plays the ring tone. Playback stays locked until the user
// has interacted with the app once; a Play issued before that is
// remembered and starts on Unlock.
package sound

import (
	"errors"
	"log"
	"sync"
)

var ErrDisposed = errors.New("sound: player disposed")

// Backend drives an output device.
type Backend interface {
	Open(sampleRate int) error
	Start(g *Generator) error
	Halt()
	Close() error
}

type Player struct {
	backend    Backend
	sampleRate int

	mu       sync.Mutex
	ready    bool
	unlocked bool
	pending  *bool // loop flag of a Play issued before Unlock
	playing  bool
	disposed bool
	gen      *Generator
}

func New(b Backend, sampleRate int) *Player {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	return &Player{backend: b, sampleRate: sampleRate}
}

// Init opens the device. A failed Init leaves the player silent rather
// than broken: Play keeps working and simply produces nothing.
func (p *Player) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return ErrDisposed
	}
	if p.ready {
		return nil
	}
	if err := p.backend.Open(p.sampleRate); err != nil {
		log.Printf("SOUND: output unavailable, ring tone disabled: %v", err)
		p.backend = nopBackend{}
	}
	p.ready = true
	return nil
}

// Unlock marks the first user gesture and starts any deferred Play.
func (p *Player) Unlock() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unlocked || p.disposed {
		return
	}
	p.unlocked = true
	if p.pending != nil {
		loop := *p.pending
		p.pending = nil
		p.startLocked(loop)
	}
}

func (p *Player) Unlocked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unlocked
}

// Play starts the ring tone, looping until Stop when loop is set.
func (p *Player) Play(loop bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return ErrDisposed
	}
	if !p.unlocked {
		p.pending = &loop
		return nil
	}
	return p.startLocked(loop)
}

func (p *Player) startLocked(loop bool) error {
	if !p.ready {
		if err := p.backend.Open(p.sampleRate); err != nil {
			log.Printf("SOUND: output unavailable, ring tone disabled: %v", err)
			p.backend = nopBackend{}
		}
		p.ready = true
	}
	if p.playing {
		p.backend.Halt()
	}
	p.gen = NewGenerator(p.sampleRate, loop)
	if err := p.backend.Start(p.gen); err != nil {
		p.playing = false
		return err
	}
	p.playing = true
	return nil
}

// Stop silences the tone and cancels a deferred Play.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	if !p.playing {
		return
	}
	p.backend.Halt()
	p.playing = false
	p.gen = nil
}

// Playing reports whether a tone is running or waiting for Unlock.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending != nil {
		return true
	}
	return p.playing && (p.gen == nil || !p.gen.Finished())
}

func (p *Player) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return nil
	}
	p.disposed = true
	p.pending = nil
	if p.playing {
		p.backend.Halt()
		p.playing = false
	}
	if p.ready {
		return p.backend.Close()
	}
	return nil
}

type nopBackend struct{}

func (nopBackend) Open(int) error         { return nil }
func (nopBackend) Start(*Generator) error { return nil }
func (nopBackend) Halt()                  {}
func (nopBackend) Close() error           { return nil }

// Silent returns a player with no output device.
func Silent() *Player { return New(nopBackend{}, 0) }
