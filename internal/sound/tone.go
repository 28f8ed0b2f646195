package sound

import (
	"encoding/binary"
	"math"
	"sync"
)

// Ring cadence: a 440+480 Hz pair, two seconds on, four off.
const (
	toneA     = 440.0
	toneB     = 480.0
	onSecs    = 2
	periodSec = 6
	amplitude = 0.2 * math.MaxInt16
)

// Generator renders the ring tone as mono signed 16-bit little-endian PCM.
type Generator struct {
	rate int
	loop bool

	mu       sync.Mutex
	pos      int
	finished bool
}

func NewGenerator(sampleRate int, loop bool) *Generator {
	return &Generator{rate: sampleRate, loop: loop}
}

// Fill writes len(out)/2 samples. Once a non-looping tone has played one
// cadence it writes silence and reports finished.
func (g *Generator) Fill(out []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()

	period := g.rate * periodSec
	on := g.rate * onSecs
	for i := 0; i+1 < len(out); i += 2 {
		var v int16
		if !g.finished {
			n := g.pos % period
			if n < on {
				t := float64(n) / float64(g.rate)
				s := math.Sin(2*math.Pi*toneA*t) + math.Sin(2*math.Pi*toneB*t)
				v = int16(amplitude * s / 2)
			}
			g.pos++
			if !g.loop && g.pos >= period {
				g.finished = true
			}
		}
		binary.LittleEndian.PutUint16(out[i:], uint16(v))
	}
}

func (g *Generator) Finished() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.finished
}
