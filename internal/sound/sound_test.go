package sound

import (
	"encoding/binary"
	"errors"
	"testing"
)

type fakeBackend struct {
	openErr error
	opens   int
	starts  int
	halts   int
	closed  bool
	gen     *Generator
}

func (f *fakeBackend) Open(int) error {
	f.opens++
	return f.openErr
}

func (f *fakeBackend) Start(g *Generator) error {
	f.starts++
	f.gen = g
	return nil
}

func (f *fakeBackend) Halt() { f.halts++ }

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

func TestPlayBeforeUnlockIsDeferred(t *testing.T) {
	fb := &fakeBackend{}
	p := New(fb, 8000)
	if err := p.Init(); err != nil {
		t.Fatal(err)
	}

	if err := p.Play(true); err != nil {
		t.Fatal(err)
	}
	if fb.starts != 0 {
		t.Fatal("played before unlock")
	}
	if !p.Playing() {
		t.Fatal("deferred play should report playing")
	}

	p.Unlock()
	if fb.starts != 1 || fb.gen == nil {
		t.Fatalf("starts = %d", fb.starts)
	}
}

func TestStopCancelsDeferredPlay(t *testing.T) {
	fb := &fakeBackend{}
	p := New(fb, 8000)
	_ = p.Init()
	_ = p.Play(true)
	p.Stop()
	p.Unlock()
	if fb.starts != 0 {
		t.Fatal("cancelled play started on unlock")
	}
	if p.Playing() {
		t.Fatal("still playing")
	}
}

func TestStopHaltsPlayback(t *testing.T) {
	fb := &fakeBackend{}
	p := New(fb, 8000)
	_ = p.Init()
	p.Unlock()
	_ = p.Play(true)
	p.Stop()
	if fb.halts != 1 || p.Playing() {
		t.Fatalf("halts = %d playing = %v", fb.halts, p.Playing())
	}
	p.Stop()
	if fb.halts != 1 {
		t.Fatal("second stop halted again")
	}
}

func TestInitFailureFallsBackToSilence(t *testing.T) {
	fb := &fakeBackend{openErr: errors.New("no sound card")}
	p := New(fb, 8000)
	if err := p.Init(); err != nil {
		t.Fatal(err)
	}
	p.Unlock()
	if err := p.Play(false); err != nil {
		t.Fatal(err)
	}
	if fb.starts != 0 {
		t.Fatal("broken backend was used")
	}
}

func TestDispose(t *testing.T) {
	fb := &fakeBackend{}
	p := New(fb, 8000)
	_ = p.Init()
	p.Unlock()
	_ = p.Play(true)
	if err := p.Dispose(); err != nil {
		t.Fatal(err)
	}
	if !fb.closed || fb.halts != 1 {
		t.Fatalf("closed=%v halts=%d", fb.closed, fb.halts)
	}
	if err := p.Play(true); !errors.Is(err, ErrDisposed) {
		t.Fatalf("err = %v", err)
	}
}

func TestGeneratorCadence(t *testing.T) {
	const rate = 1000
	g := NewGenerator(rate, false)

	on := make([]byte, 2*rate*onSecs)
	g.Fill(on)
	loud := false
	for i := 0; i < len(on); i += 2 {
		if binary.LittleEndian.Uint16(on[i:]) != 0 {
			loud = true
			break
		}
	}
	if !loud {
		t.Fatal("first two seconds are silent")
	}

	off := make([]byte, 2*rate*(periodSec-onSecs))
	g.Fill(off)
	for i := 0; i < len(off); i += 2 {
		if binary.LittleEndian.Uint16(off[i:]) != 0 {
			t.Fatal("tone during the off phase")
		}
	}
	if !g.Finished() {
		t.Fatal("one-shot tone should finish after one cadence")
	}
}

func TestLoopingGeneratorNeverFinishes(t *testing.T) {
	g := NewGenerator(100, true)
	g.Fill(make([]byte, 2*100*periodSec*3))
	if g.Finished() {
		t.Fatal("looping tone finished")
	}
}
