package call

import "sync"

// loop runs every state change of one session on a single goroutine.
// Signaling deliveries, pion callbacks and API calls are all posted here,
// so session fields are only touched from run.
type loop struct {
	ch   chan func()
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newLoop() *loop {
	l := &loop{
		ch:   make(chan func(), 128),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case f := <-l.ch:
			f()
		}
	}
}

// post queues f and reports false once the loop has stopped.
func (l *loop) post(f func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.ch <- f:
		return true
	case <-l.quit:
		return false
	}
}

// do runs f on the loop and waits for it. Never call it from the loop.
func (l *loop) do(f func()) bool {
	ran := make(chan struct{})
	if !l.post(func() { f(); close(ran) }) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// stop ends the loop without draining queued work. Safe from any
// goroutine except the loop itself; use stopAsync there.
func (l *loop) stop() {
	l.once.Do(func() { close(l.quit) })
	<-l.done
}

func (l *loop) stopAsync() { l.once.Do(func() { close(l.quit) }) }

func (l *loop) stopped() bool {
	select {
	case <-l.quit:
		return true
	default:
		return false
	}
}
