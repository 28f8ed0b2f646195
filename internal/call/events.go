package call

import (
	"sync"

	"github.com/petervdpas/huddle/internal/proto"
)

// Event types published by the Manager.
const (
	EventJoined    = "call.joined"
	EventLeft      = "call.left"
	EventFailed    = "call.failed"
	EventPeer      = "peer.state"
	EventIncoming  = "call.incoming"
	EventCancelled = "call.cancelled"
	EventVideo     = "call.video"
	EventPresence  = "voice.presence"
)

type Event struct {
	Type    string              `json:"type"`
	Kind    string              `json:"kind,omitempty"`
	Target  string              `json:"target,omitempty"`
	Peer    string              `json:"peer,omitempty"`
	State   PeerState           `json:"state,omitempty"`
	From    *proto.Participant  `json:"from,omitempty"`
	Enabled *bool               `json:"enabled,omitempty"`
	Roster  []proto.Participant `json:"roster,omitempty"`
	Reason  string              `json:"reason,omitempty"`
	Error   string              `json:"error,omitempty"`
	TS      int64               `json:"ts"`
}

// broker fans events out to subscribers. Slow subscribers lose events
// rather than stall a call.
type broker struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newBroker() *broker { return &broker{subs: make(map[chan Event]struct{})} }

func (b *broker) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

func (b *broker) publish(ev Event) {
	if ev.TS == 0 {
		ev.TS = proto.NowMillis()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
