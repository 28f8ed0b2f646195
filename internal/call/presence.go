package call

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/signaling"
)

// Presence keeps a sidebar roster per voice channel from the presence
// topic alone, so watching a channel never joins its call. Members in a
// call re-announce themselves periodically, which is how a watcher learns
// about people who joined before it started watching.
type Presence struct {
	signal *signaling.Channel

	// OnChange, when set, is called after a roster changes.
	OnChange func(channelID string, roster []proto.Participant)
	// TTL drops members not heard from for this long. 0 keeps them until
	// they leave. Set before the first Watch.
	TTL time.Duration

	mu      sync.Mutex
	watches map[string]*presenceWatch
}

type presenceWatch struct {
	sub    *signaling.Subscription
	roster map[string]proto.Participant
	seen   map[string]time.Time
	stop   chan struct{}
}

func (w *presenceWatch) close() {
	close(w.stop)
	w.sub.Close()
}

func NewPresence(signal *signaling.Channel) *Presence {
	return &Presence{signal: signal, watches: make(map[string]*presenceWatch)}
}

// Watch subscribes to a channel's presence topic. Members already in the
// channel show up with their next announcement.
func (p *Presence) Watch(ctx context.Context, channelID string) error {
	p.mu.Lock()
	_, ok := p.watches[channelID]
	p.mu.Unlock()
	if ok {
		return nil
	}

	w := &presenceWatch{
		roster: make(map[string]proto.Participant),
		seen:   make(map[string]time.Time),
		stop:   make(chan struct{}),
	}
	sub, err := p.signal.Subscribe(ctx, proto.VoicePresenceTopic(channelID), func(m proto.Message) {
		p.apply(channelID, w, m)
	})
	if err != nil {
		return err
	}
	w.sub = sub

	p.mu.Lock()
	if _, dup := p.watches[channelID]; dup {
		p.mu.Unlock()
		sub.Close()
		return nil
	}
	p.watches[channelID] = w
	ttl := p.TTL
	p.mu.Unlock()

	if ttl > 0 {
		go p.sweep(channelID, w, ttl)
	}
	return nil
}

func (p *Presence) sweep(channelID string, w *presenceWatch, ttl time.Duration) {
	every := ttl / 3
	if every <= 0 {
		every = ttl
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case now := <-t.C:
			p.expire(channelID, w, now.Add(-ttl))
		}
	}
}

// expire drops members last seen before cutoff.
func (p *Presence) expire(channelID string, w *presenceWatch, cutoff time.Time) {
	p.mu.Lock()
	changed := false
	for id, at := range w.seen {
		if at.Before(cutoff) {
			delete(w.seen, id)
			delete(w.roster, id)
			changed = true
		}
	}
	roster := sortedRoster(w.roster)
	p.mu.Unlock()

	if changed && p.OnChange != nil {
		p.OnChange(channelID, roster)
	}
}

func (p *Presence) apply(channelID string, w *presenceWatch, m proto.Message) {
	p.mu.Lock()
	switch m := m.(type) {
	case proto.UserJoined:
		w.seen[m.ID] = time.Now()
		part := proto.Participant{ID: m.ID, Username: m.Username}
		if old, ok := w.roster[m.ID]; ok && old == part {
			p.mu.Unlock()
			return
		}
		w.roster[m.ID] = part
	case proto.UserLeft:
		if _, ok := w.roster[m.ID]; !ok {
			p.mu.Unlock()
			return
		}
		delete(w.roster, m.ID)
		delete(w.seen, m.ID)
	default:
		p.mu.Unlock()
		return
	}
	roster := sortedRoster(w.roster)
	p.mu.Unlock()

	if p.OnChange != nil {
		p.OnChange(channelID, roster)
	}
}

func (p *Presence) Unwatch(channelID string) {
	p.mu.Lock()
	w := p.watches[channelID]
	delete(p.watches, channelID)
	p.mu.Unlock()
	if w != nil {
		w.close()
	}
}

// Roster returns the members seen in a watched channel, by name.
func (p *Presence) Roster(channelID string) ([]proto.Participant, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.watches[channelID]
	if !ok {
		return nil, false
	}
	return sortedRoster(w.roster), true
}

func (p *Presence) Close() {
	p.mu.Lock()
	watches := p.watches
	p.watches = make(map[string]*presenceWatch)
	p.mu.Unlock()
	for _, w := range watches {
		w.close()
	}
}

func sortedRoster(m map[string]proto.Participant) []proto.Participant {
	out := make([]proto.Participant, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Label() != out[j].Label() {
			return out[i].Label() < out[j].Label()
		}
		return out[i].ID < out[j].ID
	})
	return out
}
