// Package signaling adapts a broadcast bus into an addressed message
// channel. Every inbound message passes the self and destination filters
// here, so handlers only ever see traffic meant for this participant.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/petervdpas/huddle/internal/bus"
	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/util"
)

var ErrClosed = errors.New("signaling: channel closed")

// Handler receives messages in the order the sender published them.
type Handler func(proto.Message)

type Channel struct {
	bus    bus.Bus
	selfID string

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func New(b bus.Bus, selfID string) *Channel {
	return &Channel{bus: b, selfID: selfID, subs: make(map[*Subscription]struct{})}
}

func (c *Channel) SelfID() string { return c.selfID }

// Subscription is one handler attached to one topic.
type Subscription struct {
	ch      *Channel
	topic   string
	handler Handler

	mu     sync.Mutex
	sub    bus.Subscription
	cancel context.CancelFunc
	closed bool
	done   chan struct{}
}

func (s *Subscription) Topic() string { return s.topic }

// Subscribe returns once the bus reports the subscription active. Closing
// the Channel while Subscribe is still waiting makes it fail with ErrClosed.
func (c *Channel) Subscribe(ctx context.Context, topic string, h Handler) (*Subscription, error) {
	sctx, cancel := context.WithCancel(ctx)
	s := &Subscription{ch: c, topic: topic, handler: h, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	sub, err := c.bus.Subscribe(sctx, topic)
	if err != nil {
		s.Close()
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sub.Close()
		return nil, ErrClosed
	}
	s.sub = sub
	s.mu.Unlock()

	go s.deliver(sub)
	return s, nil
}

func (s *Subscription) deliver(sub bus.Subscription) {
	defer close(s.done)
	for data := range sub.Messages() {
		m, err := proto.Decode(data)
		if err != nil {
			log.Printf("SIGNAL: dropping message on %s: %v", s.topic, err)
			continue
		}
		if !s.ch.accepts(m) {
			continue
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		s.handler(m)
	}
}

// accepts applies the broadcast filters: never our own messages, and
// addressed messages only when addressed to us.
func (c *Channel) accepts(m proto.Message) bool {
	if m.Sender() == c.selfID {
		return false
	}
	if to := m.Recipient(); to != "" && to != c.selfID {
		return false
	}
	return true
}

// Close is idempotent and safe to call from within the handler.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	s.mu.Unlock()

	s.cancel()
	if sub != nil {
		_ = sub.Close()
	}

	c := s.ch
	c.mu.Lock()
	delete(c.subs, s)
	c.mu.Unlock()
}

// Send publishes m on topic. Delivery is best effort: failures are logged
// and otherwise ignored.
func (c *Channel) Send(ctx context.Context, topic string, m proto.Message) {
	data, err := proto.Encode(m)
	if err != nil {
		log.Printf("SIGNAL: encode %s: %v", m.Kind(), err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	defer cancel()
	if err := c.bus.Publish(ctx, topic, data); err != nil {
		log.Printf("SIGNAL: send %s on %s failed: %v", m.Kind(), topic, err)
	}
}

// Topics lists topics with at least one open subscription.
func (c *Channel) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]struct{}, len(c.subs))
	for s := range c.subs {
		seen[s.topic] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Close drops every subscription. The bus itself is left open.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := make([]*Subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}
