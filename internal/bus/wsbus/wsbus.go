// Package wsbus is a bus.Bus client for the websocket relay.
package wsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/huddle/internal/bus"
	"github.com/petervdpas/huddle/internal/relay"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

type Bus struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	topics map[string]*topicState
	seq    uint64
	closed bool
	done   chan struct{}
}

// topicState tracks one relay subscription. seq identifies the subscribe
// frame whose ack is awaited; acks for older frames of the same topic are
// ignored.
type topicState struct {
	subs    map[*subscription]struct{}
	active  bool
	seq     uint64
	waiters []chan error
}

// Dial connects to the relay's /ws endpoint using token for auth.
func Dial(ctx context.Context, relayURL, token string) (*Bus, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", relayURL, err)
	}

	b := &Bus{
		conn:   conn,
		topics: make(map[string]*topicState),
		done:   make(chan struct{}),
	}
	go b.readLoop()
	go b.pingLoop()
	log.Printf("BUS: connected to relay %s", u.Host)
	return b, nil
}

func (b *Bus) writeFrame(f relay.Frame) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return b.conn.WriteJSON(f)
}

// Subscribe waits for the relay's subscribed ack. Further local
// subscriptions to a topic that is already active return at once.
func (b *Bus) Subscribe(ctx context.Context, topic string) (bus.Subscription, error) {
	s := &subscription{bus: b, topic: topic, out: make(chan []byte, bus.QueueSize)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed
	}
	ts, ok := b.topics[topic]
	if !ok {
		ts = &topicState{subs: make(map[*subscription]struct{})}
		b.topics[topic] = ts
	}
	ts.subs[s] = struct{}{}
	if ts.active {
		b.mu.Unlock()
		return s, nil
	}
	first := len(ts.waiters) == 0
	if first {
		b.seq++
		ts.seq = b.seq
	}
	seq := ts.seq
	wait := make(chan error, 1)
	ts.waiters = append(ts.waiters, wait)
	b.mu.Unlock()

	if first {
		if err := b.writeFrame(relay.Frame{Op: relay.OpSubscribe, Topic: topic, Seq: seq}); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	select {
	case err := <-wait:
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}
}

func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("publish %s: payload is not JSON", topic)
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return bus.ErrClosed
	}
	return b.writeFrame(relay.Frame{Op: relay.OpPublish, Topic: topic, Data: data})
}

func (b *Bus) readLoop() {
	defer b.shutdown()
	for {
		var f relay.Frame
		if err := b.conn.ReadJSON(&f); err != nil {
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if !closed {
				log.Printf("BUS: relay connection lost: %v", err)
			}
			return
		}

		switch f.Op {
		case relay.OpSubscribed:
			b.mu.Lock()
			if ts, ok := b.topics[f.Topic]; ok && ts.seq == f.Seq {
				ts.active = true
				for _, w := range ts.waiters {
					w <- nil
				}
				ts.waiters = nil
			}
			b.mu.Unlock()
		case relay.OpMessage:
			b.mu.Lock()
			if ts, ok := b.topics[f.Topic]; ok {
				for s := range ts.subs {
					data := make([]byte, len(f.Data))
					copy(data, f.Data)
					select {
					case s.out <- data:
					default:
						log.Printf("BUS: subscriber queue full on %s, dropping message", f.Topic)
					}
				}
			}
			b.mu.Unlock()
		case relay.OpError:
			log.Printf("BUS: relay error on %q: %s", f.Topic, f.Message)
			if f.Topic == "" {
				continue
			}
			b.mu.Lock()
			if ts, ok := b.topics[f.Topic]; ok && !ts.active && ts.seq == f.Seq {
				for _, w := range ts.waiters {
					w <- fmt.Errorf("relay: %s", f.Message)
				}
				ts.waiters = nil
			}
			b.mu.Unlock()
		}
	}
}

func (b *Bus) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.writeMu.Lock()
			err := b.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			b.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// shutdown closes every subscription and fails pending subscribes.
func (b *Bus) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	for topic, ts := range b.topics {
		for _, w := range ts.waiters {
			w <- bus.ErrClosed
		}
		for s := range ts.subs {
			s.closeOut()
		}
		delete(b.topics, topic)
	}
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.writeMu.Lock()
	_ = b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	b.writeMu.Unlock()

	b.shutdown()
	return b.conn.Close()
}

type subscription struct {
	bus   *Bus
	topic string
	out   chan []byte
	once  sync.Once
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Messages() <-chan []byte { return s.out }

func (s *subscription) closeOut() { s.once.Do(func() { close(s.out) }) }

func (s *subscription) Close() error {
	b := s.bus
	b.mu.Lock()
	ts, ok := b.topics[s.topic]
	last := false
	if ok {
		if _, mine := ts.subs[s]; mine {
			delete(ts.subs, s)
			if len(ts.subs) == 0 {
				delete(b.topics, s.topic)
				last = !b.closed
			}
		}
	}
	b.mu.Unlock()
	s.closeOut()

	if last {
		return b.writeFrame(relay.Frame{Op: relay.OpUnsubscribe, Topic: s.topic})
	}
	return nil
}
