package bus

import (
	"context"
	"log"
	"sync"
)

// Memory is an in-process Bus. Peers sharing one Memory see each other's
// traffic, which is all the tests and single-process demos need.
type Memory struct {
	mu     sync.Mutex
	topics map[string]map[*memorySub]struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{topics: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	bus   *Memory
	topic string
	ch    chan []byte
	once  sync.Once
}

func (m *Memory) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	s := &memorySub{bus: m, topic: topic, ch: make(chan []byte, QueueSize)}
	subs := m.topics[topic]
	if subs == nil {
		subs = make(map[*memorySub]struct{})
		m.topics[topic] = subs
	}
	subs[s] = struct{}{}
	return s, nil
}

// Publish enqueues synchronously, so messages from one publisher keep
// their order at every subscriber.
func (m *Memory) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for s := range m.topics[topic] {
		b := make([]byte, len(data))
		copy(b, data)
		select {
		case s.ch <- b:
		default:
			log.Printf("BUS: subscriber queue full on %s, dropping message", topic)
		}
	}
	return nil
}

// Subscribers reports how many subscriptions are active on topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics[topic])
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for topic, subs := range m.topics {
		for s := range subs {
			s.once.Do(func() { close(s.ch) })
		}
		delete(m.topics, topic)
	}
	return nil
}

func (s *memorySub) Topic() string { return s.topic }

func (s *memorySub) Messages() <-chan []byte { return s.ch }

func (s *memorySub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs := s.bus.topics[s.topic]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.bus.topics, s.topic)
		}
	}
	s.once.Do(func() { close(s.ch) })
	return nil
}
