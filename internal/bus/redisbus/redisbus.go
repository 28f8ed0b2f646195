// Package redisbus carries signaling topics over Redis pub/sub channels.
package redisbus

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/petervdpas/huddle/internal/bus"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every topic so several deployments can share
	// one Redis.
	Prefix string
}

type Bus struct {
	rdb    *redis.Client
	prefix string

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// New connects and pings the server.
func New(ctx context.Context, opts Options) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	log.Printf("BUS: connected to redis at %s", opts.Addr)
	return &Bus{rdb: rdb, prefix: opts.Prefix, subs: make(map[*subscription]struct{})}, nil
}

func (b *Bus) channel(topic string) string { return b.prefix + topic }

// Subscribe blocks until Redis confirms the subscription.
func (b *Bus) Subscribe(ctx context.Context, topic string) (bus.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed
	}
	b.mu.Unlock()

	ps := b.rdb.Subscribe(ctx, b.channel(topic))
	msg, err := ps.Receive(ctx)
	if err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}
	if _, ok := msg.(*redis.Subscription); !ok {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: unexpected reply %T", topic, msg)
	}

	s := &subscription{
		bus:   b,
		topic: topic,
		ps:    ps,
		out:   make(chan []byte, bus.QueueSize),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump(ps.Channel())
	return s, nil
}

func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	if err := b.rdb.Publish(ctx, b.channel(topic), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return b.rdb.Close()
}

type subscription struct {
	bus   *Bus
	topic string
	ps    *redis.PubSub
	out   chan []byte
	done  chan struct{}
	once  sync.Once
}

func (s *subscription) pump(in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(m.Payload):
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Messages() <-chan []byte { return s.out }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return err
}
