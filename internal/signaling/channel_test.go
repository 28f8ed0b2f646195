package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/huddle/internal/bus"
	"github.com/petervdpas/huddle/internal/proto"
)

type inbox struct {
	mu   sync.Mutex
	msgs []proto.Message
	got  chan struct{}
}

func newInbox() *inbox { return &inbox{got: make(chan struct{}, 64)} }

func (in *inbox) handle(m proto.Message) {
	in.mu.Lock()
	in.msgs = append(in.msgs, m)
	in.mu.Unlock()
	in.got <- struct{}{}
}

func (in *inbox) wait(t *testing.T, n int) []proto.Message {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-in.got:
		case <-time.After(time.Second):
			t.Fatalf("got %d of %d messages", i, n)
		}
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]proto.Message(nil), in.msgs...)
}

func (in *inbox) quiet(t *testing.T) {
	t.Helper()
	select {
	case <-in.got:
		in.mu.Lock()
		defer in.mu.Unlock()
		t.Fatalf("unexpected message %+v", in.msgs[len(in.msgs)-1])
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFiltersSelfAndForeignAddressees(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()
	defer b.Close()

	alice := New(b, "alice")
	bob := New(b, "bob")
	in := newInbox()
	if _, err := bob.Subscribe(ctx, "voice:v1", in.handle); err != nil {
		t.Fatal(err)
	}

	bob.Send(ctx, "voice:v1", proto.UserJoined{ID: "bob", Username: "Bob"})
	alice.Send(ctx, "voice:v1", proto.Offer{From: "alice", To: "carol", SDP: "x"})
	alice.Send(ctx, "voice:v1", proto.Offer{From: "alice", To: "bob", SDP: "y"})
	alice.Send(ctx, "voice:v1", proto.UserJoined{ID: "alice", Username: "Alice"})

	msgs := in.wait(t, 2)
	if o, ok := msgs[0].(proto.Offer); !ok || o.SDP != "y" {
		t.Fatalf("first = %+v", msgs[0])
	}
	if j, ok := msgs[1].(proto.UserJoined); !ok || j.ID != "alice" {
		t.Fatalf("second = %+v", msgs[1])
	}
	in.quiet(t)
}

func TestDropsUndecodablePayloads(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()
	defer b.Close()

	bob := New(b, "bob")
	in := newInbox()
	if _, err := bob.Subscribe(ctx, "t", in.handle); err != nil {
		t.Fatal(err)
	}
	_ = b.Publish(ctx, "t", []byte(`{"type":"nonsense"}`))
	_ = b.Publish(ctx, "t", []byte(`{"type":"user_left","id":"x"}`))

	msgs := in.wait(t, 1)
	if _, ok := msgs[0].(proto.UserLeft); !ok {
		t.Fatalf("got %+v", msgs[0])
	}
}

func TestCloseStopsDeliveryAndTopics(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()
	defer b.Close()

	bob := New(b, "bob")
	in := newInbox()
	s, err := bob.Subscribe(ctx, "call:c1", in.handle)
	if err != nil {
		t.Fatal(err)
	}
	if got := bob.Topics(); len(got) != 1 || got[0] != "call:c1" {
		t.Fatalf("topics = %v", got)
	}

	s.Close()
	s.Close()
	if got := bob.Topics(); len(got) != 0 {
		t.Fatalf("topics after close = %v", got)
	}
	if b.Subscribers("call:c1") != 0 {
		t.Fatal("bus subscription leaked")
	}

	New(b, "alice").Send(ctx, "call:c1", proto.UserLeft{ID: "alice"})
	in.quiet(t)
}

type blockingBus struct {
	*bus.Memory
	release chan struct{}
}

func (b *blockingBus) Subscribe(ctx context.Context, topic string) (bus.Subscription, error) {
	select {
	case <-b.release:
		return b.Memory.Subscribe(ctx, topic)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestChannelCloseAbortsPendingSubscribe(t *testing.T) {
	bb := &blockingBus{Memory: bus.NewMemory(), release: make(chan struct{})}
	defer bb.Close()

	ch := New(bb, "bob")
	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Subscribe(context.Background(), "voice:v1", func(proto.Message) {})
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	ch.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribe did not return")
	}
	if len(ch.Topics()) != 0 {
		t.Fatal("pending subscription left behind")
	}
	if _, err := ch.Subscribe(context.Background(), "x", func(proto.Message) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("subscribe on closed channel: %v", err)
	}
}
