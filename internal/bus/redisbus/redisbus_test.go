package redisbus

import (
	"context"
	"os"
	"testing"
	"time"
)

// Needs a reachable server, e.g. HUDDLE_TEST_REDIS=127.0.0.1:6379.
func testBus(t *testing.T) *Bus {
	t.Helper()
	addr := os.Getenv("HUDDLE_TEST_REDIS")
	if addr == "" {
		t.Skip("HUDDLE_TEST_REDIS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	b, err := New(ctx, Options{Addr: addr, Prefix: "huddle-test:" + t.Name() + ":"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSubscribeIsActiveOnReturn(t *testing.T) {
	b := testBus(t)
	ctx := context.Background()

	s, err := b.Subscribe(ctx, "voice:v1")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := b.Publish(ctx, "voice:v1", []byte(`{"type":"user_joined","id":"a"}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-s.Messages():
		if string(got) != `{"type":"user_joined","id":"a"}` {
			t.Fatalf("got %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message published after subscribe was not delivered")
	}
}

func TestCloseEndsMessages(t *testing.T) {
	b := testBus(t)
	s, err := b.Subscribe(context.Background(), "call:c1")
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Close()
	select {
	case _, ok := <-s.Messages():
		if ok {
			t.Fatal("unexpected message after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("messages channel not closed")
	}
}
