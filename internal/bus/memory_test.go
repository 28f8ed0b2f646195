package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func recv(t *testing.T, s Subscription) []byte {
	t.Helper()
	select {
	case b, ok := <-s.Messages():
		if !ok {
			t.Fatal("subscription closed")
		}
		return b
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func TestMemoryDeliversToAllIncludingPublisher(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	a, err := m.Subscribe(ctx, "voice:v1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Subscribe(ctx, "voice:v1")
	if err != nil {
		t.Fatal(err)
	}
	other, err := m.Subscribe(ctx, "voice:v2")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Publish(ctx, "voice:v1", []byte("hi")); err != nil {
		t.Fatal(err)
	}
	if got := string(recv(t, a)); got != "hi" {
		t.Fatalf("a got %q", got)
	}
	if got := string(recv(t, b)); got != "hi" {
		t.Fatalf("b got %q", got)
	}
	select {
	case msg := <-other.Messages():
		t.Fatalf("unrelated topic received %q", msg)
	default:
	}
}

func TestMemoryPreservesPublisherOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	s, _ := m.Subscribe(ctx, "t")
	for i := 0; i < 50; i++ {
		_ = m.Publish(ctx, "t", []byte(fmt.Sprint(i)))
	}
	for i := 0; i < 50; i++ {
		if got := string(recv(t, s)); got != fmt.Sprint(i) {
			t.Fatalf("message %d = %s", i, got)
		}
	}
}

func TestMemoryCloseSubscription(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	defer m.Close()

	s, _ := m.Subscribe(ctx, "t")
	if m.Subscribers("t") != 1 {
		t.Fatal("expected one subscriber")
	}
	_ = s.Close()
	_ = s.Close()
	if m.Subscribers("t") != 0 {
		t.Fatal("subscriber not removed")
	}
	if _, ok := <-s.Messages(); ok {
		t.Fatal("channel still open")
	}
}

func TestMemoryClosedBus(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	s, _ := m.Subscribe(ctx, "t")
	_ = m.Close()

	if _, ok := <-s.Messages(); ok {
		t.Fatal("subscription survived bus close")
	}
	if err := m.Publish(ctx, "t", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish err = %v", err)
	}
	if _, err := m.Subscribe(ctx, "t"); !errors.Is(err, ErrClosed) {
		t.Fatalf("subscribe err = %v", err)
	}
	_ = s.Close()
}
