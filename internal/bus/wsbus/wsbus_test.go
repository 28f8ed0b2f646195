package wsbus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/huddle/internal/relay"
)

const secret = "s3cret"

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv, err := relay.NewServer(relay.Options{Secret: secret})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, user string) *Bus {
	t.Helper()
	tok, err := relay.IssueToken(secret, user, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := Dial(ctx, ts.URL, tok)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func next(t *testing.T, ch <-chan []byte) string {
	t.Helper()
	select {
	case b, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return string(b)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	return ""
}

func TestSubscribePublishAcrossClients(t *testing.T) {
	ts := startRelay(t)
	a := dial(t, ts, "a")
	b := dial(t, ts, "b")
	ctx := context.Background()

	sa, err := a.Subscribe(ctx, "dm_call:c1")
	if err != nil {
		t.Fatal(err)
	}
	sb, err := b.Subscribe(ctx, "dm_call:c1")
	if err != nil {
		t.Fatal(err)
	}

	msg := `{"type":"incoming_call","from":"a","to":"b","username":"Ann"}`
	if err := a.Publish(ctx, "dm_call:c1", []byte(msg)); err != nil {
		t.Fatal(err)
	}
	if got := next(t, sb.Messages()); got != msg {
		t.Fatalf("b got %s", got)
	}
	if got := next(t, sa.Messages()); got != msg {
		t.Fatalf("publisher got %s", got)
	}
}

func TestSecondLocalSubscriptionSharesTopic(t *testing.T) {
	ts := startRelay(t)
	a := dial(t, ts, "a")
	ctx := context.Background()

	s1, err := a.Subscribe(ctx, "voice:v1")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := a.Subscribe(ctx, "voice:v1")
	if err != nil {
		t.Fatal(err)
	}
	_ = s1.Close()

	if err := a.Publish(ctx, "voice:v1", []byte(`{"x":1}`)); err != nil {
		t.Fatal(err)
	}
	if got := next(t, s2.Messages()); got != `{"x":1}` {
		t.Fatalf("got %s", got)
	}
}

func TestPublishRejectsNonJSON(t *testing.T) {
	ts := startRelay(t)
	a := dial(t, ts, "a")
	if err := a.Publish(context.Background(), "t", []byte("raw")); err == nil {
		t.Fatal("expected error")
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	ts := startRelay(t)
	a := dial(t, ts, "a")
	s, err := a.Subscribe(context.Background(), "call:c1")
	if err != nil {
		t.Fatal(err)
	}
	_ = a.Close()
	select {
	case _, ok := <-s.Messages():
		if ok {
			t.Fatal("unexpected message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
}

// A subscribe that timed out is retried on the same topic. The relay's
// late ack for the first request must not complete the second one.
func TestStaleAckIgnoredAfterResubscribe(t *testing.T) {
	staleSent := make(chan struct{})
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var subs []relay.Frame
		for {
			var f relay.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Op != relay.OpSubscribe {
				continue
			}
			subs = append(subs, f)
			if len(subs) < 2 {
				continue
			}
			_ = conn.WriteJSON(relay.Frame{Op: relay.OpSubscribed, Topic: f.Topic, Seq: subs[0].Seq})
			close(staleSent)
			<-release
			_ = conn.WriteJSON(relay.Frame{Op: relay.OpSubscribed, Topic: f.Topic, Seq: f.Seq})
		}
	}))
	t.Cleanup(ts.Close)
	a := dial(t, ts, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := a.Subscribe(ctx, "call:c1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("first subscribe = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := a.Subscribe(context.Background(), "call:c1")
		done <- err
	}()

	select {
	case <-staleSent:
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("second subscribe never reached the relay")
	}
	select {
	case err := <-done:
		close(release)
		t.Fatalf("subscribe completed by a stale ack (err=%v)", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe never completed")
	}
}
