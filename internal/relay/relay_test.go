package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/huddle/internal/bus"
)

const testSecret = "test-secret"

func init() { gin.SetMode(gin.TestMode) }

func newTestServer(t *testing.T, backplane bus.Bus) *httptest.Server {
	t.Helper()
	s, err := NewServer(Options{Secret: testSecret, Backplane: backplane})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	tok, err := IssueToken(testSecret, user, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestTokenRoundTrip(t *testing.T) {
	tok, err := IssueToken(testSecret, "alice", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ParseToken(testSecret, tok)
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != "alice" {
		t.Fatalf("user = %q", claims.UserID)
	}
	if _, err := ParseToken("other", tok); err == nil {
		t.Fatal("token accepted with wrong secret")
	}
	expired, _ := IssueToken(testSecret, "alice", -time.Minute)
	if _, err := ParseToken(testSecret, expired); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestWebsocketRequiresToken(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	ts := newTestServer(t, nil)
	a := dial(t, ts, "a")
	b := dial(t, ts, "b")

	for _, c := range []*websocket.Conn{a, b} {
		if err := c.WriteJSON(Frame{Op: OpSubscribe, Topic: "voice:v1", Seq: 7}); err != nil {
			t.Fatal(err)
		}
		if f := readFrame(t, c); f.Op != OpSubscribed || f.Topic != "voice:v1" || f.Seq != 7 {
			t.Fatalf("ack = %+v", f)
		}
	}

	payload := json.RawMessage(`{"type":"user_joined","id":"a"}`)
	if err := a.WriteJSON(Frame{Op: OpPublish, Topic: "voice:v1", Data: payload}); err != nil {
		t.Fatal(err)
	}
	for _, c := range []*websocket.Conn{a, b} {
		f := readFrame(t, c)
		if f.Op != OpMessage || string(f.Data) != string(payload) {
			t.Fatalf("got %+v", f)
		}
	}
}

func TestBackplaneCarriesPublishes(t *testing.T) {
	mem := bus.NewMemory()
	defer mem.Close()
	ts1 := newTestServer(t, mem)
	ts2 := newTestServer(t, mem)

	a := dial(t, ts1, "a")
	b := dial(t, ts2, "b")
	for _, c := range []*websocket.Conn{a, b} {
		_ = c.WriteJSON(Frame{Op: OpSubscribe, Topic: "call:c1"})
		readFrame(t, c)
	}

	_ = a.WriteJSON(Frame{Op: OpPublish, Topic: "call:c1", Data: json.RawMessage(`{"n":1}`)})
	if f := readFrame(t, b); f.Op != OpMessage || f.Topic != "call:c1" {
		t.Fatalf("got %+v", f)
	}
}

func TestMalformedFrameGetsError(t *testing.T) {
	ts := newTestServer(t, nil)
	a := dial(t, ts, "a")
	if err := a.WriteMessage(websocket.TextMessage, []byte("nope")); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, a); f.Op != OpError {
		t.Fatalf("got %+v", f)
	}
}
