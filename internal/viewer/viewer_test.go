package viewer

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestLogBufferSplitsLinesAndTags(t *testing.T) {
	b := NewLogBuffer(10)
	fmt.Fprint(b, "2026/10/19 10:00:00 CALL [voice]: joined general\n2026/10/19 10:00:01 BUS: conn")
	fmt.Fprint(b, "ected\nplain line\n\n")

	got := b.Snapshot()
	if len(got) != 3 {
		t.Fatalf("entries = %d, want 3: %+v", len(got), got)
	}
	wantTags := []string{"CALL", "BUS", ""}
	for i, e := range got {
		if e.Tag != wantTags[i] {
			t.Errorf("entry %d tag = %q, want %q", i, e.Tag, wantTags[i])
		}
	}
	if !strings.HasSuffix(got[1].Msg, "BUS: connected") {
		t.Fatalf("partial write not joined: %q", got[1].Msg)
	}
}

func TestLogBufferFilter(t *testing.T) {
	b := NewLogBuffer(10)
	l := log.New(b, "", 0)
	for i := 0; i < 4; i++ {
		l.Printf("CALL: n=%d", i)
		l.Printf("SIGNAL: n=%d", i)
	}
	calls := b.Filter("call", 2)
	if len(calls) != 2 || calls[1].Msg != "CALL: n=3" {
		t.Fatalf("filter = %+v", calls)
	}
	if all := b.Filter("", 0); len(all) != 8 {
		t.Fatalf("unfiltered = %d", len(all))
	}
}

func TestLogsEndpoint(t *testing.T) {
	b := NewLogBuffer(10)
	log.New(b, "", 0).Print("RELAY: listening")
	srv := httptest.NewServer(Handler(Viewer{Logs: b}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/logs?tag=RELAY")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var entries []LogEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Tag != "RELAY" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestStatusPage(t *testing.T) {
	srv := httptest.NewServer(Handler(Viewer{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "/api/call/status") {
		t.Fatal("status page does not poll the status endpoint")
	}
	if len(body) >= len(statusRaw) {
		t.Fatalf("page not minified: %d >= %d bytes", len(body), len(statusRaw))
	}
	if resp.Header.Get("Cache-Control") == "" {
		t.Fatal("missing no-cache headers")
	}

	resp, err = http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path status = %d", resp.StatusCode)
	}
}

func TestGestureOnCommandsOnly(t *testing.T) {
	var n atomic.Int32
	srv := httptest.NewServer(Handler(Viewer{Gesture: func() { n.Add(1) }}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if n.Load() != 0 {
		t.Fatal("GET counted as a gesture")
	}

	resp, err = http.Post(srv.URL+"/api/voice/join", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if n.Load() != 1 {
		t.Fatalf("gestures = %d, want 1", n.Load())
	}
}
