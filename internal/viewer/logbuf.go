// internal/viewer/logbuf.go

package viewer

import (
	"bytes"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/huddle/internal/util"
)

type LogEntry struct {
	TS  time.Time `json:"ts"`
	Tag string    `json:"tag,omitempty"`
	Msg string    `json:"msg"`
}

// LogBuffer keeps the most recent log lines for the control API and fans
// new lines out to live tails.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.Ring[LogEntry]
	subs    map[chan LogEntry]struct{}
	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRing[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Write implements io.Writer for log.SetOutput/io.MultiWriter.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}
		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}

		e := LogEntry{TS: time.Now(), Tag: tagOf(line), Msg: line}
		b.entries.Add(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
			}
		}
	}
	return len(p), nil
}

// tagRe matches the subsystem prefix log lines start with: "CALL: ..." or
// "CALL [voice]: ...".
var tagRe = regexp.MustCompile(`(?:^|\s)([A-Z][A-Z0-9]+)(?: \[[^\]]*\])?:`)

func tagOf(line string) string {
	m := tagRe.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	return m[1]
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Last(0, nil)
}

// Filter returns up to n of the newest entries, optionally limited to one
// tag. n <= 0 means all.
func (b *LogBuffer) Filter(tag string, n int) []LogEntry {
	if tag == "" {
		return b.entries.Last(n, nil)
	}
	return b.entries.Last(n, func(e LogEntry) bool {
		return strings.EqualFold(e.Tag, tag)
	})
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/logs?tag=CALL&n=100
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(b.Filter(r.URL.Query().Get("tag"), n))
}

// GET /api/logs/stream (Server-Sent Events), tail only.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	tag := r.URL.Query().Get("tag")

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if tag != "" && !strings.EqualFold(e.Tag, tag) {
				continue
			}
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e LogEntry) {
	data, _ := json.Marshal(e)
	_, _ = w.Write([]byte("event: message\ndata: " + string(data) + "\n\n"))
}
