package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/huddle/internal/bus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	maxFrame   = 64 << 10
)

// Hub fans published frames out to every client subscribed to the topic,
// the publisher included. With a backplane, publishes go through it so
// several relay instances share topics.
type Hub struct {
	backplane bus.Bus

	mu     sync.RWMutex
	topics map[string]*topicState
}

type topicState struct {
	clients map[*Client]struct{}
	sub     bus.Subscription
}

func NewHub(backplane bus.Bus) *Hub {
	return &Hub{backplane: backplane, topics: make(map[string]*topicState)}
}

// Client is one websocket connection.
type Client struct {
	UserID string
	conn   *websocket.Conn
	send   chan []byte

	mu     sync.Mutex
	topics map[string]struct{}
}

func newClient(userID string, conn *websocket.Conn) *Client {
	return &Client{
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, bus.QueueSize),
		topics: make(map[string]struct{}),
	}
}

func (c *Client) enqueue(b []byte) {
	select {
	case c.send <- b:
	default:
		log.Printf("RELAY: send buffer full for %s, dropping frame", c.UserID)
	}
}

func (c *Client) sendFrame(f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		log.Printf("RELAY: marshal frame: %v", err)
		return
	}
	c.enqueue(b)
}

// subscribe adds c to topic. The subscribed ack is queued under the hub
// lock so it reaches the client before any message delivered afterwards.
func (h *Hub) subscribe(ctx context.Context, c *Client, topic string, seq uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ts, ok := h.topics[topic]
	if !ok {
		ts = &topicState{clients: make(map[*Client]struct{})}
		if h.backplane != nil {
			sub, err := h.backplane.Subscribe(ctx, topic)
			if err != nil {
				return err
			}
			ts.sub = sub
			go h.forward(topic, sub)
		}
		h.topics[topic] = ts
	}
	ts.clients[c] = struct{}{}

	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()

	c.sendFrame(Frame{Op: OpSubscribed, Topic: topic, Seq: seq})
	return nil
}

func (h *Hub) unsubscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c, topic)
}

func (h *Hub) unsubscribeLocked(c *Client, topic string) {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()

	ts, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(ts.clients, c)
	if len(ts.clients) > 0 {
		return
	}
	delete(h.topics, topic)
	if ts.sub != nil {
		_ = ts.sub.Close()
	}
}

// drop removes c from every topic it joined.
func (h *Hub) drop(c *Client) {
	c.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		h.unsubscribeLocked(c, t)
	}
}

func (h *Hub) publish(ctx context.Context, topic string, data json.RawMessage) error {
	if h.backplane != nil {
		return h.backplane.Publish(ctx, topic, data)
	}
	h.deliver(topic, data)
	return nil
}

func (h *Hub) forward(topic string, sub bus.Subscription) {
	for data := range sub.Messages() {
		h.deliver(topic, data)
	}
}

func (h *Hub) deliver(topic string, data []byte) {
	b, err := json.Marshal(Frame{Op: OpMessage, Topic: topic, Data: data})
	if err != nil {
		log.Printf("RELAY: marshal message on %s: %v", topic, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	ts, ok := h.topics[topic]
	if !ok {
		return
	}
	for c := range ts.clients {
		c.enqueue(b)
	}
}

// Topics reports subscriber counts per topic.
func (h *Hub) Topics() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.topics))
	for t, ts := range h.topics {
		out[t] = len(ts.clients)
	}
	return out
}

func (h *Hub) readPump(c *Client) {
	defer func() {
		h.drop(c)
		_ = c.conn.Close()
		log.Printf("RELAY: %s disconnected", c.UserID)
	}()

	c.conn.SetReadLimit(maxFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("RELAY: websocket error from %s: %v", c.UserID, err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.sendFrame(Frame{Op: OpError, Message: "malformed frame"})
			continue
		}
		if f.Topic == "" {
			c.sendFrame(Frame{Op: OpError, Message: "topic is required"})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		switch f.Op {
		case OpSubscribe:
			if err := h.subscribe(ctx, c, f.Topic, f.Seq); err != nil {
				log.Printf("RELAY: subscribe %s for %s: %v", f.Topic, c.UserID, err)
				c.sendFrame(Frame{Op: OpError, Topic: f.Topic, Seq: f.Seq, Message: "subscribe failed"})
			}
		case OpUnsubscribe:
			h.unsubscribe(c, f.Topic)
		case OpPublish:
			if err := h.publish(ctx, f.Topic, f.Data); err != nil {
				log.Printf("RELAY: publish %s for %s: %v", f.Topic, c.UserID, err)
			}
		default:
			c.sendFrame(Frame{Op: OpError, Message: "unknown op " + string(f.Op)})
		}
		cancel()
	}
}

func (h *Hub) writePump(c *Client, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
