package relay

import "encoding/json"

// Op names a relay frame. Clients send subscribe, unsubscribe and publish;
// the relay answers with subscribed, message and error.
type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpPublish     Op = "publish"
	OpSubscribed  Op = "subscribed"
	OpMessage     Op = "message"
	OpError       Op = "error"
)

// Frame is one websocket message. Seq is chosen by the client on subscribe
// and echoed on the matching subscribed or error frame.
type Frame struct {
	Op      Op              `json:"op"`
	Topic   string          `json:"topic,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}
