package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownKind  = errors.New("proto: unknown message type")
	ErrMissingField = errors.New("proto: missing field")
)

// wireMessage is the flat JSON shape every message kind shares on the bus.
type wireMessage struct {
	Type      Kind       `json:"type"`
	ID        string     `json:"id,omitempty"`
	Username  string     `json:"username,omitempty"`
	From      string     `json:"from,omitempty"`
	To        string     `json:"to,omitempty"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
	Enabled   *bool      `json:"enabled,omitempty"`
	TS        int64      `json:"ts,omitempty"`
}

// Encode serialises m with its "type" discriminator.
func Encode(m Message) ([]byte, error) {
	w := wireMessage{Type: m.Kind(), TS: NowMillis()}
	switch v := m.(type) {
	case UserJoined:
		w.ID, w.Username = v.ID, v.Username
	case UserLeft:
		w.ID = v.ID
	case Offer:
		w.From, w.To, w.SDP = v.From, v.To, v.SDP
	case Answer:
		w.From, w.To, w.SDP = v.From, v.To, v.SDP
	case ICECandidate:
		c := v.Candidate
		w.From, w.To, w.Candidate = v.From, v.To, &c
	case VideoToggle:
		enabled := v.Enabled
		w.From, w.Enabled = v.From, &enabled
	case CallOffer:
		w.From, w.To, w.Username = v.From, v.To, v.Username
	case IncomingCall:
		w.From, w.To, w.Username = v.From, v.To, v.Username
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, m)
	}
	return json.Marshal(w)
}

// Decode parses a bus payload. Messages missing a field their kind needs
// are rejected rather than delivered half-populated.
func Decode(b []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("proto: decode: %w", err)
	}

	switch w.Type {
	case KindUserJoined:
		if err := require(w.Type, "id", w.ID); err != nil {
			return nil, err
		}
		return UserJoined{ID: w.ID, Username: w.Username}, nil
	case KindUserLeft:
		if err := require(w.Type, "id", w.ID); err != nil {
			return nil, err
		}
		return UserLeft{ID: w.ID}, nil
	case KindOffer, KindAnswer:
		if err := require(w.Type, "from", w.From, "to", w.To, "sdp", w.SDP); err != nil {
			return nil, err
		}
		if w.Type == KindOffer {
			return Offer{From: w.From, To: w.To, SDP: w.SDP}, nil
		}
		return Answer{From: w.From, To: w.To, SDP: w.SDP}, nil
	case KindICECandidate:
		if err := require(w.Type, "from", w.From, "to", w.To); err != nil {
			return nil, err
		}
		if w.Candidate == nil {
			return nil, fmt.Errorf("%w: %s.candidate", ErrMissingField, w.Type)
		}
		return ICECandidate{From: w.From, To: w.To, Candidate: *w.Candidate}, nil
	case KindVideoToggle:
		if err := require(w.Type, "from", w.From); err != nil {
			return nil, err
		}
		if w.Enabled == nil {
			return nil, fmt.Errorf("%w: %s.enabled", ErrMissingField, w.Type)
		}
		return VideoToggle{From: w.From, Enabled: *w.Enabled}, nil
	case KindCallOffer, KindIncomingCall:
		if err := require(w.Type, "from", w.From, "to", w.To); err != nil {
			return nil, err
		}
		if w.Type == KindCallOffer {
			return CallOffer{From: w.From, To: w.To, Username: w.Username}, nil
		}
		return IncomingCall{From: w.From, To: w.To, Username: w.Username}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, w.Type)
	}
}

// require takes name/value pairs.
func require(k Kind, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("%w: %s.%s", ErrMissingField, k, pairs[i])
		}
	}
	return nil
}
