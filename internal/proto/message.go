package proto

// Kind is the wire discriminator of a signaling message.
type Kind string

const (
	KindUserJoined   Kind = "user_joined"
	KindUserLeft     Kind = "user_left"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice_candidate"
	KindVideoToggle  Kind = "video_toggle"
	KindCallOffer    Kind = "call_offer"
	KindIncomingCall Kind = "incoming_call"
)

// Message is the closed set of signaling messages. Only types in this
// package implement it.
type Message interface {
	Kind() Kind
	// Sender is the participant that produced the message.
	Sender() string
	// Recipient is the addressed participant, or "" for broadcasts.
	Recipient() string

	accept(Visitor)
}

// Visitor handles every message kind. Adding a kind breaks every visitor
// at compile time.
type Visitor interface {
	OnUserJoined(UserJoined)
	OnUserLeft(UserLeft)
	OnOffer(Offer)
	OnAnswer(Answer)
	OnICECandidate(ICECandidate)
	OnVideoToggle(VideoToggle)
	OnCallOffer(CallOffer)
	OnIncomingCall(IncomingCall)
}

// Dispatch calls the Visitor method matching m's kind.
func Dispatch(m Message, v Visitor) { m.accept(v) }

type UserJoined struct {
	ID       string
	Username string
}

type UserLeft struct {
	ID string
}

type Offer struct {
	From, To string
	SDP      string
}

type Answer struct {
	From, To string
	SDP      string
}

// Candidate mirrors the JSON form of an RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type ICECandidate struct {
	From, To  string
	Candidate Candidate
}

type VideoToggle struct {
	From    string
	Enabled bool
}

// CallOffer is sent on the call topic by the initiator of a private call.
type CallOffer struct {
	From, To string
	Username string
}

// IncomingCall rings the callee on the conversation's dm_call topic.
type IncomingCall struct {
	From, To string
	Username string
}

func (UserJoined) Kind() Kind         { return KindUserJoined }
func (m UserJoined) Sender() string   { return m.ID }
func (UserJoined) Recipient() string  { return "" }
func (m UserJoined) accept(v Visitor) { v.OnUserJoined(m) }

func (UserLeft) Kind() Kind         { return KindUserLeft }
func (m UserLeft) Sender() string   { return m.ID }
func (UserLeft) Recipient() string  { return "" }
func (m UserLeft) accept(v Visitor) { v.OnUserLeft(m) }

func (Offer) Kind() Kind          { return KindOffer }
func (m Offer) Sender() string    { return m.From }
func (m Offer) Recipient() string { return m.To }
func (m Offer) accept(v Visitor)  { v.OnOffer(m) }

func (Answer) Kind() Kind          { return KindAnswer }
func (m Answer) Sender() string    { return m.From }
func (m Answer) Recipient() string { return m.To }
func (m Answer) accept(v Visitor)  { v.OnAnswer(m) }

func (ICECandidate) Kind() Kind          { return KindICECandidate }
func (m ICECandidate) Sender() string    { return m.From }
func (m ICECandidate) Recipient() string { return m.To }
func (m ICECandidate) accept(v Visitor)  { v.OnICECandidate(m) }

func (VideoToggle) Kind() Kind         { return KindVideoToggle }
func (m VideoToggle) Sender() string   { return m.From }
func (VideoToggle) Recipient() string  { return "" }
func (m VideoToggle) accept(v Visitor) { v.OnVideoToggle(m) }

func (CallOffer) Kind() Kind          { return KindCallOffer }
func (m CallOffer) Sender() string    { return m.From }
func (m CallOffer) Recipient() string { return m.To }
func (m CallOffer) accept(v Visitor)  { v.OnCallOffer(m) }

func (IncomingCall) Kind() Kind          { return KindIncomingCall }
func (m IncomingCall) Sender() string    { return m.From }
func (m IncomingCall) Recipient() string { return m.To }
func (m IncomingCall) accept(v Visitor)  { v.OnIncomingCall(m) }
