package call

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/petervdpas/huddle/internal/proto"
	"github.com/petervdpas/huddle/internal/signaling"
)

var ErrNoIncoming = errors.New("call: no incoming call for this conversation")

// Tone is the ring sound. *sound.Player satisfies it.
type Tone interface {
	Play(loop bool) error
	Stop()
}

// IncomingCall is a ring that has not been answered yet.
type IncomingCall struct {
	ConversationID string            `json:"conversation_id"`
	From           proto.Participant `json:"from"`
	ReceivedAt     time.Time         `json:"received_at"`
}

// Ringer keeps dm_call:<conversation> subscribed for every open
// conversation and rings on invitations addressed to us. Declining is
// purely local: the caller is not told. A caller that hangs up first sends
// user_left on the same topic, which silences the ring.
type Ringer struct {
	signal *signaling.Channel
	tone   Tone
	self   proto.Participant

	// OnIncoming, when set, is called for every new ring.
	OnIncoming func(IncomingCall)
	// OnCancelled is called when a caller gives up before we answered.
	OnCancelled func(IncomingCall)
	// Remember receives the caller's display name.
	Remember func(proto.Participant)

	mu      sync.Mutex
	convs   map[string]*signaling.Subscription
	pending map[string]IncomingCall
}

func NewRinger(signal *signaling.Channel, tone Tone, self proto.Participant) *Ringer {
	return &Ringer{
		signal:  signal,
		tone:    tone,
		self:    self,
		convs:   make(map[string]*signaling.Subscription),
		pending: make(map[string]IncomingCall),
	}
}

// OpenConversation subscribes to the ring topic of a conversation. It
// returns once the subscription is active and is a no-op when already open.
func (r *Ringer) OpenConversation(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	_, ok := r.convs[conversationID]
	r.mu.Unlock()
	if ok {
		return nil
	}

	sub, err := r.signal.Subscribe(ctx, proto.DMCallTopic(conversationID), func(m proto.Message) {
		switch m := m.(type) {
		case proto.IncomingCall:
			r.ring(conversationID, m)
		case proto.UserLeft:
			r.withdrawn(conversationID, m.ID)
		}
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	if _, dup := r.convs[conversationID]; dup {
		r.mu.Unlock()
		sub.Close()
		return nil
	}
	r.convs[conversationID] = sub
	r.mu.Unlock()
	return nil
}

// CloseConversation unsubscribes and silences any ring for it.
func (r *Ringer) CloseConversation(conversationID string) {
	r.mu.Lock()
	sub := r.convs[conversationID]
	delete(r.convs, conversationID)
	_, ringing := r.pending[conversationID]
	delete(r.pending, conversationID)
	r.stopIfIdleLocked(ringing)
	r.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

func (r *Ringer) Conversations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.convs))
	for id := range r.convs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Ring invites callee. The ring topic is subscribed first so the
// invitation is not published into an inactive topic.
func (r *Ringer) Ring(ctx context.Context, conversationID string, callee proto.Participant) error {
	if err := r.OpenConversation(ctx, conversationID); err != nil {
		return err
	}
	r.signal.Send(ctx, proto.DMCallTopic(conversationID), proto.IncomingCall{
		From:     r.self.ID,
		To:       callee.ID,
		Username: r.self.Username,
	})
	log.Printf("CALL [dm_call:%s]: ringing %s", conversationID, callee.Label())
	return nil
}

func (r *Ringer) ring(conversationID string, ic proto.IncomingCall) {
	call := IncomingCall{
		ConversationID: conversationID,
		From:           proto.Participant{ID: ic.From, Username: ic.Username},
		ReceivedAt:     time.Now(),
	}
	if r.Remember != nil && ic.Username != "" {
		r.Remember(call.From)
	}

	r.mu.Lock()
	if _, open := r.convs[conversationID]; !open {
		r.mu.Unlock()
		return
	}
	first := len(r.pending) == 0
	r.pending[conversationID] = call
	r.mu.Unlock()

	if first {
		if err := r.tone.Play(true); err != nil {
			log.Printf("CALL [dm_call:%s]: ring tone: %v", conversationID, err)
		}
	}
	log.Printf("CALL [dm_call:%s]: incoming call from %s", conversationID, call.From.Label())
	if r.OnIncoming != nil {
		r.OnIncoming(call)
	}
}

// withdrawn drops the pending ring from callerID, if any.
func (r *Ringer) withdrawn(conversationID, callerID string) {
	r.mu.Lock()
	c, ok := r.pending[conversationID]
	if !ok || c.From.ID != callerID {
		r.mu.Unlock()
		return
	}
	delete(r.pending, conversationID)
	r.stopIfIdleLocked(true)
	r.mu.Unlock()

	log.Printf("CALL [dm_call:%s]: %s hung up before we answered", conversationID, c.From.Label())
	if r.OnCancelled != nil {
		r.OnCancelled(c)
	}
}

// Cancel withdraws our own unanswered ring.
func (r *Ringer) Cancel(conversationID string) {
	r.signal.Send(context.Background(), proto.DMCallTopic(conversationID), proto.UserLeft{ID: r.self.ID})
}

// Pending lists unanswered rings, oldest first.
func (r *Ringer) Pending() []IncomingCall {
	r.mu.Lock()
	out := make([]IncomingCall, 0, len(r.pending))
	for _, c := range r.pending {
		out = append(out, c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

// Accept takes the ring out of the pending set and stops the tone. The
// caller starts the direct session.
func (r *Ringer) Accept(conversationID string) (IncomingCall, error) {
	return r.take(conversationID)
}

// Decline stops ringing. Nothing is sent back to the caller.
func (r *Ringer) Decline(conversationID string) error {
	c, err := r.take(conversationID)
	if err != nil {
		return err
	}
	log.Printf("CALL [dm_call:%s]: declined call from %s", conversationID, c.From.Label())
	return nil
}

func (r *Ringer) take(conversationID string) (IncomingCall, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.pending[conversationID]
	if !ok {
		return IncomingCall{}, ErrNoIncoming
	}
	delete(r.pending, conversationID)
	r.stopIfIdleLocked(true)
	return c, nil
}

func (r *Ringer) stopIfIdleLocked(removed bool) {
	if removed && len(r.pending) == 0 {
		r.tone.Stop()
	}
}

// Close drops every conversation and silences the tone.
func (r *Ringer) Close() {
	r.mu.Lock()
	subs := r.convs
	r.convs = make(map[string]*signaling.Subscription)
	r.pending = make(map[string]IncomingCall)
	r.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	r.tone.Stop()
}
