package proto

import (
	"strings"
	"time"
)

const (
	// Topic prefixes. The suffix is always an opaque channel or conversation id.
	VoicePrefix         = "voice:"
	VoicePresencePrefix = "voice_presence:"
	CallPrefix          = "call:"
	DMCallPrefix        = "dm_call:"

	MdnsTag = "huddle-mdns"
)

// DefaultSTUNServers are the only ICE servers configured out of the box.
// There is no TURN fallback.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// VoiceTopic carries join/leave and negotiation traffic for a voice channel.
func VoiceTopic(channelID string) string { return VoicePrefix + channelID }

// VoicePresenceTopic carries join/leave only, consumed by the channel sidebar.
func VoicePresenceTopic(channelID string) string { return VoicePresencePrefix + channelID }

func CallTopic(conversationID string) string { return CallPrefix + conversationID }

func DMCallTopic(conversationID string) string { return DMCallPrefix + conversationID }

// SplitTopic returns the prefix and id of a known topic.
func SplitTopic(topic string) (prefix, id string, ok bool) {
	for _, p := range []string{VoicePresencePrefix, VoicePrefix, DMCallPrefix, CallPrefix} {
		if strings.HasPrefix(topic, p) {
			return p, strings.TrimPrefix(topic, p), true
		}
	}
	return "", "", false
}

// Participant is a user id plus the display name resolved for it.
type Participant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Label returns the display name, falling back to the id.
func (p Participant) Label() string {
	if p.Username != "" {
		return p.Username
	}
	return p.ID
}

func NowMillis() int64 { return time.Now().UnixMilli() }
