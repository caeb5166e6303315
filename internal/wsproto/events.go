// Package wsproto defines the WebSocket wire types exchanged with the
// Server's control plane (§3, §6 of the gateway spec): the discriminated
// inbound event union and the small set of frames the monitor sends.
package wsproto

import "encoding/json"

// EventType discriminates the inbound event union.
type EventType string

const (
	EventAuthenticated     EventType = "authenticated"
	EventPong              EventType = "pong"
	EventSubscribed        EventType = "subscribed"
	EventMessageNew        EventType = "message:new"
	EventMessageUpdate     EventType = "message:update"
	EventVoiceTranscribed  EventType = "voice:transcribed"
	EventPairCreated       EventType = "pair:created"
	EventGroupMemberAdded  EventType = "group:member_added"
	EventGroupMemberChange EventType = "group:member_changed"
	EventError             EventType = "error"
)

// Envelope is the outer shape of every inbound frame: a type tag plus a raw
// payload decoded into a typed struct once the tag is known. Unknown tags
// are valid — the monitor ignores them without error (§4.7).
type Envelope struct {
	Type    EventType       `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ReplyRef is the optional reply-context carried on a message:new payload.
type ReplyRef struct {
	MessageID   string `json:"messageId"`
	AuthorID    string `json:"authorId"`
	TextPreview string `json:"textPreview"`
}

// Content is the nested content object of a message:new/message:update
// payload.
type Content struct {
	ContentType string `json:"contentType"`
	Text        string `json:"text"`
	MediaURL    string `json:"mediaUrl"`
	DurationSec int     `json:"durationSec"`
	Via         string `json:"via"`
}

// MessageNewPayload is the payload of a message:new event.
type MessageNewPayload struct {
	MessageID  string    `json:"messageId"`
	ChannelID  string    `json:"channelId,omitempty"`
	PairID     string    `json:"pairId,omitempty"`
	AuthorID   string    `json:"authorId"`
	SenderName string    `json:"senderName,omitempty"`
	CreatedAt  string    `json:"createdAt,omitempty"`
	MediaURL   string    `json:"mediaUrl,omitempty"`
	ReplyTo    *ReplyRef `json:"replyTo,omitempty"`
	Content    Content   `json:"content"`
}

// MessageUpdatePayload is the payload of a message:update event — used by
// the monitor only to resolve a pending voice waiter (§4.5, §4.7).
type MessageUpdatePayload struct {
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
}

// VoiceTranscribedPayload is the legacy-compat payload of a
// voice:transcribed event (§4.7): a standalone transcription the monitor
// synthesizes into a message:new-shaped event.
type VoiceTranscribedPayload struct {
	MessageID     string `json:"messageId"`
	ChannelID     string `json:"channelId,omitempty"`
	Transcription string `json:"transcription"`
}

// GroupMemberAddedPayload is the payload of a group:member_added event.
type GroupMemberAddedPayload struct {
	ChannelID string `json:"channelId"`
}

// PairCreatedPayload is the payload of a pair:created event.
type PairCreatedPayload struct {
	PairID    string `json:"pairId"`
	ChannelID string `json:"channelId"`
}

// AuthFrame is the frame the monitor sends immediately after the socket
// opens.
type AuthFrame struct {
	Type    string      `json:"type"`
	Payload AuthPayload `json:"payload"`
}

// AuthPayload carries the account's API key.
type AuthPayload struct {
	APIKey string `json:"apiKey"`
}

// SubscribeFrame asks the Server to push events for one channel/user/pair
// subject.
type SubscribeFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// PingFrame is the heartbeat frame sent every 30s while authenticated.
type PingFrame struct {
	Type string `json:"type"`
}

// TypingStatus is the status value of a typing frame.
type TypingStatus string

const (
	TypingThinking TypingStatus = "thinking"
	TypingTyping   TypingStatus = "typing"
	TypingStopped  TypingStatus = "stopped"
)

// TypingFrame signals the bot's current composing state for a channel.
type TypingFrame struct {
	Type    string             `json:"type"`
	Channel string             `json:"channel"`
	Payload TypingFramePayload `json:"payload"`
}

// TypingFramePayload carries the typing status.
type TypingFramePayload struct {
	Status TypingStatus `json:"status"`
}
