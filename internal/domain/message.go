package domain

import "time"

// Direction is fixed when a CanonicalMessage is created.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// ContentKind classifies message content.
type ContentKind string

const (
	KindText  ContentKind = "text"
	KindOther ContentKind = "other"
)

// KindOf maps an upstream message type onto the canonical kind set.
func KindOf(upstream string) ContentKind {
	switch upstream {
	case "", "text":
		return KindText
	default:
		return KindOther
	}
}

// TimeLayout is the ISO-8601 layout used for every canonical timestamp.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in TimeLayout, in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// SelfUserID identifies the local operator on outgoing messages.
const SelfUserID = "self"

// CanonicalMessage is the normalized, fully-defaulted representation of one
// direct message. It is what gets persisted and broadcast to viewers.
type CanonicalMessage struct {
	Type           string    `json:"type"` // always "dm"
	Direction      Direction `json:"direction"`
	AccountID      string    `json:"accountId,omitempty"`
	ChannelID      string    `json:"channelId,omitempty"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId,omitempty"` // upstream-assigned id when known
	Timestamp      string    `json:"timestamp"`           // ISO-8601
	User           User      `json:"user"`
	Content        Content   `json:"content"`
}

type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Nickname  string `json:"nickname"`
	AvatarURL string `json:"avatarUrl"`
}

type Content struct {
	Kind ContentKind `json:"kind"`
	Text string      `json:"text"`
}

// SelfUser is the sentinel identity attached to outgoing messages.
func SelfUser() User {
	return User{ID: SelfUserID, Username: "You", Nickname: "You"}
}

// RawEvent is the provider-shaped payload published on dm:incoming.
// Every field is optional; the normalizer fills the gaps.
type RawEvent struct {
	AccountID      string
	ChannelID      string
	ConversationID string
	MessageID      string
	Timestamp      string
	User           RawUser
	Message        RawContent
}

type RawUser struct {
	ID        string
	Username  string
	Nickname  string
	AvatarURL string
}

type RawContent struct {
	Type string
	Text string
}

// SendIntent is a viewer's request to send a message (dm:outgoing).
type SendIntent struct {
	ConversationID string `json:"conversationId"`
	AccountID      string `json:"accountId,omitempty"`
	ChannelID      string `json:"channelId,omitempty"`
	Text           string `json:"text"`

	// Origin is the transport-local id of the requesting viewer connection.
	Origin string `json:"-"`
}

// SendFailure is published on dm:send_failed when an outbound send fails.
type SendFailure struct {
	Intent SendIntent
	Err    error
}
