// Package normalize turns provider-shaped raw events into canonical messages.
package normalize

import (
	"errors"
	"log/slog"
	"time"

	"dmrelay/internal/bus"
	"dmrelay/internal/domain"
)

const unknown = "unknown"

// ErrMissingConversation is returned when a raw event carries no conversation id.
var ErrMissingConversation = errors.New("raw event has no conversation id")

// Now is the clock used for missing timestamps. Tests may replace it.
var Now = time.Now

// Normalize maps raw to a fully-populated CanonicalMessage with direction incoming.
func Normalize(raw domain.RawEvent) (domain.CanonicalMessage, error) {
	if raw.ConversationID == "" {
		return domain.CanonicalMessage{}, ErrMissingConversation
	}

	ts := raw.Timestamp
	if ts == "" {
		ts = domain.FormatTime(Now())
	}

	username := firstNonEmpty(raw.User.Username, unknown)

	return domain.CanonicalMessage{
		Type:           "dm",
		Direction:      domain.DirectionIncoming,
		AccountID:      raw.AccountID,
		ChannelID:      raw.ChannelID,
		ConversationID: raw.ConversationID,
		MessageID:      raw.MessageID,
		Timestamp:      ts,
		User: domain.User{
			ID:        firstNonEmpty(raw.User.ID, unknown),
			Username:  username,
			Nickname:  firstNonEmpty(raw.User.Nickname, username),
			AvatarURL: raw.User.AvatarURL,
		},
		Content: domain.Content{
			Kind: domain.KindOf(raw.Message.Type),
			Text: raw.Message.Text,
		},
	}, nil
}

// Register subscribes the normalizer to dm:incoming and republishes on message.
// Events that cannot be normalized are dropped with a warning.
func Register(hub *bus.Hub, logger *slog.Logger) bus.Subscription {
	if logger == nil {
		logger = slog.Default()
	}
	return bus.Subscribe(hub, bus.Incoming, func(raw domain.RawEvent) error {
		msg, err := Normalize(raw)
		if err != nil {
			logger.Warn("dropping raw event", "err", err, "messageId", raw.MessageID)
			return nil
		}
		bus.Publish(hub, bus.Message, msg)
		return nil
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
