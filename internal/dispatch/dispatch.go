// Package dispatch routes viewer send intents to the active provider and
// mirrors successful sends back onto the message topic.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dmrelay/internal/bus"
	"dmrelay/internal/domain"
	"dmrelay/internal/metrics"
)

// Config configures a Dispatcher.
type Config struct {
	Hub      *bus.Hub
	Provider domain.Provider
	Timeout  time.Duration // bound on one outbound send
	Logger   *slog.Logger
}

// Dispatcher subscribes to dm:outgoing.
type Dispatcher struct {
	hub      *bus.Hub
	provider domain.Provider
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		hub:      cfg.Hub,
		provider: cfg.Provider,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// Register subscribes the dispatcher to dm:outgoing.
func (d *Dispatcher) Register() bus.Subscription {
	return bus.Subscribe(d.hub, bus.Outgoing, d.handle)
}

func (d *Dispatcher) handle(intent domain.SendIntent) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	res, err := d.provider.SendMessage(ctx, intent.ConversationID, intent.Text)
	if err != nil {
		metrics.SendFailures.Inc()
		d.logger.Warn("send failed", "conversation", intent.ConversationID, "client_id", intent.Origin, "err", err)
		bus.Publish(d.hub, bus.SendFailed, domain.SendFailure{Intent: intent, Err: err})
		return nil
	}

	msgID := ""
	if res != nil {
		msgID = res.MessageID
	}
	if msgID == "" {
		msgID = "local-" + uuid.NewString()
	}

	d.logger.Info("message sent", "conversation", intent.ConversationID, "messageId", msgID)
	bus.Publish(d.hub, bus.Message, domain.CanonicalMessage{
		Type:           "dm",
		Direction:      domain.DirectionOutgoing,
		AccountID:      intent.AccountID,
		ChannelID:      intent.ChannelID,
		ConversationID: intent.ConversationID,
		MessageID:      msgID,
		Timestamp:      domain.FormatTime(d.now()),
		User:           domain.SelfUser(),
		Content:        domain.Content{Kind: domain.KindText, Text: intent.Text},
	})
	return nil
}
