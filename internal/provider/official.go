package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"dmrelay/internal/bus"
	"dmrelay/internal/domain"
	"dmrelay/internal/metrics"
)

const officialAPIBase = "https://open.tiktokapis.com/v2"

// OfficialConfig configures the official push-webhook integration.
type OfficialConfig struct {
	AccessToken   string
	APIBase       string
	VerifyToken   string // echoed-challenge handshake token
	WebhookSecret string // HMAC key for X-Signature, optional
	AccountID     string // stamped on every inbound event, optional
	HTTPClient    *http.Client
	Hub           *bus.Hub
	Logger        *slog.Logger
}

// Official receives DMs from the platform's own webhook API.
type Official struct {
	cfg    OfficialConfig
	api    *apiClient
	logger *slog.Logger
}

func NewOfficial(cfg OfficialConfig) *Official {
	if cfg.APIBase == "" {
		cfg.APIBase = officialAPIBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("provider", string(domain.KindOfficial))
	return &Official{
		cfg:    cfg,
		api:    &apiClient{base: cfg.APIBase, token: cfg.AccessToken, client: cfg.HTTPClient, logger: logger},
		logger: logger,
	}
}

func (o *Official) Kind() domain.ProviderKind { return domain.KindOfficial }

func (o *Official) HasCredential() bool { return o.cfg.AccessToken != "" }

// VerifyInboundChallenge echoes ?challenge verbatim when ?verify_token matches.
func (o *Official) VerifyInboundChallenge(rw http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("verify_token")
	challenge := r.URL.Query().Get("challenge")

	if o.cfg.VerifyToken != "" && token == o.cfg.VerifyToken && challenge != "" {
		o.logger.Info("webhook verified")
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte(challenge))
		return
	}

	metrics.WebhookRejected.Inc()
	o.logger.Warn("webhook verification failed, token mismatch")
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusForbidden)
	rw.Write([]byte(`{"error":"Verification failed"}`))
}

type officialPayload struct {
	Event          string     `json:"event"`
	ConversationID flexString `json:"conversation_id"`
	MessageID      flexString `json:"message_id"`
	Timestamp      flexString `json:"timestamp"`
	User           struct {
		ID       flexString `json:"id"`
		Username string     `json:"username"`
		Nickname string     `json:"nickname"`
		Avatar   string     `json:"avatar"`
	} `json:"user"`
	Message struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	} `json:"message"`
}

// IngestInbound publishes one dm:incoming per "message" event. Anything the
// payload lacks is left empty for the normalizer to default.
func (o *Official) IngestInbound(rw http.ResponseWriter, r *http.Request) {
	metrics.WebhookRequests.Inc()

	body, err := readBody(r)
	if err != nil {
		o.logger.Warn("webhook body unreadable", "err", err)
		ack(rw)
		return
	}
	if !checkSignature(rw, r, body, o.cfg.WebhookSecret, "X-Signature", o.logger) {
		return
	}

	var p officialPayload
	if err := json.Unmarshal(body, &p); err != nil {
		o.logger.Warn("webhook payload malformed", "err", err)
		ack(rw)
		return
	}
	if p.Event != "message" {
		o.logger.Debug("ignoring webhook event", "event", p.Event)
		ack(rw)
		return
	}

	raw := domain.RawEvent{
		AccountID:      o.cfg.AccountID,
		ConversationID: firstNonEmpty(p.ConversationID.String(), p.User.ID.String(), "unknown"),
		MessageID:      p.MessageID.String(),
		Timestamp:      isoTimestamp(p.Timestamp),
		User: domain.RawUser{
			ID:        p.User.ID.String(),
			Username:  p.User.Username,
			Nickname:  p.User.Nickname,
			AvatarURL: p.User.Avatar,
		},
		Message: domain.RawContent{Type: p.Message.Type, Text: p.Message.Content},
	}
	o.logger.Info("webhook received", "conversation", raw.ConversationID, "text_len", len(raw.Message.Text))
	bus.Publish(o.cfg.Hub, bus.Incoming, raw)

	ack(rw)
}

// SendMessage replies within an open conversation.
func (o *Official) SendMessage(ctx context.Context, conversationID, text string) (*domain.SendResult, error) {
	if o.cfg.AccessToken == "" {
		o.logger.Error("no access token configured, cannot send message")
		return nil, &domain.SendError{Kind: domain.ErrNotConfigured, Detail: "no access token"}
	}

	req := map[string]any{
		"conversation_id": conversationID,
		"message":         map[string]string{"type": "text", "content": text},
	}
	var resp struct {
		Data struct {
			MessageID flexString `json:"message_id"`
		} `json:"data"`
	}

	raw, err := o.api.do(ctx, "send message", http.MethodPost, "im/message/send/", req, nil)
	if err != nil {
		se := sendError(err)
		switch se.StatusCode {
		case http.StatusForbidden, http.StatusTooManyRequests:
			o.logger.Warn("send rejected, likely outside the 48h reply window or rate limited",
				"status", se.StatusCode, "conversation", conversationID)
		default:
			o.logger.Error("send failed", "conversation", conversationID, "err", err)
		}
		return nil, se
	}

	// The message id is optional in the response; a body we cannot read is still a success.
	_ = json.Unmarshal(raw, &resp)
	return &domain.SendResult{MessageID: resp.Data.MessageID.String(), Data: raw}, nil
}

func (o *Official) StartSynchronization(context.Context) error { return nil }

func (o *Official) StopSynchronization() {}
