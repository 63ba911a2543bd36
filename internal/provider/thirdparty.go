package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"dmrelay/internal/bus"
	"dmrelay/internal/domain"
	"dmrelay/internal/metrics"
)

const (
	thirdPartyAPIBase = "https://api.respond.io/v2"
	signatureHeader   = "X-Respond-Signature"
)

// ThirdPartyConfig configures the third-party push-webhook integration.
type ThirdPartyConfig struct {
	APIKey        string
	APIBase       string
	WebhookSecret string
	AccountID     string
	HTTPClient    *http.Client
	Hub           *bus.Hub
	Logger        *slog.Logger
}

// ThirdParty receives DMs relayed by a third-party inbox through its webhooks.
type ThirdParty struct {
	cfg    ThirdPartyConfig
	api    *apiClient
	logger *slog.Logger
}

func NewThirdParty(cfg ThirdPartyConfig) *ThirdParty {
	if cfg.APIBase == "" {
		cfg.APIBase = thirdPartyAPIBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("provider", string(domain.KindThirdParty))
	return &ThirdParty{
		cfg:    cfg,
		api:    &apiClient{base: cfg.APIBase, token: cfg.APIKey, client: cfg.HTTPClient, logger: logger},
		logger: logger,
	}
}

func (t *ThirdParty) Kind() domain.ProviderKind { return domain.KindThirdParty }

func (t *ThirdParty) HasCredential() bool { return t.cfg.APIKey != "" }

// VerifyInboundChallenge always succeeds; this upstream has no handshake.
func (t *ThirdParty) VerifyInboundChallenge(rw http.ResponseWriter, _ *http.Request) {
	okHandshake(rw)
}

func (t *ThirdParty) IngestInbound(rw http.ResponseWriter, r *http.Request) {
	ingestThirdParty(rw, r, t.cfg.WebhookSecret, true, t.logger, func(raw domain.RawEvent) {
		raw.AccountID = t.cfg.AccountID
		bus.Publish(t.cfg.Hub, bus.Incoming, raw)
	})
}

// SendMessage posts text to the contact behind conversationID.
func (t *ThirdParty) SendMessage(ctx context.Context, conversationID, text string) (*domain.SendResult, error) {
	if t.cfg.APIKey == "" {
		t.logger.Error("no API key configured, cannot send message")
		return nil, &domain.SendError{Kind: domain.ErrNotConfigured, Detail: "no API key"}
	}
	return sendThirdParty(ctx, t.api, "contact/"+url.PathEscape(conversationID)+"/message", text, t.logger)
}

func (t *ThirdParty) StartSynchronization(context.Context) error { return nil }

func (t *ThirdParty) StopSynchronization() {}

// --- shared with the polling integration, which talks to the same upstream ---

func okHandshake(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(http.StatusOK)
	rw.Write([]byte("ok"))
}

type thirdPartyContact struct {
	ID         flexString `json:"id"`
	MongoID    flexString `json:"_id"`
	FirstName  string     `json:"firstName"`
	LastName   string     `json:"lastName"`
	Name       string     `json:"name"`
	Phone      string     `json:"phone"`
	Email      string     `json:"email"`
	ProfilePic string     `json:"profilePic"`
}

func (c thirdPartyContact) id() string {
	return firstNonEmpty(c.ID.String(), c.MongoID.String())
}

func (c thirdPartyContact) fullName() string {
	return joinNonEmpty(" ", c.FirstName, c.LastName)
}

// thirdPartyContent is a message body; some events send it as a bare string.
type thirdPartyContent struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Content string `json:"content"`
}

func (c *thirdPartyContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.Text)
	}
	type plain thirdPartyContent
	return json.Unmarshal(data, (*plain)(c))
}

func (c *thirdPartyContent) text() string {
	if c == nil {
		return ""
	}
	return firstNonEmpty(c.Text, c.Content)
}

type thirdPartyData struct {
	ConversationID flexString         `json:"conversationId"`
	MessageID      flexString         `json:"messageId"`
	ChannelID      flexString         `json:"channelId"`
	Timestamp      flexString         `json:"timestamp"`
	Contact        thirdPartyContact  `json:"contact"`
	Message        *thirdPartyContent `json:"message"`
	Content        *thirdPartyContent `json:"content"`
}

type thirdPartyPayload struct {
	Event string          `json:"event"`
	Data  *thirdPartyData `json:"data"`
}

// parseThirdParty extracts one raw event from a webhook body. ok is false
// for events that carry no message. When enveloped is set, a body is only
// accepted as a "message.created" event or with a message under "data";
// otherwise a bare top-level message is accepted too.
func parseThirdParty(body []byte, enveloped bool) (raw domain.RawEvent, ok bool, err error) {
	var p thirdPartyPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return raw, false, err
	}
	created := p.Event == "message.created"
	if enveloped && !created && (p.Data == nil || (p.Data.Message == nil && p.Data.Content == nil)) {
		return raw, false, nil
	}
	data := p.Data
	if data == nil {
		data = &thirdPartyData{}
		if err := json.Unmarshal(body, data); err != nil {
			return raw, false, err
		}
	}

	msg := data.Message
	if msg == nil {
		msg = data.Content
	}
	if !created && msg == nil {
		return raw, false, nil
	}

	contact := data.Contact
	contactID := contact.id()
	raw = domain.RawEvent{
		ChannelID:      data.ChannelID.String(),
		ConversationID: firstNonEmpty(data.ConversationID.String(), contactID, "unknown"),
		MessageID:      data.MessageID.String(),
		Timestamp:      isoTimestamp(data.Timestamp),
		User: domain.RawUser{
			ID:        contactID,
			Username:  firstNonEmpty(contact.Phone, contact.Email, contact.Name),
			Nickname:  firstNonEmpty(contact.fullName(), contact.Name),
			AvatarURL: contact.ProfilePic,
		},
	}
	if msg != nil {
		raw.Message = domain.RawContent{Type: msg.Type, Text: msg.text()}
	}
	return raw, true, nil
}

func ingestThirdParty(rw http.ResponseWriter, r *http.Request, secret string, enveloped bool, logger *slog.Logger, publish func(domain.RawEvent)) {
	metrics.WebhookRequests.Inc()

	body, err := readBody(r)
	if err != nil {
		logger.Warn("webhook body unreadable", "err", err)
		ack(rw)
		return
	}
	if !checkSignature(rw, r, body, secret, signatureHeader, logger) {
		return
	}

	raw, ok, err := parseThirdParty(body, enveloped)
	switch {
	case err != nil:
		logger.Warn("webhook payload malformed", "err", err)
	case !ok:
		logger.Debug("ignoring webhook event without a message")
	default:
		logger.Info("webhook received", "conversation", raw.ConversationID, "text_len", len(raw.Message.Text))
		publish(raw)
	}
	ack(rw)
}

func sendThirdParty(ctx context.Context, api *apiClient, path, text string, logger *slog.Logger) (*domain.SendResult, error) {
	req := map[string]any{
		"message": map[string]string{"type": "text", "text": text},
	}
	raw, err := api.do(ctx, "send message", http.MethodPost, path, req, nil)
	if err != nil {
		logger.Error("send failed", "path", path, "err", err)
		return nil, sendError(err)
	}

	var resp struct {
		MessageID flexString `json:"messageId"`
	}
	// The message id is optional in the response; a body we cannot read is still a success.
	_ = json.Unmarshal(raw, &resp)
	return &domain.SendResult{MessageID: resp.MessageID.String(), Data: raw}, nil
}
