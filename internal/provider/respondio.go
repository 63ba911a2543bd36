package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"dmrelay/internal/bus"
	"dmrelay/internal/domain"
	"dmrelay/internal/metrics"
)

const (
	defaultPollInterval = time.Second
	contactPageSize     = 50
	messagePageSize     = 10
)

// RespondIOConfig configures the polling integration.
type RespondIOConfig struct {
	APIKey        string
	APIBase       string
	WebhookSecret string
	AccountID     string
	PollInterval  time.Duration
	HTTPClient    *http.Client
	Hub           *bus.Hub
	Logger        *slog.Logger
}

// RespondIO synchronizes DMs by polling an upstream that offers no push
// delivery of its own. It dedups by upstream message id and never lets two
// ticks overlap.
type RespondIO struct {
	cfg    RespondIOConfig
	api    *apiClient
	logger *slog.Logger

	mu             sync.Mutex
	knownContacts  map[string]thirdPartyContact
	seen           map[string]struct{}
	contactChannel map[string]string
	primed         map[string]struct{} // contacts whose history was marked seen during startup
	firstPoll      bool
	lastErrClass   string
	contactErrs    map[string]string // failure class per contact whose message fetch is failing

	inFlight atomic.Bool
	polling  atomic.Bool

	lifeMu   sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
	ticks    sync.WaitGroup
}

func NewRespondIO(cfg RespondIOConfig) *RespondIO {
	if cfg.APIBase == "" {
		cfg.APIBase = thirdPartyAPIBase
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("provider", string(domain.KindRespondIO))
	return &RespondIO{
		cfg:            cfg,
		api:            &apiClient{base: cfg.APIBase, token: cfg.APIKey, client: cfg.HTTPClient, logger: logger},
		logger:         logger,
		knownContacts:  make(map[string]thirdPartyContact),
		seen:           make(map[string]struct{}),
		contactChannel: make(map[string]string),
		primed:         make(map[string]struct{}),
		firstPoll:      true,
		contactErrs:    make(map[string]string),
	}
}

func (p *RespondIO) Kind() domain.ProviderKind { return domain.KindRespondIO }

func (p *RespondIO) HasCredential() bool { return p.cfg.APIKey != "" }

// VerifyInboundChallenge always succeeds; polling needs no handshake.
func (p *RespondIO) VerifyInboundChallenge(rw http.ResponseWriter, _ *http.Request) {
	okHandshake(rw)
}

// IngestInbound accepts optional webhook deliveries from the same upstream.
// Deliveries carrying a message id share the poll loop's seen set, so a
// message is published once whichever path sees it first.
func (p *RespondIO) IngestInbound(rw http.ResponseWriter, r *http.Request) {
	ingestThirdParty(rw, r, p.cfg.WebhookSecret, false, p.logger, func(raw domain.RawEvent) {
		if raw.MessageID != "" && !p.markSeen(raw.MessageID) {
			p.logger.Debug("webhook duplicate of polled message", "messageId", raw.MessageID)
			return
		}
		raw.AccountID = p.cfg.AccountID
		bus.Publish(p.cfg.Hub, bus.Incoming, raw)
	})
}

// SendMessage posts text to the contact. A returned upstream message id is
// marked seen before returning so the next tick does not re-emit it.
func (p *RespondIO) SendMessage(ctx context.Context, conversationID, text string) (*domain.SendResult, error) {
	if p.cfg.APIKey == "" {
		p.logger.Error("no API key configured, cannot send message")
		return nil, &domain.SendError{Kind: domain.ErrNotConfigured, Detail: "no API key"}
	}
	res, err := sendThirdParty(ctx, p.api, "contact/id:"+url.PathEscape(conversationID)+"/message", text, p.logger)
	if err != nil {
		return nil, err
	}
	if res.MessageID != "" {
		p.markSeen(res.MessageID)
	}
	return res, nil
}

// StartSynchronization runs a tick now and then every PollInterval until
// StopSynchronization, ctx cancellation, or an authorization failure.
// Calling it while already running is a no-op.
func (p *RespondIO) StartSynchronization(ctx context.Context) error {
	if p.cfg.APIKey == "" {
		return fmt.Errorf("respondio: %w", domain.ErrNotConfigured)
	}

	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.cancel != nil {
		return nil
	}
	if p.loopDone != nil {
		// A loop halted by an authorization failure may still be unwinding.
		<-p.loopDone
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.loopDone = done
	p.polling.Store(true)

	p.logger.Info("polling started", "interval", p.cfg.PollInterval)
	go p.loop(loopCtx, done)
	return nil
}

// StopSynchronization cancels the timer and waits for an in-flight tick to
// finish on its own. Calling it when not started is a no-op.
func (p *RespondIO) StopSynchronization() {
	p.lifeMu.Lock()
	cancel, done := p.cancel, p.loopDone
	p.cancel, p.loopDone = nil, nil
	p.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		p.logger.Info("polling stopped")
	}
	if done != nil {
		<-done
	}
	p.ticks.Wait()
	p.polling.Store(false)
}

// SyncStatus reports the in-memory synchronization state.
func (p *RespondIO) SyncStatus() domain.SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.SyncStatus{
		Polling:       p.polling.Load(),
		KnownContacts: len(p.knownContacts),
		SeenMessages:  len(p.seen),
	}
}

// halt stops the timer from inside a tick without waiting for that tick.
func (p *RespondIO) halt() {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.polling.Store(false)
}

func (p *RespondIO) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.fire(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.fire(ctx)
		}
	}
}

// fire starts a tick unless the previous one is still in flight, in which
// case this tick is dropped rather than queued.
func (p *RespondIO) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		metrics.PollTicksSkipped.Inc()
		p.logger.Debug("previous tick still in flight, skipping")
		return
	}
	p.ticks.Add(1)
	// Stopping must not abort upstream calls already under way.
	tickCtx := context.WithoutCancel(ctx)
	go func() {
		defer p.ticks.Done()
		defer p.inFlight.Store(false)
		p.tick(tickCtx)
	}()
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

type polledMessage struct {
	MessageID flexString         `json:"messageId"`
	ChannelID flexString         `json:"channelId"`
	Traffic   string             `json:"traffic"`
	Message   *thirdPartyContent `json:"message"`
}

type polledChannel struct {
	ID     flexString `json:"id"`
	Name   string     `json:"name"`
	Source string     `json:"source"`
}

func (p *RespondIO) tick(ctx context.Context) {
	req := map[string]any{
		"search":   "",
		"timezone": "UTC",
		"filter":   map[string]any{"$and": []any{}},
	}
	var roster listResponse[thirdPartyContact]
	path := "contact/list?limit=" + strconv.Itoa(contactPageSize)
	if _, err := p.api.do(ctx, "list contacts", http.MethodPost, path, req, &roster); err != nil {
		metrics.PollErrors.Inc()
		p.noteError(err)
		if statusOf(err) == http.StatusUnauthorized {
			p.logger.Error("upstream rejected API key, polling stopped until re-authorized")
			p.halt()
		}
		return
	}
	p.clearError()

	p.mu.Lock()
	first := p.firstPoll
	for _, c := range roster.Items {
		if id := c.id(); id != "" {
			p.knownContacts[id] = c
		}
	}
	p.mu.Unlock()

	allPrimed := true
	for _, c := range roster.Items {
		if c.id() == "" {
			continue
		}
		if !p.syncContact(ctx, c, first) {
			allPrimed = false
		}
	}

	// Startup ends once every contact on the roster has had its visible
	// history marked seen. Until then a contact whose fetch failed keeps
	// its history suppressed on the next tick.
	if first && allPrimed {
		p.mu.Lock()
		p.firstPoll = false
		p.primed = nil
		p.mu.Unlock()
	}
	metrics.PollTicks.Inc()
}

// syncContact fetches the contact's recent messages and publishes the unseen
// ones. During startup a contact's first successful fetch only marks its
// messages seen. It reports whether the fetch succeeded.
func (p *RespondIO) syncContact(ctx context.Context, contact thirdPartyContact, first bool) bool {
	contactID := contact.id()

	var page listResponse[polledMessage]
	path := fmt.Sprintf("contact/id:%s/message/list?limit=%d", url.PathEscape(contactID), messagePageSize)
	if _, err := p.api.do(ctx, "list messages", http.MethodGet, path, nil, &page); err != nil {
		p.noteContactError(contactID, err)
		return false
	}
	p.clearContactError(contactID)

	suppress := false
	if first {
		p.mu.Lock()
		_, done := p.primed[contactID]
		if !done {
			p.primed[contactID] = struct{}{}
		}
		p.mu.Unlock()
		suppress = !done
	}

	// Upstream lists newest first.
	msgs := page.Items
	slices.Reverse(msgs)

	channelID := ""
	for _, m := range msgs {
		if id := m.ChannelID.String(); id != "" {
			channelID = id
			p.mu.Lock()
			p.contactChannel[contactID] = id
			p.mu.Unlock()
			break
		}
	}
	if channelID == "" {
		channelID = p.resolveChannel(ctx, contactID)
	}

	for _, m := range msgs {
		id := m.MessageID.String()
		if id == "" {
			continue
		}
		if !p.markSeen(id) || suppress {
			continue
		}
		text := m.Message.text()
		if text == "" {
			continue
		}
		p.emit(contact, channelID, m, text)
	}
	return true
}

// resolveChannel looks up the contact's channel once and caches it.
func (p *RespondIO) resolveChannel(ctx context.Context, contactID string) string {
	p.mu.Lock()
	cached, ok := p.contactChannel[contactID]
	p.mu.Unlock()
	if ok {
		return cached
	}

	var channels listResponse[polledChannel]
	path := "contact/id:" + url.PathEscape(contactID) + "/channels"
	if _, err := p.api.do(ctx, "list channels", http.MethodGet, path, nil, &channels); err != nil {
		p.logger.Debug("channel lookup failed", "contact", contactID, "err", err)
		return ""
	}
	if len(channels.Items) == 0 {
		return ""
	}

	id := channels.Items[0].ID.String()
	p.mu.Lock()
	p.contactChannel[contactID] = id
	p.mu.Unlock()
	return id
}

func (p *RespondIO) emit(contact thirdPartyContact, channelID string, m polledMessage, text string) {
	contactID := contact.id()
	ts := messageTime(m.MessageID.String())
	kind := ""
	if m.Message != nil {
		kind = m.Message.Type
	}
	channelID = firstNonEmpty(channelID, m.ChannelID.String())

	if m.Traffic == "outgoing" {
		// Echo of something sent from this or another console: record it as-is.
		bus.Publish(p.cfg.Hub, bus.Message, domain.CanonicalMessage{
			Type:           "dm",
			Direction:      domain.DirectionOutgoing,
			AccountID:      p.cfg.AccountID,
			ChannelID:      channelID,
			ConversationID: contactID,
			MessageID:      m.MessageID.String(),
			Timestamp:      ts,
			User:           domain.SelfUser(),
			Content:        domain.Content{Kind: domain.KindOf(kind), Text: text},
		})
		return
	}

	bus.Publish(p.cfg.Hub, bus.Incoming, domain.RawEvent{
		AccountID:      p.cfg.AccountID,
		ChannelID:      channelID,
		ConversationID: contactID,
		MessageID:      m.MessageID.String(),
		Timestamp:      ts,
		User: domain.RawUser{
			ID:        contactID,
			Username:  firstNonEmpty(contact.FirstName, contactID),
			Nickname:  firstNonEmpty(contact.fullName(), contactID),
			AvatarURL: contact.ProfilePic,
		},
		Message: domain.RawContent{Type: kind, Text: text},
	})
}

// markSeen adds id to the seen set and reports whether it was new.
func (p *RespondIO) markSeen(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[id]; ok {
		return false
	}
	p.seen[id] = struct{}{}
	return true
}

// errorClass names the failure class of err: the upstream status, or "network".
func errorClass(err error) string {
	if code := statusOf(err); code != 0 {
		return strconv.Itoa(code)
	}
	return "network"
}

// noteError logs only when the failure class differs from the last tick's.
func (p *RespondIO) noteError(err error) {
	class := errorClass(err)

	p.mu.Lock()
	changed := class != p.lastErrClass
	p.lastErrClass = class
	p.mu.Unlock()

	if changed {
		p.logger.Warn("poll failed", "class", class, "err", err)
	}
}

func (p *RespondIO) clearError() {
	p.mu.Lock()
	recovered := p.lastErrClass != ""
	p.lastErrClass = ""
	p.mu.Unlock()

	if recovered {
		p.logger.Info("poll recovered")
	}
}

// noteContactError logs a contact's message fetch failure only when its
// class differs from that contact's previous failure.
func (p *RespondIO) noteContactError(contactID string, err error) {
	class := errorClass(err)

	p.mu.Lock()
	changed := p.contactErrs[contactID] != class
	p.contactErrs[contactID] = class
	p.mu.Unlock()

	if changed {
		p.logger.Warn("message fetch failed", "contact", contactID, "class", class, "err", err)
	}
}

func (p *RespondIO) clearContactError(contactID string) {
	p.mu.Lock()
	_, failing := p.contactErrs[contactID]
	delete(p.contactErrs, contactID)
	p.mu.Unlock()

	if failing {
		p.logger.Info("message fetch recovered", "contact", contactID)
	}
}

// earliestMessageTime bounds what a message-id-derived timestamp may be.
var earliestMessageTime = time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)

// messageTime derives a timestamp from the upstream id, which encodes
// creation time in microseconds. Ids that do not decode to a plausible
// time fall back to now.
func messageTime(id string) string {
	now := time.Now()
	if n, err := strconv.ParseInt(id, 10, 64); err == nil && n > 0 {
		t := time.UnixMilli(n / 1000)
		if t.After(earliestMessageTime) && t.Before(now.Add(24*time.Hour)) {
			return domain.FormatTime(t)
		}
	}
	return domain.FormatTime(now)
}
