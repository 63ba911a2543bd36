package provider

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"dmrelay/internal/bus"
	"dmrelay/internal/config"
	"dmrelay/internal/domain"
)

// Constructor builds a provider from the provider section of the config.
type Constructor func(pc config.ProviderConfig, deps Deps) domain.Provider

// Deps are the collaborators every provider receives.
type Deps struct {
	Hub        *bus.Hub
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// Factory selects the single active provider once at startup.
type Factory struct {
	cfg          *config.Config
	deps         Deps
	constructors map[domain.ProviderKind]Constructor
	mu           sync.RWMutex
}

// NewFactory creates a factory with the built-in variants registered.
func NewFactory(cfg *config.Config, hub *bus.Hub, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.Provider.RequestTimeoutSeconds) * time.Second
	f := &Factory{
		cfg:          cfg,
		deps:         Deps{Hub: hub, Logger: logger, HTTPClient: NewHTTPClient(timeout)},
		constructors: make(map[domain.ProviderKind]Constructor),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds or replaces the constructor for kind.
func (f *Factory) RegisterConstructor(kind domain.ProviderKind, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors[domain.KindOfficial] = func(pc config.ProviderConfig, d Deps) domain.Provider {
		return NewOfficial(OfficialConfig{
			AccessToken:   pc.Official.AccessToken,
			APIBase:       pc.Official.APIBase,
			VerifyToken:   pc.WebhookVerifyToken,
			WebhookSecret: pc.WebhookSecret,
			AccountID:     pc.AccountID,
			HTTPClient:    d.HTTPClient,
			Hub:           d.Hub,
			Logger:        d.Logger,
		})
	}

	f.constructors[domain.KindThirdParty] = func(pc config.ProviderConfig, d Deps) domain.Provider {
		return NewThirdParty(ThirdPartyConfig{
			APIKey:        pc.ThirdParty.APIKey,
			APIBase:       pc.ThirdParty.APIBase,
			WebhookSecret: pc.WebhookSecret,
			AccountID:     pc.AccountID,
			HTTPClient:    d.HTTPClient,
			Hub:           d.Hub,
			Logger:        d.Logger,
		})
	}

	f.constructors[domain.KindRespondIO] = func(pc config.ProviderConfig, d Deps) domain.Provider {
		return NewRespondIO(RespondIOConfig{
			APIKey:        pc.ThirdParty.APIKey,
			APIBase:       pc.ThirdParty.APIBase,
			WebhookSecret: pc.WebhookSecret,
			AccountID:     pc.AccountID,
			PollInterval:  time.Duration(pc.PollIntervalMs) * time.Millisecond,
			HTTPClient:    d.HTTPClient,
			Hub:           d.Hub,
			Logger:        d.Logger,
		})
	}
}

// Create builds the provider named by provider.kind. An empty kind selects
// the official integration.
func (f *Factory) Create() (domain.Provider, error) {
	kind := domain.ProviderKind(f.cfg.Provider.Kind)
	if kind == "" {
		kind = domain.KindOfficial
	}

	f.mu.RLock()
	ctor, ok := f.constructors[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider kind: %s", kind)
	}

	p := ctor(f.cfg.Provider, f.deps)
	f.deps.Logger.Info("provider selected", "kind", kind, "credential", p.HasCredential())
	return p, nil
}
