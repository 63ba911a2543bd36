package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for dmrelay.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Server   ServerConfig   `json:"server"`
	Provider ProviderConfig `json:"provider"`
	OAuth    OAuthConfig    `json:"oauth"`
	Storage  StorageConfig  `json:"storage"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"` // debug | info | warn | error
}

type ServerConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	PublicURL string `json:"publicURL,omitempty"` // used for the OAuth redirect URI when behind a proxy
}

// ProviderConfig selects and configures the single active upstream integration.
type ProviderConfig struct {
	Kind                  string           `json:"kind"` // "official" | "thirdparty" | "respondio"
	AccountID             string           `json:"accountId,omitempty"`
	WebhookPath           string           `json:"webhookPath"`
	WebhookVerifyToken    string           `json:"webhookVerifyToken,omitempty"`
	WebhookSecret         string           `json:"webhookSecret,omitempty"`
	PollIntervalMs        int              `json:"pollIntervalMs"`
	RequestTimeoutSeconds int              `json:"requestTimeoutSeconds"`
	Official              OfficialConfig   `json:"official"`
	ThirdParty            ThirdPartyConfig `json:"thirdParty"`
}

type OfficialConfig struct {
	AccessToken string `json:"accessToken,omitempty"`
	APIBase     string `json:"apiBase,omitempty"`
}

type ThirdPartyConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	APIBase string `json:"apiBase,omitempty"`
}

type OAuthConfig struct {
	ClientKey         string `json:"clientKey,omitempty"`
	ClientSecret      string `json:"clientSecret,omitempty"`
	AuthorizeURL      string `json:"authorizeURL"`
	TokenURL          string `json:"tokenURL"`
	RevokeURL         string `json:"revokeURL"`
	UserInfoURL       string `json:"userInfoURL"`
	Scope             string `json:"scope"`
	PendingTTLSeconds int    `json:"pendingTTLSeconds"`
}

type StorageConfig struct {
	ChatLogPath string `json:"chatLogPath"`
	AccountsDB  string `json:"accountsDB"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.dmrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dmrelay"
	}
	return filepath.Join(home, ".dmrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML config file (chosen by extension) on top of Defaults.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		if data, err = yamlToJSON(data); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	ExpandPaths(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg as JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if isYAML(path) {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		if data, err = yaml.Marshal(m); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}

	switch cfg.Provider.Kind {
	case "official", "thirdparty", "respondio":
	default:
		errs = append(errs, "provider.kind must be one of: official, thirdparty, respondio")
	}
	if !strings.HasPrefix(cfg.Provider.WebhookPath, "/") {
		errs = append(errs, "provider.webhookPath must start with /")
	}
	if cfg.Provider.PollIntervalMs < 100 {
		errs = append(errs, "provider.pollIntervalMs must be >= 100")
	}
	if cfg.Provider.RequestTimeoutSeconds < 1 || cfg.Provider.RequestTimeoutSeconds > 120 {
		errs = append(errs, "provider.requestTimeoutSeconds must be between 1 and 120")
	}

	if cfg.OAuth.PendingTTLSeconds < 1 {
		errs = append(errs, "oauth.pendingTTLSeconds must be >= 1")
	}

	if cfg.Storage.ChatLogPath == "" {
		errs = append(errs, "storage.chatLogPath is required")
	}
	if cfg.Storage.AccountsDB == "" {
		errs = append(errs, "storage.accountsDB is required")
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPaths resolves ~/ in every path-valued field of cfg.
func ExpandPaths(cfg *Config) {
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.Storage.ChatLogPath = ExpandPath(cfg.Storage.ChatLogPath)
	cfg.Storage.AccountsDB = ExpandPath(cfg.Storage.AccountsDB)
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON re-encodes YAML as JSON so one set of struct tags serves both formats.
func yamlToJSON(data []byte) ([]byte, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
