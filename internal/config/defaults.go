package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.dmrelay/data",
			LogLevel: "info",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Provider: ProviderConfig{
			Kind:                  "official",
			WebhookPath:           "/webhook/tiktok",
			PollIntervalMs:        1000,
			RequestTimeoutSeconds: 10,
			Official: OfficialConfig{
				APIBase: "https://open.tiktokapis.com/v2",
			},
			ThirdParty: ThirdPartyConfig{
				APIBase: "https://api.respond.io/v2",
			},
		},
		OAuth: OAuthConfig{
			AuthorizeURL:      "https://www.tiktok.com/v2/auth/authorize/",
			TokenURL:          "https://open.tiktokapis.com/v2/oauth/token/",
			RevokeURL:         "https://open.tiktokapis.com/v2/oauth/revoke/",
			UserInfoURL:       "https://open.tiktokapis.com/v2/user/info/",
			Scope:             "user.info.basic",
			PendingTTLSeconds: 600,
		},
		Storage: StorageConfig{
			ChatLogPath: "~/.dmrelay/data/chats.jsonl",
			AccountsDB:  "~/.dmrelay/data/accounts.db",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
