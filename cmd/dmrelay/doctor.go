package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"dmrelay/internal/accounts"
	"dmrelay/internal/chatlog"
	"dmrelay/internal/config"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your dmrelay installation",
		Long: `Verifies that dmrelay's configuration, credentials, chat log and
accounts database are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("dmrelay doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed, failed, warned := 0, 0, 0

			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'dmrelay init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			// Provider credentials.
			switch cfg.Provider.Kind {
			case "official":
				if cfg.Provider.Official.AccessToken == "" {
					printWarn("Send credential", "provider.official.accessToken not set; replies will fail")
					warned++
				} else {
					printPass("Send credential", "official access token set")
					passed++
				}
				if cfg.Provider.WebhookVerifyToken == "" {
					printWarn("Webhook handshake", "provider.webhookVerifyToken not set; registration will be refused")
					warned++
				} else {
					printPass("Webhook handshake", "verify token set")
					passed++
				}
			default:
				if cfg.Provider.ThirdParty.APIKey == "" {
					printFail("API key", "provider.thirdParty.apiKey is required for "+cfg.Provider.Kind)
					failed++
				} else {
					printPass("API key", cfg.Provider.Kind+" key set")
					passed++
				}
			}
			if cfg.Provider.WebhookSecret == "" {
				printWarn("Webhook signature", "provider.webhookSecret not set; payloads are not authenticated")
				warned++
			} else {
				printPass("Webhook signature", "HMAC secret set")
				passed++
			}

			if cfg.OAuth.ClientKey == "" {
				printWarn("OAuth", "oauth.clientKey not set; /auth/connect is disabled")
				warned++
			} else {
				printPass("OAuth", "client key set")
				passed++
			}

			// Chat log readable.
			if log, err := chatlog.Open(cfg.Storage.ChatLogPath, logger); err != nil {
				printFail("Chat log", err.Error())
				failed++
			} else if n, err := log.Count(); err != nil {
				printFail("Chat log", err.Error())
				failed++
			} else {
				printPass("Chat log", fmt.Sprintf("%s (%d records)", log.Path(), n))
				passed++
			}

			// Accounts database opens and migrates.
			if err := checkAccounts(cmd.Context(), cfg.Storage.AccountsDB); err != nil {
				printFail("Accounts DB", err.Error())
				failed++
			} else {
				printPass("Accounts DB", cfg.Storage.AccountsDB)
				passed++
			}

			if err := checkPort(cfg.Server.Port); err != nil {
				printWarn("Server port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
				warned++
			} else {
				printPass("Server port", fmt.Sprintf(":%d available", cfg.Server.Port))
				passed++
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running dmrelay.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\ndmrelay should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! dmrelay is ready to run.\n")
			}
			return nil
		},
	}
}

func checkAccounts(ctx context.Context, dbPath string) error {
	store, err := accounts.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	_, err = store.List(ctx)
	return err
}

func checkPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
