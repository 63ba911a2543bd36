package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dmrelay/internal/accounts"
	"dmrelay/internal/auth"
	"dmrelay/internal/bus"
	"dmrelay/internal/chatlog"
	"dmrelay/internal/dispatch"
	"dmrelay/internal/normalize"
	"dmrelay/internal/provider"
	"dmrelay/internal/server"
	"dmrelay/internal/transport"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay (webhook, polling, viewers, HTTP API)",
		Long:  "Starts the HTTP server and the configured provider's synchronization. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfigOrDefaults(resolveConfigPath())
	logger = newLogger(cfg.General.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := bus.New(logger)
	normalize.Register(hub, logger)

	chatLog, err := chatlog.Open(cfg.Storage.ChatLogPath, logger)
	if err != nil {
		return fmt.Errorf("chat log: %w", err)
	}
	chatLog.Record(hub)

	prov, err := provider.NewFactory(cfg, hub, logger).Create()
	if err != nil {
		return err
	}

	viewers := transport.New(transport.Config{Hub: hub, Logger: logger})

	timeout := time.Duration(cfg.Provider.RequestTimeoutSeconds) * time.Second
	dispatch.New(dispatch.Config{
		Hub:      hub,
		Provider: prov,
		Timeout:  timeout,
		Logger:   logger,
	}).Register()

	store, err := accounts.Open(cfg.Storage.AccountsDB, logger)
	if err != nil {
		return fmt.Errorf("accounts store: %w", err)
	}
	defer store.Close()

	pending := auth.NewPendingStore(auth.PendingConfig{
		TTL:    time.Duration(cfg.OAuth.PendingTTLSeconds) * time.Second,
		Logger: logger,
	})
	defer pending.Close()

	oauthClient := auth.NewClient(auth.ClientConfig{
		ClientKey:    cfg.OAuth.ClientKey,
		ClientSecret: cfg.OAuth.ClientSecret,
		AuthorizeURL: cfg.OAuth.AuthorizeURL,
		TokenURL:     cfg.OAuth.TokenURL,
		RevokeURL:    cfg.OAuth.RevokeURL,
		UserInfoURL:  cfg.OAuth.UserInfoURL,
		Scope:        cfg.OAuth.Scope,
		HTTPClient:   provider.NewHTTPClient(timeout),
		Logger:       logger,
	})

	srv := server.New(server.Config{
		Config:   cfg,
		Provider: prov,
		ChatLog:  chatLog,
		Viewers:  viewers,
		Accounts: store,
		OAuth:    oauthClient,
		Pending:  pending,
		Logger:   logger,
	})

	if err := prov.StartSynchronization(ctx); err != nil {
		logger.Warn("synchronization not started", "provider", prov.Kind(), "err", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	logger.Info("relay started. Press Ctrl+C to stop.", "chat_log", chatLog.Path())

	select {
	case err := <-errCh:
		prov.StopSynchronization()
		viewers.Close()
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down relay...")

	// Polling stops first so no new messages arrive while viewers and the
	// HTTP server are closing.
	var serverErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		prov.StopSynchronization()
		viewers.Close()
		serverErr = <-errCh
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return serverErr
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}
