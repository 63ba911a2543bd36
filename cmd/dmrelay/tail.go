package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"dmrelay/internal/chatlog"
	"dmrelay/internal/domain"

	"github.com/spf13/cobra"
)

func tailCmd() *cobra.Command {
	var (
		asJSON       bool
		conversation string
		accountID    string
		channelID    string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the chat log and follow new records",
		Long: `Prints every record already in the chat log, then each record as the
running relay appends it. Press Ctrl+C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefaults(resolveConfigPath())

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			filter := chatlog.Filter{AccountID: accountID, ChannelID: channelID}
			out := cmd.OutOrStdout()
			return chatlog.Follow(ctx, cfg.Storage.ChatLogPath, func(m domain.CanonicalMessage) {
				if conversation != "" && m.ConversationID != conversation {
					return
				}
				if !filter.Match(m) {
					return
				}
				printRecord(out, m, asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON lines")
	cmd.Flags().StringVar(&conversation, "conversation", "", "only show this conversation")
	cmd.Flags().StringVar(&accountID, "account", "", "only show this account (unscoped records included)")
	cmd.Flags().StringVar(&channelID, "channel", "", "only show this channel (unscoped records included)")
	return cmd
}

func printRecord(w io.Writer, m domain.CanonicalMessage, asJSON bool) {
	if asJSON {
		data, _ := json.Marshal(m)
		fmt.Fprintln(w, string(data))
		return
	}
	arrow := "<-"
	if m.Direction == domain.DirectionOutgoing {
		arrow = "->"
	}
	text := m.Content.Text
	if m.Content.Kind != domain.KindText {
		text = "[" + string(m.Content.Kind) + "]"
	}
	fmt.Fprintf(w, "%s %s [%s] @%s: %s\n", m.Timestamp, arrow, m.ConversationID, m.User.Username, text)
}
