package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"chatroomz/cmd/internal/app"
	"chatroomz/cmd/internal/chatclient"

	"github.com/spf13/cobra"
)

// clientFlags are shared by every command that talks to a running server.
type clientFlags struct {
	url    string
	origin string
}

func (f *clientFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", defaultBaseURL(), "Server base URL")
	cmd.Flags().StringVar(&f.origin, "origin", "http://localhost", "Origin header for the websocket handshake")
}

// defaultBaseURL points clients at the address a local `serve` would bind.
func defaultBaseURL() string {
	addr := strings.TrimSpace(os.Getenv("CHATROOMZ_HTTP_ADDR"))
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	return app.RuntimeBaseURL(addr)
}

func clientLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and realtime gateway",
		Long:  "Run the server. Configuration comes from CHATROOMZ_* environment variables and an optional .env file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Run(cmd.Context())
		},
	}
}

func newChatCmd() *cobra.Command {
	var (
		cf      clientFlags
		name    string
		channel int64
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a channel from the terminal",
		Long:  "Join a channel and chat line by line. Commands: /join <channel id>, /who, /quit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return chatclient.RunTerminal(cmd.Context(), chatclient.TerminalOptions{
				BaseURL:   cf.url,
				Origin:    cf.origin,
				Name:      name,
				ChannelID: channel,
				Logger:    clientLogger(),
			}, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cf.bind(cmd)
	cmd.Flags().StringVarP(&name, "name", "n", "", "Chatter name shown to others")
	cmd.Flags().Int64VarP(&channel, "channel", "c", 1, "Channel id to join")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newChannelsCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List or create channels",
	}
	cmd.PersistentFlags().StringVar(&baseURL, "url", defaultBaseURL(), "Server base URL")

	list := &cobra.Command{
		Use:   "list",
		Short: "List channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := chatclient.NewAPIClient(baseURL, nil)
			if err != nil {
				return err
			}
			chs, err := api.ListChannels(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tNAME\tCREATED")
			for _, ch := range chs {
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\n", ch.ID, ch.Name, ch.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := chatclient.NewAPIClient(baseURL, nil)
			if err != nil {
				return err
			}
			ch, err := api.CreateChannel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created #%s (%d)\n", ch.Name, ch.ID)
			return nil
		},
	}

	cmd.AddCommand(list, create)
	return cmd
}

func newSmokeCmd() *cobra.Command {
	var (
		cf      clientFlags
		channel int64
		text    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Check a running server end to end with two connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rep, err := chatclient.Smoke(cmd.Context(), chatclient.SmokeOptions{
				BaseURL:     cf.url,
				Origin:      cf.origin,
				ChannelID:   channel,
				Text:        text,
				StepTimeout: timeout,
				Logger:      clientLogger(),
			})
			if err != nil {
				return fmt.Errorf("smoke: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "OK: A=%s B=%s channel_id=%d seq=%d server_msg_id=%s\n",
				rep.ConnA, rep.ConnB, rep.ChannelID, rep.Seq, rep.ServerMsgID)
			return nil
		},
	}
	cf.bind(cmd)
	cmd.Flags().Int64Var(&channel, "channel", 0, "Channel id to use; 0 creates a new channel")
	cmd.Flags().StringVar(&text, "text", "hello chatroomz", "Message text to send")
	cmd.Flags().DurationVar(&timeout, "timeout", 7*time.Second, "Per-step timeout")
	return cmd
}
