package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	tempo "github.com/maxwellau2/tempo-io"
	"github.com/spf13/cobra"
)

var (
	webhookAddr   string
	webhookPath   string
	webhookSecret string
	webhookTeam   string
)

func init() {
	rootCmd.AddCommand(webhookCmd)
	webhookCmd.PersistentFlags().StringVar(&webhookSecret, "secret", "", "signing secret (default: auth.webhook_secret)")

	webhookCmd.AddCommand(webhookServeCmd)
	webhookServeCmd.Flags().StringVar(&webhookAddr, "addr", ":8787", "listen address")
	webhookServeCmd.Flags().StringVar(&webhookPath, "path", "/webhook", "request path")
	webhookServeCmd.Flags().StringVar(&webhookTeam, "team", "", "team whose chat to keep in sync (default: default.team)")
	webhookCmd.AddCommand(webhookSignCmd)
}

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Receive change events over signed webhooks",
}

var webhookServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept webhook deliveries and keep the cache in sync until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		feed, err := tempo.NewWebhookFeed(secretOrConfig(cfg), newLogger())
		if err != nil {
			return err
		}
		defer feed.Close()

		// Reads go to the configured backend; changes arrive by webhook.
		s, err := openSession(ctx, tempo.WithFeed(feed))
		if err != nil {
			return err
		}
		defer s.Close()
		client := s.client

		keys := []tempo.Key{tempo.NotesKey(), tempo.NotificationsKey()}
		if err := client.Notes().Load(ctx); err != nil {
			return fmt.Errorf("failed to load notes: %w", err)
		}
		if err := client.Notes().Watch(ctx); err != nil {
			return err
		}
		if err := client.Notifications().Load(ctx); err != nil {
			return fmt.Errorf("failed to load notifications: %w", err)
		}
		if err := client.Notifications().Watch(ctx); err != nil {
			return err
		}
		team, _ := s.team(webhookTeam)
		if team != "" {
			if err := client.Messages().Load(ctx, team); err != nil {
				return fmt.Errorf("failed to load messages: %w", err)
			}
			if err := client.Messages().Watch(ctx, team); err != nil {
				return err
			}
			keys = append(keys, tempo.MessagesKey(team))
		}

		changed := make(chan tempo.Key, 16)
		for _, key := range keys {
			unsubscribe := client.Store().Subscribe(key, func(tempo.Entry) {
				select {
				case changed <- key:
				default:
				}
			})
			defer unsubscribe()
		}

		mux := http.NewServeMux()
		mux.Handle(webhookPath, feed.HTTPHandler())
		srv := &http.Server{Addr: webhookAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		fmt.Printf("Listening on %s%s\n", webhookAddr, webhookPath)

		for {
			select {
			case key := <-changed:
				switch key.Kind {
				case tempo.KindNotes:
					fmt.Printf("notes: %d\n", len(client.Notes().List()))
				case tempo.KindNotifications:
					fmt.Printf("notifications: %d unread\n", client.Notifications().UnreadCount())
				case tempo.KindMessages:
					items := client.Messages().Items(team)
					if len(items) > 0 {
						printMessage(items[len(items)-1])
					}
				}
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("webhook server failed: %w", err)
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		}
	},
}

var webhookSignCmd = &cobra.Command{
	Use:   "sign [file]",
	Short: "Print the signature header value for a request body read from file or stdin",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		secret := secretOrConfig(cfg)
		if secret == "" {
			return errors.New("no secret. Pass --secret or set auth.webhook_secret")
		}

		var body []byte
		if len(args) == 1 {
			body, err = os.ReadFile(args[0])
		} else {
			body, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			return fmt.Errorf("cannot read body: %w", err)
		}
		if _, err := tempo.ParseWebhookPayload(string(body)); err != nil {
			return fmt.Errorf("body is not a webhook payload: %w", err)
		}
		fmt.Printf("%s: %s\n", tempo.SignatureHeader, tempo.SignWebhookBody(string(body), secret))
		return nil
	},
}

func secretOrConfig(cfg *Config) string {
	if webhookSecret != "" {
		return webhookSecret
	}
	return cfg.Auth.WebhookSecret
}
