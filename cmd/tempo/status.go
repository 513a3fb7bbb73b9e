package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend status",
	Long:  "Display the current configuration, then reach the backend through the cache and report what it holds.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Backend:     %s\n", valueOrDefault(cfg.Default.Backend, backendREST))
		switch cfg.Default.Backend {
		case backendSQLite:
			path, _ := databasePath(cfg)
			fmt.Printf("  Database:    %s\n", path)
		default:
			fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
			if cfg.Auth.Token != "" {
				fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
			} else {
				fmt.Println("  Token:       (not set)")
			}
		}
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Printf("  Team:        %s\n", valueOrDefault(cfg.Default.Team, "(not set)"))

		fmt.Println()
		fmt.Println("Cache:")
		fmt.Printf("  Capacity:    %d keys\n", cfg.Cache.CacheCapacity)
		fmt.Printf("  Page size:   %d\n", cfg.Cache.PageSize)
		fmt.Printf("  Dedupe:      %s\n", cfg.Cache.DedupeInterval)
		fmt.Printf("  Retries:     %d (%s to %s)\n", cfg.Cache.RetryCount, cfg.Cache.RetryBaseDelay, cfg.Cache.RetryMaxDelay)

		if cfg.Auth.UserID == "" || (cfg.Default.Backend != backendSQLite && cfg.Auth.Token == "") {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		defer s.Close()

		if s.feed != nil {
			start := time.Now()
			if err := s.connectFeed(ctx); err != nil {
				fmt.Printf("  Realtime:      %v\n", err)
			} else if _, err := s.feed.Ping(ctx); err != nil {
				fmt.Printf("  Realtime:      ping failed: %v\n", err)
			} else {
				fmt.Printf("  Realtime:      connected (%s)\n", time.Since(start).Round(time.Millisecond))
			}
		}

		notes, err := s.client.Notes().Fetch(ctx)
		if err != nil {
			fmt.Printf("  Error fetching notes: %v\n", err)
			return nil
		}
		projects, err := s.client.Projects().Fetch(ctx)
		if err != nil {
			fmt.Printf("  Error fetching projects: %v\n", err)
			return nil
		}
		if err := s.client.Notifications().Load(ctx); err != nil {
			fmt.Printf("  Error fetching notifications: %v\n", err)
			return nil
		}
		fmt.Printf("  Notes:         %d\n", len(notes))
		fmt.Printf("  Projects:      %d\n", len(projects))
		fmt.Printf("  Unread:        %d\n", s.client.Notifications().UnreadCount())
		return nil
	},
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 10 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
