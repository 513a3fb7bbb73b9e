package main

import (
	"fmt"
	"os"
	"sync"

	tempo "github.com/maxwellau2/tempo-io"
	"github.com/spf13/cobra"
)

var (
	chatTeam string
	chatJSON bool

	chatHistoryPages int

	chatSendType string
	chatSendLink string
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.PersistentFlags().StringVar(&chatTeam, "team", "", "team id (default: default.team)")
	chatCmd.PersistentFlags().BoolVar(&chatJSON, "json", false, "print JSON instead of text")

	chatCmd.AddCommand(chatHistoryCmd)
	chatHistoryCmd.Flags().IntVar(&chatHistoryPages, "pages", 1, "number of pages to load, newest first")
	chatCmd.AddCommand(chatSendCmd)
	chatSendCmd.Flags().StringVar(&chatSendType, "type", string(tempo.MessageText), "text, meet or link")
	chatSendCmd.Flags().StringVar(&chatSendLink, "url", "", "link attached to meet and link messages")
	chatCmd.AddCommand(chatTailCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Team chat",
}

var chatHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Print recent team messages, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		team, err := s.team(chatTeam)
		if err != nil {
			return err
		}

		messages := s.client.Messages()
		if err := messages.Load(ctx, team); err != nil {
			return fmt.Errorf("failed to load messages: %w", err)
		}
		for page := 1; page < chatHistoryPages && messages.HasMore(team); page++ {
			if err := messages.LoadMore(ctx, team); err != nil {
				return fmt.Errorf("failed to load page %d: %w", page+1, err)
			}
		}

		items := messages.Items(team)
		if chatJSON {
			return printJSON(items)
		}
		for _, m := range items {
			printMessage(m)
		}
		if messages.HasMore(team) {
			fmt.Fprintln(os.Stderr, "(older messages available, pass --pages to load more)")
		}
		return nil
	},
}

var chatSendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Post a message to the team",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		team, err := s.team(chatTeam)
		if err != nil {
			return err
		}

		var metadata map[string]string
		if chatSendLink != "" {
			metadata = map[string]string{"url": chatSendLink}
		}
		m, _, err := s.client.Messages().Send(ctx, team, args[0], tempo.MessageType(chatSendType), metadata)
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
		if chatJSON {
			return printJSON(m)
		}
		fmt.Printf("Sent message %s\n", m.ID)
		return nil
	},
}

var chatTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the latest messages, then follow new ones until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()
		team, err := s.team(chatTeam)
		if err != nil {
			return err
		}
		if err := s.connectFeed(ctx); err != nil {
			return err
		}

		messages := s.client.Messages()
		if err := messages.Load(ctx, team); err != nil {
			return fmt.Errorf("failed to load messages: %w", err)
		}
		if err := messages.Watch(ctx, team); err != nil {
			return fmt.Errorf("failed to follow messages: %w", err)
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]bool)
		)
		show := func(items []tempo.TeamMessage) {
			mu.Lock()
			defer mu.Unlock()
			for _, m := range items {
				if seen[m.ID] || tempo.IsTempID(m.ID) {
					continue
				}
				seen[m.ID] = true
				if chatJSON {
					_ = printJSON(m)
				} else {
					printMessage(m)
				}
			}
		}
		show(messages.Items(team))
		unsubscribe := messages.Use(ctx, team, func(items []tempo.TeamMessage, _ tempo.Entry) { show(items) })
		defer unsubscribe()

		<-ctx.Done()
		return nil
	},
}

func printMessage(m tempo.TeamMessage) {
	edited := ""
	if m.EditedAt != nil {
		edited = " (edited)"
	}
	switch m.Type {
	case tempo.MessageMeet, tempo.MessageLink:
		fmt.Printf("[%s] %s: %s <%s>%s\n", shortTime(m.CreatedAt), m.UserID, m.Content, m.Metadata["url"], edited)
	default:
		fmt.Printf("[%s] %s: %s%s\n", shortTime(m.CreatedAt), m.UserID, m.Content, edited)
	}
}
