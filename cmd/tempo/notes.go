package main

import (
	"fmt"

	tempo "github.com/maxwellau2/tempo-io"
	"github.com/spf13/cobra"
)

var (
	notesJSON bool

	notesAddContent string

	notesEditTitle   string
	notesEditContent string
)

func init() {
	rootCmd.AddCommand(notesCmd)
	notesCmd.PersistentFlags().BoolVar(&notesJSON, "json", false, "print JSON instead of a table")

	notesCmd.AddCommand(notesListCmd)
	notesCmd.AddCommand(notesAddCmd)
	notesAddCmd.Flags().StringVar(&notesAddContent, "content", "", "note body")
	notesCmd.AddCommand(notesEditCmd)
	notesEditCmd.Flags().StringVar(&notesEditTitle, "title", "", "new title")
	notesEditCmd.Flags().StringVar(&notesEditContent, "content", "", "new body")
	notesCmd.AddCommand(notesRemoveCmd)
}

var notesCmd = &cobra.Command{
	Use:   "notes",
	Short: "Personal notes",
}

var notesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your notes, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.client.Notes().Load(cmd.Context()); err != nil {
			return fmt.Errorf("failed to load notes: %w", err)
		}
		notes := s.client.Notes().List()
		if notesJSON {
			return printJSON(notes)
		}
		if len(notes) == 0 {
			fmt.Println("No notes.")
			return nil
		}
		for _, n := range notes {
			fmt.Printf("%-38s %-16s %s\n", n.ID, shortTime(n.UpdatedAt), n.Title)
		}
		return nil
	},
}

var notesAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		n, err := s.client.Notes().Create(cmd.Context(), args[0], notesAddContent)
		if err != nil {
			return fmt.Errorf("failed to create note: %w", err)
		}
		if notesJSON {
			return printJSON(n)
		}
		fmt.Printf("Created note %s\n", n.ID)
		return nil
	},
}

var notesEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Change a note's title or body",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var u tempo.NoteUpdate
		if cmd.Flags().Changed("title") {
			u.Title = &notesEditTitle
		}
		if cmd.Flags().Changed("content") {
			u.Content = &notesEditContent
		}
		if u.Title == nil && u.Content == nil {
			return fmt.Errorf("nothing to change: pass --title or --content")
		}

		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		n, err := s.client.Notes().Update(cmd.Context(), args[0], u)
		if err != nil {
			return fmt.Errorf("failed to update note: %w", err)
		}
		if notesJSON {
			return printJSON(n)
		}
		fmt.Printf("Updated note %s\n", n.ID)
		return nil
	},
}

var notesRemoveCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a note",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.client.Notes().Delete(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to delete note: %w", err)
		}
		fmt.Printf("Deleted note %s\n", args[0])
		return nil
	},
}
