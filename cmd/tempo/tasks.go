package main

import (
	"fmt"

	tempo "github.com/maxwellau2/tempo-io"
	"github.com/spf13/cobra"
)

var (
	tasksJSON bool

	tasksAddPriority    string
	tasksAddDescription string
	tasksAddDate        string

	tasksMovePosition int

	projectsAddColor string
)

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.PersistentFlags().BoolVar(&tasksJSON, "json", false, "print JSON instead of a table")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksAddCmd)
	tasksAddCmd.Flags().StringVar(&tasksAddPriority, "priority", string(tempo.PriorityMedium), "low, medium or high")
	tasksAddCmd.Flags().StringVar(&tasksAddDescription, "description", "", "task description")
	tasksAddCmd.Flags().StringVar(&tasksAddDate, "date", "", "scheduled date (YYYY-MM-DD)")
	tasksCmd.AddCommand(tasksMoveCmd)
	tasksMoveCmd.Flags().IntVar(&tasksMovePosition, "position", -1, "position in the target column (default: last)")
	tasksCmd.AddCommand(tasksRemoveCmd)

	tasksCmd.AddCommand(projectsCmd)
	projectsCmd.AddCommand(projectsListCmd)
	projectsCmd.AddCommand(projectsAddCmd)
	projectsAddCmd.Flags().StringVar(&projectsAddColor, "color", "", "project color")
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Project boards and their tasks",
}

// ============================================================================
// tasks list
// ============================================================================

var tasksListCmd = &cobra.Command{
	Use:   "list <project-id>",
	Short: "Show a project board column by column",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		projectID := args[0]
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.client.Projects().LoadStatuses(ctx, projectID); err != nil {
			return fmt.Errorf("failed to load statuses: %w", err)
		}
		if err := s.client.Tasks().Load(ctx, projectID); err != nil {
			return fmt.Errorf("failed to load tasks: %w", err)
		}
		statuses := s.client.Projects().Statuses(projectID)
		if tasksJSON {
			board := make(map[string][]tempo.Task, len(statuses))
			for _, st := range statuses {
				board[st.ID] = s.client.Tasks().ByStatus(projectID, st.ID)
			}
			return printJSON(board)
		}

		for _, st := range statuses {
			tasks := s.client.Tasks().ByStatus(projectID, st.ID)
			fmt.Printf("%s (%d)  [%s]\n", st.Name, len(tasks), st.ID)
			for _, t := range tasks {
				fmt.Printf("  %2d. %-6s %s  [%s]\n", t.Position, t.Priority, t.Title, t.ID)
			}
		}
		return nil
	},
}

// ============================================================================
// tasks add / move / rm
// ============================================================================

var tasksAddCmd = &cobra.Command{
	Use:   "add <project-id> <status-id> <title>",
	Short: "Add a task to the bottom of a column",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.client.Tasks().Load(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to load tasks: %w", err)
		}
		t, err := s.client.Tasks().Create(ctx, args[0], args[1], args[2], tempo.TaskOptions{
			Description:   tasksAddDescription,
			Priority:      tempo.TaskPriority(tasksAddPriority),
			ScheduledDate: tasksAddDate,
		})
		if err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}
		if tasksJSON {
			return printJSON(t)
		}
		fmt.Printf("Created task %s at position %d\n", t.ID, t.Position)
		return nil
	},
}

var tasksMoveCmd = &cobra.Command{
	Use:   "move <project-id> <task-id> <status-id>",
	Short: "Move a task to another column or position",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		projectID, taskID, statusID := args[0], args[1], args[2]
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.client.Tasks().Load(ctx, projectID); err != nil {
			return fmt.Errorf("failed to load tasks: %w", err)
		}
		position := tasksMovePosition
		if position < 0 {
			position = len(s.client.Tasks().ByStatus(projectID, statusID))
		}
		t, err := s.client.Tasks().Move(ctx, projectID, taskID, statusID, position)
		if err != nil {
			return fmt.Errorf("failed to move task: %w", err)
		}
		if tasksJSON {
			return printJSON(t)
		}
		fmt.Printf("Moved task %s to %s at position %d\n", t.ID, t.StatusID, t.Position)
		return nil
	},
}

var tasksRemoveCmd = &cobra.Command{
	Use:     "rm <project-id> <task-id>",
	Aliases: []string{"delete"},
	Short:   "Delete a task",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.client.Tasks().Delete(cmd.Context(), args[0], args[1]); err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
		fmt.Printf("Deleted task %s\n", args[1])
		return nil
	},
}

// ============================================================================
// tasks projects
// ============================================================================

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List or create projects",
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.client.Projects().Load(cmd.Context()); err != nil {
			return fmt.Errorf("failed to load projects: %w", err)
		}
		projects := s.client.Projects().List()
		if tasksJSON {
			return printJSON(projects)
		}
		for _, p := range projects {
			fmt.Printf("%-38s %-8s %s\n", p.ID, p.Color, p.Name)
		}
		return nil
	},
}

var projectsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a project with the default status columns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.client.Projects().Load(cmd.Context()); err != nil {
			return fmt.Errorf("failed to load projects: %w", err)
		}
		p, err := s.client.Projects().Create(cmd.Context(), args[0], projectsAddColor)
		if err != nil {
			return fmt.Errorf("failed to create project: %w", err)
		}
		if tasksJSON {
			return printJSON(p)
		}
		fmt.Printf("Created project %s\n", p.ID)
		return nil
	},
}
