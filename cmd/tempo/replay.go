package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	tempo "github.com/maxwellau2/tempo-io"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	replayUser  string
	replayTeam  string
	replayMonth string
)

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replayUser, "user", "u-1", "user id to read personal resources as")
	replayCmd.Flags().StringVar(&replayTeam, "team", "", "team whose chat and calendar to load")
	replayCmd.Flags().StringVar(&replayMonth, "month", "", "calendar month to load (YYYY-MM, default: current)")
}

// replayScript is the part of a replay file after the fixture tables: changes
// pushed to the cache once the initial load is done.
type replayScript struct {
	Changes []replayChange `yaml:"changes"`
}

type replayChange struct {
	Table  string         `yaml:"table"`
	Type   string         `yaml:"type"`
	Record map[string]any `yaml:"record"`
}

var replayCmd = &cobra.Command{
	Use:   "replay <file.yaml>",
	Short: "Load fixtures into an in-memory backend and replay changes through the cache",
	Long: `Replay seeds an in-memory backend from the "tables" section of a YAML file,
reads every resource through the sync cache, then applies each entry of the
"changes" section as a realtime push and prints the cache before and after.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("cannot read replay file: %w", err)
		}
		var script replayScript
		if err := yaml.Unmarshal(data, &script); err != nil {
			return fmt.Errorf("cannot parse replay file: %w", err)
		}
		month := time.Now()
		if replayMonth != "" {
			if month, err = time.Parse("2006-01", replayMonth); err != nil {
				return fmt.Errorf("invalid --month: %w", err)
			}
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger()
		mem := tempo.NewMemoryBackend(tempo.MemoryLogger(logger))
		defer mem.Close()
		if err := mem.LoadFixtures(bytes.NewReader(data)); err != nil {
			return err
		}
		client := tempo.NewClient(mem, tempo.WithConfig(cfg.Cache), tempo.WithLogger(logger), tempo.WithUserID(replayUser))
		defer client.Close()

		r := &replayer{client: client, team: replayTeam, month: month}
		if err := r.load(ctx); err != nil {
			return err
		}
		fmt.Println("== loaded")
		r.print()

		if len(script.Changes) == 0 {
			return nil
		}
		fmt.Println()
		fmt.Println("== changes")
		for i, ch := range script.Changes {
			ev, err := tempo.NewChangeEvent(ch.Table, tempo.ChangeType(ch.Type), ch.Record)
			if err != nil {
				return fmt.Errorf("change %d: %w", i, err)
			}
			result := "ignored"
			if r.apply(ev) {
				result = "applied"
			}
			id, _ := ev.RecordID()
			fmt.Printf("  %-7s %-6s %-14s %s\n", result, ev.Type, ev.Table, id)
		}
		fmt.Println()
		fmt.Println("== after")
		r.print()
		return nil
	},
}

// replayer drives one client over the memory backend.
type replayer struct {
	client *tempo.Client
	team   string
	month  time.Time
}

func (r *replayer) load(ctx context.Context) error {
	if err := r.client.Notes().Load(ctx); err != nil {
		return fmt.Errorf("failed to load notes: %w", err)
	}
	if err := r.client.Notifications().Load(ctx); err != nil {
		return fmt.Errorf("failed to load notifications: %w", err)
	}
	if err := r.client.Projects().Load(ctx); err != nil {
		return fmt.Errorf("failed to load projects: %w", err)
	}
	for _, p := range r.client.Projects().List() {
		if err := r.client.Projects().LoadStatuses(ctx, p.ID); err != nil {
			return fmt.Errorf("failed to load statuses of %s: %w", p.ID, err)
		}
		if err := r.client.Tasks().Load(ctx, p.ID); err != nil {
			return fmt.Errorf("failed to load tasks of %s: %w", p.ID, err)
		}
	}
	if r.team == "" {
		return nil
	}
	messages := r.client.Messages()
	if err := messages.Load(ctx, r.team); err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	for messages.HasMore(r.team) {
		if err := messages.LoadMore(ctx, r.team); err != nil {
			return fmt.Errorf("failed to load older messages: %w", err)
		}
	}
	if err := r.client.Calendar().Load(ctx, r.team, r.month); err != nil {
		return fmt.Errorf("failed to load calendar: %w", err)
	}
	return nil
}

// apply routes a change to the reconciler owning its table.
func (r *replayer) apply(ev tempo.ChangeEvent) bool {
	store := r.client.Store()
	switch ev.Table {
	case tempo.TableNotes:
		return tempo.NewCollectionReconciler[tempo.Note](store, func(string) tempo.Key { return tempo.NotesKey() }, true).Apply("", ev)
	case tempo.TableNotifications:
		return tempo.NewCollectionReconciler[tempo.Notification](store, func(string) tempo.Key { return tempo.NotificationsKey() }, true).Apply("", ev)
	case tempo.TableTasks:
		var t tempo.Task
		if err := ev.Decode(&t); err != nil {
			return false
		}
		return tempo.NewCollectionReconciler[tempo.Task](store, tempo.TasksKey, false).Apply(t.ProjectID, ev)
	case tempo.TableTeamMessages:
		return r.team != "" && r.client.Messages().Apply(r.team, ev)
	case tempo.TableTeamEvents:
		if r.team == "" {
			return false
		}
		events := tempo.NewCollectionReconciler[tempo.TeamEvent](store, func(team string) tempo.Key { return tempo.EventsKey(team, r.month) }, false)
		return events.Apply(r.team, ev)
	}
	return false
}

func (r *replayer) print() {
	notes := r.client.Notes().List()
	fmt.Printf("notes (%d)\n", len(notes))
	for _, n := range notes {
		fmt.Printf("  %-12s %s\n", n.ID, n.Title)
	}

	fmt.Printf("notifications (%d unread)\n", r.client.Notifications().UnreadCount())
	for _, n := range r.client.Notifications().List() {
		mark := " "
		if !n.Read {
			mark = "*"
		}
		fmt.Printf("  %s %-10s %s\n", mark, n.ID, n.Title)
	}

	for _, p := range r.client.Projects().List() {
		fmt.Printf("project %s (%s)\n", p.Name, p.ID)
		for _, st := range r.client.Projects().Statuses(p.ID) {
			fmt.Printf("  %s:", st.Name)
			for _, t := range r.client.Tasks().ByStatus(p.ID, st.ID) {
				fmt.Printf(" %s", t.Title)
			}
			fmt.Println()
		}
	}

	if r.team == "" {
		return
	}
	items := r.client.Messages().Items(r.team)
	fmt.Printf("messages in %s (%d)\n", r.team, len(items))
	for _, m := range items {
		printMessage(m)
	}
	events := r.client.Calendar().List(r.team, r.month)
	fmt.Printf("events in %s (%d)\n", r.month.Format("2006-01"), len(events))
	for _, e := range events {
		fmt.Printf("  %s  %s\n", shortTime(e.StartTime), e.Title)
	}
}
