package tempo

import (
	"context"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
)

// TasksService manages the tasks of each project under TasksKey(projectID).
type TasksService struct {
	c      *Client
	remote *Remote[Task]
}

func newTasksService(c *Client) *TasksService {
	return &TasksService{c: c, remote: NewRemote[Task](c.backend, TableTasks)}
}

func (s *TasksService) Key(projectID string) Key { return TasksKey(projectID) }

// Fetch loads a project's tasks ordered by position.
func (s *TasksService) Fetch(ctx context.Context, projectID string) ([]Task, error) {
	return s.remote.FetchCollection(ctx, Where("project_id", projectID).Order("position", false))
}

func (s *TasksService) fetcher(projectID string) func(context.Context) ([]Task, error) {
	return func(ctx context.Context) ([]Task, error) { return s.Fetch(ctx, projectID) }
}

func (s *TasksService) Use(ctx context.Context, projectID string, consumer func(View[[]Task])) func() {
	return useCollection(ctx, s.c, s.Key(projectID), s.fetcher(projectID), consumer)
}

func (s *TasksService) Load(ctx context.Context, projectID string) error {
	return loadCollection(ctx, s.c, s.Key(projectID), s.fetcher(projectID))
}

func (s *TasksService) List(projectID string) []Task {
	return Items[Task](s.c.Read(s.Key(projectID)).Value)
}

// ByStatus returns the cached tasks of one status column ordered by position.
func (s *TasksService) ByStatus(projectID, statusID string) []Task {
	var out []Task
	for _, t := range s.List(projectID) {
		if t.StatusID == statusID {
			out = append(out, t)
		}
	}
	slices.SortStableFunc(out, func(a, b Task) int { return a.Position - b.Position })
	return out
}

// Create appends a task to the end of its status column.
func (s *TasksService) Create(ctx context.Context, projectID, statusID, title string, opts TaskOptions) (Task, error) {
	uid, err := s.c.requireUser()
	if err != nil {
		return Task{}, err
	}
	title, err = validateTitle("task", title)
	if err != nil {
		return Task{}, err
	}
	if opts.Priority == "" {
		opts.Priority = PriorityMedium
	}
	position := len(s.ByStatus(projectID, statusID))

	now := s.c.timestamp()
	temp := Task{
		ID:            NewTempID(),
		UserID:        uid,
		ProjectID:     projectID,
		StatusID:      statusID,
		Title:         title,
		Description:   opts.Description,
		Priority:      opts.Priority,
		ScheduledDate: opts.ScheduledDate,
		Position:      position,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return createEntity(ctx, s.c, s.Key(projectID), temp, false, func(ctx context.Context) (Task, error) {
		return s.remote.Create(ctx, map[string]any{
			"user_id":        uid,
			"project_id":     projectID,
			"status_id":      statusID,
			"title":          title,
			"description":    opts.Description,
			"priority":       opts.Priority,
			"scheduled_date": opts.ScheduledDate,
			"position":       position,
		})
	})
}

func (s *TasksService) Update(ctx context.Context, projectID, taskID string, u TaskUpdate) (Task, error) {
	if u.Title != nil {
		title, err := validateTitle("task", *u.Title)
		if err != nil {
			return Task{}, err
		}
		u.Title = &title
	}
	now := s.c.timestamp()
	patch := u.patch()
	patch["updated_at"] = now.Format(time.RFC3339Nano)
	return updateEntity(ctx, s.c, s.Key(projectID), taskID, func(t Task) Task {
		t = u.apply(t)
		t.UpdatedAt = now
		return t
	}, func(ctx context.Context) (Task, error) {
		return s.remote.Update(ctx, taskID, patch)
	})
}

func (s *TasksService) Delete(ctx context.Context, projectID, taskID string) error {
	return deleteEntity[Task](ctx, s.c, s.Key(projectID), taskID, func(ctx context.Context) error {
		return s.remote.Delete(ctx, taskID)
	})
}

// Move places a task at newPosition of another (or the same) status column,
// shifting the tasks at and after that position down by one.
func (s *TasksService) Move(ctx context.Context, projectID, taskID, newStatusID string, newPosition int) (Task, error) {
	var moved Task
	_, err := s.c.Mutate(ctx, s.Key(projectID), Mutation{
		Optimistic: moveTask(taskID, newStatusID, newPosition),
		Remote: func(ctx context.Context) (any, error) {
			t, err := s.remote.Update(ctx, taskID, map[string]any{
				"status_id": newStatusID,
				"position":  newPosition,
			})
			if err != nil {
				return nil, err
			}
			moved = t
			return t, nil
		},
		Settle: ReplaceWithResult[Task](taskID),
	})
	return moved, err
}

func moveTask(taskID, statusID string, position int) Updater {
	return func(current any) any {
		tasks := Items[Task](current)
		i := IndexOf(tasks, taskID)
		if i < 0 {
			return tasks
		}
		task := tasks[i]
		var others, column []Task
		for _, t := range tasks {
			switch {
			case t.ID == taskID:
			case t.StatusID == statusID:
				column = append(column, t)
			default:
				others = append(others, t)
			}
		}
		slices.SortStableFunc(column, func(a, b Task) int { return a.Position - b.Position })
		for idx := range column {
			column[idx].Position = idx
			if idx >= position {
				column[idx].Position = idx + 1
			}
		}
		task.StatusID = statusID
		task.Position = position
		column = append(column, task)
		slices.SortStableFunc(column, func(a, b Task) int { return a.Position - b.Position })
		return append(others, column...)
	}
}

// Reorder assigns positions 0..n-1 to taskIDs within one status column and
// writes every position in parallel.
func (s *TasksService) Reorder(ctx context.Context, projectID, statusID string, taskIDs []string) error {
	_, err := s.c.Mutate(ctx, s.Key(projectID), Mutation{
		Optimistic: func(current any) any {
			tasks := Items[Task](current)
			var others []Task
			byID := make(map[string]Task)
			for _, t := range tasks {
				if t.StatusID == statusID {
					byID[t.ID] = t
				} else {
					others = append(others, t)
				}
			}
			for idx, id := range taskIDs {
				if t, ok := byID[id]; ok {
					t.Position = idx
					others = append(others, t)
				}
			}
			return others
		},
		Remote: func(ctx context.Context) (any, error) {
			g, ctx := errgroup.WithContext(ctx)
			for idx, id := range taskIDs {
				g.Go(func() error {
					_, err := s.remote.Update(ctx, id, map[string]any{"position": idx})
					return err
				})
			}
			return nil, g.Wait()
		},
	})
	return err
}

func (u TaskUpdate) patch() map[string]any {
	p := map[string]any{}
	if u.Title != nil {
		p["title"] = *u.Title
	}
	if u.Description != nil {
		p["description"] = *u.Description
	}
	if u.Priority != nil {
		p["priority"] = *u.Priority
	}
	if u.ScheduledDate != nil {
		p["scheduled_date"] = *u.ScheduledDate
	}
	if u.StatusID != nil {
		p["status_id"] = *u.StatusID
	}
	if u.Position != nil {
		p["position"] = *u.Position
	}
	return p
}

func (u TaskUpdate) apply(t Task) Task {
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.Priority != nil {
		t.Priority = *u.Priority
	}
	if u.ScheduledDate != nil {
		t.ScheduledDate = *u.ScheduledDate
	}
	if u.StatusID != nil {
		t.StatusID = *u.StatusID
	}
	if u.Position != nil {
		t.Position = *u.Position
	}
	return t
}
