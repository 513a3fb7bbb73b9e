package tempo

import (
	"context"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProjectColors is cycled through for projects created without a color.
var ProjectColors = []string{
	"bg-blue-500",
	"bg-green-500",
	"bg-purple-500",
	"bg-pink-500",
	"bg-yellow-500",
	"bg-red-500",
	"bg-indigo-500",
	"bg-cyan-500",
}

// DefaultStatuses are the columns every new project starts with.
var DefaultStatuses = []ProjectStatus{
	{Name: "Planning", Icon: "📋", Color: "bg-gray-100 dark:bg-gray-800", Position: 0},
	{Name: "In Progress", Icon: "🔨", Color: "bg-blue-50 dark:bg-blue-900/20", Position: 1},
	{Name: "Done", Icon: "✅", Color: "bg-green-50 dark:bg-green-900/20", Position: 2},
}

const (
	defaultStatusIcon  = "📋"
	defaultStatusColor = "bg-gray-100 dark:bg-gray-800"
)

// ProjectsService manages the user's projects under ProjectsKey and each
// project's status columns under StatusesKey(projectID).
type ProjectsService struct {
	c        *Client
	remote   *Remote[Project]
	statuses *Remote[ProjectStatus]
}

func newProjectsService(c *Client) *ProjectsService {
	s := &ProjectsService{
		c:        c,
		remote:   NewRemote[Project](c.backend, TableProjects),
		statuses: NewRemote[ProjectStatus](c.backend, TableProjectStatuses),
	}
	c.revalidator.Register(s.Key(), fetcherOf(s.Fetch))
	return s
}

func (s *ProjectsService) Key() Key { return ProjectsKey() }

func (s *ProjectsService) StatusesKey(projectID string) Key { return StatusesKey(projectID) }

func (s *ProjectsService) Fetch(ctx context.Context) ([]Project, error) {
	uid, err := s.c.requireUser()
	if err != nil {
		return nil, err
	}
	return s.remote.FetchCollection(ctx, Where("user_id", uid).Order("position", false))
}

func (s *ProjectsService) FetchStatuses(ctx context.Context, projectID string) ([]ProjectStatus, error) {
	return s.statuses.FetchCollection(ctx, Where("project_id", projectID).Order("position", false))
}

func (s *ProjectsService) statusFetcher(projectID string) func(context.Context) ([]ProjectStatus, error) {
	return func(ctx context.Context) ([]ProjectStatus, error) { return s.FetchStatuses(ctx, projectID) }
}

func (s *ProjectsService) Use(ctx context.Context, consumer func(View[[]Project])) func() {
	return useCollection(ctx, s.c, s.Key(), s.Fetch, consumer)
}

func (s *ProjectsService) UseStatuses(ctx context.Context, projectID string, consumer func(View[[]ProjectStatus])) func() {
	return useCollection(ctx, s.c, s.StatusesKey(projectID), s.statusFetcher(projectID), consumer)
}

func (s *ProjectsService) Load(ctx context.Context) error {
	return loadCollection(ctx, s.c, s.Key(), s.Fetch)
}

func (s *ProjectsService) LoadStatuses(ctx context.Context, projectID string) error {
	return loadCollection(ctx, s.c, s.StatusesKey(projectID), s.statusFetcher(projectID))
}

func (s *ProjectsService) List() []Project {
	return Items[Project](s.c.Read(s.Key()).Value)
}

func (s *ProjectsService) Statuses(projectID string) []ProjectStatus {
	return Items[ProjectStatus](s.c.Read(s.StatusesKey(projectID)).Value)
}

// Create adds a project at the end of the list together with the default
// status columns.
func (s *ProjectsService) Create(ctx context.Context, name, color string) (Project, error) {
	uid, err := s.c.requireUser()
	if err != nil {
		return Project{}, err
	}
	name, err = validateTitle("project", name)
	if err != nil {
		return Project{}, err
	}
	existing := len(s.List())
	if color == "" {
		color = ProjectColors[existing%len(ProjectColors)]
	}

	now := s.c.timestamp()
	temp := Project{ID: NewTempID(), UserID: uid, Name: name, Color: color, Position: existing, CreatedAt: now, UpdatedAt: now}
	var statuses []ProjectStatus
	created, err := createEntity(ctx, s.c, s.Key(), temp, false, func(ctx context.Context) (Project, error) {
		p, err := s.remote.Create(ctx, map[string]any{
			"user_id":  uid,
			"name":     name,
			"color":    color,
			"position": existing,
		})
		if err != nil {
			return p, err
		}
		for _, def := range DefaultStatuses {
			st, err := s.statuses.Create(ctx, map[string]any{
				"project_id": p.ID,
				"name":       def.Name,
				"icon":       def.Icon,
				"color":      def.Color,
				"position":   def.Position,
			})
			if err != nil {
				return p, err
			}
			statuses = append(statuses, st)
		}
		return p, nil
	})
	if err != nil {
		return created, err
	}
	s.c.store.Set(s.StatusesKey(created.ID), statuses, false)
	return created, nil
}

func (s *ProjectsService) Update(ctx context.Context, id string, u ProjectUpdate) (Project, error) {
	patch := map[string]any{}
	if u.Name != nil {
		name, err := validateTitle("project", *u.Name)
		if err != nil {
			return Project{}, err
		}
		u.Name = &name
		patch["name"] = name
	}
	if u.Color != nil {
		patch["color"] = *u.Color
	}
	if u.Position != nil {
		patch["position"] = *u.Position
	}
	now := s.c.timestamp()
	patch["updated_at"] = now.Format(time.RFC3339Nano)
	return updateEntity(ctx, s.c, s.Key(), id, func(p Project) Project {
		if u.Name != nil {
			p.Name = *u.Name
		}
		if u.Color != nil {
			p.Color = *u.Color
		}
		if u.Position != nil {
			p.Position = *u.Position
		}
		p.UpdatedAt = now
		return p
	}, func(ctx context.Context) (Project, error) {
		return s.remote.Update(ctx, id, patch)
	})
}

// Delete removes a project and drops its cached status columns.
func (s *ProjectsService) Delete(ctx context.Context, id string) error {
	err := deleteEntity[Project](ctx, s.c, s.Key(), id, func(ctx context.Context) error {
		return s.remote.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	key := s.StatusesKey(id)
	if !s.c.store.Evict(key) {
		s.c.store.Set(key, []ProjectStatus{}, false)
	}
	return nil
}

// ── Status columns ──────────────────────────────────────

func (s *ProjectsService) AddStatus(ctx context.Context, projectID, name, icon, color string) (ProjectStatus, error) {
	name, err := validateTitle("status", name)
	if err != nil {
		return ProjectStatus{}, err
	}
	if icon == "" {
		icon = defaultStatusIcon
	}
	if color == "" {
		color = defaultStatusColor
	}
	position := len(s.Statuses(projectID))
	temp := ProjectStatus{
		ID:        NewTempID(),
		ProjectID: projectID,
		Name:      name,
		Icon:      icon,
		Color:     color,
		Position:  position,
		CreatedAt: s.c.timestamp(),
	}
	return createEntity(ctx, s.c, s.StatusesKey(projectID), temp, false, func(ctx context.Context) (ProjectStatus, error) {
		return s.statuses.Create(ctx, map[string]any{
			"project_id": projectID,
			"name":       name,
			"icon":       icon,
			"color":      color,
			"position":   position,
		})
	})
}

func (s *ProjectsService) UpdateStatus(ctx context.Context, projectID, statusID string, u StatusUpdate) (ProjectStatus, error) {
	patch := map[string]any{}
	if u.Name != nil {
		name, err := validateTitle("status", *u.Name)
		if err != nil {
			return ProjectStatus{}, err
		}
		u.Name = &name
		patch["name"] = name
	}
	if u.Icon != nil {
		patch["icon"] = *u.Icon
	}
	if u.Color != nil {
		patch["color"] = *u.Color
	}
	if u.Position != nil {
		patch["position"] = *u.Position
	}
	return updateEntity(ctx, s.c, s.StatusesKey(projectID), statusID, func(st ProjectStatus) ProjectStatus {
		if u.Name != nil {
			st.Name = *u.Name
		}
		if u.Icon != nil {
			st.Icon = *u.Icon
		}
		if u.Color != nil {
			st.Color = *u.Color
		}
		if u.Position != nil {
			st.Position = *u.Position
		}
		return st
	}, func(ctx context.Context) (ProjectStatus, error) {
		return s.statuses.Update(ctx, statusID, patch)
	})
}

func (s *ProjectsService) DeleteStatus(ctx context.Context, projectID, statusID string) error {
	return deleteEntity[ProjectStatus](ctx, s.c, s.StatusesKey(projectID), statusID, func(ctx context.Context) error {
		return s.statuses.Delete(ctx, statusID)
	})
}

// ReorderStatuses assigns positions 0..n-1 to statusIDs and writes them in
// parallel.
func (s *ProjectsService) ReorderStatuses(ctx context.Context, projectID string, statusIDs []string) error {
	_, err := s.c.Mutate(ctx, s.StatusesKey(projectID), Mutation{
		Optimistic: func(current any) any {
			statuses := Items[ProjectStatus](current)
			out := make([]ProjectStatus, 0, len(statusIDs))
			for idx, id := range statusIDs {
				if i := IndexOf(statuses, id); i >= 0 {
					st := statuses[i]
					st.Position = idx
					out = append(out, st)
				}
			}
			for _, st := range statuses {
				if !slices.Contains(statusIDs, st.ID) {
					out = append(out, st)
				}
			}
			return out
		},
		Remote: func(ctx context.Context) (any, error) {
			g, ctx := errgroup.WithContext(ctx)
			for idx, id := range statusIDs {
				g.Go(func() error {
					_, err := s.statuses.Update(ctx, id, map[string]any{"position": idx})
					return err
				})
			}
			return nil, g.Wait()
		},
	})
	return err
}
