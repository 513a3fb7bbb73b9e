package tempo

import (
	"context"
	"time"
)

// NotesService manages the signed-in user's notes under NotesKey.
type NotesService struct {
	c      *Client
	remote *Remote[Note]
}

func newNotesService(c *Client) *NotesService {
	s := &NotesService{c: c, remote: NewRemote[Note](c.backend, TableNotes)}
	c.revalidator.Register(s.Key(), fetcherOf(s.Fetch))
	return s
}

func (s *NotesService) Key() Key { return NotesKey() }

// Fetch loads the user's notes, most recently edited first.
func (s *NotesService) Fetch(ctx context.Context) ([]Note, error) {
	uid, err := s.c.requireUser()
	if err != nil {
		return nil, err
	}
	return s.remote.FetchCollection(ctx, Where("user_id", uid).Order("updated_at", true))
}

func (s *NotesService) Use(ctx context.Context, consumer func(View[[]Note])) func() {
	return useCollection(ctx, s.c, s.Key(), s.Fetch, consumer)
}

func (s *NotesService) Load(ctx context.Context) error {
	return loadCollection(ctx, s.c, s.Key(), s.Fetch)
}

// List returns the cached notes.
func (s *NotesService) List() []Note {
	return Items[Note](s.c.Read(s.Key()).Value)
}

// Create adds a note at the top of the list and resolves it to the server
// copy once the insert succeeds.
func (s *NotesService) Create(ctx context.Context, title, content string) (Note, error) {
	uid, err := s.c.requireUser()
	if err != nil {
		return Note{}, err
	}
	title, err = validateTitle("note", title)
	if err != nil {
		return Note{}, err
	}
	content = sanitizeHTML(content)

	now := s.c.timestamp()
	temp := Note{ID: NewTempID(), UserID: uid, Title: title, Content: content, CreatedAt: now, UpdatedAt: now}
	return createEntity(ctx, s.c, s.Key(), temp, true, func(ctx context.Context) (Note, error) {
		return s.remote.Create(ctx, map[string]any{
			"user_id": uid,
			"title":   title,
			"content": content,
		})
	})
}

func (s *NotesService) Update(ctx context.Context, id string, u NoteUpdate) (Note, error) {
	patch := map[string]any{}
	if u.Title != nil {
		title, err := validateTitle("note", *u.Title)
		if err != nil {
			return Note{}, err
		}
		u.Title = &title
		patch["title"] = title
	}
	if u.Content != nil {
		content := sanitizeHTML(*u.Content)
		u.Content = &content
		patch["content"] = content
	}
	now := s.c.timestamp()
	patch["updated_at"] = now.Format(time.RFC3339Nano)

	return updateEntity(ctx, s.c, s.Key(), id, func(n Note) Note {
		if u.Title != nil {
			n.Title = *u.Title
		}
		if u.Content != nil {
			n.Content = *u.Content
		}
		n.UpdatedAt = now
		return n
	}, func(ctx context.Context) (Note, error) {
		return s.remote.Update(ctx, id, patch)
	})
}

func (s *NotesService) Delete(ctx context.Context, id string) error {
	return deleteEntity[Note](ctx, s.c, s.Key(), id, func(ctx context.Context) error {
		return s.remote.Delete(ctx, id)
	})
}

// Watch merges realtime note changes into the cache until ctx ends.
func (s *NotesService) Watch(ctx context.Context) error {
	uid, err := s.c.requireUser()
	if err != nil {
		return err
	}
	rec := NewCollectionReconciler[Note](s.c.store, func(string) Key { return s.Key() }, true)
	return s.c.watch(ctx, FilterTopic(TableNotes, "user_id", uid), func(ev ChangeEvent) { rec.Apply("", ev) })
}
