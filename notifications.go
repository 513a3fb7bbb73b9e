package tempo

import (
	"context"

	"golang.org/x/sync/errgroup"
)

const notificationLimit = 50

// NotificationsService manages the user's newest notifications under
// NotificationsKey.
type NotificationsService struct {
	c      *Client
	remote *Remote[Notification]
}

func newNotificationsService(c *Client) *NotificationsService {
	s := &NotificationsService{c: c, remote: NewRemote[Notification](c.backend, TableNotifications)}
	c.revalidator.Register(s.Key(), fetcherOf(s.Fetch))
	return s
}

func (s *NotificationsService) Key() Key { return NotificationsKey() }

// Fetch loads the newest notifications of the signed-in user.
func (s *NotificationsService) Fetch(ctx context.Context) ([]Notification, error) {
	uid, err := s.c.requireUser()
	if err != nil {
		return nil, err
	}
	return s.remote.FetchCollection(ctx, Where("user_id", uid).Order("created_at", true).WithLimit(notificationLimit))
}

func (s *NotificationsService) Use(ctx context.Context, consumer func(View[[]Notification])) func() {
	return useCollection(ctx, s.c, s.Key(), s.Fetch, consumer)
}

func (s *NotificationsService) Load(ctx context.Context) error {
	return loadCollection(ctx, s.c, s.Key(), s.Fetch)
}

func (s *NotificationsService) List() []Notification {
	return Items[Notification](s.c.Read(s.Key()).Value)
}

// UnreadCount counts the cached unread notifications.
func (s *NotificationsService) UnreadCount() int {
	n := 0
	for _, item := range s.List() {
		if !item.Read {
			n++
		}
	}
	return n
}

func (s *NotificationsService) MarkRead(ctx context.Context, id string) (Notification, error) {
	return updateEntity(ctx, s.c, s.Key(), id, func(n Notification) Notification {
		n.Read = true
		return n
	}, func(ctx context.Context) (Notification, error) {
		return s.remote.Update(ctx, id, map[string]any{"read": true})
	})
}

// MarkAllRead marks every cached unread notification as read. Either all
// writes land or the whole change is rolled back.
func (s *NotificationsService) MarkAllRead(ctx context.Context) error {
	var unread []string
	for _, n := range s.List() {
		if !n.Read {
			unread = append(unread, n.ID)
		}
	}
	if len(unread) == 0 {
		return nil
	}
	_, err := s.c.Mutate(ctx, s.Key(), Mutation{
		Optimistic: func(current any) any {
			items := Items[Notification](current)
			out := make([]Notification, len(items))
			for i, n := range items {
				n.Read = true
				out[i] = n
			}
			return out
		},
		Remote: func(ctx context.Context) (any, error) {
			g, ctx := errgroup.WithContext(ctx)
			for _, id := range unread {
				g.Go(func() error {
					_, err := s.remote.Update(ctx, id, map[string]any{"read": true})
					return err
				})
			}
			return nil, g.Wait()
		},
	})
	return err
}

func (s *NotificationsService) Delete(ctx context.Context, id string) error {
	return deleteEntity[Notification](ctx, s.c, s.Key(), id, func(ctx context.Context) error {
		return s.remote.Delete(ctx, id)
	})
}

// Watch prepends realtime notifications until ctx ends.
func (s *NotificationsService) Watch(ctx context.Context) error {
	uid, err := s.c.requireUser()
	if err != nil {
		return err
	}
	rec := NewCollectionReconciler[Notification](s.c.store, func(string) Key { return s.Key() }, true)
	return s.c.watch(ctx, FilterTopic(TableNotifications, "user_id", uid), func(ev ChangeEvent) { rec.Apply("", ev) })
}
