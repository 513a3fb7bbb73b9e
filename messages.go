package tempo

import (
	"context"
	"maps"
	"time"
)

const maxMessageLength = 4000

// MessagesService manages paginated team chat. Every loaded page of a team
// lives under MessagesKey(teamID); realtime changes are merged into those
// pages by a Reconciler.
type MessagesService struct {
	c          *Client
	remote     *Remote[TeamMessage]
	paginator  *Paginator[TeamMessage]
	reconciler *Reconciler[TeamMessage]
}

func newMessagesService(c *Client) *MessagesService {
	s := &MessagesService{c: c, remote: NewRemote[TeamMessage](c.backend, TableTeamMessages)}
	s.paginator = NewPaginator[TeamMessage](c.store, c.revalidator, MessagesKey, c.cfg.PageSize, s.fetchPage)
	s.reconciler = NewReconciler[TeamMessage](c.store, MessagesKey)
	return s
}

func (s *MessagesService) fetchPage(ctx context.Context, teamID string, cursor time.Time, limit int) ([]TeamMessage, error) {
	return s.remote.FetchPageBefore(ctx, "team_id", teamID, cursor, limit)
}

func (s *MessagesService) Key(teamID string) Key { return MessagesKey(teamID) }

func (s *MessagesService) Paginator() *Paginator[TeamMessage] { return s.paginator }

// Load fetches the newest page unless the team's history is already loaded.
func (s *MessagesService) Load(ctx context.Context, teamID string) error {
	return s.paginator.Load(ctx, teamID)
}

// LoadMore fetches the next older page of history.
func (s *MessagesService) LoadMore(ctx context.Context, teamID string) error {
	return s.paginator.LoadMore(ctx, teamID)
}

// Refresh re-fetches the newest page.
func (s *MessagesService) Refresh(ctx context.Context, teamID string) error {
	return s.paginator.Refresh(ctx, teamID)
}

func (s *MessagesService) HasMore(teamID string) bool { return s.paginator.HasMore(teamID) }

func (s *MessagesService) IsLoading(teamID string) bool { return s.paginator.IsLoading(teamID) }

// Items returns the loaded history oldest first.
func (s *MessagesService) Items(teamID string) []TeamMessage { return s.paginator.Items(teamID) }

// Use subscribes consumer to the team's history and loads the newest page.
func (s *MessagesService) Use(ctx context.Context, teamID string, consumer func([]TeamMessage, Entry)) func() {
	unsubscribe := s.c.store.Subscribe(s.Key(teamID), func(e Entry) {
		consumer(s.paginator.Items(teamID), e)
	})
	s.c.background(func(context.Context) {
		if err := s.paginator.Load(ctx, teamID); err != nil {
			s.c.logger.Debug("message history load failed", "team", teamID, "error", err)
		}
	})
	return unsubscribe
}

// Send posts a message, showing it at the end of the history until the
// server copy replaces it. When no history is loaded there is nothing to
// show and the outcome is superseded.
func (s *MessagesService) Send(ctx context.Context, teamID, content string, typ MessageType, metadata map[string]string) (TeamMessage, Outcome, error) {
	uid, err := s.c.requireUser()
	if err != nil {
		return TeamMessage{}, OutcomeRolledBack, err
	}
	content = sanitizeText(content, maxMessageLength)
	if content == "" {
		return TeamMessage{}, OutcomeRolledBack, validationErrorf("message cannot be empty")
	}
	if typ == "" {
		typ = MessageText
	}
	temp := TeamMessage{
		ID:        NewTempID(),
		TeamID:    teamID,
		UserID:    uid,
		Content:   content,
		Type:      typ,
		Metadata:  maps.Clone(metadata),
		CreatedAt: s.c.timestamp(),
	}
	var sent TeamMessage
	outcome, err := s.c.Mutate(ctx, s.Key(teamID), Mutation{
		Optimistic: AppendNewest(temp),
		Remote: func(ctx context.Context) (any, error) {
			payload := map[string]any{
				"team_id": teamID,
				"user_id": uid,
				"content": content,
				"type":    typ,
			}
			if len(metadata) > 0 {
				payload["metadata"] = metadata
			}
			m, err := s.remote.Create(ctx, payload)
			if err != nil {
				return nil, err
			}
			sent = m
			return m, nil
		},
		Settle: SwapTempInPages[TeamMessage](temp.ID),
	})
	return sent, outcome, err
}

// Edit replaces a message's content and stamps it as edited.
func (s *MessagesService) Edit(ctx context.Context, teamID, messageID, content string) (TeamMessage, error) {
	content = sanitizeText(content, maxMessageLength)
	if content == "" {
		return TeamMessage{}, validationErrorf("message cannot be empty")
	}
	now := s.c.timestamp()
	var edited TeamMessage
	_, err := s.c.Mutate(ctx, s.Key(teamID), Mutation{
		Optimistic: ReplaceInPages(messageID, func(m TeamMessage) TeamMessage {
			m.Content = content
			m.EditedAt = &now
			return m
		}),
		Remote: func(ctx context.Context) (any, error) {
			m, err := s.remote.Update(ctx, messageID, map[string]any{
				"content":   content,
				"edited_at": now.Format(time.RFC3339Nano),
			})
			if err != nil {
				return nil, err
			}
			edited = m
			return m, nil
		},
		Settle: ReplaceInPagesWithResult[TeamMessage](messageID),
	})
	return edited, err
}

func (s *MessagesService) Delete(ctx context.Context, teamID, messageID string) error {
	_, err := s.c.Mutate(ctx, s.Key(teamID), Mutation{
		Optimistic: RemoveFromPages[TeamMessage](messageID),
		Remote: func(ctx context.Context) (any, error) {
			return nil, s.remote.Delete(ctx, messageID)
		},
		Settle: KeepInPages[TeamMessage](messageID),
	})
	return err
}

// Apply merges one realtime change into the team's history.
func (s *MessagesService) Apply(teamID string, ev ChangeEvent) bool {
	return s.reconciler.Apply(teamID, ev)
}

// Watch merges realtime chat changes for one team until ctx ends.
func (s *MessagesService) Watch(ctx context.Context, teamID string) error {
	return s.c.watch(ctx, FilterTopic(TableTeamMessages, "team_id", teamID), func(ev ChangeEvent) {
		s.reconciler.Apply(teamID, ev)
	})
}
