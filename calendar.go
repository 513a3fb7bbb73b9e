package tempo

import (
	"context"
	"time"
)

const defaultEventColor = "bg-blue-500"

// CalendarService manages team calendars, cached per team and month under
// EventsKey(teamID, month).
type CalendarService struct {
	c      *Client
	remote *Remote[TeamEvent]
}

func newCalendarService(c *Client) *CalendarService {
	return &CalendarService{c: c, remote: NewRemote[TeamEvent](c.backend, TableTeamEvents)}
}

func (s *CalendarService) Key(teamID string, month time.Time) Key { return EventsKey(teamID, month) }

// MonthRange returns the span a month view shows: from the Sunday starting
// the week of the first day to the last instant of the Saturday ending the
// week of the last day.
func MonthRange(month time.Time) (from, to time.Time) {
	y, m, _ := month.Date()
	loc := month.Location()
	first := time.Date(y, m, 1, 0, 0, 0, 0, loc)
	from = first.AddDate(0, 0, -int(first.Weekday()))

	last := first.AddDate(0, 1, -1)
	end := last.AddDate(0, 0, 6-int(last.Weekday()))
	y, m, d := end.Date()
	to = time.Date(y, m, d+1, 0, 0, 0, 0, loc).Add(-time.Nanosecond)
	return from, to
}

// Fetch loads a team's events that start within the month view, earliest
// first.
func (s *CalendarService) Fetch(ctx context.Context, teamID string, month time.Time) ([]TeamEvent, error) {
	from, to := MonthRange(month)
	q := Where("team_id", teamID).Order("start_time", false)
	q.Range = &TimeRange{Column: "start_time", From: from, To: to}
	return s.remote.FetchCollection(ctx, q)
}

func (s *CalendarService) fetcher(teamID string, month time.Time) func(context.Context) ([]TeamEvent, error) {
	return func(ctx context.Context) ([]TeamEvent, error) { return s.Fetch(ctx, teamID, month) }
}

func (s *CalendarService) Use(ctx context.Context, teamID string, month time.Time, consumer func(View[[]TeamEvent])) func() {
	return useCollection(ctx, s.c, s.Key(teamID, month), s.fetcher(teamID, month), consumer)
}

func (s *CalendarService) Load(ctx context.Context, teamID string, month time.Time) error {
	return loadCollection(ctx, s.c, s.Key(teamID, month), s.fetcher(teamID, month))
}

func (s *CalendarService) List(teamID string, month time.Time) []TeamEvent {
	return Items[TeamEvent](s.c.Read(s.Key(teamID, month)).Value)
}

// Add creates an event in the month the caller is viewing.
func (s *CalendarService) Add(ctx context.Context, teamID string, month time.Time, in EventInput) (TeamEvent, error) {
	uid, err := s.c.requireUser()
	if err != nil {
		return TeamEvent{}, err
	}
	title, err := validateTitle("event", in.Title)
	if err != nil {
		return TeamEvent{}, err
	}
	if in.EndTime.Before(in.StartTime) {
		return TeamEvent{}, validationErrorf("event cannot end before it starts")
	}
	color := in.Color
	if color == "" {
		color = defaultEventColor
	}
	now := s.c.timestamp()
	temp := TeamEvent{
		ID:          NewTempID(),
		TeamID:      teamID,
		UserID:      uid,
		Title:       title,
		Description: in.Description,
		StartTime:   in.StartTime,
		EndTime:     in.EndTime,
		IsAllDay:    in.IsAllDay,
		Color:       color,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return createEntity(ctx, s.c, s.Key(teamID, month), temp, false, func(ctx context.Context) (TeamEvent, error) {
		return s.remote.Create(ctx, map[string]any{
			"team_id":     teamID,
			"user_id":     uid,
			"title":       title,
			"description": in.Description,
			"start_time":  in.StartTime.UTC().Format(time.RFC3339Nano),
			"end_time":    in.EndTime.UTC().Format(time.RFC3339Nano),
			"is_all_day":  in.IsAllDay,
			"color":       color,
		})
	})
}

func (s *CalendarService) Edit(ctx context.Context, teamID string, month time.Time, eventID string, u EventUpdate) (TeamEvent, error) {
	patch := map[string]any{}
	if u.Title != nil {
		title, err := validateTitle("event", *u.Title)
		if err != nil {
			return TeamEvent{}, err
		}
		u.Title = &title
		patch["title"] = title
	}
	if u.Description != nil {
		patch["description"] = *u.Description
	}
	if u.StartTime != nil {
		patch["start_time"] = u.StartTime.UTC().Format(time.RFC3339Nano)
	}
	if u.EndTime != nil {
		patch["end_time"] = u.EndTime.UTC().Format(time.RFC3339Nano)
	}
	if u.IsAllDay != nil {
		patch["is_all_day"] = *u.IsAllDay
	}
	if u.Color != nil {
		patch["color"] = *u.Color
	}
	now := s.c.timestamp()
	patch["updated_at"] = now.Format(time.RFC3339Nano)
	return updateEntity(ctx, s.c, s.Key(teamID, month), eventID, func(e TeamEvent) TeamEvent {
		if u.Title != nil {
			e.Title = *u.Title
		}
		if u.Description != nil {
			e.Description = *u.Description
		}
		if u.StartTime != nil {
			e.StartTime = *u.StartTime
		}
		if u.EndTime != nil {
			e.EndTime = *u.EndTime
		}
		if u.IsAllDay != nil {
			e.IsAllDay = *u.IsAllDay
		}
		if u.Color != nil {
			e.Color = *u.Color
		}
		e.UpdatedAt = now
		return e
	}, func(ctx context.Context) (TeamEvent, error) {
		return s.remote.Update(ctx, eventID, patch)
	})
}

func (s *CalendarService) Remove(ctx context.Context, teamID string, month time.Time, eventID string) error {
	return deleteEntity[TeamEvent](ctx, s.c, s.Key(teamID, month), eventID, func(ctx context.Context) error {
		return s.remote.Delete(ctx, eventID)
	})
}

// Watch merges realtime event changes for one month view until ctx ends.
// Inserts starting outside the view are ignored.
func (s *CalendarService) Watch(ctx context.Context, teamID string, month time.Time) error {
	from, to := MonthRange(month)
	rec := NewCollectionReconciler[TeamEvent](s.c.store, func(string) Key { return s.Key(teamID, month) }, false).
		Filter(func(e TeamEvent) bool { return !e.StartTime.Before(from) && !e.StartTime.After(to) })
	return s.c.watch(ctx, FilterTopic(TableTeamEvents, "team_id", teamID), func(ev ChangeEvent) { rec.Apply(teamID, ev) })
}
