package tempo

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func change(t *testing.T, table string, typ ChangeType, row any) ChangeEvent {
	t.Helper()
	ev, err := NewChangeEvent(table, typ, row)
	require.NoError(t, err)
	return ev
}

func loadedChain(s *Store) Key {
	key := MessagesKey("t-1")
	s.Set(key, Pages[TeamMessage]{
		{message("m-3", testEpoch.Add(3*time.Second)), message("m-4", testEpoch.Add(4*time.Second))},
		{message("m-1", testEpoch.Add(time.Second)), message("m-2", testEpoch.Add(2*time.Second))},
	}, false)
	return key
}

func chainIDs(s *Store, key Key) []string {
	return ids(PagesOf[TeamMessage](s.Get(key).Value).Flat())
}

func TestReconcilerApply(t *testing.T) {
	t.Run("insert lands at the newest end once", func(t *testing.T) {
		s := NewStore()
		r := NewReconciler[TeamMessage](s, MessagesKey)
		key := loadedChain(s)
		ev := change(t, TableTeamMessages, ChangeInsert, message("m-5", testEpoch.Add(5*time.Second)))

		assert.True(t, r.Apply("t-1", ev))
		version := s.Get(key).Version
		assert.False(t, r.Apply("t-1", ev), "replayed insert is a no-op")
		assert.Equal(t, version, s.Get(key).Version)
		assert.Equal(t, []string{"m-1", "m-2", "m-3", "m-4", "m-5"}, chainIDs(s, key))
	})

	t.Run("insert into an unloaded chain is ignored", func(t *testing.T) {
		s := NewStore()
		r := NewReconciler[TeamMessage](s, MessagesKey)
		ev := change(t, TableTeamMessages, ChangeInsert, message("m-1", testEpoch))

		assert.False(t, r.Apply("t-1", ev))
		assert.False(t, s.Get(MessagesKey("t-1")).HasValue)
	})

	t.Run("update replaces in place", func(t *testing.T) {
		s := NewStore()
		r := NewReconciler[TeamMessage](s, MessagesKey)
		key := loadedChain(s)
		edited := message("m-2", testEpoch.Add(2*time.Second))
		edited.Content = "edited"

		assert.True(t, r.Apply("t-1", change(t, TableTeamMessages, ChangeUpdate, edited)))
		pages := PagesOf[TeamMessage](s.Get(key).Value)
		assert.Equal(t, "edited", pages[1][1].Content)
		assert.Equal(t, []string{"m-1", "m-2", "m-3", "m-4"}, chainIDs(s, key))

		assert.False(t, r.Apply("t-1", change(t, TableTeamMessages, ChangeUpdate, message("m-9", testEpoch))))
	})

	t.Run("delete", func(t *testing.T) {
		s := NewStore()
		r := NewReconciler[TeamMessage](s, MessagesKey)
		key := loadedChain(s)

		assert.False(t, r.Apply("t-1", change(t, TableTeamMessages, ChangeDelete, map[string]any{"id": "m-9"})))
		assert.True(t, r.Apply("t-1", change(t, TableTeamMessages, ChangeDelete, map[string]any{"id": "m-3"})))
		assert.False(t, r.Apply("t-1", change(t, TableTeamMessages, ChangeDelete, map[string]any{"id": "m-3"})))
		assert.Equal(t, []string{"m-1", "m-2", "m-4"}, chainIDs(s, key))
	})

	t.Run("malformed and unknown events are skipped", func(t *testing.T) {
		s := NewStore()
		r := NewReconciler[TeamMessage](s, MessagesKey)
		key := loadedChain(s)

		assert.False(t, r.Apply("t-1", ChangeEvent{Table: TableTeamMessages, Type: ChangeInsert, Record: json.RawMessage(`[1]`)}))
		assert.False(t, r.Apply("t-1", ChangeEvent{Table: TableTeamMessages, Type: ChangeDelete, OldRecord: json.RawMessage(`{}`)}))
		assert.False(t, r.Apply("t-1", ChangeEvent{Table: TableTeamMessages, Type: "truncate"}))
		assert.Len(t, chainIDs(s, key), 4)
	})
}

func TestReconcilerRun(t *testing.T) {
	s := NewStore()
	r := NewReconciler[TeamMessage](s, MessagesKey)
	key := loadedChain(s)
	b := NewBroker(0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, FilterTopic(TableTeamMessages, "team_id", "t-1"))
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, "t-1", sub) }()

	other := message("x-1", testEpoch.Add(time.Minute))
	other.TeamID = "t-2"
	b.Publish(change(t, TableTeamMessages, ChangeInsert, other))
	b.Publish(change(t, TableTeamMessages, ChangeInsert, message("m-5", testEpoch.Add(5*time.Second))))

	require.Eventually(t, func() bool { return len(chainIDs(s, key)) == 5 }, time.Second, time.Millisecond)
	assert.NotContains(t, chainIDs(s, key), "x-1")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestCollectionReconciler(t *testing.T) {
	tasksKey := func(projectID string) Key { return TasksKey(projectID) }
	task := func(id string) Task { return Task{ID: id, ProjectID: "p-1", Title: id} }

	t.Run("append, replace and remove", func(t *testing.T) {
		s := NewStore()
		r := NewCollectionReconciler[Task](s, tasksKey, false)
		s.Set(TasksKey("p-1"), []Task{task("a")}, false)

		assert.True(t, r.Apply("p-1", change(t, TableTasks, ChangeInsert, task("b"))))
		assert.False(t, r.Apply("p-1", change(t, TableTasks, ChangeInsert, task("b"))))

		renamed := task("a")
		renamed.Title = "renamed"
		assert.True(t, r.Apply("p-1", change(t, TableTasks, ChangeUpdate, renamed)))
		assert.False(t, r.Apply("p-1", change(t, TableTasks, ChangeUpdate, task("zz"))), "updates never insert")

		assert.True(t, r.Apply("p-1", change(t, TableTasks, ChangeDelete, task("b"))))

		got := Items[Task](s.Get(TasksKey("p-1")).Value)
		require.Len(t, got, 1)
		assert.Equal(t, "renamed", got[0].Title)
	})

	t.Run("prepend", func(t *testing.T) {
		s := NewStore()
		r := NewCollectionReconciler[Notification](s, func(string) Key { return NotificationsKey() }, true)
		s.Set(NotificationsKey(), []Notification{{ID: "n-1"}}, false)

		assert.True(t, r.Apply("u-1", change(t, TableNotifications, ChangeInsert, Notification{ID: "n-2"})))
		assert.Equal(t, []string{"n-2", "n-1"}, ids(Items[Notification](s.Get(NotificationsKey()).Value)))
	})

	t.Run("filter rejects inserts only", func(t *testing.T) {
		s := NewStore()
		r := NewCollectionReconciler[Task](s, tasksKey, false).Filter(func(t Task) bool { return t.Title != "hidden" })
		s.Set(TasksKey("p-1"), []Task{task("a")}, false)

		hidden := task("h")
		hidden.Title = "hidden"
		assert.False(t, r.Apply("p-1", change(t, TableTasks, ChangeInsert, hidden)))

		renamed := task("a")
		renamed.Title = "hidden"
		assert.True(t, r.Apply("p-1", change(t, TableTasks, ChangeUpdate, renamed)))
	})

	t.Run("unloaded collections are left alone", func(t *testing.T) {
		s := NewStore()
		r := NewCollectionReconciler[Task](s, tasksKey, false)
		assert.False(t, r.Apply("p-1", change(t, TableTasks, ChangeInsert, task("a"))))
		assert.False(t, s.Get(TasksKey("p-1")).HasValue)
	})
}
