package tempo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyString(t *testing.T) {
	month := time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC)

	t.Run("constructors", func(t *testing.T) {
		assert.Equal(t, "notes/personal", NotesKey().String())
		assert.Equal(t, "tasks/personal/p-1", TasksKey("p-1").String())
		assert.Equal(t, "team-events/team:t-1/2026-02", EventsKey("t-1", month).String())
		assert.Equal(t, "team-messages/team:t-1", MessagesKey("t-1").String())
		assert.Equal(t, "team-messages/team:t-1/page-2", PageKey(MessagesKey("t-1"), 2).String())
		assert.Equal(t, "teams/personal", TeamsKey().String())
		assert.Equal(t, "teams/team:t-1", TeamKey("t-1").String())
		assert.Equal(t, "team-members/team:t-1", TeamMembersKey("t-1").String())
		assert.Equal(t, "team-join-requests/team:t-1", JoinRequestsKey("t-1").String())
		assert.Equal(t, "team-invitations/personal", InvitationsKey().String())
	})

	t.Run("separators in ids are escaped", func(t *testing.T) {
		a := TasksKey("a/b")
		b := Key{Kind: KindTasks, Sub: "a"}.WithSub("b")
		assert.NotEqual(t, a.String(), b.String())
		assert.Equal(t, "tasks/personal/a%2Fb", a.String())
	})

	t.Run("distinct keys serialize distinctly", func(t *testing.T) {
		keys := []Key{
			NotesKey(),
			ProjectsKey(),
			NotificationsKey(),
			TasksKey("p-1"),
			TasksKey("p-2"),
			StatusesKey("p-1"),
			EventsKey("t-1", month),
			EventsKey("t-1", month.AddDate(0, 1, 0)),
			EventsKey("t-2", month),
			MessagesKey("t-1"),
			TeamsKey(),
			TeamKey("t-1"),
			TeamMembersKey("t-1"),
			JoinRequestsKey("t-1"),
			InvitationsKey(),
			MessagesKey("personal"),
			PageKey(MessagesKey("t-1"), 0),
		}
		seen := map[string]Key{}
		for _, k := range keys {
			s := k.String()
			if prev, ok := seen[s]; ok {
				t.Fatalf("%+v and %+v both serialize to %q", prev, k, s)
			}
			seen[s] = k
		}
	})
}

func TestParseKey(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		month := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
		for _, k := range []Key{
			NotesKey(),
			TasksKey("p/with/slashes"),
			StatusesKey("p-1"),
			EventsKey("team 1", month),
			MessagesKey("t-1"),
			PageKey(MessagesKey("t-1"), 3),
		} {
			got, err := ParseKey(k.String())
			require.NoError(t, err, k.String())
			assert.Equal(t, k, got)
		}
	})

	t.Run("rejects malformed keys", func(t *testing.T) {
		for _, s := range []string{"", "notes", "a/b/c/d", "/personal", "notes/team:", "notes/elsewhere", "notes/%zz"} {
			_, err := ParseKey(s)
			assert.Error(t, err, s)
		}
	})
}

func TestScope(t *testing.T) {
	assert.True(t, Personal().IsPersonal())
	assert.False(t, TeamScope("t-1").IsPersonal())
	assert.Equal(t, "team:t-1", TeamScope("t-1").String())
	assert.True(t, Key{}.IsZero())
	assert.False(t, NotesKey().IsZero())
}
