package tempo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func seedMessages(t *testing.T, mem *MemoryBackend, teamID string, n int) {
	t.Helper()
	remote := NewRemote[TeamMessage](mem, TableTeamMessages)
	for i := range n {
		_, err := remote.Create(context.Background(), map[string]any{
			"team_id": teamID,
			"content": fmt.Sprintf("message %d", i+1),
			"type":    MessageText,
		})
		require.NoError(t, err)
	}
}

func newMessagePaginator(t *testing.T, mem *MemoryBackend, pageSize int) (*Store, *Paginator[TeamMessage]) {
	t.Helper()
	s, rv := newTestRevalidator(t, testConfig())
	remote := NewRemote[TeamMessage](mem, TableTeamMessages)
	fetch := func(ctx context.Context, teamID string, cursor time.Time, limit int) ([]TeamMessage, error) {
		return remote.FetchPageBefore(ctx, "team_id", teamID, cursor, limit)
	}
	return s, NewPaginator[TeamMessage](s, rv, MessagesKey, pageSize, fetch)
}

func assertChronological(t *testing.T, items []TeamMessage) {
	t.Helper()
	seen := map[string]bool{}
	for i, m := range items {
		assert.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
		if i > 0 {
			assert.False(t, m.CreatedAt.Before(items[i-1].CreatedAt), "item %d out of order", i)
		}
	}
}

func TestPaginatorLoadMore(t *testing.T) {
	mem := newMemory(MemoryIDs(sequentialIDs("m")))
	seedMessages(t, mem, "t-1", 45)
	seedMessages(t, mem, "t-2", 3)
	_, p := newMessagePaginator(t, mem, 30)
	ctx := context.Background()

	assert.True(t, p.HasMore("t-1"), "an unloaded chain may have more")

	require.NoError(t, p.Load(ctx, "t-1"))
	items := p.Items("t-1")
	require.Len(t, items, 30)
	assert.Equal(t, "message 16", items[0].Content)
	assert.Equal(t, "message 45", items[29].Content)
	assertChronological(t, items)
	assert.True(t, p.HasMore("t-1"))

	require.NoError(t, p.LoadMore(ctx, "t-1"))
	items = p.Items("t-1")
	require.Len(t, items, 45)
	assert.Equal(t, "message 1", items[0].Content)
	assertChronological(t, items)
	assert.False(t, p.HasMore("t-1"))
	assert.Len(t, p.Pages("t-1"), 2)

	require.NoError(t, p.LoadMore(ctx, "t-1"))
	assert.Len(t, p.Pages("t-1"), 2, "an ended chain does not grow")
	assert.Len(t, p.Items("t-1"), 45)

	t.Run("scopes are independent", func(t *testing.T) {
		require.NoError(t, p.Load(ctx, "t-2"))
		assert.Len(t, p.Items("t-2"), 3)
		assert.False(t, p.HasMore("t-2"))
		assert.Len(t, p.Items("t-1"), 45)
	})

	t.Run("load is a no-op once loaded", func(t *testing.T) {
		require.NoError(t, p.Load(ctx, "t-1"))
		assert.Len(t, p.Pages("t-1"), 2)
	})
}

func TestPaginatorGetKey(t *testing.T) {
	_, p := newMessagePaginator(t, newMemory(), 2)

	key, ok := p.GetKey("t-1", 0, nil)
	require.True(t, ok)
	assert.Equal(t, PageKey(MessagesKey("t-1"), 0), key)

	_, ok = p.GetKey("t-1", 1, []TeamMessage{{ID: "a"}, {ID: "b"}})
	assert.True(t, ok)

	_, ok = p.GetKey("t-1", 2, []TeamMessage{{ID: "c"}})
	assert.False(t, ok, "a short page ends the chain")
}

func TestPaginatorRefresh(t *testing.T) {
	mem := newMemory(MemoryIDs(sequentialIDs("m")))
	seedMessages(t, mem, "t-1", 5)
	_, p := newMessagePaginator(t, mem, 3)
	ctx := context.Background()

	require.NoError(t, p.Load(ctx, "t-1"))
	require.NoError(t, p.LoadMore(ctx, "t-1"))
	require.Len(t, p.Items("t-1"), 5)

	_, err := NewRemote[TeamMessage](mem, TableTeamMessages).Create(ctx, map[string]any{"team_id": "t-1", "content": "latest"})
	require.NoError(t, err)
	require.NoError(t, p.Refresh(ctx, "t-1"))

	items := p.Items("t-1")
	assert.Equal(t, "latest", items[len(items)-1].Content)
	assert.Len(t, p.Pages("t-1"), 2, "older pages are kept")
	assertChronological(t, items)
}

func TestPaginatorConcurrentLoadMore(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	s, rv := newTestRevalidator(t, testConfig())
	p := NewPaginator[TeamMessage](s, rv, MessagesKey, 2, func(ctx context.Context, teamID string, cursor time.Time, limit int) ([]TeamMessage, error) {
		calls.Add(1)
		<-release
		return []TeamMessage{message("b", testEpoch.Add(2*time.Second)), message("a", testEpoch.Add(time.Second))}, nil
	})

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.LoadMore(context.Background(), "t-1"))
		}()
	}
	require.Eventually(t, func() bool { return p.IsLoading("t-1") }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, p.Pages("t-1"), 1)
	assert.False(t, p.IsLoading("t-1"))
}

func TestPaginatorFailureKeepsPages(t *testing.T) {
	mem := newMemory(MemoryIDs(sequentialIDs("m")))
	seedMessages(t, mem, "t-1", 4)
	s, p := newMessagePaginator(t, mem, 2)
	ctx := context.Background()

	require.NoError(t, p.Load(ctx, "t-1"))
	mem.FailNext(&APIError{Status: 403, Message: "forbidden"})
	err := p.LoadMore(ctx, "t-1")
	require.ErrorIs(t, err, ErrTransientFetch)
	var apiErr *APIError
	assert.True(t, errors.As(err, &apiErr))

	e := s.Get(MessagesKey("t-1"))
	assert.Error(t, e.Err)
	assert.Len(t, p.Items("t-1"), 2)

	require.NoError(t, p.LoadMore(ctx, "t-1"))
	assert.Len(t, p.Items("t-1"), 4)
}

func TestPaginatorEmptyScope(t *testing.T) {
	s := NewStore()
	rv := NewRevalidator(s, testConfig(), noop.NewTracerProvider())
	p := NewPaginator[TeamMessage](s, rv, MessagesKey, 10, func(context.Context, string, time.Time, int) ([]TeamMessage, error) {
		return nil, nil
	})
	require.NoError(t, p.Load(context.Background(), "t-1"))
	assert.False(t, p.HasMore("t-1"))
	assert.True(t, s.Get(MessagesKey("t-1")).HasValue)
}

func TestPaginatorEvictedChain(t *testing.T) {
	mem := newMemory(MemoryIDs(sequentialIDs("m")))
	seedMessages(t, mem, "t-1", 10)
	seedMessages(t, mem, "t-2", 45)
	s, p := newMessagePaginator(t, mem, 30)
	ctx := context.Background()

	t.Run("an ended chain reloads", func(t *testing.T) {
		require.NoError(t, p.Load(ctx, "t-1"))
		require.False(t, p.HasMore("t-1"))

		require.True(t, s.Evict(MessagesKey("t-1")))
		assert.True(t, p.HasMore("t-1"), "nothing is loaded after eviction")

		require.NoError(t, p.Load(ctx, "t-1"))
		assert.Len(t, p.Items("t-1"), 10)
		assert.False(t, p.HasMore("t-1"))
		assert.True(t, s.Get(MessagesKey("t-1")).HasValue)
	})

	t.Run("load more restarts from the newest page", func(t *testing.T) {
		require.NoError(t, p.Load(ctx, "t-2"))
		require.NoError(t, p.LoadMore(ctx, "t-2"))
		require.Len(t, p.Pages("t-2"), 2)

		require.True(t, s.Evict(MessagesKey("t-2")))
		require.NoError(t, p.LoadMore(ctx, "t-2"))
		items := p.Items("t-2")
		require.Len(t, items, 30)
		assert.Equal(t, "message 45", items[29].Content)
		assert.True(t, p.HasMore("t-2"))
	})
}
