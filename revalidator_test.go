package tempo

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = Duration{time.Millisecond}
	cfg.RetryMaxDelay = Duration{5 * time.Millisecond}
	cfg.FetchTimeout = Duration{2 * time.Second}
	return cfg
}

func newTestRevalidator(t *testing.T, cfg Config) (*Store, *Revalidator) {
	t.Helper()
	s := NewStore()
	return s, NewRevalidator(s, cfg, noop.NewTracerProvider())
}

func TestRevalidatorSingleFlight(t *testing.T) {
	s, rv := newTestRevalidator(t, testConfig())
	key := NotesKey()

	var calls atomic.Int32
	release := make(chan struct{})
	task := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return []Note{note("a", "A")}, nil
	}

	const n = 20
	var started, done sync.WaitGroup
	results := make([]any, n)
	for i := range n {
		started.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			started.Done()
			v, err := rv.Run(context.Background(), key, task)
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	started.Wait()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	// Give stragglers time to join the flight before it lands.
	time.Sleep(20 * time.Millisecond)
	close(release)
	done.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, []Note{note("a", "A")}, v)
	}
	assert.Equal(t, []Note{note("a", "A")}, s.Get(key).Value)
}

func TestRevalidatorStaleWhileRevalidate(t *testing.T) {
	s, rv := newTestRevalidator(t, testConfig())
	key := NotesKey()
	s.Set(key, []Note{note("a", "A")}, false)

	_, err := rv.Run(context.Background(), key, func(context.Context) (any, error) {
		return nil, &APIError{Status: http.StatusBadGateway, Message: "upstream down"}
	})
	require.ErrorIs(t, err, ErrTransientFetch)

	e := s.Get(key)
	assert.Equal(t, []Note{note("a", "A")}, e.Value)
	assert.ErrorIs(t, e.Err, ErrTransientFetch)
	assert.False(t, e.IsLoading)
	assert.False(t, e.IsValidating)

	var fe *FetchError
	require.ErrorAs(t, e.Err, &fe)
	assert.Equal(t, key, fe.Key)

	_, err = rv.Run(context.Background(), key, func(context.Context) (any, error) {
		return []Note{note("b", "B")}, nil
	})
	require.NoError(t, err)
	assert.NoError(t, s.Get(key).Err)
}

func TestRevalidatorRetry(t *testing.T) {
	t.Run("transient failures are retried", func(t *testing.T) {
		_, rv := newTestRevalidator(t, testConfig())
		var calls int
		v, err := rv.Run(context.Background(), NotesKey(), func(context.Context) (any, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("connection reset")
			}
			return []Note{}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, []Note{}, v)
		assert.Equal(t, 3, calls)
	})

	t.Run("retries are bounded", func(t *testing.T) {
		cfg := testConfig()
		cfg.RetryCount = 2
		_, rv := newTestRevalidator(t, cfg)
		var calls int
		_, err := rv.Run(context.Background(), NotesKey(), func(context.Context) (any, error) {
			calls++
			return nil, errors.New("still down")
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent failures are not retried", func(t *testing.T) {
		_, rv := newTestRevalidator(t, testConfig())
		for _, fail := range []error{
			ErrNotFound,
			validationErrorf("bad"),
			&APIError{Status: http.StatusForbidden, Message: "no"},
		} {
			var calls int
			_, err := rv.Run(context.Background(), NotesKey(), func(context.Context) (any, error) {
				calls++
				return nil, fail
			})
			require.Error(t, err)
			assert.Equal(t, 1, calls, fail.Error())
		}
	})
}

func TestRevalidatorCallerCancel(t *testing.T) {
	s, rv := newTestRevalidator(t, testConfig())
	key := NotesKey()
	release := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := rv.Run(ctx, key, func(context.Context) (any, error) {
			<-release
			return []Note{note("late", "")}, nil
		})
		errc <- err
	}()
	require.Eventually(t, func() bool { return s.Get(key).IsLoading }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(release)
	require.Eventually(t, func() bool { return s.Get(key).HasValue }, time.Second, time.Millisecond)
	assert.Equal(t, []Note{note("late", "")}, s.Get(key).Value)
}

func TestRevalidate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	s := NewStore(WithStoreClock(clock))
	rv := NewRevalidator(s, testConfig(), noop.NewTracerProvider())
	key := NotesKey()

	t.Run("no fetcher", func(t *testing.T) {
		assert.ErrorIs(t, rv.Revalidate(context.Background(), key), ErrNoFetcher)
		assert.ErrorIs(t, rv.Invalidate(context.Background(), key), ErrNoFetcher)
	})

	var calls int
	rv.Register(key, func(context.Context) (any, error) {
		calls++
		return []Note{}, nil
	})

	t.Run("fresh values are deduped", func(t *testing.T) {
		require.NoError(t, rv.Revalidate(context.Background(), key))
		require.NoError(t, rv.Revalidate(context.Background(), key))
		assert.Equal(t, 1, calls)

		advance(3 * time.Second)
		require.NoError(t, rv.Revalidate(context.Background(), key))
		assert.Equal(t, 2, calls)
	})

	t.Run("invalidate ignores freshness", func(t *testing.T) {
		require.NoError(t, rv.Invalidate(context.Background(), key))
		assert.Equal(t, 3, calls)
	})

	t.Run("subscribed keys", func(t *testing.T) {
		other := ProjectsKey()
		var otherCalls int
		rv.Register(other, func(context.Context) (any, error) {
			otherCalls++
			return []Project{}, nil
		})
		unsubscribe := s.Subscribe(key, func(Entry) {})
		defer unsubscribe()

		require.NoError(t, rv.RevalidateSubscribed(context.Background()))
		assert.Equal(t, 4, calls)
		assert.Zero(t, otherCalls)
	})
}
