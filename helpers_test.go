package tempo

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"
)

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// steppingClock returns a goroutine-safe clock that advances one second per
// call.
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func newMemory(opts ...MemoryOption) *MemoryBackend {
	opts = append([]MemoryOption{MemoryClock(steppingClock(testEpoch)), MemoryIDs(sequentialIDs("id"))}, opts...)
	return NewMemoryBackend(opts...)
}

func newTestClient(t *testing.T, backend Backend, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithConfig(testConfig()),
		WithUserID("u-1"),
		WithTracerProvider(noop.NewTracerProvider()),
		WithClock(steppingClock(testEpoch)),
	}, opts...)
	c := NewClient(backend, opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}
