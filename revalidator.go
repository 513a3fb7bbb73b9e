package tempo

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const instrumentationName = "github.com/maxwellau2/tempo-io"

// Fetcher loads the complete value of one key from the remote store.
type Fetcher func(ctx context.Context) (any, error)

// ============================================================================
// Revalidator
// ============================================================================

// Revalidator runs at most one fetch per key at a time and writes the result
// through the store. Failed fetches keep the stale value and expose a
// *FetchError on the entry.
type Revalidator struct {
	store  *Store
	cfg    Config
	group  singleflight.Group
	logger *slog.Logger
	tracer trace.Tracer

	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewRevalidator creates a revalidator writing into store. A nil tp uses the
// global tracer provider.
func NewRevalidator(store *Store, cfg Config, tp trace.TracerProvider) *Revalidator {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Revalidator{
		store:    store,
		cfg:      cfg,
		logger:   store.logger,
		tracer:   tp.Tracer(instrumentationName),
		fetchers: make(map[string]Fetcher),
	}
}

// Register sets the fetcher used by Revalidate and Invalidate for key.
func (r *Revalidator) Register(key Key, fetcher Fetcher) {
	r.mu.Lock()
	r.fetchers[key.String()] = fetcher
	r.mu.Unlock()
}

func (r *Revalidator) fetcher(key Key) (Fetcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fetchers[key.String()]
	return f, ok
}

// Run fetches key with task, joining a fetch already in flight for the same
// key. ctx bounds only how long the caller waits: the fetch itself runs
// detached, bounded by FetchTimeout, and still lands in the store after the
// caller gives up.
func (r *Revalidator) Run(ctx context.Context, key Key, task Fetcher) (any, error) {
	return r.run(ctx, key.String(), key, func(ctx context.Context) (Updater, error) {
		v, err := task(ctx)
		if err != nil {
			return nil, err
		}
		return func(any) any { return v }, nil
	})
}

// Revalidate refreshes key with its registered fetcher unless it was fetched
// successfully within DedupeInterval.
func (r *Revalidator) Revalidate(ctx context.Context, key Key) error {
	f, ok := r.fetcher(key)
	if !ok {
		return ErrNoFetcher
	}
	if e := r.store.Get(key); e.HasValue && e.Err == nil && !e.LastFetchedAt.IsZero() &&
		r.store.now().Sub(e.LastFetchedAt) < r.cfg.DedupeInterval.Duration {
		r.logger.Debug("revalidate deduped", "key", key.String())
		return nil
	}
	_, err := r.Run(ctx, key, f)
	return err
}

// Invalidate refreshes key with its registered fetcher unconditionally.
func (r *Revalidator) Invalidate(ctx context.Context, key Key) error {
	f, ok := r.fetcher(key)
	if !ok {
		return ErrNoFetcher
	}
	_, err := r.Run(ctx, key, f)
	return err
}

// RevalidateSubscribed refreshes every subscribed key that has a fetcher.
// It waits for all of them and returns the first failure.
func (r *Revalidator) RevalidateSubscribed(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, key := range r.store.Subscribed() {
		if _, ok := r.fetcher(key); !ok {
			continue
		}
		g.Go(func() error { return r.Invalidate(ctx, key) })
	}
	return g.Wait()
}

// run is the shared single-flight path. flight identifies the request for
// deduplication; the task's updater is folded into entry's base value.
func (r *Revalidator) run(ctx context.Context, flight string, entry Key, task func(context.Context) (Updater, error)) (any, error) {
	ch := r.group.DoChan(flight, func() (any, error) {
		return r.fetch(context.WithoutCancel(ctx), flight, entry, task)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Revalidator) fetch(ctx context.Context, flight string, entry Key, task func(context.Context) (Updater, error)) (any, error) {
	r.store.beginFetch(entry)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout.Duration)
	defer cancel()
	spanName := "tempo.revalidate"
	if flight != entry.String() {
		spanName = "tempo.page"
	}
	ctx, span := r.tracer.Start(ctx, spanName,
		trace.WithAttributes(attribute.String("tempo.key", flight)))
	defer span.End()

	attempts := 0
	update, err := backoff.Retry(ctx, func() (Updater, error) {
		attempts++
		up, err := task(ctx)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return up, err
	}, backoff.WithBackOff(r.newBackOff()), backoff.WithMaxTries(uint(r.cfg.RetryCount)+1))
	span.SetAttributes(attribute.Int("tempo.attempts", attempts))

	if err != nil {
		ferr := &FetchError{Key: entry, Err: err}
		r.store.finishFetch(entry, nil, ferr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("revalidate failed", "key", flight, "attempts", attempts, "error", err)
		return nil, ferr
	}
	return r.store.finishFetch(entry, update, nil), nil
}

func (r *Revalidator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryBaseDelay.Duration
	b.MaxInterval = r.cfg.RetryMaxDelay.Duration
	return b
}

// retryable reports whether a failed fetch may succeed when repeated.
func retryable(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError || apiErr.Status == http.StatusTooManyRequests
	}
	return true
}
