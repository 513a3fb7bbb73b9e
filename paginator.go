package tempo

import (
	"context"
	"slices"
	"sync"
	"time"
)

// PageFetcher returns up to limit items of a scope strictly older than
// cursor, newest first. A zero cursor means no upper bound.
type PageFetcher[T Timestamped] func(ctx context.Context, scopeID string, cursor time.Time, limit int) ([]T, error)

// ============================================================================
// Paginator
// ============================================================================

// Paginator keeps a chain of pages per scope under one chain key. Page 0 holds
// the newest items; every page is stored oldest first, and page n+1 is fetched
// with the cursor fixed when page n was fetched.
type Paginator[T Timestamped] struct {
	store       *Store
	revalidator *Revalidator
	fetch       PageFetcher[T]
	chainKey    func(scopeID string) Key
	pageSize    int

	mu     sync.Mutex
	scopes map[string]*chainState
}

type chainState struct {
	loading bool
	pages   []pageMeta
}

type pageMeta struct {
	cursor  time.Time
	fetched int
}

// NewPaginator creates a paginator whose chains live under chainKey(scopeID).
func NewPaginator[T Timestamped](store *Store, rv *Revalidator, chainKey func(string) Key, pageSize int, fetch PageFetcher[T]) *Paginator[T] {
	return &Paginator[T]{
		store:       store,
		revalidator: rv,
		fetch:       fetch,
		chainKey:    chainKey,
		pageSize:    pageSize,
		scopes:      make(map[string]*chainState),
	}
}

func (p *Paginator[T]) PageSize() int { return p.pageSize }

// ChainKey returns the key holding every loaded page of scopeID.
func (p *Paginator[T]) ChainKey(scopeID string) Key { return p.chainKey(scopeID) }

// GetKey returns the key of page pageIndex, or false when previousPage shows
// the chain has ended.
func (p *Paginator[T]) GetKey(scopeID string, pageIndex int, previousPage []T) (Key, bool) {
	if previousPage != nil && len(previousPage) < p.pageSize {
		return Key{}, false
	}
	return PageKey(p.chainKey(scopeID), pageIndex), true
}

// Pages returns the loaded chain of scopeID.
func (p *Paginator[T]) Pages(scopeID string) Pages[T] {
	return PagesOf[T](p.store.Get(p.chainKey(scopeID)).Value)
}

// Items flattens the chain into one chronological sequence without
// duplicate ids.
func (p *Paginator[T]) Items(scopeID string) []T {
	flat := p.Pages(scopeID).Flat()
	slices.SortStableFunc(flat, func(a, b T) int { return a.Timestamp().Compare(b.Timestamp()) })
	return Dedupe(flat)
}

// HasMore reports whether an older page may exist: true before the first
// load, then whether the last fetched page came back full.
func (p *Paginator[T]) HasMore(scopeID string) bool {
	loaded := len(p.Pages(scopeID))
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.scopes[scopeID]
	if st == nil || len(st.pages) == 0 || loaded < len(st.pages) {
		return true
	}
	return st.pages[len(st.pages)-1].fetched >= p.pageSize
}

// IsLoading reports whether a page fetch for scopeID is in flight.
func (p *Paginator[T]) IsLoading(scopeID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.scopes[scopeID]
	return st != nil && st.loading
}

// Load fetches the first page if nothing is loaded for scopeID.
func (p *Paginator[T]) Load(ctx context.Context, scopeID string) error {
	if len(p.Pages(scopeID)) > 0 {
		return nil
	}
	return p.next(ctx, scopeID)
}

// LoadMore fetches the next older page. It does nothing while another page
// of the scope is loading or once the chain has ended.
func (p *Paginator[T]) LoadMore(ctx context.Context, scopeID string) error {
	return p.next(ctx, scopeID)
}

// Refresh re-fetches the first page only, leaving older pages in place.
func (p *Paginator[T]) Refresh(ctx context.Context, scopeID string) error {
	if !p.begin(scopeID, len(p.Pages(scopeID)), true) {
		return nil
	}
	defer p.end(scopeID)
	return p.fetchPage(ctx, scopeID, 0, time.Time{})
}

func (p *Paginator[T]) next(ctx context.Context, scopeID string) error {
	if !p.begin(scopeID, len(p.Pages(scopeID)), false) {
		return nil
	}
	defer p.end(scopeID)

	p.mu.Lock()
	st := p.scopes[scopeID]
	index := len(st.pages)
	var cursor time.Time
	if index > 0 {
		cursor = st.pages[index-1].cursor
	}
	p.mu.Unlock()
	return p.fetchPage(ctx, scopeID, index, cursor)
}

// begin claims the scope's loading flag. When the stored chain holds fewer
// pages than were recorded it was evicted, and the records start over. Unless force is set it refuses when the chain has ended.
func (p *Paginator[T]) begin(scopeID string, loaded int, force bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.scopes[scopeID]
	if st == nil {
		st = &chainState{}
		p.scopes[scopeID] = st
	}
	if st.loading {
		return false
	}
	if loaded < len(st.pages) {
		st.pages = nil
	}
	if !force && len(st.pages) > 0 && st.pages[len(st.pages)-1].fetched < p.pageSize {
		return false
	}
	st.loading = true
	return true
}

func (p *Paginator[T]) end(scopeID string) {
	p.mu.Lock()
	if st := p.scopes[scopeID]; st != nil {
		st.loading = false
	}
	p.mu.Unlock()
}

// fetchPage loads page index through the revalidator, so concurrent requests
// for the same page share one fetch and failures keep the loaded pages.
func (p *Paginator[T]) fetchPage(ctx context.Context, scopeID string, index int, cursor time.Time) error {
	chain := p.chainKey(scopeID)
	flight := PageKey(chain, index).String()
	_, err := p.revalidator.run(ctx, flight, chain, func(ctx context.Context) (Updater, error) {
		items, err := p.fetch(ctx, scopeID, cursor, p.pageSize)
		if err != nil {
			return nil, err
		}
		page := slices.Clone(items)
		slices.Reverse(page)
		p.record(scopeID, index, page)
		return setPage(index, page), nil
	})
	return err
}

func (p *Paginator[T]) record(scopeID string, index int, page []T) {
	meta := pageMeta{fetched: len(page)}
	if len(page) > 0 {
		meta.cursor = page[0].Timestamp()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.scopes[scopeID]
	if st == nil {
		st = &chainState{}
		p.scopes[scopeID] = st
	}
	switch {
	case index < len(st.pages):
		st.pages[index] = meta
	case index == len(st.pages):
		st.pages = append(st.pages, meta)
	}
}

// setPage stores page at index of the chain, appending when index is the
// next page. Later pages are left as they are.
func setPage[T any](index int, page []T) Updater {
	return func(current any) any {
		pages := PagesOf[T](current)
		if index > len(pages) {
			return pages
		}
		next := pages.clone()
		if index == len(pages) {
			return append(next, page)
		}
		next[index] = page
		return next
	}
}
