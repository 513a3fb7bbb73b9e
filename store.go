package tempo

import (
	"container/list"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// DefaultCapacity is the number of keys a Store keeps before evicting.
const DefaultCapacity = 512

// ============================================================================
// Entry
// ============================================================================

// Entry is a snapshot of one cache key as seen by readers.
type Entry struct {
	Key           Key
	Value         any
	HasValue      bool
	IsLoading     bool
	IsValidating  bool
	Err           error
	LastFetchedAt time.Time
	Version       uint64
}

// Consumer receives every new Entry of a subscribed key.
type Consumer func(Entry)

// subscriber queues the entries of one consumer. Entries are queued in
// version order under the store lock and handed to the consumer by a single
// draining goroutine at a time.
type subscriber struct {
	fn Consumer

	mu       sync.Mutex
	queue    []Entry
	draining bool
	closed   bool
}

func (sub *subscriber) push(e Entry) {
	sub.mu.Lock()
	if !sub.closed {
		sub.queue = append(sub.queue, e)
	}
	sub.mu.Unlock()
}

func (sub *subscriber) close() {
	sub.mu.Lock()
	sub.closed = true
	sub.queue = nil
	sub.mu.Unlock()
}

type patch struct {
	id    uint64
	apply Updater
}

type record struct {
	key       Key
	base      any
	hasBase   bool
	patches   []patch
	value     any
	inflight  int
	err       error
	fetchedAt time.Time
	version   uint64
	subs      map[uint64]*subscriber
	elem      *list.Element
}

func (r *record) recompute() {
	v := r.base
	for _, p := range r.patches {
		v = p.apply(v)
	}
	r.value = v
}

func (r *record) hasValue() bool { return r.hasBase || len(r.patches) > 0 }

func (r *record) entry() Entry {
	return Entry{
		Key:           r.key,
		Value:         r.value,
		HasValue:      r.hasValue(),
		IsLoading:     !r.hasValue() && r.inflight > 0,
		IsValidating:  r.inflight > 0,
		Err:           r.err,
		LastFetchedAt: r.fetchedAt,
		Version:       r.version,
	}
}

func (r *record) evictable() bool {
	return len(r.subs) == 0 && len(r.patches) == 0 && r.inflight == 0
}

// ============================================================================
// Store
// ============================================================================

// Store is the in-memory map from cache key to cache entry. All reads and
// writes of a key are serialized by one mutex. Consumers are called after it
// is released, one entry at a time and in version order.
type Store struct {
	mu        sync.Mutex
	records   map[string]*record
	lru       *list.List
	capacity  int
	nextSub   uint64
	nextPatch uint64

	logger       *slog.Logger
	now          func() time.Time
	onRevalidate func(Key)
}

type StoreOption func(*Store)

// WithCapacity bounds the number of keys held. Zero or negative disables
// eviction.
func WithCapacity(n int) StoreOption {
	return func(s *Store) { s.capacity = n }
}

func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates an empty cache store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		records:  make(map[string]*record),
		lru:      list.New(),
		capacity: DefaultCapacity,
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnRevalidate installs the hook called by writes that request revalidation.
func (s *Store) OnRevalidate(fn func(Key)) {
	s.mu.Lock()
	s.onRevalidate = fn
	s.mu.Unlock()
}

// Get returns the current entry for key. Unknown keys yield a zero entry
// carrying only the key.
func (s *Store) Get(key Key) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key.String()]
	if !ok {
		return Entry{Key: key}
	}
	return r.entry()
}

// Subscribe registers consumer for every change of key and returns the
// function that removes it.
func (s *Store) Subscribe(key Key, consumer Consumer) (unsubscribe func()) {
	s.mu.Lock()
	r := s.recordLocked(key)
	s.nextSub++
	id := s.nextSub
	sub := &subscriber{fn: consumer}
	r.subs[id] = sub
	s.lru.MoveToFront(r.elem)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(r.subs, id)
			s.evictLocked()
			s.mu.Unlock()
			sub.close()
		})
	}
}

// Set replaces the base value of key.
func (s *Store) Set(key Key, value any, revalidate bool) Entry {
	return s.write(key, revalidate, func(r *record) bool {
		r.base = value
		r.hasBase = true
		return true
	})
}

// Update replaces the base value of key with fn(base). fn runs under the
// store lock and must not call back into the store.
func (s *Store) Update(key Key, fn Updater, revalidate bool) Entry {
	return s.write(key, revalidate, func(r *record) bool {
		r.base = fn(r.base)
		r.hasBase = r.hasBase || r.base != nil
		return true
	})
}

// UpdateIf is Update for transforms that may find nothing to change. When fn
// reports false the entry is left untouched and no consumer is called.
func (s *Store) UpdateIf(key Key, fn func(current any) (any, bool), revalidate bool) bool {
	changed := false
	s.write(key, revalidate, func(r *record) bool {
		next, ok := fn(r.base)
		if !ok {
			return false
		}
		r.base = next
		r.hasBase = r.hasBase || next != nil
		changed = true
		return true
	})
	return changed
}

// Notify redelivers the current entry of key to its consumers.
func (s *Store) Notify(key Key) {
	s.mu.Lock()
	r, ok := s.records[key.String()]
	if !ok {
		s.mu.Unlock()
		return
	}
	subs := enqueueLocked(r)
	s.mu.Unlock()
	s.deliver(subs)
}

// Keys lists every key held, in serialized order.
func (s *Store) Keys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]Key, 0, len(s.records))
	for _, r := range s.records {
		keys = append(keys, r.key)
	}
	sortKeys(keys)
	return keys
}

// Subscribed lists the keys that currently have at least one consumer.
func (s *Store) Subscribed() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []Key
	for _, r := range s.records {
		if len(r.subs) > 0 {
			keys = append(keys, r.key)
		}
	}
	sortKeys(keys)
	return keys
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Evict drops key unless it is subscribed, patched or being fetched.
func (s *Store) Evict(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key.String()]
	if !ok || !r.evictable() {
		return false
	}
	s.removeLocked(r)
	return true
}

// ── Fetch bookkeeping ───────────────────────────────────

func (s *Store) beginFetch(key Key) {
	s.write(key, false, func(r *record) bool {
		r.inflight++
		return true
	})
}

// finishFetch ends one fetch of key. On success fn is folded into the base
// value and the error cleared; on failure the value is kept and err exposed.
func (s *Store) finishFetch(key Key, fn Updater, err error) any {
	e := s.write(key, false, func(r *record) bool {
		if r.inflight > 0 {
			r.inflight--
		}
		if err != nil {
			r.err = err
			return true
		}
		if fn != nil {
			r.base = fn(r.base)
			r.hasBase = true
		}
		r.err = nil
		r.fetchedAt = s.now()
		return true
	})
	return e.Value
}

// ── Optimistic patches ──────────────────────────────────

// applyPatch layers fn over key's base value and returns the patch id.
func (s *Store) applyPatch(key Key, fn Updater) uint64 {
	var id uint64
	s.write(key, false, func(r *record) bool {
		s.nextPatch++
		id = s.nextPatch
		r.patches = append(r.patches, patch{id: id, apply: fn})
		return true
	})
	return id
}

// settlePatch folds patch id into the base value, then reconciles the base
// with the remote result. It reports whether settle found its target.
func (s *Store) settlePatch(key Key, id uint64, settle Settler, result any) bool {
	settled := true
	s.write(key, false, func(r *record) bool {
		if i := patchIndex(r.patches, id); i >= 0 {
			r.base = r.patches[i].apply(r.base)
			r.hasBase = true
			r.patches = slices.Delete(r.patches, i, i+1)
		}
		if settle != nil {
			r.base, settled = settle(r.base, result)
		}
		return true
	})
	return settled
}

// dropPatch removes patch id, leaving every other pending patch in place.
func (s *Store) dropPatch(key Key, id uint64) {
	s.write(key, false, func(r *record) bool {
		i := patchIndex(r.patches, id)
		if i < 0 {
			return false
		}
		r.patches = slices.Delete(r.patches, i, i+1)
		return true
	})
}

func patchIndex(patches []patch, id uint64) int {
	return slices.IndexFunc(patches, func(p patch) bool { return p.id == id })
}

// ── Internals ───────────────────────────────────────────

// write runs mutate on key's record under the lock. When mutate reports a
// change the visible value is recomputed, the version bumped and every
// consumer called once the lock is released.
func (s *Store) write(key Key, revalidate bool, mutate func(*record) bool) Entry {
	s.mu.Lock()
	r := s.recordLocked(key)
	if !mutate(r) {
		e := r.entry()
		s.mu.Unlock()
		return e
	}
	r.recompute()
	r.version++
	e, subs := r.entry(), enqueueLocked(r)
	hook := s.onRevalidate
	s.evictLocked()
	s.mu.Unlock()

	s.deliver(subs)
	if revalidate && hook != nil {
		hook(key)
	}
	return e
}

func (s *Store) recordLocked(key Key) *record {
	k := key.String()
	if r, ok := s.records[k]; ok {
		return r
	}
	r := &record{key: key, subs: make(map[uint64]*subscriber)}
	r.elem = s.lru.PushFront(r)
	s.records[k] = r
	return r
}

// evictLocked drops least-recently-subscribed keys until the store is back
// within capacity. Keys in use are skipped.
func (s *Store) evictLocked() {
	if s.capacity <= 0 {
		return
	}
	for e := s.lru.Back(); e != nil && len(s.records) > s.capacity; {
		prev := e.Prev()
		if r := e.Value.(*record); r.evictable() {
			s.removeLocked(r)
			s.logger.Debug("evicted cache key", "key", r.key.String())
		}
		e = prev
	}
}

func (s *Store) removeLocked(r *record) {
	s.lru.Remove(r.elem)
	delete(s.records, r.key.String())
}

// enqueueLocked queues r's current entry for every subscriber, in
// subscription order.
func enqueueLocked(r *record) []*subscriber {
	if len(r.subs) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	e := r.entry()
	out := make([]*subscriber, len(ids))
	for i, id := range ids {
		out[i] = r.subs[id]
		out[i].push(e)
	}
	return out
}

func (s *Store) deliver(subs []*subscriber) {
	for _, sub := range subs {
		s.drain(sub)
	}
}

// drain hands queued entries to the consumer unless another goroutine is
// already doing so; that goroutine picks up what was queued here.
func (s *Store) drain(sub *subscriber) {
	sub.mu.Lock()
	if sub.draining {
		sub.mu.Unlock()
		return
	}
	sub.draining = true
	for len(sub.queue) > 0 {
		e := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()
		s.safeCall(sub.fn, e)
		sub.mu.Lock()
	}
	sub.draining = false
	sub.mu.Unlock()
}

func (s *Store) safeCall(fn Consumer, e Entry) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("cache consumer panicked", "key", e.Key.String(), "panic", r)
		}
	}()
	fn(e)
}

func sortKeys(keys []Key) {
	slices.SortFunc(keys, func(a, b Key) int {
		switch as, bs := a.String(), b.String(); {
		case as < bs:
			return -1
		case as > bs:
			return 1
		}
		return 0
	})
}
