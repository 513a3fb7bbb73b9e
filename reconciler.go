package tempo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// ============================================================================
// Reconciler
// ============================================================================

// Reconciler merges realtime changes into the page chains of a Paginator's
// key space. Every merge is keyed by id, so replays and out-of-order events
// are harmless.
type Reconciler[T Timestamped] struct {
	store    *Store
	chainKey func(scopeID string) Key
	logger   *slog.Logger
}

func NewReconciler[T Timestamped](store *Store, chainKey func(string) Key) *Reconciler[T] {
	return &Reconciler[T]{store: store, chainKey: chainKey, logger: store.logger}
}

// Apply merges one change into scopeID's chain and reports whether the cache
// changed. It never triggers a fetch.
func (r *Reconciler[T]) Apply(scopeID string, ev ChangeEvent) bool {
	key := r.chainKey(scopeID)
	switch ev.Type {
	case ChangeInsert:
		item, err := decodeRow[T](ev.Record)
		if err != nil {
			r.logger.Debug("skipping malformed change", "key", key.String(), "error", err)
			return false
		}
		return r.merge(key, ev, func(current any) (any, bool) {
			pages := PagesOf[T](current)
			if len(pages) == 0 || ContainsID(pages, item.EntityID()) {
				return current, false
			}
			return AppendNewest(item)(pages), true
		})
	case ChangeUpdate:
		item, err := decodeRow[T](ev.Record)
		if err != nil {
			r.logger.Debug("skipping malformed change", "key", key.String(), "error", err)
			return false
		}
		return r.merge(key, ev, func(current any) (any, bool) {
			pages := PagesOf[T](current)
			if !ContainsID(pages, item.EntityID()) {
				return current, false
			}
			return ReplaceInPages(item.EntityID(), func(T) T { return item })(pages), true
		})
	case ChangeDelete:
		id, err := ev.RecordID()
		if err != nil {
			r.logger.Debug("skipping malformed change", "key", key.String(), "error", err)
			return false
		}
		return r.merge(key, ev, func(current any) (any, bool) {
			pages := PagesOf[T](current)
			if !ContainsID(pages, id) {
				return current, false
			}
			return RemoveFromPages[T](id)(pages), true
		})
	}
	r.logger.Debug("skipping unknown change type", "key", key.String(), "type", ev.Type)
	return false
}

func (r *Reconciler[T]) merge(key Key, ev ChangeEvent, fn func(any) (any, bool)) bool {
	if r.store.UpdateIf(key, fn, false) {
		return true
	}
	r.logger.Debug("push merge miss", "key", key.String(), "type", ev.Type)
	return false
}

// Run applies every event of sub to scopeID until ctx ends or sub closes.
func (r *Reconciler[T]) Run(ctx context.Context, scopeID string, sub Subscription) error {
	return consume(ctx, sub, func(ev ChangeEvent) { r.Apply(scopeID, ev) })
}

// ============================================================================
// CollectionReconciler
// ============================================================================

// CollectionReconciler merges realtime changes into flat collections.
// Inserts are appended, or prepended for newest-first collections.
type CollectionReconciler[T Entity] struct {
	store   *Store
	key     func(scopeID string) Key
	prepend bool
	accept  func(T) bool
	logger  *slog.Logger
}

func NewCollectionReconciler[T Entity](store *Store, key func(string) Key, prepend bool) *CollectionReconciler[T] {
	return &CollectionReconciler[T]{store: store, key: key, prepend: prepend, logger: store.logger}
}

// Filter restricts inserts to entities for which accept returns true.
func (r *CollectionReconciler[T]) Filter(accept func(T) bool) *CollectionReconciler[T] {
	r.accept = accept
	return r
}

// Apply merges one change into scopeID's collection. Like Reconciler, it
// leaves a key with no loaded value alone.
func (r *CollectionReconciler[T]) Apply(scopeID string, ev ChangeEvent) bool {
	key := r.key(scopeID)
	var fn func(any) (any, bool)
	switch ev.Type {
	case ChangeInsert, ChangeUpdate:
		item, err := decodeRow[T](ev.Record)
		if err != nil {
			r.logger.Debug("skipping malformed change", "key", key.String(), "error", err)
			return false
		}
		id := item.EntityID()
		fn = func(current any) (any, bool) {
			if current == nil {
				return current, false
			}
			items := Items[T](current)
			if IndexOf(items, id) >= 0 {
				if ev.Type == ChangeInsert {
					return current, false
				}
				return ReplaceByID(id, func(T) T { return item })(items), true
			}
			if ev.Type == ChangeUpdate || (r.accept != nil && !r.accept(item)) {
				return current, false
			}
			if r.prepend {
				return Prepend(item)(items), true
			}
			return Append(item)(items), true
		}
	case ChangeDelete:
		id, err := ev.RecordID()
		if err != nil {
			r.logger.Debug("skipping malformed change", "key", key.String(), "error", err)
			return false
		}
		fn = func(current any) (any, bool) {
			items := Items[T](current)
			if IndexOf(items, id) < 0 {
				return current, false
			}
			return RemoveByID[T](id)(items), true
		}
	default:
		r.logger.Debug("skipping unknown change type", "key", key.String(), "type", ev.Type)
		return false
	}
	if r.store.UpdateIf(key, fn, false) {
		return true
	}
	r.logger.Debug("push merge miss", "key", key.String(), "type", ev.Type)
	return false
}

func (r *CollectionReconciler[T]) Run(ctx context.Context, scopeID string, sub Subscription) error {
	return consume(ctx, sub, func(ev ChangeEvent) { r.Apply(scopeID, ev) })
}

func consume(ctx context.Context, sub Subscription, apply func(ChangeEvent)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			apply(ev)
		}
	}
}

// decodeChange is used by feeds that receive raw envelopes.
func decodeChange(data json.RawMessage) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode change: %w", err)
	}
	if ev.Table == "" || ev.Type == "" {
		return ev, fmt.Errorf("decode change: missing table or type")
	}
	return ev, nil
}
