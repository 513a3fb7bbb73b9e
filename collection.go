package tempo

import (
	"slices"
	"strings"

	"github.com/google/uuid"
)

// ============================================================================
// Collection transforms
// ============================================================================
//
// Every function here is pure: it never modifies its input slice, so values
// already handed to subscribers stay valid.

// Updater is a pure transform from the current value of a key to the next.
type Updater func(current any) any

// Settler reconciles a committed optimistic value with the remote result.
// It reports false when there was nothing left to reconcile.
type Settler func(current any, result any) (any, bool)

const tempPrefix = "temp-"

// NewTempID mints a client-side identifier for an optimistic entity.
func NewTempID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return tempPrefix + uuid.NewString()
	}
	return tempPrefix + id.String()
}

// IsTempID reports whether id was minted by NewTempID.
func IsTempID(id string) bool { return strings.HasPrefix(id, tempPrefix) }

// Items returns v as a []T, or nil when v holds something else.
func Items[T any](v any) []T {
	items, _ := v.([]T)
	return items
}

// IndexOf returns the position of id in items, or -1.
func IndexOf[T Entity](items []T, id string) int {
	return slices.IndexFunc(items, func(item T) bool { return item.EntityID() == id })
}

// Append adds item at the end of the collection unless its id is present.
func Append[T Entity](item T) Updater {
	return func(current any) any {
		items := Items[T](current)
		if IndexOf(items, item.EntityID()) >= 0 {
			return items
		}
		next := make([]T, 0, len(items)+1)
		next = append(next, items...)
		return append(next, item)
	}
}

// Prepend adds item at the front of the collection unless its id is present.
func Prepend[T Entity](item T) Updater {
	return func(current any) any {
		items := Items[T](current)
		if IndexOf(items, item.EntityID()) >= 0 {
			return items
		}
		next := make([]T, 0, len(items)+1)
		next = append(next, item)
		return append(next, items...)
	}
}

// ReplaceByID rewrites the entity with the given id in place.
func ReplaceByID[T Entity](id string, fn func(T) T) Updater {
	return func(current any) any {
		items := Items[T](current)
		i := IndexOf(items, id)
		if i < 0 {
			return items
		}
		next := slices.Clone(items)
		next[i] = fn(next[i])
		return next
	}
}

// RemoveByID drops the entity with the given id.
func RemoveByID[T Entity](id string) Updater {
	return func(current any) any {
		items := Items[T](current)
		if IndexOf(items, id) < 0 {
			return items
		}
		return slices.DeleteFunc(slices.Clone(items), func(item T) bool { return item.EntityID() == id })
	}
}

// SwapTemp replaces the optimistic entity tempID with the server entity
// carried by the mutation result. Any other copy of the server id is dropped
// first, so a realtime insert that raced the commit is not duplicated.
func SwapTemp[T Entity](tempID string) Settler {
	return func(current any, result any) (any, bool) {
		server, ok := result.(T)
		if !ok {
			return current, false
		}
		items := Items[T](current)
		i := IndexOf(items, tempID)
		if i < 0 {
			return items, false
		}
		next := make([]T, 0, len(items))
		for j, item := range items {
			switch {
			case j == i:
				next = append(next, server)
			case item.EntityID() == server.EntityID():
			default:
				next = append(next, item)
			}
		}
		return next, true
	}
}

// ReplaceWithResult overwrites the entity id with the server copy.
func ReplaceWithResult[T Entity](id string) Settler {
	return func(current any, result any) (any, bool) {
		server, ok := result.(T)
		if !ok {
			return current, false
		}
		items := Items[T](current)
		if IndexOf(items, id) < 0 {
			return items, false
		}
		return ReplaceByID(id, func(T) T { return server })(items), true
	}
}

// Keep settles a mutation whose optimistic value is already final, such as a
// delete. It reports false when id reappeared in the meantime.
func Keep[T Entity](id string) Settler {
	return func(current any, _ any) (any, bool) {
		items := Items[T](current)
		return items, IndexOf(items, id) < 0
	}
}

// Dedupe keeps the first occurrence of each id.
func Dedupe[T Entity](items []T) []T {
	seen := make(map[string]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.EntityID()]; ok {
			continue
		}
		seen[item.EntityID()] = struct{}{}
		out = append(out, item)
	}
	return out
}

// ============================================================================
// Page chains
// ============================================================================

// Pages is the value stored under a chain key: page 0 holds the newest items,
// and every page is ordered oldest-first.
type Pages[T any] [][]T

// PagesOf returns v as Pages[T], or nil.
func PagesOf[T any](v any) Pages[T] {
	pages, _ := v.(Pages[T])
	return pages
}

// Flat concatenates the pages from oldest page to newest page.
func (p Pages[T]) Flat() []T {
	var out []T
	for i := len(p) - 1; i >= 0; i-- {
		out = append(out, p[i]...)
	}
	return out
}

// Len counts items across all pages.
func (p Pages[T]) Len() int {
	n := 0
	for _, page := range p {
		n += len(page)
	}
	return n
}

func (p Pages[T]) clone() Pages[T] {
	next := make(Pages[T], len(p))
	copy(next, p)
	return next
}

// ContainsID reports whether any page holds id.
func ContainsID[T Entity](pages Pages[T], id string) bool {
	for _, page := range pages {
		if IndexOf(page, id) >= 0 {
			return true
		}
	}
	return false
}

// AppendNewest adds item to the tail of page 0 unless it is already present
// anywhere in the chain. An empty chain is left alone.
func AppendNewest[T Entity](item T) Updater {
	return func(current any) any {
		pages := PagesOf[T](current)
		if len(pages) == 0 || ContainsID(pages, item.EntityID()) {
			return pages
		}
		next := pages.clone()
		first := make([]T, 0, len(pages[0])+1)
		first = append(first, pages[0]...)
		next[0] = append(first, item)
		return next
	}
}

// ReplaceInPages rewrites id wherever it lives, keeping page and position.
func ReplaceInPages[T Entity](id string, fn func(T) T) Updater {
	return func(current any) any {
		pages := PagesOf[T](current)
		for pi, page := range pages {
			if i := IndexOf(page, id); i >= 0 {
				next := pages.clone()
				next[pi] = slices.Clone(page)
				next[pi][i] = fn(page[i])
				return next
			}
		}
		return pages
	}
}

// RemoveFromPages drops id from whichever page holds it.
func RemoveFromPages[T Entity](id string) Updater {
	return func(current any) any {
		pages := PagesOf[T](current)
		for pi, page := range pages {
			if IndexOf(page, id) >= 0 {
				next := pages.clone()
				next[pi] = RemoveByID[T](id)(page).([]T)
				return next
			}
		}
		return pages
	}
}

// SwapTempInPages is SwapTemp for page chains.
func SwapTempInPages[T Entity](tempID string) Settler {
	return func(current any, result any) (any, bool) {
		server, ok := result.(T)
		if !ok {
			return current, false
		}
		pages := PagesOf[T](current)
		if !ContainsID(pages, tempID) {
			return pages, false
		}
		next := make(Pages[T], len(pages))
		for pi, page := range pages {
			out := make([]T, 0, len(page))
			for _, item := range page {
				switch item.EntityID() {
				case tempID:
					out = append(out, server)
				case server.EntityID():
				default:
					out = append(out, item)
				}
			}
			next[pi] = out
		}
		return next, true
	}
}

// ReplaceInPagesWithResult is ReplaceWithResult for page chains.
func ReplaceInPagesWithResult[T Entity](id string) Settler {
	return func(current any, result any) (any, bool) {
		server, ok := result.(T)
		if !ok {
			return current, false
		}
		pages := PagesOf[T](current)
		if !ContainsID(pages, id) {
			return pages, false
		}
		return ReplaceInPages(id, func(T) T { return server })(pages), true
	}
}

// KeepInPages is Keep for page chains.
func KeepInPages[T Entity](id string) Settler {
	return func(current any, _ any) (any, bool) {
		pages := PagesOf[T](current)
		return pages, !ContainsID(pages, id)
	}
}
