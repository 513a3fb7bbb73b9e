package tempo

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ============================================================================
// Shared service plumbing
// ============================================================================

// fetcherOf adapts a typed collection fetch to a Fetcher.
func fetcherOf[T any](fn func(context.Context) ([]T, error)) Fetcher {
	return func(ctx context.Context) (any, error) {
		items, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []T{}
		}
		return items, nil
	}
}

// useCollection subscribes consumer to key with typed delivery.
func useCollection[T any](ctx context.Context, c *Client, key Key, fetch func(context.Context) ([]T, error), consumer func(View[[]T])) func() {
	return c.Use(ctx, key, fetcherOf(fetch), func(e Entry) { consumer(ViewOf[[]T](e)) })
}

// loadCollection registers fetch for key and revalidates it.
func loadCollection[T any](ctx context.Context, c *Client, key Key, fetch func(context.Context) ([]T, error)) error {
	c.revalidator.Register(key, fetcherOf(fetch))
	return c.revalidator.Revalidate(ctx, key)
}

// createEntity shows temp in key until the server copy replaces it.
func createEntity[T Entity](ctx context.Context, c *Client, key Key, temp T, prepend bool, remote func(context.Context) (T, error)) (T, error) {
	var created T
	optimistic := Append(temp)
	if prepend {
		optimistic = Prepend(temp)
	}
	_, err := c.Mutate(ctx, key, Mutation{
		Optimistic: optimistic,
		Remote: func(ctx context.Context) (any, error) {
			v, err := remote(ctx)
			if err != nil {
				return nil, err
			}
			created = v
			return v, nil
		},
		Settle: SwapTemp[T](temp.EntityID()),
	})
	return created, err
}

// updateEntity applies fn to entity id in key until the server copy lands.
func updateEntity[T Entity](ctx context.Context, c *Client, key Key, id string, fn func(T) T, remote func(context.Context) (T, error)) (T, error) {
	var updated T
	_, err := c.Mutate(ctx, key, Mutation{
		Optimistic: ReplaceByID(id, fn),
		Remote: func(ctx context.Context) (any, error) {
			v, err := remote(ctx)
			if err != nil {
				return nil, err
			}
			updated = v
			return v, nil
		},
		Settle: ReplaceWithResult[T](id),
	})
	return updated, err
}

// deleteEntity hides entity id from key and restores it if remote fails.
func deleteEntity[T Entity](ctx context.Context, c *Client, key Key, id string, remote func(context.Context) error) error {
	_, err := c.Mutate(ctx, key, Mutation{
		Optimistic: RemoveByID[T](id),
		Remote: func(ctx context.Context) (any, error) {
			return nil, remote(ctx)
		},
		Settle: Keep[T](id),
	})
	return err
}

// refreshIfLoaded refetches key in the background when it holds a value.
// Keys nobody has loaded are left alone.
func refreshIfLoaded(c *Client, key Key) {
	if !c.store.Get(key).HasValue {
		return
	}
	c.background(func(ctx context.Context) {
		if err := c.revalidator.Invalidate(ctx, key); err != nil {
			c.logger.Debug("refresh failed", "key", key.String(), "error", err)
		}
	})
}

// ── Input sanitizing ────────────────────────────────────

const maxTitleLength = 255

var (
	htmlTag      = regexp.MustCompile(`<[^>]*>`)
	unsafeBlock  = regexp.MustCompile(`(?is)<(script|style|iframe|object|embed|form)\b.*?</\s*(script|style|iframe|object|embed|form)\s*>`)
	unsafeTag    = regexp.MustCompile(`(?i)</?\s*(script|style|iframe|object|embed|form)\b[^>]*>`)
	inlineHandle = regexp.MustCompile(`(?i)\s+on[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
)

// sanitizeText strips markup, trims and truncates to max runes.
func sanitizeText(s string, max int) string {
	s = strings.TrimSpace(htmlTag.ReplaceAllString(s, ""))
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:max]))
}

// sanitizeHTML drops executable markup from rich text, keeping formatting.
func sanitizeHTML(s string) string {
	s = unsafeBlock.ReplaceAllString(s, "")
	s = unsafeTag.ReplaceAllString(s, "")
	return inlineHandle.ReplaceAllString(s, "")
}

func validateTitle(what, title string) (string, error) {
	clean := sanitizeText(title, maxTitleLength)
	if clean == "" {
		return "", validationErrorf("%s title cannot be empty", what)
	}
	return clean, nil
}
