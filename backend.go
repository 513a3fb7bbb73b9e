package tempo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Remote table names.
const (
	TableNotes           = "notes"
	TableTasks           = "tasks"
	TableProjects        = "projects"
	TableProjectStatuses = "project_statuses"
	TableTeamEvents      = "team_events"
	TableTeamMessages    = "team_messages"
	TableNotifications   = "notifications"
	TableTeams           = "teams"
	TableTeamMembers     = "team_members"
	TableJoinRequests    = "team_join_requests"
	TableInvitations     = "team_invitations"
)

// ============================================================================
// Backend
// ============================================================================

// Backend is the record-level remote persistence provider. Records are JSON
// objects carrying at least an "id" field.
type Backend interface {
	Select(ctx context.Context, table string, q Query) ([]json.RawMessage, error)
	// Insert stores doc and returns the row as persisted, including the
	// server-assigned id and timestamps.
	Insert(ctx context.Context, table string, doc json.RawMessage) (json.RawMessage, error)
	// Update merges patch into row id and returns the updated row.
	Update(ctx context.Context, table, id string, patch map[string]any) (json.RawMessage, error)
	Delete(ctx context.Context, table, id string) error
}

// Query filters and orders a Select.
type Query struct {
	// Eq keeps rows whose column equals the value.
	Eq map[string]string
	// Before keeps rows whose column is strictly older than At.
	Before *TimeBound
	// Range keeps rows whose column lies in [From, To].
	Range *TimeRange
	// OrderBy sorts by a column; empty keeps insertion order.
	OrderBy    string
	Descending bool
	// Limit caps the number of rows; zero means no limit.
	Limit int
}

type TimeBound struct {
	Column string
	At     time.Time
}

type TimeRange struct {
	Column string
	From   time.Time
	To     time.Time
}

// Where returns a query with a single equality filter.
func Where(column, value string) Query {
	return Query{Eq: map[string]string{column: value}}
}

// Order returns a copy of q sorted by column.
func (q Query) Order(column string, descending bool) Query {
	q.OrderBy = column
	q.Descending = descending
	return q
}

// WithLimit returns a copy of q capped at n rows.
func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

// ============================================================================
// Remote[T]
// ============================================================================

// Remote is a typed view over one backend table.
type Remote[T Entity] struct {
	backend Backend
	table   string
}

func NewRemote[T Entity](b Backend, table string) *Remote[T] {
	return &Remote[T]{backend: b, table: table}
}

func (r *Remote[T]) Table() string { return r.table }

// FetchCollection returns every row matching q.
func (r *Remote[T]) FetchCollection(ctx context.Context, q Query) ([]T, error) {
	rows, err := r.backend.Select(ctx, r.table, q)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", r.table, err)
	}
	items := make([]T, 0, len(rows))
	for _, row := range rows {
		item, err := decodeRow[T](row)
		if err != nil {
			return nil, fmt.Errorf("select %s: %w", r.table, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// Create inserts payload and returns the server's copy.
func (r *Remote[T]) Create(ctx context.Context, payload any) (T, error) {
	var zero T
	doc, err := json.Marshal(payload)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal request: %w", err)
	}
	row, err := r.backend.Insert(ctx, r.table, doc)
	if err != nil {
		return zero, fmt.Errorf("insert %s: %w", r.table, err)
	}
	return decodeRow[T](row)
}

// Update applies patch to row id and returns the server's copy.
func (r *Remote[T]) Update(ctx context.Context, id string, patch map[string]any) (T, error) {
	var zero T
	row, err := r.backend.Update(ctx, r.table, id, patch)
	if err != nil {
		return zero, fmt.Errorf("update %s/%s: %w", r.table, id, err)
	}
	return decodeRow[T](row)
}

func (r *Remote[T]) Delete(ctx context.Context, id string) error {
	if err := r.backend.Delete(ctx, r.table, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", r.table, id, err)
	}
	return nil
}

// FetchPageBefore returns up to pageSize rows of one scope created strictly
// before cursor, newest first. A zero cursor starts at the newest row.
func (r *Remote[T]) FetchPageBefore(ctx context.Context, scopeColumn, scopeID string, cursor time.Time, pageSize int) ([]T, error) {
	q := Where(scopeColumn, scopeID).Order("created_at", true).WithLimit(pageSize)
	if !cursor.IsZero() {
		q.Before = &TimeBound{Column: "created_at", At: cursor}
	}
	return r.FetchCollection(ctx, q)
}

func decodeRow[T any](row json.RawMessage) (T, error) {
	var item T
	if err := json.Unmarshal(row, &item); err != nil {
		return item, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return item, nil
}
