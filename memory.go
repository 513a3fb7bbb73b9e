// In-memory Backend with realtime change publishing.
//
// Usage:
//
//	mem := tempo.NewMemoryBackend()
//	_ = mem.LoadFixtures(strings.NewReader(fixtures))
//	client := tempo.NewClient(mem, tempo.WithFeed(mem))
package tempo

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// MemoryBackend
// ============================================================================

// MemoryBackend is a goroutine-safe in-memory Backend. Every write is
// published on the embedded Broker, so it also serves as the realtime Feed.
type MemoryBackend struct {
	*Broker

	mu       sync.RWMutex
	tables   map[string]*memTable
	failNext error
	now      func() time.Time
	newID    func() string
}

type memTable struct {
	rows  map[string]map[string]any
	order []string
}

type MemoryOption func(*MemoryBackend)

// MemoryClock sets the clock used for created_at and updated_at.
func MemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryBackend) { m.now = now }
}

// MemoryIDs sets the generator of server ids.
func MemoryIDs(newID func() string) MemoryOption {
	return func(m *MemoryBackend) { m.newID = newID }
}

// MemoryLogger sets the logger of the embedded broker.
func MemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *MemoryBackend) { m.Broker = NewBroker(0, l) }
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		Broker: NewBroker(0, nil),
		tables: make(map[string]*memTable),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailNext makes the next backend call return err.
func (m *MemoryBackend) FailNext(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

func (m *MemoryBackend) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *MemoryBackend) table(name string) *memTable {
	t, ok := m.tables[name]
	if !ok {
		t = &memTable{rows: make(map[string]map[string]any)}
		m.tables[name] = t
	}
	return t
}

func (m *MemoryBackend) timestamp() string {
	return m.now().UTC().Format(time.RFC3339Nano)
}

func (m *MemoryBackend) Select(ctx context.Context, table string, q Query) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if err := m.takeFailure(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	m.mu.RLock()
	t, ok := m.tables[table]
	var rows []map[string]any
	if ok {
		for _, id := range t.order {
			if row := t.rows[id]; matchRow(row, q) {
				rows = append(rows, row)
			}
		}
	}
	m.mu.RUnlock()

	if q.OrderBy != "" {
		slices.SortStableFunc(rows, func(a, b map[string]any) int {
			c := compareFields(a[q.OrderBy], b[q.OrderBy])
			if q.Descending {
				return -c
			}
			return c
		})
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	out := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("encode row: %w", err)
		}
		out = append(out, data)
	}
	return out, nil
}

func (m *MemoryBackend) Insert(ctx context.Context, table string, doc json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var row map[string]any
	if err := json.Unmarshal(doc, &row); err != nil {
		return nil, fmt.Errorf("%w: record is not a JSON object", ErrValidation)
	}

	m.mu.Lock()
	if err := m.takeFailure(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if id, _ := row["id"].(string); id == "" {
		row["id"] = m.newID()
	}
	ts := m.timestamp()
	for _, col := range []string{"created_at", "updated_at"} {
		if v, _ := row[col].(string); v == "" {
			row[col] = ts
		}
	}
	t := m.table(table)
	id := row["id"].(string)
	if _, exists := t.rows[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: duplicate id %q", ErrValidation, id)
	}
	t.rows[id] = row
	t.order = append(t.order, id)
	m.mu.Unlock()

	return m.publish(table, ChangeInsert, row)
}

func (m *MemoryBackend) Update(ctx context.Context, table, id string, patch map[string]any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	normalized, err := normalizeFields(patch)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if err := m.takeFailure(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	t := m.table(table)
	row, ok := t.rows[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s/%s: %w", table, id, ErrNotFound)
	}
	next := maps.Clone(row)
	maps.Copy(next, normalized)
	next["id"] = id
	if _, has := row["updated_at"]; has {
		next["updated_at"] = m.timestamp()
	}
	t.rows[id] = next
	m.mu.Unlock()

	return m.publish(table, ChangeUpdate, next)
}

func (m *MemoryBackend) Delete(ctx context.Context, table, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if err := m.takeFailure(); err != nil {
		m.mu.Unlock()
		return err
	}
	t := m.table(table)
	row, ok := t.rows[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", table, id, ErrNotFound)
	}
	delete(t.rows, id)
	t.order = slices.DeleteFunc(t.order, func(v string) bool { return v == id })
	m.mu.Unlock()

	_, err := m.publish(table, ChangeDelete, row)
	return err
}

// Count returns the number of rows in table.
func (m *MemoryBackend) Count(table string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.tables[table]; ok {
		return len(t.rows)
	}
	return 0
}

func (m *MemoryBackend) publish(table string, typ ChangeType, row map[string]any) (json.RawMessage, error) {
	ev, err := NewChangeEvent(table, typ, row)
	if err != nil {
		return nil, err
	}
	m.Publish(ev)
	if typ == ChangeDelete {
		return ev.OldRecord, nil
	}
	return ev.Record, nil
}

// ── Fixtures ────────────────────────────────────────────

// Fixtures is the YAML document read by LoadFixtures: rows keyed by table.
type Fixtures struct {
	Tables map[string][]map[string]any `yaml:"tables"`
}

// LoadFixtures inserts every row of a YAML fixture document. Rows are
// inserted table by table in name order and published like any other write.
func (m *MemoryBackend) LoadFixtures(r io.Reader) error {
	var fx Fixtures
	if err := yaml.NewDecoder(r).Decode(&fx); err != nil {
		return fmt.Errorf("cannot parse fixtures: %w", err)
	}
	ctx := context.Background()
	for _, table := range slices.Sorted(maps.Keys(fx.Tables)) {
		for i, row := range fx.Tables[table] {
			doc, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("fixture %s[%d]: %w", table, i, err)
			}
			if _, err := m.Insert(ctx, table, doc); err != nil {
				return fmt.Errorf("fixture %s[%d]: %w", table, i, err)
			}
		}
	}
	return nil
}

// ============================================================================
// Query evaluation
// ============================================================================

func matchRow(row map[string]any, q Query) bool {
	for col, want := range q.Eq {
		if fieldString(row[col]) != want {
			return false
		}
	}
	if b := q.Before; b != nil {
		at, ok := fieldTime(row[b.Column])
		if !ok || !at.Before(b.At) {
			return false
		}
	}
	if rg := q.Range; rg != nil {
		at, ok := fieldTime(row[rg.Column])
		if !ok || at.Before(rg.From) || at.After(rg.To) {
			return false
		}
	}
	return true
}

func fieldTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	return t, err == nil
}

// compareFields orders timestamps chronologically, numbers numerically and
// everything else by its string form.
func compareFields(a, b any) int {
	if ta, ok := fieldTime(a); ok {
		if tb, ok := fieldTime(b); ok {
			return ta.Compare(tb)
		}
	}
	if fa, ok := a.(float64); ok {
		if fb, ok := b.(float64); ok {
			return cmp.Compare(fa, fb)
		}
	}
	return cmp.Compare(fieldString(a), fieldString(b))
}

// normalizeFields round-trips a patch through JSON so stored rows only ever
// hold JSON-shaped values.
func normalizeFields(patch map[string]any) (map[string]any, error) {
	data, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal patch: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal patch: %w", err)
	}
	return out, nil
}
