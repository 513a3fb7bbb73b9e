// Package sqlstore is a SQLite-backed tempo.Backend. Records of every table
// live as JSON documents in one table and are filtered with json_extract, so
// any table name the resource services use works without a migration.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	tempo "github.com/maxwellau2/tempo-io"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var columnName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Store is a tempo.Backend persisting records in SQLite. Every write is
// published on the embedded Broker, so it also serves as the realtime Feed.
type Store struct {
	*tempo.Broker

	sqlDB *sql.DB
	now   func() time.Time
	newID func() string
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithIDs(newID func() string) Option {
	return func(s *Store) { s.newID = newID }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.Broker = tempo.NewBroker(0, l) }
}

// Open opens the SQLite database at path and creates the schema. Use
// ":memory:" for a throwaway store.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := ":memory:"
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{
		Broker: tempo.NewBroker(0, nil),
		sqlDB:  sqlDB,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the broker and releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	_ = s.Broker.Close()
	return s.sqlDB.Close()
}

func (s *Store) Select(ctx context.Context, table string, q tempo.Query) ([]json.RawMessage, error) {
	query, args, err := buildSelect(table, q)
	if err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, json.RawMessage(doc))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return out, nil
}

func buildSelect(table string, q tempo.Query) (string, []any, error) {
	var b strings.Builder
	b.WriteString("SELECT doc FROM records WHERE tbl = ?")
	args := []any{table}

	for col, want := range q.Eq {
		if err := checkColumn(col); err != nil {
			return "", nil, err
		}
		b.WriteString(" AND CAST(json_extract(doc, ?) AS TEXT) = ?")
		args = append(args, jsonPath(col), want)
	}
	if bound := q.Before; bound != nil {
		if err := checkColumn(bound.Column); err != nil {
			return "", nil, err
		}
		b.WriteString(" AND json_extract(doc, ?) < ?")
		args = append(args, jsonPath(bound.Column), formatTime(bound.At))
	}
	if rg := q.Range; rg != nil {
		if err := checkColumn(rg.Column); err != nil {
			return "", nil, err
		}
		b.WriteString(" AND json_extract(doc, ?) BETWEEN ? AND ?")
		args = append(args, jsonPath(rg.Column), formatTime(rg.From), formatTime(rg.To))
	}
	if q.OrderBy != "" {
		if err := checkColumn(q.OrderBy); err != nil {
			return "", nil, err
		}
		dir := "ASC"
		if q.Descending {
			dir = "DESC"
		}
		b.WriteString(" ORDER BY json_extract(doc, ?) " + dir + ", rowid ASC")
		args = append(args, jsonPath(q.OrderBy))
	} else {
		b.WriteString(" ORDER BY rowid ASC")
	}
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}
	return b.String(), args, nil
}

func (s *Store) Insert(ctx context.Context, table string, doc json.RawMessage) (json.RawMessage, error) {
	var row map[string]any
	if err := json.Unmarshal(doc, &row); err != nil {
		return nil, fmt.Errorf("%w: record is not a JSON object", tempo.ErrValidation)
	}
	if id, _ := row["id"].(string); id == "" {
		row["id"] = s.newID()
	}
	ts := formatTime(s.now())
	for _, col := range []string{"created_at", "updated_at"} {
		if v, _ := row[col].(string); v == "" {
			row[col] = ts
		}
	}
	normalizeTimes(row)
	id := row["id"].(string)

	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, found, err := loadDoc(ctx, tx, table, id); err != nil {
			return err
		} else if found {
			return fmt.Errorf("%w: duplicate id %q", tempo.ErrValidation, id)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO records (tbl, id, doc) VALUES (?, ?, ?)`, table, id, string(data))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	return s.publish(table, tempo.ChangeInsert, data)
}

func (s *Store) Update(ctx context.Context, table, id string, patch map[string]any) (json.RawMessage, error) {
	normalized, err := jsonFields(patch)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		current, found, err := loadDoc(ctx, tx, table, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%s/%s: %w", table, id, tempo.ErrNotFound)
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(current), &row); err != nil {
			return fmt.Errorf("decode stored record: %w", err)
		}
		maps.Copy(row, normalized)
		row["id"] = id
		if _, has := row["updated_at"]; has {
			row["updated_at"] = formatTime(s.now())
		}
		normalizeTimes(row)
		if data, err = json.Marshal(row); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE records SET doc = ? WHERE tbl = ? AND id = ?`, string(data), table, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}
	return s.publish(table, tempo.ChangeUpdate, data)
}

func (s *Store) Delete(ctx context.Context, table, id string) error {
	var old string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, found, err := loadDoc(ctx, tx, table, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%s/%s: %w", table, id, tempo.ErrNotFound)
		}
		old = current
		_, err = tx.ExecContext(ctx, `DELETE FROM records WHERE tbl = ? AND id = ?`, table, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	_, err = s.publish(table, tempo.ChangeDelete, []byte(old))
	return err
}

// Count returns the number of rows in table.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	var n int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE tbl = ?`, table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) publish(table string, typ tempo.ChangeType, data []byte) (json.RawMessage, error) {
	ev, err := tempo.NewChangeEvent(table, typ, json.RawMessage(data))
	if err != nil {
		return nil, err
	}
	s.Publish(ev)
	return json.RawMessage(data), nil
}

func loadDoc(ctx context.Context, tx *sql.Tx, table, id string) (string, bool, error) {
	var doc string
	err := tx.QueryRowContext(ctx, `SELECT doc FROM records WHERE tbl = ? AND id = ?`, table, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load %s/%s: %w", table, id, err)
	}
	return doc, true, nil
}

func checkColumn(col string) error {
	if !columnName.MatchString(col) {
		return fmt.Errorf("%w: invalid column name %q", tempo.ErrValidation, col)
	}
	return nil
}

func jsonPath(col string) string { return "$." + col }

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// normalizeTimes rewrites timestamp columns into the fixed-width layout.
func normalizeTimes(row map[string]any) {
	for col, v := range row {
		str, ok := v.(string)
		if !ok || !(strings.HasSuffix(col, "_at") || strings.HasSuffix(col, "_time")) {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, str); err == nil {
			row[col] = formatTime(t)
		}
	}
}

// jsonFields round-trips a patch through JSON so stored documents only hold
// JSON-shaped values.
func jsonFields(patch map[string]any) (map[string]any, error) {
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
