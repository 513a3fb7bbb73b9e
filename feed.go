package tempo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Change events
// ============================================================================

type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Topic selects the changes of one table, optionally filtered to rows whose
// Column equals Value.
type Topic struct {
	Table  string `json:"table"`
	Column string `json:"column,omitempty"`
	Value  string `json:"value,omitempty"`
}

// TableTopic returns the unfiltered topic of table.
func TableTopic(table string) Topic { return Topic{Table: table} }

// FilterTopic returns the topic of rows in table whose column equals value.
func FilterTopic(table, column, value string) Topic {
	return Topic{Table: table, Column: column, Value: value}
}

func (t Topic) String() string {
	if t.Column == "" {
		return t.Table
	}
	return fmt.Sprintf("%s:%s=eq.%s", t.Table, t.Column, t.Value)
}

// Matches reports whether ev belongs to t.
func (t Topic) Matches(ev ChangeEvent) bool {
	if ev.Table != t.Table {
		return false
	}
	if t.Column == "" {
		return true
	}
	row := ev.Record
	if ev.Type == ChangeDelete && len(ev.OldRecord) > 0 {
		row = ev.OldRecord
	}
	var fields map[string]any
	if err := json.Unmarshal(row, &fields); err != nil {
		return false
	}
	return fieldString(fields[t.Column]) == t.Value
}

// ChangeEvent is one row-level change pushed by the remote store.
type ChangeEvent struct {
	Table     string          `json:"table"`
	Type      ChangeType      `json:"type"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
	At        time.Time       `json:"commit_timestamp"`
}

// RecordID returns the id of the row the event is about.
func (ev ChangeEvent) RecordID() (string, error) {
	row := ev.Record
	if len(row) == 0 {
		row = ev.OldRecord
	}
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(row, &ref); err != nil {
		return "", fmt.Errorf("decode change record: %w", err)
	}
	if ref.ID == "" {
		return "", fmt.Errorf("change record without id")
	}
	return ref.ID, nil
}

// Decode unmarshals the event's row into v: the new row, or the old one
// for deletes.
func (ev ChangeEvent) Decode(v any) error {
	row := ev.Record
	if len(row) == 0 {
		row = ev.OldRecord
	}
	if err := json.Unmarshal(row, v); err != nil {
		return fmt.Errorf("decode change record: %w", err)
	}
	return nil
}

// NewChangeEvent encodes row into an event of the given type.
func NewChangeEvent(table string, typ ChangeType, row any) (ChangeEvent, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("encode change record: %w", err)
	}
	ev := ChangeEvent{Table: table, Type: typ, At: time.Now().UTC()}
	if typ == ChangeDelete {
		ev.OldRecord = data
	} else {
		ev.Record = data
	}
	return ev, nil
}

// ============================================================================
// Feed / Subscription
// ============================================================================

// Subscription is a live stream of change events for one topic.
type Subscription interface {
	// C yields events until the subscription is closed.
	C() <-chan ChangeEvent
	Topic() Topic
	Close() error
}

// Feed is a source of realtime change events.
type Feed interface {
	Subscribe(ctx context.Context, topic Topic) (Subscription, error)
}

const defaultSubscriptionBuffer = 64

// ============================================================================
// Broker
// ============================================================================

// Broker is an in-process Feed. Publish fans an event out to every matching
// subscription without blocking; a subscriber whose buffer is full misses the
// event.
type Broker struct {
	mu     sync.Mutex
	subs   map[uint64]*brokerSub
	nextID uint64
	buffer int
	closed bool
	logger *slog.Logger
}

// NewBroker creates a broker whose subscriptions buffer up to buffer events.
func NewBroker(buffer int, logger *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Broker{subs: make(map[uint64]*brokerSub), buffer: buffer, logger: logger}
}

type brokerSub struct {
	broker *Broker
	id     uint64
	topic  Topic
	ch     chan ChangeEvent
	once   sync.Once
}

func (s *brokerSub) C() <-chan ChangeEvent { return s.ch }

func (s *brokerSub) Topic() Topic { return s.topic }

func (s *brokerSub) Close() error {
	s.broker.remove(s)
	return nil
}

// Subscribe registers a subscription for topic. It is closed when ctx ends.
func (b *Broker) Subscribe(ctx context.Context, topic Topic) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: broker closed", topic)
	}
	b.nextID++
	sub := &brokerSub{broker: b, id: b.nextID, topic: topic, ch: make(chan ChangeEvent, b.buffer)}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(sub)
	}()
	return sub, nil
}

// Publish delivers ev to every subscription whose topic matches.
func (b *Broker) Publish(ev ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if !sub.topic.Matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("subscription buffer full, dropping change", "topic", sub.topic.String(), "type", ev.Type)
		}
	}
}

// Close ends every subscription.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*brokerSub)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	return nil
}

func (b *Broker) remove(sub *brokerSub) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.once.Do(func() { close(sub.ch) })
}

func fieldString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
