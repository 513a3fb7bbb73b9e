// Package tempo is a client-side synchronization cache for a productivity
// dashboard. It keeps task boards, notes, calendars, team chat and
// notifications consistent with a remote store under optimistic edits,
// background revalidation and server-pushed changes.
//
// Example:
//
//	backend := tempo.NewRESTBackend("service-key", tempo.WithBaseURL("https://db.example.com"))
//	client := tempo.NewClient(backend, tempo.WithUserID("u-1"))
//	defer client.Close()
//
//	// Typed services
//	note, _ := client.Notes().Create(ctx, "Draft", "")
//	_ = client.Messages().Load(ctx, "team-1")
//	_ = client.Messages().LoadMore(ctx, "team-1")
//
//	// Raw cache access
//	unsubscribe := client.Use(ctx, tempo.NotesKey(), fetchNotes, func(e tempo.Entry) { render(e) })
//	defer unsubscribe()
package tempo

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoFeed is returned by Subscribe when the client has no realtime feed.
var ErrNoFeed = errors.New("no realtime feed configured")

// ============================================================================
// Client
// ============================================================================

// Client wires the cache store, revalidator and mutator to a backend and an
// optional realtime feed. Every component is owned by one Client; nothing is
// shared through package state.
type Client struct {
	cfg     Config
	backend Backend
	feed    Feed
	logger  *slog.Logger
	tp      trace.TracerProvider
	userID  string
	now     func() time.Time

	store       *Store
	revalidator *Revalidator
	mutator     *Mutator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	online bool

	notes         *NotesService
	tasks         *TasksService
	projects      *ProjectsService
	calendar      *CalendarService
	messages      *MessagesService
	notifications *NotificationsService
	teams         *TeamsService
}

type Option func(*Client)

func WithConfig(cfg Config) Option {
	return func(c *Client) { c.cfg = cfg }
}

// WithFeed sets the realtime feed. Backends that are also feeds are used as
// the feed automatically.
func WithFeed(feed Feed) Option {
	return func(c *Client) { c.feed = feed }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) { c.tp = tp }
}

// WithUserID sets the signed-in user that owns personal collections.
func WithUserID(id string) Option {
	return func(c *Client) { c.userID = id }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient creates a client over backend.
func NewClient(backend Backend, opts ...Option) *Client {
	c := &Client{
		cfg:     DefaultConfig(),
		backend: backend,
		logger:  slog.New(slog.DiscardHandler),
		now:     time.Now,
		online:  true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tp == nil {
		c.tp = otel.GetTracerProvider()
	}
	if c.feed == nil {
		if f, ok := backend.(Feed); ok {
			c.feed = f
		}
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.store = NewStore(WithCapacity(c.cfg.CacheCapacity), WithStoreLogger(c.logger), WithStoreClock(c.now))
	c.revalidator = NewRevalidator(c.store, c.cfg, c.tp)
	c.mutator = NewMutator(c.store, c.revalidator, c.tp)
	c.store.OnRevalidate(func(key Key) {
		c.background(func(ctx context.Context) {
			if err := c.revalidator.Revalidate(ctx, key); err != nil && !errors.Is(err, ErrNoFetcher) {
				c.logger.Debug("background revalidate failed", "key", key.String(), "error", err)
			}
		})
	})

	if rf, ok := c.feed.(connectionNotifier); ok {
		rf.OnConnected(func() { c.SetOnline(true) })
		rf.OnDisconnected(func(string) { c.SetOnline(false) })
	}

	c.notes = newNotesService(c)
	c.tasks = newTasksService(c)
	c.projects = newProjectsService(c)
	c.calendar = newCalendarService(c)
	c.messages = newMessagesService(c)
	c.notifications = newNotificationsService(c)
	c.teams = newTeamsService(c)
	return c
}

type connectionNotifier interface {
	OnConnected(func())
	OnDisconnected(func(reason string))
}

func (c *Client) Config() Config { return c.cfg }
func (c *Client) Store() *Store { return c.store }
func (c *Client) Revalidator() *Revalidator { return c.revalidator }
func (c *Client) Backend() Backend { return c.backend }
func (c *Client) UserID() string { return c.userID }
func (c *Client) Logger() *slog.Logger { return c.logger }

func (c *Client) Notes() *NotesService { return c.notes }
func (c *Client) Tasks() *TasksService { return c.tasks }
func (c *Client) Projects() *ProjectsService { return c.projects }
func (c *Client) Calendar() *CalendarService { return c.calendar }
func (c *Client) Messages() *MessagesService { return c.messages }
func (c *Client) Notifications() *NotificationsService { return c.notifications }
func (c *Client) Teams() *TeamsService { return c.teams }

// Read returns the current entry of key without fetching.
func (c *Client) Read(key Key) Entry { return c.store.Get(key) }

// Use subscribes consumer to key, registers fetcher for it and starts a
// fetch when the key has no value yet or RevalidateOnMount is set. The
// returned function unsubscribes.
func (c *Client) Use(ctx context.Context, key Key, fetcher Fetcher, consumer Consumer) (unsubscribe func()) {
	c.revalidator.Register(key, fetcher)
	unsubscribe = c.store.Subscribe(key, consumer)
	if e := c.store.Get(key); !e.HasValue || c.cfg.RevalidateOnMount {
		c.background(func(bg context.Context) {
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			stop := context.AfterFunc(bg, cancel)
			defer stop()
			if err := c.revalidator.Revalidate(ctx, key); err != nil {
				c.logger.Debug("mount revalidate failed", "key", key.String(), "error", err)
			}
		})
	}
	return unsubscribe
}

// Mutate runs an optimistic mutation against key.
func (c *Client) Mutate(ctx context.Context, key Key, m Mutation) (Outcome, error) {
	return c.mutator.Mutate(ctx, key, m)
}

// Invalidate refetches key now, bypassing the dedupe interval.
func (c *Client) Invalidate(ctx context.Context, key Key) error {
	return c.revalidator.Invalidate(ctx, key)
}

// Revalidate refetches key unless it is fresh.
func (c *Client) Revalidate(ctx context.Context, key Key) error {
	return c.revalidator.Revalidate(ctx, key)
}

// Subscribe opens a realtime subscription on the client's feed.
func (c *Client) Subscribe(ctx context.Context, topic Topic) (Subscription, error) {
	if c.feed == nil {
		return nil, ErrNoFeed
	}
	return c.feed.Subscribe(ctx, topic)
}

// Online reports the last connectivity state passed to SetOnline.
func (c *Client) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetOnline records connectivity. Coming back online revalidates every
// subscribed key when RevalidateOnReconnect is set.
func (c *Client) SetOnline(online bool) {
	c.mu.Lock()
	wasOnline := c.online
	c.online = online
	c.mu.Unlock()

	if online && !wasOnline && c.cfg.RevalidateOnReconnect {
		c.logger.Info("back online, revalidating subscribed keys")
		c.background(func(ctx context.Context) {
			if err := c.revalidator.RevalidateSubscribed(ctx); err != nil {
				c.logger.Warn("reconnect revalidate failed", "error", err)
			}
		})
	}
}

// Close stops background work started by the client and waits for it.
func (c *Client) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

// watch consumes topic with apply until ctx or the client ends.
func (c *Client) watch(ctx context.Context, topic Topic, apply func(ChangeEvent)) error {
	sub, err := c.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	c.background(func(bg context.Context) {
		defer sub.Close()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(bg, cancel)
		defer stop()
		if err := consume(ctx, sub, apply); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Debug("watch ended", "topic", topic.String(), "error", err)
		}
	})
	return nil
}

func (c *Client) background(fn func(ctx context.Context)) {
	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

// ============================================================================
// Typed views
// ============================================================================

// View is an Entry with its value asserted to T.
type View[T any] struct {
	Entry
	Data T
}

// ViewOf converts e. Data is the zero T when the value has another type.
func ViewOf[T any](e Entry) View[T] {
	data, _ := e.Value.(T)
	return View[T]{Entry: e, Data: data}
}

// Read returns the typed entry of key.
func Read[T any](c *Client, key Key) View[T] {
	return ViewOf[T](c.Read(key))
}

// requireUser returns the signed-in user id or a validation error.
func (c *Client) requireUser() (string, error) {
	if c.userID == "" {
		return "", validationErrorf("not authenticated")
	}
	return c.userID, nil
}

func (c *Client) timestamp() time.Time { return c.now().UTC() }
