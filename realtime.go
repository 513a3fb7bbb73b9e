package tempo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// AuthenticatedPayload is sent once the server accepts the connection.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// RealtimeEnvelope is the wire format for all server events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Envelope and command types.
const (
	EventAuthenticated = "authenticated"
	EventChange        = "change"
	EventPong          = "pong"
	EventError         = "error"

	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandPing        = "ping"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the WebSocket feed.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector paces reconnect attempts with jittered exponential backoff.
// A connection that stayed up longer than stableConnection restarts the
// schedule.
type reconnector struct {
	policy      *backoff.ExponentialBackOff
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

const stableConnection = time.Minute

func newReconnector(config *RealtimeConfig) *reconnector {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = config.ReconnectBaseDelay
	policy.MaxInterval = config.ReconnectMaxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.25
	policy.Reset()
	return &reconnector{
		policy:      policy,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

// shouldReconnect reports whether another attempt is allowed. A negative
// limit means unlimited.
func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > stableConnection {
		r.attempt = 0
		r.connectedAt = time.Time{}
		r.policy.Reset()
	}
	r.attempt++
	return min(r.policy.NextBackOff(), r.maxDelay)
}

// ============================================================================
// RealtimeFeed
// ============================================================================

// RealtimeFeed is a Feed over a WebSocket connection with heartbeat and
// auto-reconnect. Active topics are resubscribed after every reconnect.
type RealtimeFeed struct {
	baseURL string
	config  RealtimeConfig
	logger  *slog.Logger
	broker  *Broker
	recon   *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	topics           map[string]*topicRef

	hooksMu        sync.RWMutex
	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)

	pingCounter  atomic.Int64
	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload
}

type topicRef struct {
	topic Topic
	count int
}

// NewRealtimeFeed creates a feed for the server at baseURL (http or https).
func NewRealtimeFeed(baseURL string, config RealtimeConfig) *RealtimeFeed {
	config.defaults()
	return &RealtimeFeed{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       config,
		logger:       config.Logger,
		broker:       NewBroker(0, config.Logger),
		recon:        newReconnector(&config),
		state:        StateDisconnected,
		topics:       make(map[string]*topicRef),
		pendingPings: make(map[string]chan PongPayload),
	}
}

// OnConnected registers a handler called after every successful connect.
func (f *RealtimeFeed) OnConnected(h func()) {
	f.hooksMu.Lock()
	f.onConnected = append(f.onConnected, h)
	f.hooksMu.Unlock()
}

// OnDisconnected registers a handler called when the connection drops.
func (f *RealtimeFeed) OnDisconnected(h func(reason string)) {
	f.hooksMu.Lock()
	f.onDisconnected = append(f.onDisconnected, h)
	f.hooksMu.Unlock()
}

// OnReconnecting registers a handler called before each reconnect attempt.
func (f *RealtimeFeed) OnReconnecting(h func(attempt int, delay time.Duration)) {
	f.hooksMu.Lock()
	f.onReconnecting = append(f.onReconnecting, h)
	f.hooksMu.Unlock()
}

// State returns the current connection state.
func (f *RealtimeFeed) State() RealtimeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *RealtimeFeed) wsURL() string {
	u := strings.Replace(f.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/realtime/v1/websocket"
	if f.config.Token != "" {
		u += "?" + url.Values{"token": {f.config.Token}}.Encode()
	}
	return u
}

// Connect dials the server and waits for the authenticated event.
func (f *RealtimeFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.state == StateConnected || f.state == StateConnecting {
		f.mu.Unlock()
		return nil
	}
	f.state = StateConnecting
	f.intentionalClose = false
	f.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, f.wsURL(), &websocket.DialOptions{HTTPClient: f.config.HTTPClient})
	if err != nil {
		f.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		f.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != EventAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		f.setState(StateDisconnected)
		return fmt.Errorf("expected '%s', got '%s'", EventAuthenticated, env.Type)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.mu.Lock()
	f.conn = conn
	f.state = StateConnected
	f.cancelFn = cancel
	topics := make([]Topic, 0, len(f.topics))
	for _, ref := range f.topics {
		topics = append(topics, ref.topic)
	}
	f.mu.Unlock()
	f.recon.markConnected()
	f.logger.Info("realtime connected", "url", f.baseURL)

	for _, t := range topics {
		if err := f.send(ctx, RealtimeCommand{Type: CommandSubscribe, Payload: t}); err != nil {
			f.logger.Warn("resubscribe failed", "topic", t.String(), "error", err)
		}
	}

	go f.readLoop(connCtx, conn)
	go f.heartbeatLoop(connCtx)

	f.hooksMu.RLock()
	hooks := append([]func(){}, f.onConnected...)
	f.hooksMu.RUnlock()
	for _, h := range hooks {
		go h()
	}
	return nil
}

// Disconnect gracefully closes the connection and every subscription.
func (f *RealtimeFeed) Disconnect() error {
	f.mu.Lock()
	f.intentionalClose = true
	if f.cancelFn != nil {
		f.cancelFn()
		f.cancelFn = nil
	}
	conn := f.conn
	f.conn = nil
	f.state = StateDisconnected
	f.mu.Unlock()

	f.clearPendingPings()
	f.broker.Close()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe listens for changes on topic. The server is told about the topic
// now if connected, otherwise on the next connect.
func (f *RealtimeFeed) Subscribe(ctx context.Context, topic Topic) (Subscription, error) {
	inner, err := f.broker.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	ref, ok := f.topics[topic.String()]
	if !ok {
		ref = &topicRef{topic: topic}
		f.topics[topic.String()] = ref
	}
	ref.count++
	first, connected := ref.count == 1, f.state == StateConnected
	f.mu.Unlock()

	if first && connected {
		if err := f.send(ctx, RealtimeCommand{Type: CommandSubscribe, Payload: topic}); err != nil {
			inner.Close()
			f.release(topic)
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	sub := &realtimeSub{Subscription: inner, feed: f}
	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub, nil
}

type realtimeSub struct {
	Subscription
	feed *RealtimeFeed
	once sync.Once
}

func (s *realtimeSub) Close() error {
	s.once.Do(func() {
		s.Subscription.Close()
		s.feed.release(s.Topic())
	})
	return nil
}

// release drops one reference to topic and unsubscribes on the last one.
func (f *RealtimeFeed) release(topic Topic) {
	f.mu.Lock()
	ref, ok := f.topics[topic.String()]
	if !ok {
		f.mu.Unlock()
		return
	}
	ref.count--
	last := ref.count <= 0
	if last {
		delete(f.topics, topic.String())
	}
	connected := f.state == StateConnected
	f.mu.Unlock()

	if last && connected {
		ctx, cancel := context.WithTimeout(context.Background(), f.config.PingTimeout)
		defer cancel()
		if err := f.send(ctx, RealtimeCommand{Type: CommandUnsubscribe, Payload: topic}); err != nil {
			f.logger.Debug("unsubscribe failed", "topic", topic.String(), "error", err)
		}
	}
}

// Ping sends a ping and waits for the matching pong.
func (f *RealtimeFeed) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := fmt.Sprintf("ping-%d", f.pingCounter.Add(1))

	ch := make(chan PongPayload, 1)
	f.pendingMu.Lock()
	f.pendingPings[requestID] = ch
	f.pendingMu.Unlock()

	forget := func() {
		f.pendingMu.Lock()
		delete(f.pendingPings, requestID)
		f.pendingMu.Unlock()
	}

	err := f.send(ctx, RealtimeCommand{
		Type:    CommandPing,
		Payload: PongPayload{RequestID: requestID},
	})
	if err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(f.config.PingTimeout)
	defer timer.Stop()
	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed")
		}
		return &pong, nil
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (f *RealtimeFeed) send(ctx context.Context, cmd RealtimeCommand) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (f *RealtimeFeed) setState(s RealtimeState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *RealtimeFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			f.mu.Lock()
			intentional := f.intentionalClose
			if !intentional {
				f.state = StateDisconnected
				f.conn = nil
			}
			cancel := f.cancelFn
			f.mu.Unlock()
			if intentional {
				return
			}
			if cancel != nil {
				cancel()
			}

			f.logger.Info("realtime disconnected", "error", err)
			f.hooksMu.RLock()
			hooks := append([]func(string){}, f.onDisconnected...)
			f.hooksMu.RUnlock()
			for _, h := range hooks {
				go h(err.Error())
			}

			if f.config.AutoReconnect && f.recon.shouldReconnect() {
				f.scheduleReconnect(context.Background())
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case EventChange:
			ev, err := decodeChange(env.Payload)
			if err != nil {
				f.logger.Debug("skipping malformed change", "error", err)
				continue
			}
			f.broker.Publish(ev)
		case EventPong:
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				f.pendingMu.Lock()
				ch, ok := f.pendingPings[p.RequestID]
				if ok {
					delete(f.pendingPings, p.RequestID)
				}
				f.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		case EventError:
			var p RealtimeErrorPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				f.logger.Warn("realtime server error", "message", p.Message)
			}
		}
	}
}

func (f *RealtimeFeed) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.State() != StateConnected {
				return
			}
			if _, err := f.Ping(ctx); err != nil {
				// Heartbeat failed, force close so the read loop reconnects.
				f.mu.Lock()
				conn := f.conn
				f.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (f *RealtimeFeed) scheduleReconnect(ctx context.Context) {
	for {
		delay := f.recon.nextDelay()
		f.setState(StateReconnecting)

		f.hooksMu.RLock()
		hooks := append([]func(int, time.Duration){}, f.onReconnecting...)
		f.hooksMu.RUnlock()
		for _, h := range hooks {
			go h(f.recon.attempt, delay)
		}

		time.Sleep(delay)

		f.mu.Lock()
		stop := f.intentionalClose
		f.mu.Unlock()
		if stop {
			return
		}
		f.setState(StateDisconnected)
		err := f.Connect(ctx)
		if err == nil {
			return
		}
		f.logger.Info("realtime reconnect failed", "attempt", f.recon.attempt, "error", err)
		if !f.config.AutoReconnect || !f.recon.shouldReconnect() {
			f.setState(StateDisconnected)
			return
		}
	}
}

func (f *RealtimeFeed) clearPendingPings() {
	f.pendingMu.Lock()
	for k, ch := range f.pendingPings {
		close(ch)
		delete(f.pendingPings, k)
	}
	f.pendingMu.Unlock()
}
