package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ClientState is the connection state of a reconnecting client.
type ClientState int

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateFailed // retries exhausted; Connect resets
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ErrRetriesExhausted is surfaced through State() == StateFailed; it is kept
// as a value so callers can match on the terminal condition in logs.
var ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

// Conn is the minimal connection surface the client needs. *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// Dialer establishes a connection to the hub endpoint.
type Dialer func(ctx context.Context, url string) (Conn, error)

// Handler receives events for a subscribed kind, in arrival order.
type Handler func(Event)

// ClientConfig configures a reconnecting client. Zero values fall back to
// defaults; Dialer and After exist so tests can run without a server or real
// time.
type ClientConfig struct {
	URL         string
	BaseDelay   time.Duration
	MaxAttempts int
	Dialer      Dialer
	After       func(time.Duration) <-chan time.Time
	Logger      *zap.Logger
}

type subscription struct {
	id      int
	kind    EventKind
	handler Handler
}

// Client maintains one logical connection to the hub, re-establishing it
// with exponential backoff, and dispatches events to local subscribers.
type Client struct {
	url         string
	baseDelay   time.Duration
	maxAttempts int
	dial        Dialer
	after       func(time.Duration) <-chan time.Time
	logger      *zap.Logger

	mu      sync.Mutex
	state   ClientState
	conn    Conn
	cancel  context.CancelFunc
	running bool
	subs    []subscription
	nextSub int
	wg      sync.WaitGroup
}

// NewClient creates a reconnecting client for the given hub endpoint.
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		url:         cfg.URL,
		baseDelay:   cfg.BaseDelay,
		maxAttempts: cfg.MaxAttempts,
		dial:        cfg.Dialer,
		after:       cfg.After,
		logger:      cfg.Logger,
		state:       StateDisconnected,
	}
	if c.baseDelay <= 0 {
		c.baseDelay = time.Second
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 5
	}
	if c.dial == nil {
		c.dial = dialWebSocket
	}
	if c.after == nil {
		c.after = time.After
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

func dialWebSocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// State returns the current connection state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect starts the connection loop. Idempotent while a loop is already
// running; calling it after the client failed terminally resets the attempt
// counter and resumes retrying.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.state = StateConnecting
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(ctx)
}

// Disconnect closes the channel and cancels any pending reconnect attempt.
// No callbacks are invoked after it returns until Connect is called again.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.cancel = nil
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	c.setState(StateDisconnected)
}

// Subscribe registers a handler for one event kind and returns a disposer
// that removes exactly this registration. The disposer is safe to call more
// than once.
func (c *Client) Subscribe(kind EventKind, handler Handler) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs = append(c.subs, subscription{id: id, kind: kind, handler: handler})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, sub := range c.subs {
			if sub.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// run is the connection state machine: Connecting -> Connected -> (error) ->
// Backoff(attempt) -> Connecting ... -> Failed once attempts are exhausted.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	attempt := 0
	for {
		c.setState(StateConnecting)
		conn, err := c.dial(ctx, c.url)
		if err == nil {
			attempt = 0
			c.mu.Lock()
			c.conn = conn
			c.state = StateConnected
			c.mu.Unlock()
			c.logger.Info("Connected to event hub", zap.String("url", c.url))

			c.readLoop(ctx, conn)

			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			conn.Close()
		}

		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.running = false
			c.state = StateDisconnected
			c.mu.Unlock()
			return
		default:
		}

		if err != nil {
			c.logger.Warn("Connection attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
		} else {
			c.logger.Warn("Connection lost", zap.String("url", c.url))
		}

		attempt++
		if attempt >= c.maxAttempts {
			c.logger.Error("Giving up on event hub",
				zap.Int("attempts", attempt),
				zap.Error(ErrRetriesExhausted))
			c.mu.Lock()
			c.running = false
			c.state = StateFailed
			c.mu.Unlock()
			return
		}

		delay := c.baseDelay << (attempt - 1)
		c.setState(StateBackoff)
		c.logger.Info("Backing off before reconnect",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.running = false
			c.state = StateDisconnected
			c.mu.Unlock()
			return
		case <-c.after(delay):
		}
	}
}

// readLoop reads frames until the connection drops or the context is
// cancelled, dispatching each decoded event.
func (c *Client) readLoop(ctx context.Context, conn Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		var evt Event
		if err := json.Unmarshal(payload, &evt); err != nil {
			c.logger.Warn("Discarding undecodable event", zap.Error(err))
			continue
		}
		c.dispatch(evt)
	}
}

// dispatch invokes every matching handler in registration order. A panic in
// one handler never prevents delivery to the others.
func (c *Client) dispatch(evt Event) {
	c.mu.Lock()
	matched := make([]Handler, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.kind == evt.Type {
			matched = append(matched, sub.handler)
		}
	}
	c.mu.Unlock()

	for _, h := range matched {
		c.invoke(h, evt)
	}
}

func (c *Client) invoke(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Subscriber panicked",
				zap.String("kind", string(evt.Type)),
				zap.Any("panic", r))
		}
	}()
	h(evt)
}
