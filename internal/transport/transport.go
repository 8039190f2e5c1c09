// Package transport maintains the persistent bidirectional channel to the
// authority service.
//
// One websocket connection is kept per session, keyed by session type and
// id. Unexpected closure triggers reconnection with exponential backoff
// (base 1 s, doubling, capped at 30 s) up to a bounded attempt count;
// exceeding the cap closes the channel permanently for the session.
// Outbound sends while the channel is not open fail fast with ErrNotOpen;
// delivery is best-effort by contract, and any replay buffering is the
// caller's decision.
//
// Inbound messages are schema-checked, then dispatched by their type tag.
// Unknown tags are ignored.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State describes the channel.
type State int

const (
	// StateConnecting means a dial or reconnect is in progress.
	StateConnecting State = iota
	// StateOpen means the channel is usable.
	StateOpen
	// StateClosed means the channel is permanently down for this session.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

var (
	// ErrNotOpen is returned by Send while the channel is not open.
	ErrNotOpen = errors.New("transport: channel not open")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("transport: already started")
)

// Config controls the channel.
type Config struct {
	// URL is the websocket base, e.g. "ws://localhost:8000".
	URL string `json:"url"`

	// SessionType and SessionID key the channel ("exam"/<attempt id>).
	SessionType string `json:"session_type"`
	SessionID   string `json:"session_id"`

	// Token authenticates the connection via query parameter.
	Token string `json:"token"`

	// BaseBackoff is the first reconnect delay; it doubles per attempt up
	// to MaxBackoff.
	BaseBackoff time.Duration `json:"base_backoff"`
	MaxBackoff  time.Duration `json:"max_backoff"`

	// MaxAttempts bounds consecutive reconnect attempts.
	MaxAttempts int `json:"max_attempts"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
		MaxAttempts: 10,
	}
}

// Backoff returns the delay before reconnect attempt n (1-based):
// min(MaxBackoff, BaseBackoff * 2^(n-1)).
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// Conn is the slice of a websocket connection the channel uses.
// *websocket.Conn satisfies it; tests substitute fakes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens one connection. The default dials with gorilla/websocket.
type DialFunc func(ctx context.Context, rawURL string) (Conn, error)

func defaultDial(ctx context.Context, rawURL string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Handler consumes one inbound message of a registered type.
type Handler func(msg json.RawMessage)

// Channel is the persistent session channel.
type Channel struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger
	dial   DialFunc

	conn     Conn
	state    State
	attempts int

	handlers    map[string]Handler
	onOpen      []func()
	onPermanent []func()

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a channel. A nil dial uses the gorilla/websocket dialer.
func New(cfg Config, dial DialFunc, logger *slog.Logger) *Channel {
	if dial == nil {
		dial = defaultDial
	}
	return &Channel{
		cfg:      cfg,
		logger:   logger,
		dial:     dial,
		state:    StateConnecting,
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for an inbound message type. Must be called
// before Start.
func (ch *Channel) Handle(msgType string, h Handler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.handlers[msgType] = h
}

// OnOpen registers a callback fired each time the channel (re)opens.
func (ch *Channel) OnOpen(fn func()) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onOpen = append(ch.onOpen, fn)
}

// OnPermanentClose registers a callback fired when the reconnect budget is
// exhausted.
func (ch *Channel) OnPermanentClose(fn func()) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onPermanent = append(ch.onPermanent, fn)
}

// State returns the channel state.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Attempts returns the current consecutive reconnect attempt count.
func (ch *Channel) Attempts() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.attempts
}

// Start dials and runs the channel until the context is cancelled or the
// reconnect budget is exhausted.
func (ch *Channel) Start(ctx context.Context) error {
	ch.mu.Lock()
	if ch.started {
		ch.mu.Unlock()
		return ErrAlreadyStarted
	}
	ch.started = true
	ctx, ch.cancel = context.WithCancel(ctx)
	ch.done = make(chan struct{})
	ch.mu.Unlock()

	go ch.run(ctx)
	return nil
}

// Stop tears the channel down. Idempotent.
func (ch *Channel) Stop() {
	ch.mu.Lock()
	if !ch.started {
		ch.mu.Unlock()
		return
	}
	ch.started = false
	cancel, done := ch.cancel, ch.done
	ch.mu.Unlock()

	cancel()
	<-done
}

// Send marshals and writes one message. Returns ErrNotOpen while the
// channel is connecting or closed; the caller decides whether dropped
// sends matter.
func (ch *Channel) Send(msg any) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != StateOpen || ch.conn == nil {
		return ErrNotOpen
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return ch.conn.WriteMessage(websocket.TextMessage, data)
}

func (ch *Channel) run(ctx context.Context) {
	defer close(ch.done)

	for {
		if ctx.Err() != nil {
			ch.setState(StateClosed)
			return
		}

		conn, err := ch.dial(ctx, ch.endpoint())
		if err != nil {
			if !ch.scheduleRetry(ctx, err) {
				return
			}
			continue
		}

		ch.mu.Lock()
		ch.conn = conn
		ch.state = StateOpen
		ch.attempts = 0
		opened := make([]func(), len(ch.onOpen))
		copy(opened, ch.onOpen)
		ch.mu.Unlock()

		ch.logger.Info("channel open", "session_type", ch.cfg.SessionType, "session_id", ch.cfg.SessionID)
		for _, fn := range opened {
			fn()
		}

		// ReadMessage does not observe the context; close the connection
		// on cancellation to unblock the pump.
		readDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-readDone:
			}
		}()
		ch.readPump(ctx, conn)
		close(readDone)

		ch.mu.Lock()
		ch.conn = nil
		ch.state = StateConnecting
		ch.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			ch.setState(StateClosed)
			return
		}
		if !ch.scheduleRetry(ctx, errors.New("connection lost")) {
			return
		}
	}
}

// scheduleRetry waits out the backoff for the next attempt. It returns
// false when the attempt budget is exhausted or the context ended, with
// the channel marked permanently closed.
func (ch *Channel) scheduleRetry(ctx context.Context, cause error) bool {
	ch.mu.Lock()
	ch.attempts++
	attempt := ch.attempts
	permanent := attempt > ch.cfg.MaxAttempts
	var closers []func()
	if permanent {
		ch.state = StateClosed
		closers = make([]func(), len(ch.onPermanent))
		copy(closers, ch.onPermanent)
	} else {
		ch.state = StateConnecting
	}
	ch.mu.Unlock()

	if permanent {
		ch.logger.Error("channel permanently closed", "attempts", attempt-1, "cause", cause)
		for _, fn := range closers {
			fn()
		}
		return false
	}

	delay := ch.cfg.Backoff(attempt)
	ch.logger.Warn("reconnecting", "attempt", attempt, "delay", delay, "cause", cause)

	select {
	case <-ctx.Done():
		ch.setState(StateClosed)
		return false
	case <-time.After(delay):
		return true
	}
}

func (ch *Channel) readPump(ctx context.Context, conn Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ch.dispatch(data)
	}
}

// dispatch validates and routes one inbound message. Unknown or malformed
// messages are ignored.
func (ch *Channel) dispatch(data []byte) {
	msgType, err := ValidateInbound(data)
	if err != nil {
		ch.logger.Debug("invalid inbound message", "error", err)
		return
	}

	ch.mu.Lock()
	h := ch.handlers[msgType]
	ch.mu.Unlock()

	if h == nil {
		ch.logger.Debug("unhandled message type", "type", msgType)
		return
	}
	h(json.RawMessage(data))
}

func (ch *Channel) setState(s State) {
	ch.mu.Lock()
	ch.state = s
	ch.mu.Unlock()
}

func (ch *Channel) endpoint() string {
	u := fmt.Sprintf("%s/ws/%s/%s", ch.cfg.URL, ch.cfg.SessionType, ch.cfg.SessionID)
	if ch.cfg.Token != "" {
		u += "?token=" + url.QueryEscape(ch.cfg.Token)
	}
	return u
}
