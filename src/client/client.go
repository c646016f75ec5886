// Package client implements the tab-side connection lifecycle: it
// maintains the socket to the host, reconnects with exponential backoff,
// executes inbound commands, and republishes page context on tab changes.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/pincerhq/pincer/src/protocol"
)

// State is the client connection state. Error is transient and always
// followed by Disconnected.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

const (
	// DefaultMaxReconnectAttempts bounds automatic reconnection; after the
	// 5th failure resuming requires an explicit Connect call.
	DefaultMaxReconnectAttempts = 5
	// DefaultReconnectBaseDelay seeds the exponential backoff schedule.
	DefaultReconnectBaseDelay = 1000 * time.Millisecond
)

// DialFunc opens the underlying socket. Injectable for tests.
type DialFunc func() (protocol.Conn, error)

// CommandHandler executes a host command against the tab and returns the
// result payload for the matching command_result event.
type CommandHandler func(cmd protocol.Command) (map[string]any, error)

// Client is the reconnecting socket state machine, one instance per
// socket.
type Client struct {
	serverURL       string
	token           string
	sendOnTabSwitch bool
	maxAttempts     int
	baseDelay       time.Duration

	dial    DialFunc
	handler CommandHandler
	logger  zerolog.Logger

	mu             sync.Mutex
	conn           protocol.Conn
	state          State
	attempts       int
	reconnectTimer *time.Timer
	manual         bool
	onState        []func(State)

	tabID   int
	lastCtx *protocol.PageContext

	writeMu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithAuthToken sends the token as a connection query parameter.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithCommandHandler sets the executor for inbound commands.
func WithCommandHandler(h CommandHandler) Option {
	return func(c *Client) { c.handler = h }
}

// WithSendOnTabSwitch republishes the cached context when the tab changes.
func WithSendOnTabSwitch(on bool) Option {
	return func(c *Client) { c.sendOnTabSwitch = on }
}

// WithReconnectPolicy overrides the backoff constants.
func WithReconnectPolicy(maxAttempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.baseDelay = baseDelay
	}
}

// WithDialFunc replaces the WebSocket dialer. Used by tests.
func WithDialFunc(dial DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client targeting the host's upgrade endpoint.
func New(serverURL string, opts ...Option) *Client {
	c := &Client{
		serverURL:   serverURL,
		maxAttempts: DefaultMaxReconnectAttempts,
		baseDelay:   DefaultReconnectBaseDelay,
		state:       Disconnected,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dial == nil {
		c.dial = c.wsDial
	}
	c.logger = c.logger.With().Str("component", "client").Logger()
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the reconnect attempt counter.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// OnStateChange registers a connectivity notification callback and
// returns a disposer.
func (c *Client) OnStateChange(cb func(State)) func() {
	c.mu.Lock()
	c.onState = append(c.onState, cb)
	idx := len(c.onState) - 1
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.onState[idx] = nil
	}
}

// setState transitions the state machine and notifies observers. No-op
// when the state is unchanged.
func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	cbs := append([]func(State){}, c.onState...)
	c.mu.Unlock()

	for _, cb := range cbs {
		if cb != nil {
			cb(s)
		}
	}
}

// Connect opens the socket. No-op when already Connected or a connect is
// in flight. A dial failure surfaces as a transient Error state followed
// by Disconnected and a scheduled reconnect.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return nil
	}
	c.manual = false
	c.mu.Unlock()

	c.setState(Connecting)

	conn, err := c.dial()
	if err != nil {
		c.logger.Warn().Err(err).Msg("connect failed")
		c.setState(Error)
		c.setState(Disconnected)
		c.scheduleReconnect()
		return fmt.Errorf("dial %s: %w", c.serverURL, err)
	}

	c.mu.Lock()
	if c.manual {
		// Disconnect landed while the dial was in flight; it wins.
		c.mu.Unlock()
		conn.Close()
		c.setState(Disconnected)
		return nil
	}
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()

	c.setState(Connected)
	c.logger.Info().Str("url", c.serverURL).Msg("connected")

	go c.readLoop(conn)

	c.announce()
	return nil
}

// announce sends the connect envelope and, when configured, republishes
// the cached context.
func (c *Client) announce() {
	c.mu.Lock()
	tabID := c.tabID
	last := c.lastCtx
	republish := c.sendOnTabSwitch && last != nil
	c.mu.Unlock()

	ev := protocol.TabEvent{Type: protocol.EventConnect, TabID: tabID, Timestamp: time.Now()}
	if last != nil {
		ev.URL = last.URL
	}
	if err := c.send(ev); err != nil {
		c.logger.Warn().Err(err).Msg("connect announce failed")
	}
	if republish {
		if err := c.PublishContext(*last); err != nil {
			c.logger.Warn().Err(err).Msg("context republish failed")
		}
	}
}

// Disconnect cancels any armed reconnect timer, exhausts the attempt
// counter so no automatic reconnect follows, and closes the socket.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.attempts = c.maxAttempts
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.setState(Disconnected)
}

// readLoop parses inbound frames until the socket closes. Malformed
// payloads are logged and dropped; the connection stays Connected.
// Reconnect scheduling is keyed exclusively off this loop's exit so an
// error and its trailing close can never arm two timers.
func (c *Client) readLoop(conn protocol.Conn) {
	var readErr error
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping frame")
			continue
		}
		c.handleCommand(cmd)
	}

	c.mu.Lock()
	stale := c.conn != conn
	manual := c.manual
	if !stale {
		c.conn = nil
	}
	c.mu.Unlock()

	if stale {
		return
	}

	if !manual && !isCleanClose(readErr) {
		c.logger.Warn().Err(readErr).Msg("socket error")
		// Transient notification only; the close below drives reconnect.
		c.setState(Error)
	}
	c.setState(Disconnected)
	if !manual {
		c.scheduleReconnect()
	}
}

func isCleanClose(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure
}

// scheduleReconnect arms a one-shot backoff timer. Stops silently once
// the attempt budget is exhausted; at most one timer is armed at a time.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.state == Connecting || c.state == Connected {
		c.mu.Unlock()
		return
	}
	if c.reconnectTimer != nil {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.maxAttempts {
		c.mu.Unlock()
		c.logger.Warn().Int("attempts", c.maxAttempts).Msg("reconnect attempts exhausted")
		return
	}
	delay := backoffDelay(c.baseDelay, c.attempts)
	c.attempts++
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		_ = c.Connect()
	})
	attempt := c.attempts
	c.mu.Unlock()

	c.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

// backoffDelay computes base * 2^attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base << uint(attempt)
}

// handleCommand executes an inbound command and reports its result
// upstream under the same requestId.
func (c *Client) handleCommand(cmd protocol.Command) {
	c.mu.Lock()
	handler := c.handler
	tabID := c.tabID
	c.mu.Unlock()

	var payload map[string]any
	switch {
	case cmd.Type == protocol.CommandExecute:
		payload = map[string]any{"ok": false, "error": "execute is disabled by policy"}
	case handler == nil:
		c.logger.Warn().Str("type", string(cmd.Type)).Msg("no command handler, dropping")
		return
	default:
		result, err := handler(cmd)
		if err != nil {
			payload = map[string]any{"ok": false, "error": err.Error()}
		} else {
			payload = result
		}
	}

	ev := protocol.TabEvent{
		Type:      protocol.EventCommandResult,
		TabID:     tabID,
		Timestamp: time.Now(),
		RequestID: cmd.RequestID,
		Payload:   payload,
	}
	if err := c.send(ev); err != nil {
		c.logger.Warn().Err(err).Str("request_id", cmd.RequestID).Msg("result send failed")
	}
}

// PublishContext pushes a page_context envelope upstream and caches the
// context for republish on reconnect.
func (c *Client) PublishContext(pc protocol.PageContext) error {
	c.mu.Lock()
	c.lastCtx = &pc
	tabID := c.tabID
	c.mu.Unlock()

	return c.send(protocol.TabEvent{
		Type:      protocol.EventPageContext,
		TabID:     tabID,
		URL:       pc.URL,
		Timestamp: time.Now(),
		Payload: map[string]any{
			"url":          pc.URL,
			"title":        pc.Title,
			"selectedText": pc.SelectedText,
			"visibleText":  pc.VisibleText,
		},
	})
}

// PublishSelection pushes a selection envelope upstream.
func (c *Client) PublishSelection(selected string) error {
	c.mu.Lock()
	tabID := c.tabID
	var pageURL string
	if c.lastCtx != nil {
		pageURL = c.lastCtx.URL
	}
	c.mu.Unlock()

	return c.send(protocol.TabEvent{
		Type:      protocol.EventSelection,
		TabID:     tabID,
		URL:       pageURL,
		Timestamp: time.Now(),
		Payload:   map[string]any{"selectedText": selected},
	})
}

// TabSwitched records the new active tab and, when sendOnTabSwitch is
// set, republishes its context upstream.
func (c *Client) TabSwitched(tabID int, pc protocol.PageContext) error {
	c.mu.Lock()
	c.tabID = tabID
	c.lastCtx = &pc
	republish := c.sendOnTabSwitch && c.state == Connected
	c.mu.Unlock()

	if !republish {
		return nil
	}
	return c.PublishContext(pc)
}

// send serializes and writes an envelope. Writes are serialized; the
// socket does not support concurrent writers.
func (c *Client) send(ev protocol.TabEvent) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(data)
}

// wsDial opens the real WebSocket, passing the auth token as a query
// parameter when configured.
func (c *Client) wsDial() (protocol.Conn, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts *websocket.Conn to protocol.Conn.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error { return w.conn.Close() }
