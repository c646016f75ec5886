package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pincerhq/pincer/src/protocol"
)

// TabConn wraps a single tab's WebSocket connection and manages message
// flow. The socket handle is borrowed: the registry observes open/closed
// but the transport layer owns the handshake.
type TabConn struct {
	ID string

	conn protocol.Conn
	reg  *Registry
	Send chan []byte

	mu           sync.RWMutex
	tabID        int
	url          string
	title        string
	connectedAt  time.Time
	lastActivity time.Time
	context      *protocol.PageContext
	done         chan struct{}
	closed       bool
}

// ConnInfo is a point-in-time snapshot of a tab connection's metadata.
type ConnInfo struct {
	ID           string                `json:"id"`
	TabID        int                   `json:"tabId,omitempty"`
	URL          string                `json:"url,omitempty"`
	Title        string                `json:"title,omitempty"`
	ConnectedAt  time.Time             `json:"connectedAt"`
	LastActivity time.Time             `json:"lastActivity"`
	Context      *protocol.PageContext `json:"context,omitempty"`
}

// NewTabConn creates a connection wrapper bound to the given registry.
func NewTabConn(id string, conn protocol.Conn, reg *Registry) *TabConn {
	now := time.Now()
	return &TabConn{
		ID:           id,
		conn:         conn,
		reg:          reg,
		Send:         make(chan []byte, 256),
		connectedAt:  now,
		lastActivity: now,
		done:         make(chan struct{}),
	}
}

// Info returns a snapshot of this connection's metadata.
func (c *TabConn) Info() ConnInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnInfo{
		ID:           c.ID,
		TabID:        c.tabID,
		URL:          c.url,
		Title:        c.title,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
		Context:      c.context,
	}
}

// TabID returns the bound browser tab id, or 0 when unbound.
func (c *TabConn) TabID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tabID
}

// LastActivity returns the time of the last inbound activity.
func (c *TabConn) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// Context returns the cached page context, or nil when none was published.
func (c *TabConn) Context() *protocol.PageContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.context
}

// bindTab binds a browser tab id. First write wins; later envelopes
// cannot rebind the connection.
func (c *TabConn) bindTab(tabID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tabID == 0 && tabID != 0 {
		c.tabID = tabID
	}
}

// touch bumps lastActivity. It never moves backwards.
func (c *TabConn) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touchLocked()
}

func (c *TabConn) touchLocked() {
	if now := time.Now(); now.After(c.lastActivity) {
		c.lastActivity = now
	}
}

// setContext replaces the cached context wholesale and refreshes the
// display fields from it.
func (c *TabConn) setContext(pc protocol.PageContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.context = &pc
	if pc.URL != "" {
		c.url = pc.URL
	}
	if pc.Title != "" {
		c.title = pc.Title
	}
	c.touchLocked()
}

// IsOpen reports whether the connection accepts writes.
func (c *TabConn) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// enqueue hands a frame to the write pump without blocking. Returns false
// when the connection is closed or the buffer is full.
func (c *TabConn) enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// ReadPump reads frames from the socket and routes decoded envelopes into
// the registry. Malformed frames are logged and dropped; the connection
// stays alive. Returns when the socket closes, after the connection has
// been removed from the registry.
func (c *TabConn) ReadPump() {
	defer func() {
		c.reg.Remove(c.ID)
		c.conn.Close()
	}()

	for {
		data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			c.reg.logger.Warn().Err(err).Str("connection_id", c.ID).Msg("dropping frame")
			continue
		}
		c.reg.HandleEvent(c.ID, ev)
	}
}

// WritePump writes frames from the send channel to the socket.
func (c *TabConn) WritePump() {
	defer c.conn.Close()

	for {
		select {
		case data, ok := <-c.Send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// writeJSON serializes v and queues it for transmission.
func (c *TabConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if !c.enqueue(data) {
		return ErrConnectionNotOpen
	}
	return nil
}

// Close signals the pumps to stop. Idempotent.
func (c *TabConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
		close(c.Send)
	}
}
