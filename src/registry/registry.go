// Package registry tracks live tab connections on the host side and
// correlates outbound commands with their eventual results.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pincerhq/pincer/src/protocol"
)

// Failure taxonomy for registry operations. All are recoverable at the
// subsystem boundary; none terminate the process.
var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionNotOpen  = errors.New("connection not open for writing")
	ErrCommandTimeout     = errors.New("command timed out")
	ErrConnectionClosed   = errors.New("connection closed while request pending")
	ErrCommandDisabled    = errors.New("command type disabled by policy")
	ErrDuplicateRequest   = errors.New("request id already pending")
)

// Registry owns the set of live tab connections, their cached page
// context, and the map of outstanding requests. All mutations are
// serialized behind one mutex so that Remove cannot interleave with
// UpdateContext or SendCommand on the same id.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*TabConn
	pending map[pendingKey]*pendingRequest

	subs    []contextSub
	nextSub int

	onConnect []func(ConnInfo)
	onDisconn []func(ConnInfo)

	timeout time.Duration
	logger  zerolog.Logger
}

// New creates a registry. timeout bounds every outstanding command; a
// non-positive value falls back to 30 seconds.
func New(logger zerolog.Logger, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Registry{
		conns:   make(map[string]*TabConn),
		pending: make(map[pendingKey]*pendingRequest),
		timeout: timeout,
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

// Add inserts a new connection. Ids are generator-assigned; collisions
// are the generator's problem, not checked here.
func (r *Registry) Add(c *TabConn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()

	r.logger.Info().Str("connection_id", c.ID).Msg("tab connected")

	info := c.Info()
	for _, cb := range r.connectCallbacks() {
		cb(info)
	}
}

// Remove deletes the connection and, atomically with removal, fails every
// request pending under its id with ErrConnectionClosed, releasing their
// timers. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)

	var orphaned []*pendingRequest
	for key, p := range r.pending {
		if key.connID == id {
			delete(r.pending, key)
			orphaned = append(orphaned, p)
		}
	}
	r.mu.Unlock()

	for _, p := range orphaned {
		p.fail(ErrConnectionClosed)
	}
	c.Close()

	r.logger.Info().
		Str("connection_id", id).
		Int("cancelled_requests", len(orphaned)).
		Msg("tab disconnected")

	info := c.Info()
	for _, cb := range r.disconnectCallbacks() {
		cb(info)
	}
}

// Get returns the connection by id.
func (r *Registry) Get(id string) (*TabConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// GetByTabID returns the first connection bound to the given browser tab
// id. Binding is first-write-wins, so at most one match should exist.
func (r *Registry) GetByTabID(tabID int) (*TabConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		if c.TabID() == tabID {
			return c, true
		}
	}
	return nil, false
}

// List returns a snapshot of all current connections. Mutations after the
// snapshot is taken are not reflected.
func (r *Registry) List() []ConnInfo {
	r.mu.RLock()
	conns := make([]*TabConn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	infos := make([]ConnInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	return infos
}

// Active returns the connection with the maximum lastActivity. With zero
// connections it reports not found. Ties break non-deterministically.
func (r *Registry) Active() (*TabConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *TabConn
	var bestAt time.Time
	for _, c := range r.conns {
		if at := c.LastActivity(); best == nil || at.After(bestAt) {
			best, bestAt = c, at
		}
	}
	return best, best != nil
}

// Count returns the number of live tab connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// UpdateContext replaces the connection's cached context, bumps its
// activity, refreshes its display fields, and synchronously notifies
// every context subscriber in registration order. No-op when the id is
// absent.
func (r *Registry) UpdateContext(id string, pc protocol.PageContext) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		c.setContext(pc)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.notifyContext(id, pc)
}

func (r *Registry) connectCallbacks() []func(ConnInfo) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]func(ConnInfo){}, r.onConnect...)
}

func (r *Registry) disconnectCallbacks() []func(ConnInfo) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]func(ConnInfo){}, r.onDisconn...)
}

// OnConnection registers a callback for new tab connections.
func (r *Registry) OnConnection(cb func(ConnInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onConnect = append(r.onConnect, cb)
}

// OnDisconnection registers a callback for removed tab connections.
func (r *Registry) OnDisconnection(cb func(ConnInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconn = append(r.onDisconn, cb)
}
