package registry

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pincerhq/pincer/src/protocol"
)

// pendingKey identifies an outstanding request. Keys are globally unique
// at any instant.
type pendingKey struct {
	connID    string
	requestID string
}

// Result is the terminal outcome of a sent command.
type Result struct {
	Payload map[string]any
	Err     error
}

// pendingRequest lives between "command sent" and exactly one of
// resolved, timed out, or cancelled by disconnect. The result channel is
// buffered so the terminal writer never blocks on the suspended caller.
type pendingRequest struct {
	result chan Result
	timer  *time.Timer
}

func (p *pendingRequest) resolve(payload map[string]any) {
	p.timer.Stop()
	p.result <- Result{Payload: payload}
}

func (p *pendingRequest) fail(err error) {
	p.timer.Stop()
	p.result <- Result{Err: err}
}

// SendCommand validates the target connection, arms a pending request
// under (id, requestId), transmits the command, and suspends the caller
// until the result arrives, the request times out, or the connection is
// removed. Exactly one of those fires, exactly once.
func (r *Registry) SendCommand(id string, cmd protocol.Command) (map[string]any, error) {
	if cmd.Type == protocol.CommandExecute {
		return nil, fmt.Errorf("%w: %s", ErrCommandDisabled, cmd.Type)
	}
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.New().String()
	}

	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrConnectionNotFound
	}
	if !c.IsOpen() {
		r.mu.Unlock()
		return nil, ErrConnectionNotOpen
	}

	key := pendingKey{connID: id, requestID: cmd.RequestID}
	// Pending keys are globally unique at any instant; overwriting an
	// armed entry would strand its caller with no terminal event.
	if _, exists := r.pending[key]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, cmd.RequestID)
	}
	p := &pendingRequest{result: make(chan Result, 1)}
	p.timer = time.AfterFunc(r.timeout, func() { r.expire(key) })
	r.pending[key] = p
	r.mu.Unlock()

	if err := c.writeJSON(cmd); err != nil {
		r.drop(key)
		p.timer.Stop()
		return nil, err
	}

	r.logger.Debug().
		Str("connection_id", id).
		Str("request_id", cmd.RequestID).
		Str("type", string(cmd.Type)).
		Msg("command sent")

	res := <-p.result
	return res.Payload, res.Err
}

// Resolve completes the pending request matching (connID, requestID) with
// the result payload. Late or duplicate results are silently ignored: the
// entry is removed before the continuation fires, so resolution is
// idempotent.
func (r *Registry) Resolve(connID, requestID string, payload map[string]any) {
	key := pendingKey{connID: connID, requestID: requestID}
	r.mu.Lock()
	p, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Debug().
			Str("connection_id", connID).
			Str("request_id", requestID).
			Msg("result for unknown request ignored")
		return
	}
	p.resolve(payload)
}

// expire fires when a request's deadline elapses with no matching result.
func (r *Registry) expire(key pendingKey) {
	r.mu.Lock()
	p, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.logger.Warn().
		Str("connection_id", key.connID).
		Str("request_id", key.requestID).
		Msg("command timed out")
	p.fail(ErrCommandTimeout)
}

// drop removes a pending entry without firing its continuation. Used when
// the send itself failed and the caller gets the error directly.
func (r *Registry) drop(key pendingKey) {
	r.mu.Lock()
	delete(r.pending, key)
	r.mu.Unlock()
}

// PendingCount returns the number of outstanding requests.
func (r *Registry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}
