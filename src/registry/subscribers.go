package registry

import (
	"fmt"

	"github.com/pincerhq/pincer/src/protocol"
)

// ContextHandler observes context updates. Handlers run synchronously in
// registration order; a failing handler never blocks delivery to the rest
// nor corrupts the stored context.
type ContextHandler func(connID string, pc protocol.PageContext) error

type contextSub struct {
	id      int
	handler ContextHandler
}

// OnContextUpdate registers a handler and returns a disposer that
// unregisters it.
func (r *Registry) OnContextUpdate(handler ContextHandler) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs = append(r.subs, contextSub{id: id, handler: handler})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s.id == id {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

// notifyContext fans the update out to all subscribers. Failures are
// isolated and logged.
func (r *Registry) notifyContext(connID string, pc protocol.PageContext) {
	r.mu.RLock()
	subs := append([]contextSub{}, r.subs...)
	r.mu.RUnlock()

	for _, s := range subs {
		if err := r.invokeSub(s, connID, pc); err != nil {
			r.logger.Error().Err(err).
				Str("connection_id", connID).
				Int("subscriber", s.id).
				Msg("context subscriber failed")
		}
	}
}

func (r *Registry) invokeSub(s contextSub, connID string, pc protocol.PageContext) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("subscriber panic: %v", rec)
		}
	}()
	return s.handler(connID, pc)
}
