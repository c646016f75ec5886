package registry

import (
	"github.com/pincerhq/pincer/src/protocol"
)

// HandleEvent routes a decoded upstream envelope to the registry. This is
// the single entry point for the inbound path: connect/context/selection
// envelopes mutate registry entries and fan out to subscribers,
// command_result envelopes resolve pending requests. Unrecognized types
// are logged and dropped, never fatal.
func (r *Registry) HandleEvent(connID string, ev protocol.TabEvent) {
	switch ev.Type {
	case protocol.EventConnect:
		r.handleConnect(connID, ev)

	case protocol.EventDisconnect:
		r.Remove(connID)

	case protocol.EventPageContext, protocol.EventSelection:
		r.handleConnect(connID, ev)
		r.UpdateContext(connID, protocol.ContextFromEvent(ev))

	case protocol.EventScreenshot, protocol.EventDOMSnapshot:
		// Opaque payloads for the capture layer; only activity matters here.
		if c, ok := r.Get(connID); ok {
			c.bindTab(ev.TabID)
			c.touch()
		}

	case protocol.EventCommandResult:
		r.Resolve(connID, ev.RequestID, ev.Payload)

	default:
		r.logger.Warn().
			Str("connection_id", connID).
			Str("type", string(ev.Type)).
			Msg("unrecognized event type dropped")
	}
}

// handleConnect binds the tab id (first write wins) and refreshes display
// metadata carried on the envelope.
func (r *Registry) handleConnect(connID string, ev protocol.TabEvent) {
	c, ok := r.Get(connID)
	if !ok {
		return
	}
	c.bindTab(ev.TabID)
	if ev.URL != "" {
		c.mu.Lock()
		c.url = ev.URL
		c.mu.Unlock()
	}
	c.touch()
}
