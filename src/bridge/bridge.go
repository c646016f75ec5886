// Package bridge relays registry lifecycle and context events between
// host instances over Redis pub/sub, so external observers see tab
// activity regardless of which instance holds the socket.
package bridge

import (
	"time"

	"github.com/pincerhq/pincer/src/protocol"
)

// Event kinds published by the registry side.
const (
	KindTabConnected    = "tab_connected"
	KindTabDisconnected = "tab_disconnected"
	KindContextUpdated  = "context_updated"
)

// RegistryEvent is a registry-side occurrence worth relaying: a tab
// connecting, disconnecting, or publishing new context.
type RegistryEvent struct {
	Kind         string                `json:"kind"`
	ConnectionID string                `json:"connection_id"`
	TabID        int                   `json:"tab_id,omitempty"`
	URL          string                `json:"url,omitempty"`
	Title        string                `json:"title,omitempty"`
	Context      *protocol.PageContext `json:"context,omitempty"`
	Timestamp    time.Time             `json:"timestamp"`
}

// Bridge is the cross-instance event relay.
type Bridge interface {
	// Publish sends an event to all other instances via the bridge.
	Publish(ev RegistryEvent) error

	// Start begins listening for events from other instances.
	Start() error

	// Stop shuts down the bridge connection.
	Stop() error

	// Available reports whether the bridge is connected and operational.
	Available() bool
}

// RemoteTarget receives events relayed from other instances.
type RemoteTarget interface {
	DeliverRemote(ev RegistryEvent)
}
