// Package service is the high-level API exposed to the command-issuing
// layer (e.g. a tool-invocation system) and to status observers.
package service

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pincerhq/pincer/src/protocol"
	"github.com/pincerhq/pincer/src/registry"
)

// Service fronts the registry with logging and error wrapping.
type Service struct {
	reg    *registry.Registry
	logger zerolog.Logger
}

// New creates a service backed by the given registry.
func New(reg *registry.Registry, logger zerolog.Logger) *Service {
	return &Service{reg: reg, logger: logger.With().Str("component", "service").Logger()}
}

// Registry returns the underlying registry.
func (s *Service) Registry() *registry.Registry { return s.reg }

// SendCommand issues a command to a specific connection and suspends
// until it resolves, times out, or the connection goes away.
func (s *Service) SendCommand(connID string, cmd protocol.Command) (map[string]any, error) {
	payload, err := s.reg.SendCommand(connID, cmd)
	if err != nil {
		return nil, fmt.Errorf("send %s to %s: %w", cmd.Type, connID, err)
	}
	return payload, nil
}

// SendToActive issues a command to the most recently active connection.
func (s *Service) SendToActive(cmd protocol.Command) (map[string]any, error) {
	c, ok := s.reg.Active()
	if !ok {
		return nil, registry.ErrConnectionNotFound
	}
	return s.SendCommand(c.ID, cmd)
}

// Tabs returns a snapshot of all connected tabs.
func (s *Service) Tabs() []registry.ConnInfo {
	return s.reg.List()
}

// Tab returns a single tab connection by connection id.
func (s *Service) Tab(connID string) (registry.ConnInfo, error) {
	c, ok := s.reg.Get(connID)
	if !ok {
		return registry.ConnInfo{}, fmt.Errorf("tab %s: %w", connID, registry.ErrConnectionNotFound)
	}
	return c.Info(), nil
}

// TabByBrowserID returns the tab connection bound to a browser tab id.
func (s *Service) TabByBrowserID(tabID int) (registry.ConnInfo, error) {
	c, ok := s.reg.GetByTabID(tabID)
	if !ok {
		return registry.ConnInfo{}, fmt.Errorf("tab id %d: %w", tabID, registry.ErrConnectionNotFound)
	}
	return c.Info(), nil
}

// ActiveTab returns the most recently active tab connection.
func (s *Service) ActiveTab() (registry.ConnInfo, error) {
	c, ok := s.reg.Active()
	if !ok {
		return registry.ConnInfo{}, registry.ErrConnectionNotFound
	}
	return c.Info(), nil
}

// TabCount returns the live tab count for status observers.
func (s *Service) TabCount() int {
	return s.reg.Count()
}

// OnContextUpdate registers a context subscriber. Returns a disposer.
func (s *Service) OnContextUpdate(h registry.ContextHandler) func() {
	return s.reg.OnContextUpdate(h)
}

// OnConnection registers a callback for new tab connections.
func (s *Service) OnConnection(cb func(registry.ConnInfo)) {
	s.reg.OnConnection(cb)
}

// OnDisconnection registers a callback for removed tab connections.
func (s *Service) OnDisconnection(cb func(registry.ConnInfo)) {
	s.reg.OnDisconnection(cb)
}
