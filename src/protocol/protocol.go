// Package protocol defines the wire envelopes exchanged between a browser
// tab and the host over a persistent WebSocket, plus the connection
// abstraction both sides are written against.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedMessage reports a frame that could not be decoded. The frame
// is dropped; the connection stays alive.
var ErrMalformedMessage = errors.New("malformed message")

// EventType discriminates upstream (tab -> host) envelopes.
type EventType string

const (
	EventConnect       EventType = "connect"
	EventDisconnect    EventType = "disconnect"
	EventPageContext   EventType = "page_context"
	EventSelection     EventType = "selection"
	EventScreenshot    EventType = "screenshot"
	EventDOMSnapshot   EventType = "dom_snapshot"
	EventCommandResult EventType = "command_result"
)

// CommandType discriminates downstream (host -> tab) envelopes.
type CommandType string

const (
	CommandGetContext  CommandType = "get_context"
	CommandGetSnapshot CommandType = "get_snapshot"
	CommandScreenshot  CommandType = "screenshot"
	CommandHighlight   CommandType = "highlight"
	CommandClick       CommandType = "click"
	CommandTypeText    CommandType = "type"
	CommandScroll      CommandType = "scroll"
	CommandNavigate    CommandType = "navigate"

	// CommandExecute is reserved. Arbitrary script execution is disabled
	// by policy; the registry rejects it before anything hits the wire.
	CommandExecute CommandType = "execute"
)

// TabEvent is an upstream envelope. Only command_result carries a
// meaningful RequestID.
type TabEvent struct {
	Type      EventType      `json:"type"`
	TabID     int            `json:"tabId,omitempty"`
	URL       string         `json:"url,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"requestId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Point is a coordinate pair for click/scroll commands.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Command is a downstream envelope. RequestID correlates the eventual
// command_result event back to the sender.
type Command struct {
	Type        CommandType    `json:"type"`
	RequestID   string         `json:"requestId"`
	TabID       int            `json:"tabId,omitempty"`
	Selector    string         `json:"selector,omitempty"`
	Ref         string         `json:"ref,omitempty"`
	Coordinates *Point         `json:"coordinates,omitempty"`
	Text        string         `json:"text,omitempty"`
	URL         string         `json:"url,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

// PageContext is the cached snapshot of a tab's page state. It is
// immutable once constructed and replaced wholesale on each update.
type PageContext struct {
	URL          string            `json:"url"`
	Title        string            `json:"title"`
	SelectedText string            `json:"selectedText,omitempty"`
	VisibleText  string            `json:"visibleText,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CapturedAt   time.Time         `json:"capturedAt"`
}

// Conn abstracts a WebSocket connection for testability. Frames are
// UTF-8 JSON text.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DecodeEvent parses an upstream frame. Unknown event types decode fine;
// dropping them is the dispatcher's call, not the transport's.
func DecodeEvent(data []byte) (TabEvent, error) {
	var ev TabEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return TabEvent{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if ev.Type == "" {
		return TabEvent{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return ev, nil
}

// DecodeCommand parses a downstream frame.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if cmd.Type == "" {
		return Command{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return cmd, nil
}

// ContextFromEvent builds a PageContext from a page_context or selection
// event. Payload fields it does not recognize stay in Metadata untouched
// only if string-valued; everything else is opaque to this layer.
func ContextFromEvent(ev TabEvent) PageContext {
	pc := PageContext{
		URL:        ev.URL,
		CapturedAt: ev.Timestamp,
	}
	if pc.CapturedAt.IsZero() {
		pc.CapturedAt = time.Now()
	}
	if ev.Payload == nil {
		return pc
	}
	if v, ok := ev.Payload["url"].(string); ok && v != "" {
		pc.URL = v
	}
	if v, ok := ev.Payload["title"].(string); ok {
		pc.Title = v
	}
	if v, ok := ev.Payload["selectedText"].(string); ok {
		pc.SelectedText = v
	}
	if v, ok := ev.Payload["visibleText"].(string); ok {
		pc.VisibleText = v
	}
	if meta, ok := ev.Payload["metadata"].(map[string]any); ok {
		pc.Metadata = make(map[string]string, len(meta))
		for k, v := range meta {
			if s, ok := v.(string); ok {
				pc.Metadata[k] = s
			}
		}
	}
	return pc
}
