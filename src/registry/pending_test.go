package registry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pincerhq/pincer/src/protocol"
)

// sendAsync runs SendCommand in a goroutine and returns a channel that
// yields its outcome.
func sendAsync(r *Registry, id string, cmd protocol.Command) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		payload, err := r.SendCommand(id, cmd)
		out <- Result{Payload: payload, Err: err}
	}()
	return out
}

func TestSendCommandResolves(t *testing.T) {
	r := newTestRegistry(t, time.Second)
	_, conn := registerTab(t, r, "c1")

	conn.feed(t, protocol.TabEvent{Type: protocol.EventConnect, TabID: 7, URL: "https://a"})
	time.Sleep(20 * time.Millisecond)

	done := sendAsync(r, "c1", protocol.Command{
		Type:      protocol.CommandClick,
		RequestID: "r1",
		Ref:       "e3",
	})
	time.Sleep(20 * time.Millisecond)

	// The command must have hit the wire with its requestId intact.
	written := conn.getWritten()
	if len(written) != 1 {
		t.Fatalf("expected 1 outbound frame, got %d", len(written))
	}
	var sent protocol.Command
	if err := json.Unmarshal(written[0], &sent); err != nil {
		t.Fatalf("unmarshal sent command: %v", err)
	}
	if sent.RequestID != "r1" || sent.Type != protocol.CommandClick || sent.Ref != "e3" {
		t.Errorf("sent command mismatch: %+v", sent)
	}

	r.HandleEvent("c1", protocol.TabEvent{
		Type:      protocol.EventCommandResult,
		RequestID: "r1",
		Payload:   map[string]any{"ok": true},
	})

	res := <-done
	if res.Err != nil {
		t.Fatalf("expected resolution, got %v", res.Err)
	}
	if ok, _ := res.Payload["ok"].(bool); !ok {
		t.Errorf("expected payload ok=true, got %+v", res.Payload)
	}
	if r.PendingCount() != 0 {
		t.Errorf("expected pending entry removed, got %d", r.PendingCount())
	}
}

func TestSendCommandUnknownConnection(t *testing.T) {
	r := newTestRegistry(t, time.Second)

	_, err := r.SendCommand("never-registered", protocol.Command{Type: protocol.CommandClick})
	if !errors.Is(err, ErrConnectionNotFound) {
		t.Fatalf("expected ErrConnectionNotFound, got %v", err)
	}
	// Fails immediately, without arming any timer.
	if r.PendingCount() != 0 {
		t.Errorf("expected no pending entries, got %d", r.PendingCount())
	}
}

func TestSendCommandNotOpen(t *testing.T) {
	r := newTestRegistry(t, time.Second)
	// No pumps here: a closed socket whose reader has not yet torn the
	// connection down is exactly the not-open-for-write window.
	tc := NewTabConn("c1", newMockConn(), r)
	r.Add(tc)

	tc.Close()
	_, err := r.SendCommand("c1", protocol.Command{Type: protocol.CommandClick})
	if !errors.Is(err, ErrConnectionNotOpen) {
		t.Fatalf("expected ErrConnectionNotOpen, got %v", err)
	}
	if r.PendingCount() != 0 {
		t.Errorf("expected no pending entries, got %d", r.PendingCount())
	}
}

func TestSendCommandTimeout(t *testing.T) {
	r := newTestRegistry(t, 30*time.Millisecond)
	registerTab(t, r, "c1")

	_, err := r.SendCommand("c1", protocol.Command{Type: protocol.CommandGetContext, RequestID: "r-slow"})
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("expected ErrCommandTimeout, got %v", err)
	}
	if r.PendingCount() != 0 {
		t.Errorf("expected pending entry removed on timeout, got %d", r.PendingCount())
	}

	// A late result for the same requestId is a no-op.
	r.HandleEvent("c1", protocol.TabEvent{
		Type:      protocol.EventCommandResult,
		RequestID: "r-slow",
		Payload:   map[string]any{"ok": true},
	})
	if r.PendingCount() != 0 {
		t.Errorf("late result must not resurrect the entry")
	}
}

func TestDuplicateResultIgnored(t *testing.T) {
	r := newTestRegistry(t, time.Second)
	registerTab(t, r, "c1")

	done := sendAsync(r, "c1", protocol.Command{Type: protocol.CommandGetContext, RequestID: "r2"})
	time.Sleep(20 * time.Millisecond)

	result := protocol.TabEvent{
		Type:      protocol.EventCommandResult,
		RequestID: "r2",
		Payload:   map[string]any{"ok": true},
	}
	r.HandleEvent("c1", result)
	r.HandleEvent("c1", result) // duplicate, silently ignored

	res := <-done
	if res.Err != nil {
		t.Fatalf("expected resolution, got %v", res.Err)
	}

	select {
	case extra := <-done:
		t.Fatalf("request resolved more than once: %+v", extra)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestDuplicateRequestIDRejected(t *testing.T) {
	r := newTestRegistry(t, 100*time.Millisecond)
	registerTab(t, r, "c1")

	first := sendAsync(r, "c1", protocol.Command{Type: protocol.CommandGetContext, RequestID: "dup"})
	time.Sleep(20 * time.Millisecond)

	// A second command under the same (connection, requestId) key must
	// fail fast instead of displacing the armed entry.
	_, err := r.SendCommand("c1", protocol.Command{Type: protocol.CommandScreenshot, RequestID: "dup"})
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
	if r.PendingCount() != 1 {
		t.Fatalf("expected the original entry intact, got %d pending", r.PendingCount())
	}

	// The first caller still reaches its terminal event.
	r.HandleEvent("c1", protocol.TabEvent{
		Type:      protocol.EventCommandResult,
		RequestID: "dup",
		Payload:   map[string]any{"ok": true},
	})
	select {
	case res := <-first:
		if res.Err != nil {
			t.Fatalf("expected resolution, got %v", res.Err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("first request never terminated")
	}
	if r.PendingCount() != 0 {
		t.Errorf("expected no pending entries, got %d", r.PendingCount())
	}
}

func TestRemoveCancelsPending(t *testing.T) {
	r := newTestRegistry(t, time.Second)
	registerTab(t, r, "c1")

	first := sendAsync(r, "c1", protocol.Command{Type: protocol.CommandGetSnapshot, RequestID: "ra"})
	second := sendAsync(r, "c1", protocol.Command{Type: protocol.CommandScreenshot, RequestID: "rb"})
	time.Sleep(20 * time.Millisecond)

	if r.PendingCount() != 2 {
		t.Fatalf("expected 2 pending entries, got %d", r.PendingCount())
	}

	r.Remove("c1")

	for _, ch := range []<-chan Result{first, second} {
		res := <-ch
		if !errors.Is(res.Err, ErrConnectionClosed) {
			t.Errorf("expected ErrConnectionClosed, got %v", res.Err)
		}
	}
	if r.PendingCount() != 0 {
		t.Errorf("expected no pending entries after remove, got %d", r.PendingCount())
	}
	if _, ok := r.Get("c1"); ok {
		t.Error("expected c1 gone after remove")
	}
}

func TestExecuteRejected(t *testing.T) {
	r := newTestRegistry(t, time.Second)
	registerTab(t, r, "c1")

	_, err := r.SendCommand("c1", protocol.Command{Type: protocol.CommandExecute, Text: "alert(1)"})
	if !errors.Is(err, ErrCommandDisabled) {
		t.Fatalf("expected ErrCommandDisabled, got %v", err)
	}
	if r.PendingCount() != 0 {
		t.Errorf("execute must not arm a pending entry")
	}
}

func TestRequestIDAssignedWhenMissing(t *testing.T) {
	r := newTestRegistry(t, time.Second)
	_, conn := registerTab(t, r, "c1")

	done := sendAsync(r, "c1", protocol.Command{Type: protocol.CommandHighlight})
	time.Sleep(20 * time.Millisecond)

	written := conn.getWritten()
	if len(written) != 1 {
		t.Fatalf("expected 1 outbound frame, got %d", len(written))
	}
	var sent protocol.Command
	if err := json.Unmarshal(written[0], &sent); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sent.RequestID == "" {
		t.Fatal("expected a generated requestId")
	}

	r.HandleEvent("c1", protocol.TabEvent{
		Type:      protocol.EventCommandResult,
		RequestID: sent.RequestID,
		Payload:   map[string]any{"ok": true},
	})
	if res := <-done; res.Err != nil {
		t.Fatalf("expected resolution, got %v", res.Err)
	}
}

func TestResultForWrongConnectionIgnored(t *testing.T) {
	r := newTestRegistry(t, time.Second)
	registerTab(t, r, "c1")
	registerTab(t, r, "c2")

	done := sendAsync(r, "c1", protocol.Command{Type: protocol.CommandGetContext, RequestID: "rx"})
	time.Sleep(20 * time.Millisecond)

	// Same requestId arriving on another connection must not resolve it.
	r.HandleEvent("c2", protocol.TabEvent{
		Type:      protocol.EventCommandResult,
		RequestID: "rx",
		Payload:   map[string]any{"ok": true},
	})

	select {
	case res := <-done:
		t.Fatalf("request resolved by wrong connection: %+v", res)
	case <-time.After(30 * time.Millisecond):
	}

	r.HandleEvent("c1", protocol.TabEvent{
		Type:      protocol.EventCommandResult,
		RequestID: "rx",
		Payload:   map[string]any{"ok": true},
	})
	if res := <-done; res.Err != nil {
		t.Fatalf("expected resolution on the right connection, got %v", res.Err)
	}
}
