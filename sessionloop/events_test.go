package sessionloop

import (
	"testing"
)

func TestEventEmitterDelivers(t *testing.T) {
	e := NewEventEmitter("s-1", 4)
	defer e.Close()

	e.Emit(EventPhaseStarted, map[string]interface{}{"phase": "initial_creation"})

	ev := <-e.Events()
	if ev.Kind != EventPhaseStarted {
		t.Errorf("expected phase_started, got %q", ev.Kind)
	}
	if ev.SessionID != "s-1" {
		t.Errorf("expected session id s-1, got %q", ev.SessionID)
	}
	if ev.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestEventEmitterDropsWhenFull(t *testing.T) {
	e := NewEventEmitter("s-1", 2)
	defer e.Close()

	// No consumer; the third emit must not block.
	e.Emit(EventHeartbeat, nil)
	e.Emit(EventHeartbeat, nil)
	e.Emit(EventHeartbeat, nil)

	if count := len(e.Events()); count != 2 {
		t.Errorf("expected 2 buffered events, got %d", count)
	}
}

func TestEventEmitterCloseIsIdempotent(t *testing.T) {
	e := NewEventEmitter("s-1", 4)
	e.Close()
	e.Close()

	// Emits after close are dropped.
	e.Emit(EventWarning, nil)

	if _, ok := <-e.Events(); ok {
		t.Error("expected closed channel")
	}
}
