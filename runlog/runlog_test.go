package runlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendAndReadAll(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "abc123")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	events := []Event{
		{Event: EventSessionStarted, SessionID: "abc123", Seq: -1},
		{Event: EventAttemptDispatched, SessionID: "abc123", Phase: "initial_creation", Seq: 0},
		{Event: EventAttemptFailed, SessionID: "abc123", Seq: 0, Error: "NameError: name 'cube' is not defined"},
		{Event: EventAttemptSucceeded, SessionID: "abc123", Seq: 1, ElapsedMs: 420},
	}
	for _, e := range events {
		if err := l.Append(e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(got) != len(events) {
		t.Fatalf("expected %d events, got %d", len(events), len(got))
	}
	if got[2].Error != events[2].Error {
		t.Errorf("expected error detail %q, got %q", events[2].Error, got[2].Error)
	}
	if got[3].ElapsedMs != 420 {
		t.Errorf("expected elapsed 420ms, got %d", got[3].ElapsedMs)
	}
	for i, e := range got {
		if e.Time.IsZero() {
			t.Errorf("event %d has zero time", i)
		}
	}
}

func TestNewCreatesRunDirectory(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "sess-9")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	want := filepath.Join(dir, "run_sess-9", "log.jsonl")
	if l.Path() != want {
		t.Errorf("expected path %q, got %q", want, l.Path())
	}
	if _, err := os.Stat(filepath.Join(dir, "run_sess-9")); err != nil {
		t.Errorf("run directory not created: %v", err)
	}
}

func TestReadAllMissingFile(t *testing.T) {
	l, err := New(t.TempDir(), "empty")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	events, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll on missing file: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

func TestAppendSetsTime(t *testing.T) {
	l, err := New(t.TempDir(), "t")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	before := time.Now().UTC().Add(-time.Second)
	if err := l.Append(Event{Event: EventSessionStarted, Seq: -1}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	got, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Time.Before(before) {
		t.Errorf("expected auto-set time after %v, got %v", before, got[0].Time)
	}
}
