// Package runlog appends structured session events to a per-run
// log.jsonl file, one JSON object per line.
package runlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event type constants.
const (
	EventSessionStarted    = "session_started"
	EventPhaseStarted      = "phase_started"
	EventAttemptDispatched = "attempt_dispatched"
	EventAttemptSucceeded  = "attempt_succeeded"
	EventAttemptFailed     = "attempt_failed"
	EventRenderCompleted   = "render_completed"
	EventSessionCompleted  = "session_completed"
	EventSessionFailed     = "session_failed"
	EventSessionTerminated = "session_terminated"
)

// Event is a single structured record in the run log. Seq is -1 for
// events not tied to an attempt.
type Event struct {
	Time      time.Time `json:"time"`
	Event     string    `json:"event"`
	SessionID string    `json:"session_id,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	Seq       int       `json:"seq"`
	Error     string    `json:"error,omitempty"`
	ElapsedMs int64     `json:"elapsed_ms,omitempty"`
}

// Logger writes append-only JSONL events to a per-session log file.
type Logger struct {
	path string
	mu   sync.Mutex
}

// New creates a Logger that writes to run_<sessionID>/log.jsonl inside
// dir. The run directory is created if missing; an existing log file
// is never truncated.
func New(dir, sessionID string) (*Logger, error) {
	runDir := filepath.Join(dir, "run_"+sessionID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	return &Logger{
		path: filepath.Join(runDir, "log.jsonl"),
	}, nil
}

// Path returns the log file path.
func (l *Logger) Path() string { return l.path }

// Append writes one Event as a JSON line. A zero Time is set to
// time.Now().UTC(). Thread-safe via mutex.
func (l *Logger) Append(event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal run log event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write run log event: %w", err)
	}
	return nil
}

// ReadAll reads and parses every event in the log file. A missing file
// yields an empty slice, not an error.
func (l *Logger) ReadAll() ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Event{}, nil
		}
		return nil, fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("parse run log line %d: %w", lineNum, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read run log: %w", err)
	}
	return events, nil
}
