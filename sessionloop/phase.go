package sessionloop

import (
	"sync"
	"time"
)

// Phase is a stage of a session's lifecycle. The ordinal defines
// forward-only progression: a session's phase never decreases.
type Phase int

const (
	PhaseInitialCreation Phase = iota
	PhaseAutoRefinement
	PhaseUserGuidedRefinement
	PhaseTerminated
)

// String returns the wire identifier for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseInitialCreation:
		return "initial_creation"
	case PhaseAutoRefinement:
		return "auto_refinement"
	case PhaseUserGuidedRefinement:
		return "user_guided_refinement"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Label returns the operator-facing phase label, e.g.
// "Initial Creation Phase".
func (p Phase) Label() string {
	switch p {
	case PhaseInitialCreation:
		return "Initial Creation Phase"
	case PhaseAutoRefinement:
		return "Auto Refinement Phase"
	case PhaseUserGuidedRefinement:
		return "User Guided Refinement Phase"
	case PhaseTerminated:
		return "Terminated"
	default:
		return "Unknown Phase"
	}
}

// Status is the terminal disposition of a session.
type Status string

const (
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusTerminated Status = "terminated"
	StatusFailed     Status = "failed"
)

// PhaseTimer tracks wall-clock time spent in the current phase. The
// elapsed value feeds the operator-visible timing display and the
// phase-transition log entries; it never affects correctness. Waiting
// for user input pauses the clock.
type PhaseTimer struct {
	mu      sync.Mutex
	phase   Phase
	start   time.Time
	paused  bool
	pauseAt time.Time
	now     func() time.Time
}

// NewPhaseTimer creates a timer using the real clock.
func NewPhaseTimer() *PhaseTimer {
	return &PhaseTimer{now: time.Now}
}

// Start begins timing the given phase, discarding any prior phase's
// clock. Starting the phase already being timed is a no-op.
func (t *PhaseTimer) Start(p Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.start.IsZero() && t.phase == p {
		return
	}
	t.phase = p
	t.start = t.now()
	t.paused = false
}

// Elapsed returns time spent in the current phase, excluding paused
// intervals.
func (t *PhaseTimer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.start.IsZero() {
		return 0
	}
	if t.paused {
		return t.pauseAt.Sub(t.start)
	}
	return t.now().Sub(t.start)
}

// Pause stops the clock, typically while waiting for human input.
func (t *PhaseTimer) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.paused {
		t.paused = true
		t.pauseAt = t.now()
	}
}

// Resume restarts the clock, shifting the phase start forward so the
// paused interval is excluded from Elapsed.
func (t *PhaseTimer) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paused {
		t.start = t.start.Add(t.now().Sub(t.pauseAt))
		t.paused = false
	}
}
