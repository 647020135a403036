package sessionloop

import (
	"time"
)

// Outcome is the recorded result of one dispatched attempt.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	// OutcomeCorrected marks a failed attempt that has been superseded
	// by a retry; CorrectedBy holds the retry's sequence number.
	OutcomeCorrected Outcome = "corrected"
)

// Attempt is one script dispatched to the executor. Attempts are
// immutable once their outcome is recorded, except for the Corrected
// link to the superseding retry. Sequence numbers are contiguous from
// 0 and strictly increasing within a session.
type Attempt struct {
	Seq         int           `json:"seq"`
	Phase       Phase         `json:"phase"`
	Script      string        `json:"script"`
	Render      bool          `json:"render,omitempty"`
	Outcome     Outcome       `json:"outcome"`
	Detail      string        `json:"detail,omitempty"` // verbatim executor error, present iff failed
	Transport   bool          `json:"transport,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
	CorrectedBy int           `json:"corrected_by"` // seq of the retry attempt; -1 if none
	CreatedAt   time.Time     `json:"created_at"`
}

// ExecutionReport is the transient result of executing one attempt.
// It is folded into the attempt's recorded outcome and not persisted
// on its own.
type ExecutionReport struct {
	OK        bool
	Detail    string // verbatim executor error, present iff !OK
	Transport bool   // the failure came from the channel, not the script
	Elapsed   time.Duration
	// Payload carries executor side-channel data (object and scene
	// introspection) used to decide the next action.
	Payload map[string]interface{}
}

// Recorder is the durable sink for session state. Every dispatch and
// every outcome is written through it before the engine proceeds, so a
// crash mid-loop leaves a consistent, resumable record.
type Recorder interface {
	AppendAttempt(sessionID string, a Attempt) error
	RecordOutcome(sessionID string, seq int, outcome Outcome, detail string, elapsed time.Duration) error
	LinkCorrection(sessionID string, failedSeq, retrySeq int) error
	SetPhase(sessionID string, p Phase) error
	Finish(sessionID string, status Status, artifact string) error
}

// NopRecorder discards all writes. Useful for ephemeral sessions and
// tests that only exercise the in-memory loop.
type NopRecorder struct{}

func (NopRecorder) AppendAttempt(string, Attempt) error                             { return nil }
func (NopRecorder) RecordOutcome(string, int, Outcome, string, time.Duration) error { return nil }
func (NopRecorder) LinkCorrection(string, int, int) error                           { return nil }
func (NopRecorder) SetPhase(string, Phase) error                                    { return nil }
func (NopRecorder) Finish(string, Status, string) error                             { return nil }
