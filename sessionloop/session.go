package sessionloop

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/sceneloop/runlog"
)

// Config holds tunable session behavior.
type Config struct {
	// SeedRender requests a render after the first successful script
	// to seed self-critique.
	SeedRender bool

	// RenderConfig used for every render in the session.
	RenderConfig RenderConfig

	// MaxCritiqueCycles bounds auto-refinement. The agent's "no
	// further improvement" signal and the phase budget can both end
	// the phase earlier.
	MaxCritiqueCycles int

	// Wall-clock budgets per phase. Exhaustion is fatal only in
	// initial creation.
	InitialCreationBudget time.Duration
	AutoRefinementBudget  time.Duration

	// TransportTimeout bounds one dispatch-and-report round trip.
	TransportTimeout time.Duration

	// TransportRetryDelay spaces out redispatches after a channel
	// failure.
	TransportRetryDelay time.Duration

	// UploadTimeout bounds the wait for each rendered image.
	UploadTimeout time.Duration

	// InactivityTimeout bounds each wait for a human instruction in
	// user-guided refinement; expiry terminates the session.
	InactivityTimeout time.Duration
}

// DefaultConfig returns the documented defaults. The 3-minute
// inactivity timeout matches the warning shown to users at the prompt.
func DefaultConfig() Config {
	return Config{
		SeedRender:            true,
		RenderConfig:          DefaultRenderConfig(),
		MaxCritiqueCycles:     3,
		InitialCreationBudget: 10 * time.Minute,
		AutoRefinementBudget:  15 * time.Minute,
		TransportTimeout:      5 * time.Minute,
		TransportRetryDelay:   defaultTransportRetryDelay,
		UploadTimeout:         60 * time.Second,
		InactivityTimeout:     3 * time.Minute,
	}
}

// Session is the live state of one run: it owns the attempt history,
// drives the phase state machine, and holds the exclusive execution
// channel for its lifetime.
type Session struct {
	id       string
	owner    string
	channel  ExecutionChannel
	agent    ScriptAgent
	recorder Recorder
	emitter  *EventEmitter
	config   Config
	logger   *runlog.Logger

	history    []Attempt
	phase      Phase
	status     Status
	artifact   string
	lastRender *RenderResult

	// Seeds set when resuming a completed session.
	seedArtifact    string
	seedInstruction string

	timer     *PhaseTimer
	cancelled bool
	mu        sync.Mutex
}

// NewSession creates a session with a fresh id. The channel must be
// exclusively bound to this session; recorder may be NopRecorder for
// ephemeral runs.
func NewSession(owner string, channel ExecutionChannel, agent ScriptAgent, recorder Recorder, config *Config) *Session {
	return newSession(uuid.New().String(), owner, channel, agent, recorder, config)
}

func newSession(id, owner string, channel ExecutionChannel, agent ScriptAgent, recorder Recorder, config *Config) *Session {
	cfg := DefaultConfig()
	if config != nil {
		cfg = *config
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Session{
		id:       id,
		owner:    owner,
		channel:  channel,
		agent:    agent,
		recorder: recorder,
		emitter:  NewEventEmitter(id, 256),
		config:   cfg,
		history:  make([]Attempt, 0),
		phase:    PhaseInitialCreation,
		status:   StatusActive,
		timer:    NewPhaseTimer(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Owner returns the owning identity.
func (s *Session) Owner() string { return s.owner }

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Status returns the session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Artifact returns the latest accepted script, the completion artifact
// once the session terminates.
func (s *Session) Artifact() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifact
}

// History returns a copy of the attempt history.
func (s *Session) History() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := make([]Attempt, len(s.history))
	copy(h, s.history)
	return h
}

// Events returns the event channel for the host application.
func (s *Session) Events() <-chan SessionEvent {
	return s.emitter.Events()
}

// Cancel requests termination. It is observed at the next suspension
// point; an attempt in flight still has its outcome recorded.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}

// Close releases the event stream and the execution channel.
func (s *Session) Close() {
	_ = s.channel.Close()
	s.emitter.Close()
}

// SetRunLog attaches an append-only run log. Must be called before Run.
func (s *Session) SetRunLog(l *runlog.Logger) {
	s.logger = l
}

// Run drives the session through its phases: initial creation, auto
// refinement, then user-guided refinement until the terminate sentinel
// or the inactivity timeout. It returns an error only when the session
// fails; the terminal status is available from Status.
func (s *Session) Run(ctx context.Context, prompt string, src InstructionSource) error {
	s.log(runlog.EventSessionStarted, -1, "")

	if err := s.runInitialCreation(ctx, prompt); err != nil {
		s.fail(err)
		return err
	}
	if s.shouldTerminate(ctx) {
		s.terminate()
		return nil
	}

	s.runAutoRefinement(ctx)
	if s.shouldTerminate(ctx) {
		s.terminate()
		return nil
	}

	return s.runUserGuidedRefinement(ctx, src)
}

// seed marks the session as a resume of a prior completed session: the
// initial script comes from correcting the prior artifact with the
// user's instruction rather than from planning.
func (s *Session) seed(artifact, instruction string) {
	s.seedArtifact = artifact
	s.seedInstruction = instruction
}

func (s *Session) runInitialCreation(ctx context.Context, prompt string) error {
	s.enterPhase(PhaseInitialCreation)

	pctx, cancel := context.WithTimeout(ctx, s.config.InitialCreationBudget)
	defer cancel()

	var script string
	var err error
	if s.seedArtifact != "" {
		script, err = s.agent.Correct(pctx, s.seedArtifact, s.seedInstruction, s.History())
	} else {
		script, err = s.agent.Plan(pctx, prompt, s.History())
	}
	if err != nil {
		return err
	}
	if script == "" {
		return &UncorrectableError{loopError: loopError{Message: "agent produced no initial script"}}
	}

	if _, err := s.execute(pctx, Instruction{Script: script}); err != nil {
		return err
	}

	if s.config.SeedRender {
		result, err := s.Render(pctx, s.config.RenderConfig)
		if err != nil {
			return err
		}
		s.stashRender(result)
	}
	return nil
}

// runAutoRefinement runs bounded self-critique cycles. Failure here is
// never fatal: the session advances to user-guided refinement even
// when the budget runs out or an edit cannot be corrected.
func (s *Session) runAutoRefinement(ctx context.Context) {
	s.enterPhase(PhaseAutoRefinement)

	pctx, cancel := context.WithTimeout(ctx, s.config.AutoRefinementBudget)
	defer cancel()

	for cycle := 0; cycle < s.config.MaxCritiqueCycles; cycle++ {
		if pctx.Err() != nil || s.isCancelled() {
			s.warn("auto refinement budget exhausted")
			return
		}

		edit, err := s.agent.Critique(pctx, s.Artifact(), s.takeRenderImages(), s.History())
		if err != nil {
			s.warn("critique failed: " + err.Error())
			return
		}
		if edit == "" {
			// No further improvement.
			return
		}

		if _, err := s.execute(pctx, Instruction{Script: edit}); err != nil {
			s.warn("refinement edit abandoned: " + err.Error())
			return
		}

		result, err := s.Render(pctx, s.config.RenderConfig)
		if err != nil {
			s.warn("refinement render abandoned: " + err.Error())
			return
		}
		s.stashRender(result)
	}
}

func (s *Session) runUserGuidedRefinement(ctx context.Context, src InstructionSource) error {
	s.enterPhase(PhaseUserGuidedRefinement)

	for {
		if s.shouldTerminate(ctx) {
			s.terminate()
			return nil
		}

		s.emitter.Emit(EventUserInputRequested, map[string]interface{}{
			"timeout_s": int(s.config.InactivityTimeout.Seconds()),
		})

		s.timer.Pause()
		ictx, cancel := context.WithTimeout(ctx, s.config.InactivityTimeout)
		instruction, err := src.Next(ictx)
		cancel()
		s.timer.Resume()

		if err != nil {
			// Inactivity timeout or cancellation both end the phase.
			s.terminate()
			return nil
		}

		instruction = strings.TrimSpace(instruction)
		s.emitter.Emit(EventInstructionReceived, nil)
		if instruction == "" {
			continue
		}
		if instruction == TerminateSentinel {
			s.terminate()
			return nil
		}

		edit, err := s.agent.Correct(ctx, s.Artifact(), instruction, s.History())
		if err != nil || edit == "" {
			s.warn("agent could not apply instruction")
			continue
		}

		if _, err := s.execute(ctx, Instruction{Script: edit}); err != nil {
			var uncorrectable *UncorrectableError
			if errors.As(err, &uncorrectable) {
				// Non-fatal outside initial creation; wait for the
				// next instruction.
				s.warn("instruction abandoned: " + err.Error())
				continue
			}
			s.terminate()
			return nil
		}

		if s.config.SeedRender {
			if result, err := s.Render(ctx, s.config.RenderConfig); err == nil {
				s.stashRender(result)
			} else {
				s.warn("render after instruction failed: " + err.Error())
			}
		}
	}
}

// enterPhase advances the state machine. Phase ordinals never
// decrease; re-entering the current phase is a no-op.
func (s *Session) enterPhase(p Phase) {
	s.mu.Lock()
	if p < s.phase {
		s.mu.Unlock()
		return
	}
	prior := s.phase
	elapsed := s.timer.Elapsed()
	s.phase = p
	s.mu.Unlock()

	s.timer.Start(p)
	_ = s.recorder.SetPhase(s.id, p)

	if p != prior {
		s.emitter.Emit(EventPhaseCompleted, map[string]interface{}{
			"phase":      prior.String(),
			"elapsed_ms": elapsed.Milliseconds(),
		})
	}
	s.emitter.Emit(EventPhaseStarted, map[string]interface{}{
		"phase":            p.String(),
		"prior_phase":      prior.String(),
		"prior_elapsed_ms": elapsed.Milliseconds(),
	})
	s.log(runlog.EventPhaseStarted, -1, "")
}

// terminate moves the session into the absorbing Terminated phase.
// With a completion artifact the session is Completed; an explicit
// cancel records Terminated; otherwise it is Failed.
func (s *Session) terminate() {
	s.enterPhase(PhaseTerminated)

	s.mu.Lock()
	var status Status
	switch {
	case s.cancelled:
		status = StatusTerminated
	case s.artifact != "":
		status = StatusCompleted
	default:
		status = StatusFailed
	}
	s.status = status
	artifact := s.artifact
	s.mu.Unlock()

	_ = s.recorder.Finish(s.id, status, artifact)

	switch status {
	case StatusCompleted:
		s.emitter.Emit(EventSessionCompleted, map[string]interface{}{"artifact_len": len(artifact)})
		s.log(runlog.EventSessionCompleted, -1, "")
	case StatusTerminated:
		s.emitter.Emit(EventSessionTerminated, nil)
		s.log(runlog.EventSessionTerminated, -1, "")
	default:
		s.emitter.Emit(EventSessionFailed, nil)
		s.log(runlog.EventSessionFailed, -1, "")
	}
}

// fail marks the session Failed with the given cause.
func (s *Session) fail(cause error) {
	s.enterPhase(PhaseTerminated)

	s.mu.Lock()
	s.status = StatusFailed
	s.mu.Unlock()

	_ = s.recorder.Finish(s.id, StatusFailed, "")
	s.emitter.Emit(EventSessionFailed, map[string]interface{}{"error": cause.Error()})
	s.log(runlog.EventSessionFailed, -1, cause.Error())
}

func (s *Session) shouldTerminate(ctx context.Context) bool {
	return ctx.Err() != nil || s.isCancelled()
}

func (s *Session) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// appendAttempt records a new pending attempt and returns its sequence
// number. The durable write happens before the engine proceeds.
func (s *Session) appendAttempt(script string, render bool) (int, error) {
	s.mu.Lock()
	a := Attempt{
		Seq:         len(s.history),
		Phase:       s.phase,
		Script:      script,
		Render:      render,
		Outcome:     OutcomePending,
		CorrectedBy: -1,
		CreatedAt:   time.Now().UTC(),
	}
	s.history = append(s.history, a)
	s.mu.Unlock()

	if err := s.recorder.AppendAttempt(s.id, a); err != nil {
		return a.Seq, err
	}
	s.log(runlog.EventAttemptDispatched, a.Seq, "")
	return a.Seq, nil
}

func (s *Session) recordOutcome(seq int, report ExecutionReport) error {
	outcome := OutcomeFailed
	if report.OK {
		outcome = OutcomeSucceeded
	}

	s.mu.Lock()
	if seq >= 0 && seq < len(s.history) {
		s.history[seq].Outcome = outcome
		s.history[seq].Detail = report.Detail
		s.history[seq].Transport = report.Transport
		s.history[seq].Elapsed = report.Elapsed
	}
	s.mu.Unlock()

	return s.recorder.RecordOutcome(s.id, seq, outcome, report.Detail, report.Elapsed)
}

// failAttempt downgrades an already-recorded attempt to Failed; used
// when a render attempt succeeds but delivers a short image batch.
func (s *Session) failAttempt(seq int, detail string) error {
	s.mu.Lock()
	if seq >= 0 && seq < len(s.history) {
		s.history[seq].Outcome = OutcomeFailed
		s.history[seq].Detail = detail
	}
	s.mu.Unlock()
	return s.recorder.RecordOutcome(s.id, seq, OutcomeFailed, detail, 0)
}

func (s *Session) linkCorrection(failedSeq, retrySeq int) error {
	s.mu.Lock()
	if failedSeq >= 0 && failedSeq < len(s.history) {
		s.history[failedSeq].Outcome = OutcomeCorrected
		s.history[failedSeq].CorrectedBy = retrySeq
	}
	s.mu.Unlock()
	return s.recorder.LinkCorrection(s.id, failedSeq, retrySeq)
}

func (s *Session) lastSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history) - 1
}

func (s *Session) setArtifact(script string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifact = script
}

func (s *Session) stashRender(r *RenderResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRender = r
}

// takeRenderImages hands the latest render batch to the consumer and
// drops it; render results live only until the consuming phase step.
func (s *Session) takeRenderImages() []ImageUpload {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRender == nil {
		return nil
	}
	images := s.lastRender.Images
	s.lastRender = nil
	return images
}

func (s *Session) heartbeat() {
	s.mu.Lock()
	phase := s.phase
	s.mu.Unlock()
	s.emitter.Emit(EventHeartbeat, map[string]interface{}{
		"phase":      phase.String(),
		"elapsed_ms": s.timer.Elapsed().Milliseconds(),
	})
}

func (s *Session) warn(message string) {
	s.emitter.Emit(EventWarning, map[string]interface{}{"message": message})
}

// log appends to the run log if one is attached.
func (s *Session) log(event string, seq int, detail string) {
	if s.logger == nil {
		return
	}
	s.mu.Lock()
	phase := s.phase
	s.mu.Unlock()
	_ = s.logger.Append(runlog.Event{
		Event:     event,
		SessionID: s.id,
		Phase:     phase.String(),
		Seq:       seq,
		Error:     detail,
		ElapsedMs: s.timer.Elapsed().Milliseconds(),
	})
}
