package sessionloop

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/sceneloop/runlog"
)

// defaultTransportRetryDelay spaces out redispatches after a channel
// failure so a dead executor does not spin the loop hot. The phase
// budget is the only ceiling on transport retries.
const defaultTransportRetryDelay = 2 * time.Second

// Execute drives one script through the dispatch/report/retry cycle
// until it succeeds, the correction agent declines, or ctx expires
// (the phase wall-clock budget). The returned report is the successful
// one; failures along the way are recorded in the attempt history and
// handed to the agent with the executor's error detail verbatim.
func (s *Session) Execute(ctx context.Context, script string) (*ExecutionReport, error) {
	return s.execute(ctx, Instruction{Script: script})
}

// execute is the retry-execute engine shared by plain scripts and
// render instructions. template carries everything but the ID and the
// (possibly corrected) script text.
func (s *Session) execute(ctx context.Context, template Instruction) (*ExecutionReport, error) {
	return s.executeRetry(ctx, template, -1)
}

// executeRetry runs the retry cycle. prevSeq links the cycle's first
// attempt as the correction of an earlier failed attempt; -1 starts a
// fresh chain.
func (s *Session) executeRetry(ctx context.Context, template Instruction, prevSeq int) (*ExecutionReport, error) {
	script := template.Script

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.isCancelled() {
			return nil, context.Canceled
		}

		seq, err := s.appendAttempt(script, template.ExpectsRender)
		if err != nil {
			return nil, err
		}
		if prevSeq >= 0 {
			if err := s.linkCorrection(prevSeq, seq); err != nil {
				return nil, err
			}
		}

		instr := template
		instr.ID = uuid.New().String()
		instr.Script = script

		report := s.dispatchAndAwait(ctx, instr)

		// The outcome is durable before control leaves the loop body;
		// a crash here still leaves a resumable record.
		if err := s.recordOutcome(seq, report); err != nil {
			return nil, err
		}

		s.heartbeat()

		if report.OK {
			if !template.ExpectsRender {
				s.setArtifact(script)
			}
			s.emitter.Emit(EventAttemptSucceeded, map[string]interface{}{
				"seq":        seq,
				"elapsed_ms": report.Elapsed.Milliseconds(),
			})
			s.log(runlog.EventAttemptSucceeded, seq, "")
			return &report, nil
		}

		s.emitter.Emit(EventAttemptFailed, map[string]interface{}{
			"seq":       seq,
			"error":     report.Detail,
			"transport": report.Transport,
		})
		s.log(runlog.EventAttemptFailed, seq, report.Detail)

		if report.Transport {
			// Channel failure, not a script failure: redispatch the
			// same script after a short delay.
			delay := s.config.TransportRetryDelay
			if delay <= 0 {
				delay = defaultTransportRetryDelay
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			prevSeq = seq
			continue
		}

		// The executor may have partially mutated scene state before
		// failing; the agent sees the error exactly as reported so it
		// can reason about the concrete failure.
		fix, err := s.agent.Correct(ctx, script, report.Detail, s.History())
		if err != nil {
			return nil, err
		}
		if fix == "" {
			return nil, &UncorrectableError{
				loopError: loopError{
					Message: "agent declined further correction",
					Cause: &ScriptRuntimeError{
						loopError: loopError{Message: report.Detail},
						Seq:       seq,
					},
				},
				Seq:    seq,
				Detail: report.Detail,
			}
		}

		s.emitter.Emit(EventAttemptCorrected, map[string]interface{}{
			"seq": seq,
		})
		prevSeq = seq
		script = fix
	}
}

// dispatchAndAwait sends one instruction and blocks for its report.
// Channel failures and report timeouts are folded into a failed report
// with a transport detail, never conflated with script-runtime errors.
func (s *Session) dispatchAndAwait(ctx context.Context, instr Instruction) ExecutionReport {
	start := time.Now()

	s.emitter.Emit(EventAttemptDispatched, map[string]interface{}{
		"instruction_id": instr.ID,
		"expects_render": instr.ExpectsRender,
	})

	dctx, cancel := context.WithTimeout(ctx, s.config.TransportTimeout)
	defer cancel()

	if err := s.channel.Dispatch(dctx, instr); err != nil {
		return ExecutionReport{
			Detail:    newTransportError("dispatch", err).Error(),
			Transport: true,
			Elapsed:   time.Since(start),
		}
	}

	var report Report
	for {
		var err error
		report, err = s.channel.NextReport(dctx)
		if err != nil {
			return ExecutionReport{
				Detail:    newTransportError("report", err).Error(),
				Transport: true,
				Elapsed:   time.Since(start),
			}
		}
		if report.InstructionID == "" || report.InstructionID == instr.ID {
			break
		}
		// Late report from an instruction that already timed out.
		// Consuming it here would attribute a stale result to the
		// in-flight attempt and skew every report after it.
		s.emitter.Emit(EventWarning, map[string]interface{}{
			"message":        "discarded stale executor report",
			"instruction_id": report.InstructionID,
		})
	}

	elapsed := report.Elapsed
	if elapsed == 0 {
		elapsed = time.Since(start)
	}
	return ExecutionReport{
		OK:      report.OK,
		Detail:  report.Detail,
		Elapsed: elapsed,
		Payload: report.Payload,
	}
}
