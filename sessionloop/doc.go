// Package sessionloop implements the session protocol and
// execution-retry engine that drives iterative code generation against
// a stateful remote executor (a 3D content-creation tool).
//
// The orchestrator emits executable scripts over an ExecutionChannel,
// the remote executor runs them and reports success or failure, and the
// engine reacts: failed scripts are handed to an external correction
// agent together with the verbatim executor error, corrected scripts
// are redispatched, and successful scripts advance the session through
// its phases. Rendered visual feedback is requested through the same
// channel and collected as an ordered batch of image uploads.
//
// # Architecture
//
//   - Session: the live state of one run. Owns the attempt history,
//     drives the phase state machine, and exposes a typed event stream.
//   - ExecutionChannel: duplex link to the remote executor carrying
//     instructions, reports, and image uploads. Acquisition is
//     exclusive for the session's lifetime.
//   - ScriptAgent: opaque external producer of scripts (plan, correct,
//     critique). An empty script with a nil error is the agent's
//     "cannot fix" / "no further improvement" signal.
//   - Recorder: durable sink for attempts and phase transitions,
//     written synchronously so a crash mid-loop leaves a resumable
//     record.
//   - Orchestrator: composes store, agent, and channel dialing into
//     the create/resume/list entry points.
//
// # Quick Start
//
//	ch := sessionloop.NewLocalChannel(64)
//	sess := sessionloop.NewSession(owner, ch, agent, recorder, nil)
//	defer sess.Close()
//
//	if err := sess.Run(ctx, "Generate a chair", source); err != nil {
//	    log.Fatal(err)
//	}
//
//	for event := range sess.Events() {
//	    fmt.Printf("[%s] %v\n", event.Kind, event.Data)
//	}
package sessionloop
