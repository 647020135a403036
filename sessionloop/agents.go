package sessionloop

import "context"

// ScriptAgent is the external producer of executor scripts. The
// session loop treats it as opaque: it consumes prompts, failure
// details, and rendered images, and yields scripts.
//
// Every call receives the session's full attempt history by value, an
// append-only log the agent may read but never mutate. An empty script
// with a nil error is the agent's explicit decline: "cannot fix" from
// Correct, "no further improvement" from Critique.
type ScriptAgent interface {
	// Plan produces the first script for a session from the user's
	// prompt (or image description).
	Plan(ctx context.Context, prompt string, history []Attempt) (string, error)

	// Correct produces a replacement for a failed script. detail is
	// the executor's error verbatim, or the human's edit instruction
	// on resume and in user-guided refinement. The prior script may
	// have partially mutated executor state before failing; the
	// replacement must assume that partial state.
	Correct(ctx context.Context, script, detail string, history []Attempt) (string, error)

	// Critique reviews the current script together with rendered
	// images and proposes an edit script.
	Critique(ctx context.Context, script string, images []ImageUpload, history []Attempt) (string, error)
}

// InstructionSource supplies human instructions during user-guided
// refinement. Next blocks until an instruction arrives or ctx expires;
// the session loop bounds each wait with the inactivity timeout.
type InstructionSource interface {
	Next(ctx context.Context) (string, error)
}

// TerminateSentinel is the instruction that ends user-guided
// refinement immediately with a Completed session.
const TerminateSentinel = "TERMINATE"
