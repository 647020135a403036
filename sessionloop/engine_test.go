package sessionloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// testConfig returns a Config with short timeouts so tests never block
// on production defaults.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SeedRender = false
	cfg.RenderConfig.NumImages = 2
	cfg.MaxCritiqueCycles = 2
	cfg.InitialCreationBudget = 5 * time.Second
	cfg.AutoRefinementBudget = 5 * time.Second
	cfg.TransportTimeout = 2 * time.Second
	cfg.TransportRetryDelay = 10 * time.Millisecond
	cfg.UploadTimeout = 150 * time.Millisecond
	cfg.InactivityTimeout = 100 * time.Millisecond
	return cfg
}

type correctCall struct {
	script string
	detail string
}

// fakeAgent returns scripted responses. Correct pops from corrections
// and declines once the queue is empty; Critique pops from critiques
// and signals no further improvement when empty.
type fakeAgent struct {
	mu            sync.Mutex
	planScript    string
	planErr       error
	planCalls     int
	corrections   []string
	correctCalls  []correctCall
	critiques     []string
	critiqueCalls int
}

func (a *fakeAgent) Plan(ctx context.Context, prompt string, history []Attempt) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.planCalls++
	return a.planScript, a.planErr
}

func (a *fakeAgent) Correct(ctx context.Context, script, detail string, history []Attempt) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.correctCalls = append(a.correctCalls, correctCall{script: script, detail: detail})
	if len(a.corrections) == 0 {
		return "", nil
	}
	fix := a.corrections[0]
	a.corrections = a.corrections[1:]
	return fix, nil
}

func (a *fakeAgent) Critique(ctx context.Context, script string, images []ImageUpload, history []Attempt) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.critiqueCalls++
	if len(a.critiques) == 0 {
		return "", nil
	}
	edit := a.critiques[0]
	a.critiques = a.critiques[1:]
	return edit, nil
}

func (a *fakeAgent) correctHistory() []correctCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	calls := make([]correctCall, len(a.correctCalls))
	copy(calls, a.correctCalls)
	return calls
}

// serveChannel runs a scripted executor against the channel until the
// instruction stream closes.
func serveChannel(ch *LocalChannel, handler func(Instruction) (Report, []ImageUpload)) {
	go func() {
		for instr := range ch.Instructions() {
			report, images := handler(instr)
			report.InstructionID = instr.ID
			ch.SubmitReport(report)
			for _, img := range images {
				img.InstructionID = instr.ID
				ch.SubmitImage(img)
			}
		}
	}()
}

func okForAll(instr Instruction) (Report, []ImageUpload) {
	return Report{OK: true}, nil
}

func newTestSession(agent ScriptAgent, cfg Config, handler func(Instruction) (Report, []ImageUpload)) *Session {
	ch := NewLocalChannel(16)
	serveChannel(ch, handler)
	return NewSession("alice", ch, agent, nil, &cfg)
}

func TestExecuteCorrectsRuntimeFailure(t *testing.T) {
	detail := "Traceback (most recent call last):\n  NameError: name 'cub' is not defined"
	agent := &fakeAgent{corrections: []string{"good()"}}

	s := newTestSession(agent, testConfig(), func(instr Instruction) (Report, []ImageUpload) {
		if instr.Script == "bad()" {
			return Report{OK: false, Detail: detail}, nil
		}
		return Report{OK: true}, nil
	})
	defer s.Close()

	report, err := s.Execute(context.Background(), "bad()")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !report.OK {
		t.Fatal("expected successful report")
	}

	history := s.History()
	if len(history) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(history))
	}
	if history[0].Outcome != OutcomeCorrected {
		t.Errorf("expected first attempt corrected, got %q", history[0].Outcome)
	}
	if history[0].CorrectedBy != 1 {
		t.Errorf("expected corrected_by 1, got %d", history[0].CorrectedBy)
	}
	if history[1].Outcome != OutcomeSucceeded {
		t.Errorf("expected second attempt succeeded, got %q", history[1].Outcome)
	}
	if s.Artifact() != "good()" {
		t.Errorf("expected artifact to be the corrected script, got %q", s.Artifact())
	}

	calls := agent.correctHistory()
	if len(calls) != 1 {
		t.Fatalf("expected 1 correction call, got %d", len(calls))
	}
	if calls[0].detail != detail {
		t.Errorf("error detail must reach the agent verbatim, got %q", calls[0].detail)
	}
	if calls[0].script != "bad()" {
		t.Errorf("failed script must reach the agent, got %q", calls[0].script)
	}
}

// flakyChannel fails the first n dispatches, then behaves normally.
type flakyChannel struct {
	*LocalChannel
	mu    sync.Mutex
	fails int
}

func (c *flakyChannel) Dispatch(ctx context.Context, instr Instruction) error {
	c.mu.Lock()
	if c.fails > 0 {
		c.fails--
		c.mu.Unlock()
		return errors.New("socket hang up")
	}
	c.mu.Unlock()
	return c.LocalChannel.Dispatch(ctx, instr)
}

func TestExecuteRetriesTransportFailureWithSameScript(t *testing.T) {
	agent := &fakeAgent{}
	inner := NewLocalChannel(16)
	serveChannel(inner, okForAll)
	ch := &flakyChannel{LocalChannel: inner, fails: 1}

	cfg := testConfig()
	s := NewSession("alice", ch, agent, nil, &cfg)
	defer s.Close()

	if _, err := s.Execute(context.Background(), "scene()"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	history := s.History()
	if len(history) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(history))
	}
	if !history[0].Transport {
		t.Error("first attempt must be marked as a transport failure")
	}
	if history[0].Outcome != OutcomeCorrected {
		t.Errorf("expected transport failure superseded by retry, got %q", history[0].Outcome)
	}
	if history[0].Script != history[1].Script {
		t.Error("transport retry must redispatch the same script")
	}
	if len(agent.correctHistory()) != 0 {
		t.Error("transport failures must never reach the correction agent")
	}
}

func TestExecuteDiscardsStaleReport(t *testing.T) {
	agent := &fakeAgent{}
	ch := NewLocalChannel(16)

	// The executor answers the first dispatch only after the transport
	// timeout has fired, then answers the redispatch promptly. The late
	// failure must not be attributed to the redispatched attempt.
	go func() {
		first := <-ch.Instructions()
		second := <-ch.Instructions()
		ch.SubmitReport(Report{
			InstructionID: first.ID,
			OK:            false,
			Detail:        "NameError: name 'scene' is not defined",
		})
		ch.SubmitReport(Report{InstructionID: second.ID, OK: true})
	}()

	cfg := testConfig()
	cfg.TransportTimeout = 80 * time.Millisecond
	s := NewSession("alice", ch, agent, nil, &cfg)
	defer s.Close()

	report, err := s.Execute(context.Background(), "scene()")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !report.OK {
		t.Fatal("expected the redispatch's own report, got a failure")
	}

	history := s.History()
	if len(history) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(history))
	}
	if !history[0].Transport || history[0].Outcome != OutcomeCorrected {
		t.Errorf("first attempt must be a superseded transport timeout, got %+v", history[0])
	}
	if history[1].Outcome != OutcomeSucceeded {
		t.Errorf("redispatch must record its own success, got %q", history[1].Outcome)
	}
	if len(agent.correctHistory()) != 0 {
		t.Error("a stale failure report must never trigger a correction cycle")
	}
	if s.Artifact() != "scene()" {
		t.Errorf("expected artifact scene(), got %q", s.Artifact())
	}
}

func TestExecuteUncorrectable(t *testing.T) {
	detail := "RuntimeError: scene graph corrupted"
	agent := &fakeAgent{} // declines every correction

	s := newTestSession(agent, testConfig(), func(instr Instruction) (Report, []ImageUpload) {
		return Report{OK: false, Detail: detail}, nil
	})
	defer s.Close()

	_, err := s.Execute(context.Background(), "doomed()")
	var uncorrectable *UncorrectableError
	if !errors.As(err, &uncorrectable) {
		t.Fatalf("expected UncorrectableError, got %v", err)
	}
	if uncorrectable.Detail != detail {
		t.Errorf("expected failure detail %q, got %q", detail, uncorrectable.Detail)
	}

	history := s.History()
	if len(history) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(history))
	}
	if history[0].Outcome != OutcomeFailed {
		t.Errorf("expected failed outcome, got %q", history[0].Outcome)
	}
	if history[0].Detail != detail {
		t.Errorf("expected detail recorded verbatim, got %q", history[0].Detail)
	}
}

func TestExecuteObservesCancel(t *testing.T) {
	agent := &fakeAgent{}
	s := newTestSession(agent, testConfig(), okForAll)
	defer s.Close()

	s.Cancel()
	if _, err := s.Execute(context.Background(), "scene()"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(s.History()) != 0 {
		t.Error("cancelled session must not dispatch new attempts")
	}
}

func TestExecuteSequenceNumbersContiguous(t *testing.T) {
	agent := &fakeAgent{corrections: []string{"fix1()", "fix2()"}}
	failures := 0
	var mu sync.Mutex

	s := newTestSession(agent, testConfig(), func(instr Instruction) (Report, []ImageUpload) {
		mu.Lock()
		defer mu.Unlock()
		if failures < 2 {
			failures++
			return Report{OK: false, Detail: "IndexError: list index out of range"}, nil
		}
		return Report{OK: true}, nil
	})
	defer s.Close()

	if _, err := s.Execute(context.Background(), "start()"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	history := s.History()
	if len(history) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(history))
	}
	for i, a := range history {
		if a.Seq != i {
			t.Errorf("attempt %d has seq %d, sequence must be contiguous from 0", i, a.Seq)
		}
	}
	if history[0].CorrectedBy != 1 || history[1].CorrectedBy != 2 {
		t.Errorf("correction chain broken: %d -> %d", history[0].CorrectedBy, history[1].CorrectedBy)
	}
}
