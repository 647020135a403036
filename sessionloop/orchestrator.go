package sessionloop

import (
	"fmt"

	"github.com/martinemde/sceneloop/runlog"
)

// SessionRecord identifies a persisted session.
type SessionRecord struct {
	ID        string
	Owner     string
	CreatedAt string
}

// Store is the durable backend for sessions. Create and Resume enforce
// the per-identity daily quota; Resume additionally enforces ownership
// and completed status, returning the prior session's artifact for
// seeding.
type Store interface {
	Recorder

	Create(identity string) (SessionRecord, error)
	Resume(identity, sessionID string) (SessionRecord, string, error)
	List(identity string) ([]string, error)
}

// ChannelDialer binds a fresh execution channel to a session id. Each
// session holds its channel exclusively until Close.
type ChannelDialer func(sessionID string) (ExecutionChannel, error)

// Orchestrator gates session construction behind the store's quota and
// ownership checks and wires each new session to its channel, agent,
// and run log.
type Orchestrator struct {
	store  Store
	agent  ScriptAgent
	dial   ChannelDialer
	config Config
	logDir string
}

// NewOrchestrator creates an Orchestrator. logDir is the root under
// which per-session run logs are created; empty disables run logging.
func NewOrchestrator(store Store, agent ScriptAgent, dial ChannelDialer, config *Config, logDir string) *Orchestrator {
	cfg := DefaultConfig()
	if config != nil {
		cfg = *config
	}
	return &Orchestrator{
		store:  store,
		agent:  agent,
		dial:   dial,
		config: cfg,
		logDir: logDir,
	}
}

// Create starts a new session for identity. The store's quota check
// runs before any resources are allocated.
func (o *Orchestrator) Create(identity string) (*Session, error) {
	record, err := o.store.Create(identity)
	if err != nil {
		return nil, err
	}
	return o.build(record, "", "")
}

// Resume starts a new session seeded from a completed prior session:
// the prior artifact plus the user's instruction feed the correction
// path instead of planning from scratch.
func (o *Orchestrator) Resume(identity, sessionID, instruction string) (*Session, error) {
	record, artifact, err := o.store.Resume(identity, sessionID)
	if err != nil {
		return nil, err
	}
	return o.build(record, artifact, instruction)
}

// List returns the identity's resumable (completed) session ids.
func (o *Orchestrator) List(identity string) ([]string, error) {
	return o.store.List(identity)
}

func (o *Orchestrator) build(record SessionRecord, seedArtifact, seedInstruction string) (*Session, error) {
	channel, err := o.dial(record.ID)
	if err != nil {
		return nil, fmt.Errorf("dial execution channel: %w", err)
	}

	s := newSession(record.ID, record.Owner, channel, o.agent, o.store, &o.config)
	if seedArtifact != "" {
		s.seed(seedArtifact, seedInstruction)
	}

	if o.logDir != "" {
		logger, err := runlog.New(o.logDir, record.ID)
		if err != nil {
			_ = channel.Close()
			return nil, err
		}
		s.SetRunLog(logger)
	}
	return s, nil
}
