package sessionloop

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// memoryStore is an in-memory Store for orchestrator tests.
type memoryStore struct {
	fakeRecorder
	mu       sync.Mutex
	next     int
	sessions map[string]*memorySession
}

type memorySession struct {
	owner    string
	status   Status
	artifact string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{sessions: make(map[string]*memorySession)}
}

func (m *memoryStore) Create(identity string) (SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := fmt.Sprintf("sess-%d", m.next)
	m.sessions[id] = &memorySession{owner: identity, status: StatusActive}
	return SessionRecord{ID: id, Owner: identity, CreatedAt: time.Now().UTC().Format(time.RFC3339)}, nil
}

func (m *memoryStore) Resume(identity, sessionID string) (SessionRecord, string, error) {
	m.mu.Lock()
	prior, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return SessionRecord{}, "", errors.New("session not found")
	}
	if prior.owner != identity {
		return SessionRecord{}, "", errors.New("forbidden")
	}
	if prior.status != StatusCompleted {
		return SessionRecord{}, "", errors.New("not completed")
	}
	record, err := m.Create(identity)
	return record, prior.artifact, err
}

func (m *memoryStore) List(identity string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.sessions {
		if s.owner == identity && s.status == StatusCompleted {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memoryStore) Finish(sessionID string, status Status, artifact string) error {
	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok {
		s.status = status
		s.artifact = artifact
	}
	m.mu.Unlock()
	return m.fakeRecorder.Finish(sessionID, status, artifact)
}

func TestOrchestratorCreateWiresSession(t *testing.T) {
	store := newMemoryStore()
	agent := &fakeAgent{}
	cfg := testConfig()

	dialed := 0
	dial := func(id string) (ExecutionChannel, error) {
		dialed++
		return NewLocalChannel(4), nil
	}

	orch := NewOrchestrator(store, agent, dial, &cfg, "")
	s, err := orch.Create("alice")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer s.Close()

	if s.ID() != "sess-1" {
		t.Errorf("expected store-assigned id, got %q", s.ID())
	}
	if s.Owner() != "alice" {
		t.Errorf("expected owner alice, got %q", s.Owner())
	}
	if dialed != 1 {
		t.Errorf("expected one channel dial, got %d", dialed)
	}
}

func TestOrchestratorCreateFailsWhenDialFails(t *testing.T) {
	store := newMemoryStore()
	cfg := testConfig()
	dial := func(id string) (ExecutionChannel, error) {
		return nil, errors.New("executor unreachable")
	}

	orch := NewOrchestrator(store, &fakeAgent{}, dial, &cfg, "")
	if _, err := orch.Create("alice"); err == nil {
		t.Fatal("expected error when the channel cannot be dialed")
	}
}

func TestOrchestratorResumeSeedsNewSession(t *testing.T) {
	store := newMemoryStore()
	cfg := testConfig()
	dial := func(id string) (ExecutionChannel, error) {
		return NewLocalChannel(4), nil
	}
	orch := NewOrchestrator(store, &fakeAgent{}, dial, &cfg, "")

	prior, err := orch.Create("alice")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	prior.Close()
	if err := store.Finish(prior.ID(), StatusCompleted, "prior_scene()"); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	resumed, err := orch.Resume("alice", prior.ID(), "add a moon")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	defer resumed.Close()

	if resumed.ID() == prior.ID() {
		t.Error("resume must create a fresh session")
	}
	if resumed.seedArtifact != "prior_scene()" || resumed.seedInstruction != "add a moon" {
		t.Errorf("resume must seed artifact and instruction, got %q / %q",
			resumed.seedArtifact, resumed.seedInstruction)
	}

	if _, err := orch.Resume("bob", prior.ID(), "steal it"); err == nil {
		t.Error("expected resume of another identity's session to fail")
	}

	ids, err := orch.List("alice")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != prior.ID() {
		t.Errorf("expected only the completed session listed, got %v", ids)
	}
}
