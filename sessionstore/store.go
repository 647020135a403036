// Package sessionstore provides SQLite-backed persistence for
// sessions: attempt history, phase and status transitions, completion
// artifacts, and the per-identity daily request quota.
package sessionstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/martinemde/sceneloop/sessionloop"
)

// Contract errors returned by session construction and resume.
var (
	// ErrRateLimited means the identity's daily quota is exhausted.
	ErrRateLimited = errors.New("daily session quota exhausted")

	// ErrNotFound means the requested session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrForbidden means the session belongs to another identity.
	ErrForbidden = errors.New("session belongs to another identity")

	// ErrNotCompleted means the session did not complete and has no
	// artifact to resume from.
	ErrNotCompleted = errors.New("session is not completed")
)

// Store persists sessions and attempts in SQLite and gates session
// construction behind the daily rate limit.
type Store struct {
	db      *sql.DB
	limiter *RateLimiter
}

// NewStore opens the SQLite database at dbPath, creates tables if they
// don't exist, and applies dailyLimit requests per identity per UTC day.
func NewStore(dbPath string, dailyLimit int) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Session writes are serialized through a single connection;
	// SQLite rejects concurrent writers otherwise.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{
		db:      db,
		limiter: NewRateLimiter(db, dailyLimit),
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		status TEXT NOT NULL,
		phase INTEGER NOT NULL DEFAULT 0,
		artifact TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS attempts (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		phase INTEGER NOT NULL,
		script TEXT NOT NULL,
		render INTEGER NOT NULL DEFAULT 0,
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		transport INTEGER NOT NULL DEFAULT 0,
		elapsed_ms INTEGER NOT NULL DEFAULT 0,
		corrected_by INTEGER NOT NULL DEFAULT -1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS rate_records (
		identity TEXT NOT NULL,
		day TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (identity, day)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// Create charges one request against identity's daily quota and, if
// allowed, inserts a new active session.
func (s *Store) Create(identity string) (sessionloop.SessionRecord, error) {
	if err := s.limiter.CheckAndIncrement(identity); err != nil {
		return sessionloop.SessionRecord{}, err
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.Exec(
		`INSERT INTO sessions (id, owner, status, phase, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		id, identity, string(sessionloop.StatusActive), now, now,
	)
	if err != nil {
		return sessionloop.SessionRecord{}, fmt.Errorf("insert session: %w", err)
	}

	return sessionloop.SessionRecord{
		ID:        id,
		Owner:     identity,
		CreatedAt: now.Format(time.RFC3339),
	}, nil
}

// Resume validates that sessionID exists, belongs to identity, and is
// completed, then charges the quota and inserts a fresh session. It
// returns the new record and the prior session's artifact. Ownership
// and status checks run before the quota charge so a rejected resume
// costs nothing.
func (s *Store) Resume(identity, sessionID string) (sessionloop.SessionRecord, string, error) {
	var owner, status, artifact string
	err := s.db.QueryRow(
		`SELECT owner, status, artifact FROM sessions WHERE id = ?`,
		sessionID,
	).Scan(&owner, &status, &artifact)
	if errors.Is(err, sql.ErrNoRows) {
		return sessionloop.SessionRecord{}, "", ErrNotFound
	}
	if err != nil {
		return sessionloop.SessionRecord{}, "", fmt.Errorf("query session: %w", err)
	}

	if owner != identity {
		return sessionloop.SessionRecord{}, "", ErrForbidden
	}
	if status != string(sessionloop.StatusCompleted) {
		return sessionloop.SessionRecord{}, "", ErrNotCompleted
	}

	record, err := s.Create(identity)
	if err != nil {
		return sessionloop.SessionRecord{}, "", err
	}
	return record, artifact, nil
}

// List returns the identity's completed session ids, newest first.
// Only completed sessions are resumable, so only they are listed.
func (s *Store) List(identity string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT id FROM sessions WHERE owner = ? AND status = ? ORDER BY created_at DESC`,
		identity, string(sessionloop.StatusCompleted),
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FinalArtifact returns the completion artifact of a session.
func (s *Store) FinalArtifact(sessionID string) (string, error) {
	var artifact string
	err := s.db.QueryRow(
		`SELECT artifact FROM sessions WHERE id = ?`, sessionID,
	).Scan(&artifact)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query artifact: %w", err)
	}
	return artifact, nil
}

// AppendAttempt inserts a new attempt row.
func (s *Store) AppendAttempt(sessionID string, a sessionloop.Attempt) error {
	_, err := s.db.Exec(
		`INSERT INTO attempts (session_id, seq, phase, script, render, outcome, detail, transport, elapsed_ms, corrected_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, a.Seq, int(a.Phase), a.Script, boolInt(a.Render),
		string(a.Outcome), a.Detail, boolInt(a.Transport),
		a.Elapsed.Milliseconds(), a.CorrectedBy, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// RecordOutcome updates the outcome of an existing attempt.
func (s *Store) RecordOutcome(sessionID string, seq int, outcome sessionloop.Outcome, detail string, elapsed time.Duration) error {
	_, err := s.db.Exec(
		`UPDATE attempts SET outcome = ?, detail = ?, elapsed_ms = ? WHERE session_id = ? AND seq = ?`,
		string(outcome), detail, elapsed.Milliseconds(), sessionID, seq,
	)
	if err != nil {
		return fmt.Errorf("update attempt outcome: %w", err)
	}
	return nil
}

// LinkCorrection marks a failed attempt as corrected by a retry.
func (s *Store) LinkCorrection(sessionID string, failedSeq, retrySeq int) error {
	_, err := s.db.Exec(
		`UPDATE attempts SET outcome = ?, corrected_by = ? WHERE session_id = ? AND seq = ?`,
		string(sessionloop.OutcomeCorrected), retrySeq, sessionID, failedSeq,
	)
	if err != nil {
		return fmt.Errorf("link correction: %w", err)
	}
	return nil
}

// SetPhase records a phase transition.
func (s *Store) SetPhase(sessionID string, p sessionloop.Phase) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET phase = ?, updated_at = ? WHERE id = ?`,
		int(p), time.Now().UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session phase: %w", err)
	}
	return nil
}

// Finish records the terminal status and completion artifact.
func (s *Store) Finish(sessionID string, status sessionloop.Status, artifact string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET status = ?, artifact = ?, updated_at = ? WHERE id = ?`,
		string(status), artifact, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	return nil
}

// Attempts returns a session's attempt history ordered by sequence.
func (s *Store) Attempts(sessionID string) ([]sessionloop.Attempt, error) {
	rows, err := s.db.Query(
		`SELECT seq, phase, script, render, outcome, detail, transport, elapsed_ms, corrected_by, created_at
		 FROM attempts WHERE session_id = ? ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []sessionloop.Attempt
	for rows.Next() {
		var a sessionloop.Attempt
		var phase, render, transport int
		var outcome string
		var elapsedMs int64
		if err := rows.Scan(&a.Seq, &phase, &a.Script, &render, &outcome, &a.Detail, &transport, &elapsedMs, &a.CorrectedBy, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Phase = sessionloop.Phase(phase)
		a.Render = render != 0
		a.Outcome = sessionloop.Outcome(outcome)
		a.Transport = transport != 0
		a.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
