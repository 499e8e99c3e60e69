// Package activitystore is the SQLite-backed source of truth for
// sessions, prompt batches, activities, observations and resolution
// events (spec.md §4.3). It uses the pure-Go modernc.org/sqlite driver
// (grounded on haasonsaas-nexus's internal/memory/backend/sqlitevec) so
// the daemon never needs cgo on any agent's machine.
package activitystore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oak-dev/ci-daemon/internal/domain"
	"github.com/oak-dev/ci-daemon/internal/redact"
)

// Store owns the single write connection and serializes every mutation
// through transaction, matching spec.md's "single-writer via a
// per-connection SQLite mutex" concurrency model.
type Store struct {
	db        *sql.DB
	mu        sync.Mutex
	machineID string
}

// Open opens (creating if absent) the SQLite database at path and
// applies any pending migrations.
func Open(path, machineID string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open activity store: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer connection; matches spec's concurrency model

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate activity store: %w", err)
	}

	return &Store{db: db, machineID: machineID}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// transaction begins, runs fn, and commits or rolls back, serialized by
// s.mu. Every write path in this package goes through it.
func (s *Store) transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// EnsureSession creates a session if absent, or reactivates it if it was
// completed (spec.md §4.2.1 step 1). Returns the session and whether it
// was newly created.
func (s *Store) EnsureSession(ctx context.Context, id string, agent domain.Agent, projectRoot, transcriptPath string) (*domain.Session, bool, error) {
	existing, err := s.GetSession(ctx, id)
	if err == nil && existing != nil {
		if existing.Status == domain.SessionCompleted {
			err = s.transaction(ctx, func(tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ?, ended_at = NULL WHERE id = ?`, domain.SessionActive, id)
				return err
			})
			if err != nil {
				return nil, false, err
			}
			existing.Status = domain.SessionActive
			existing.EndedAt = nil
		}
		return existing, false, nil
	}

	sess := &domain.Session{
		ID:              id,
		Agent:           agent,
		ProjectRoot:     projectRoot,
		StartedAt:       time.Now().UTC(),
		Status:          domain.SessionActive,
		SourceMachineID: s.machineID,
		TranscriptPath:  transcriptPath,
	}
	err = s.transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, agent, project_root, started_at, status, source_machine_id, transcript_path)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			sess.ID, string(sess.Agent), sess.ProjectRoot, sess.StartedAt, string(sess.Status), sess.SourceMachineID, sess.TranscriptPath)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("insert session: %w", err)
	}
	return sess, true, nil
}

// GetSession fetches a session by id, or (nil, sql.ErrNoRows) if absent.
func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent, project_root, started_at, ended_at, status, prompt_count, tool_count,
		       title, title_manually_edited, summary, summary_updated_at, summary_embedded,
		       parent_session_id, parent_session_reason, source_machine_id, transcript_path
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*domain.Session, error) {
	var sess domain.Session
	var endedAt, summaryUpdatedAt sql.NullTime
	var parentSessionID sql.NullString
	var agent, status, parentReason string
	var titleEdited, summaryEmbedded int

	err := row.Scan(&sess.ID, &agent, &sess.ProjectRoot, &sess.StartedAt, &endedAt, &status,
		&sess.PromptCount, &sess.ToolCount, &sess.Title, &titleEdited, &sess.Summary,
		&summaryUpdatedAt, &summaryEmbedded, &parentSessionID, &parentReason,
		&sess.SourceMachineID, &sess.TranscriptPath)
	if err != nil {
		return nil, err
	}

	sess.Agent = domain.Agent(agent)
	sess.Status = domain.SessionStatus(status)
	sess.ParentSessionReason = domain.ParentReason(parentReason)
	sess.TitleManuallyEdited = titleEdited != 0
	sess.SummaryEmbedded = summaryEmbedded != 0
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	if summaryUpdatedAt.Valid {
		t := summaryUpdatedAt.Time
		sess.SummaryUpdatedAt = &t
	}
	if parentSessionID.Valid {
		v := parentSessionID.String
		sess.ParentSessionID = &v
	}
	return &sess, nil
}

// CloseSession marks a session completed.
func (s *Store) CloseSession(ctx context.Context, id string) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?`,
			domain.SessionCompleted, time.Now().UTC(), id)
		return err
	})
}

// UpdateSessionSummary sets the prose summary for a session (used by the
// processor's session-summarization pass).
func (s *Store) UpdateSessionSummary(ctx context.Context, sessionID, summary string) error {
	summary = redact.String(domain.Truncate(summary, domain.MaxResponseSummaryLen))
	return s.transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET summary = ?, summary_updated_at = ? WHERE id = ?`,
			summary, time.Now().UTC(), sessionID)
		return err
	})
}

// IncrementCounts bumps a session's prompt_count and/or tool_count.
func (s *Store) IncrementCounts(ctx context.Context, sessionID string, prompts, tools int) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE sessions SET prompt_count = prompt_count + ?, tool_count = tool_count + ? WHERE id = ?`,
			prompts, tools, sessionID)
		return err
	})
}

// ListSessions returns sessions ordered by most recently started, for
// the GET /api/activity/sessions endpoint.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent, project_root, started_at, ended_at, status, prompt_count, tool_count,
		       title, title_manually_edited, summary, summary_updated_at, summary_embedded,
		       parent_session_id, parent_session_reason, source_machine_id, transcript_path
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSessionRows(rows *sql.Rows) (*domain.Session, error) {
	var sess domain.Session
	var endedAt, summaryUpdatedAt sql.NullTime
	var parentSessionID sql.NullString
	var agent, status, parentReason string
	var titleEdited, summaryEmbedded int

	err := rows.Scan(&sess.ID, &agent, &sess.ProjectRoot, &sess.StartedAt, &endedAt, &status,
		&sess.PromptCount, &sess.ToolCount, &sess.Title, &titleEdited, &sess.Summary,
		&summaryUpdatedAt, &summaryEmbedded, &parentSessionID, &parentReason,
		&sess.SourceMachineID, &sess.TranscriptPath)
	if err != nil {
		return nil, err
	}
	sess.Agent = domain.Agent(agent)
	sess.Status = domain.SessionStatus(status)
	sess.ParentSessionReason = domain.ParentReason(parentReason)
	sess.TitleManuallyEdited = titleEdited != 0
	sess.SummaryEmbedded = summaryEmbedded != 0
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	if summaryUpdatedAt.Valid {
		t := summaryUpdatedAt.Time
		sess.SummaryUpdatedAt = &t
	}
	if parentSessionID.Valid {
		v := parentSessionID.String
		sess.ParentSessionID = &v
	}
	return &sess, nil
}
