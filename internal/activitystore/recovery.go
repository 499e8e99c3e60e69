package activitystore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/oak-dev/ci-daemon/internal/domain"
)

// StuckBatches returns active batches older than domain.StuckBatchAgeSeconds,
// for the stuck-batch recovery pass (spec.md §4.3) run on startup and on a
// timer.
func (s *Store) StuckBatches(ctx context.Context) ([]*domain.PromptBatch, error) {
	cutoff := time.Now().UTC().Add(-domain.StuckBatchAgeSeconds * time.Second)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, prompt_number, user_prompt, response_summary, started_at, ended_at,
		       status, processed, classification, source_type, plan_file_path, plan_content,
		       plan_embedded, source_plan_batch_id, content_hash, source_machine_id
		FROM prompt_batches WHERE status = ? AND started_at < ?`, domain.BatchActive, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.PromptBatch
	for rows.Next() {
		b, err := scanBatchRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SessionIDsWithOrphanActivities returns every session that has at least
// one activity whose prompt_batch_id is null.
func (s *Store) SessionIDsWithOrphanActivities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT session_id FROM activities WHERE prompt_batch_id IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RecoverOrphanActivities attaches a session's orphaned activities to its
// most recent batch, or creates a "[session continuation]" batch if none
// exists (spec.md §4.3). Returns the batch they were attached to, so the
// caller can re-run plan detection over them.
func (s *Store) RecoverOrphanActivities(ctx context.Context, sessionID string) (*domain.PromptBatch, []*domain.Activity, error) {
	orphans, err := s.OrphanActivities(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if len(orphans) == 0 {
		return nil, nil, nil
	}

	target, err := s.LastBatch(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, nil, err
		}
		target, err = s.CreateBatch(ctx, sessionID, "[session continuation]", domain.SourceSystem)
		if err != nil {
			return nil, nil, err
		}
	}

	for _, a := range orphans {
		if err := s.AttachActivityToBatch(ctx, a.ID, target.ID); err != nil {
			return nil, nil, err
		}
	}
	return target, orphans, nil
}

// CompleteStuckBatch closes a stuck batch, filling response_summary from
// fallback if the batch has none.
func (s *Store) CompleteStuckBatch(ctx context.Context, batchID int64, fallbackSummary string) error {
	if existing, err := s.GetBatch(ctx, batchID); err == nil && existing.ResponseSummary != "" {
		fallbackSummary = ""
	}
	return s.CloseBatch(ctx, batchID, fallbackSummary)
}

// ReprocessBatches marks a set of batches processed=false (putting them
// back on the processor's queue) and deletes their active observations,
// leaving resolved/superseded ones in place.
func (s *Store) ReprocessBatches(ctx context.Context, batchIDs []int64) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		stmtMark, err := tx.PrepareContext(ctx, `UPDATE prompt_batches SET processed = 0 WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmtMark.Close()
		stmtDel, err := tx.PrepareContext(ctx, `DELETE FROM observations WHERE prompt_batch_id = ? AND status = ?`)
		if err != nil {
			return err
		}
		defer stmtDel.Close()

		for _, id := range batchIDs {
			if _, err := stmtMark.ExecContext(ctx, id); err != nil {
				return err
			}
			if _, err := stmtDel.ExecContext(ctx, id, domain.ObservationActive); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteSession cascades a full delete of one session: nulls the
// self-FK source_plan_batch_id on its batches, then removes activities,
// observations, resolution events, batches and finally the session, all
// in one transaction (spec.md §4.3 "Cascade delete").
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE prompt_batches SET source_plan_batch_id = NULL
			WHERE session_id = ? AND source_plan_batch_id IS NOT NULL`, sessionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM resolution_events WHERE observation_id IN (SELECT id FROM observations WHERE session_id = ?)`, sessionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM observations WHERE session_id = ?`, sessionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM activities WHERE session_id = ?`, sessionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM prompt_batches WHERE session_id = ?`, sessionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
			return err
		}
		return nil
	})
}

// DeleteRecordsByMachine removes every session (and cascaded children)
// sourced from machineID, for cross-machine backup cleanup.
func (s *Store) DeleteRecordsByMachine(ctx context.Context, machineID string) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions WHERE source_machine_id = ?`, machineID)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := s.DeleteSession(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}
