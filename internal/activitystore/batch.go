package activitystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/oak-dev/ci-daemon/internal/domain"
	"github.com/oak-dev/ci-daemon/internal/redact"
)

// ErrNotFound is returned by getters when no matching row exists.
var ErrNotFound = errors.New("activitystore: not found")

// ActiveBatch returns the currently active batch for a session, or
// ErrNotFound if none is active. At most one batch per session is ever
// active (spec.md §8 invariant).
func (s *Store) ActiveBatch(ctx context.Context, sessionID string) (*domain.PromptBatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, prompt_number, user_prompt, response_summary, started_at, ended_at,
		       status, processed, classification, source_type, plan_file_path, plan_content,
		       plan_embedded, source_plan_batch_id, content_hash, source_machine_id
		FROM prompt_batches WHERE session_id = ? AND status = ? ORDER BY prompt_number DESC LIMIT 1`,
		sessionID, domain.BatchActive)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// LastBatch returns the most recently started batch for a session
// regardless of status, or ErrNotFound.
func (s *Store) LastBatch(ctx context.Context, sessionID string) (*domain.PromptBatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, prompt_number, user_prompt, response_summary, started_at, ended_at,
		       status, processed, classification, source_type, plan_file_path, plan_content,
		       plan_embedded, source_plan_batch_id, content_hash, source_machine_id
		FROM prompt_batches WHERE session_id = ? ORDER BY prompt_number DESC LIMIT 1`, sessionID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// GetBatch returns a single batch by id, or ErrNotFound.
func (s *Store) GetBatch(ctx context.Context, batchID int64) (*domain.PromptBatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, prompt_number, user_prompt, response_summary, started_at, ended_at,
		       status, processed, classification, source_type, plan_file_path, plan_content,
		       plan_embedded, source_plan_batch_id, content_hash, source_machine_id
		FROM prompt_batches WHERE id = ?`, batchID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func scanBatch(row *sql.Row) (*domain.PromptBatch, error) {
	var b domain.PromptBatch
	var endedAt sql.NullTime
	var status, classification, sourceType string
	var processed, planEmbedded int
	var sourcePlanBatchID sql.NullInt64

	err := row.Scan(&b.ID, &b.SessionID, &b.PromptNumber, &b.UserPrompt, &b.ResponseSummary,
		&b.StartedAt, &endedAt, &status, &processed, &classification, &sourceType,
		&b.PlanFilePath, &b.PlanContent, &planEmbedded, &sourcePlanBatchID, &b.ContentHash,
		&b.SourceMachineID)
	if err != nil {
		return nil, err
	}
	b.Status = domain.BatchStatus(status)
	b.Classification = domain.Classification(classification)
	b.SourceType = domain.SourceType(sourceType)
	b.Processed = processed != 0
	b.PlanEmbedded = planEmbedded != 0
	if endedAt.Valid {
		t := endedAt.Time
		b.EndedAt = &t
	}
	if sourcePlanBatchID.Valid {
		v := sourcePlanBatchID.Int64
		b.SourcePlanBatchID = &v
	}
	return &b, nil
}

// CreateBatch inserts a new PromptBatch as prompt_number = (previous max
// + 1) for the session, computing its content hash from (session_id,
// prompt_number) per spec.md §4.3. Dedup is enforced by the content_hash
// unique constraint; a duplicate insert is a no-op and the existing row
// is returned.
func (s *Store) CreateBatch(ctx context.Context, sessionID, userPrompt string, sourceType domain.SourceType) (*domain.PromptBatch, error) {
	userPrompt = redact.String(domain.Truncate(userPrompt, domain.MaxUserPromptLen))

	var batch *domain.PromptBatch
	err := s.transaction(ctx, func(tx *sql.Tx) error {
		var maxNum sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(prompt_number) FROM prompt_batches WHERE session_id = ?`, sessionID).Scan(&maxNum); err != nil {
			return err
		}
		promptNumber := 1
		if maxNum.Valid {
			promptNumber = int(maxNum.Int64) + 1
		}
		hash := promptBatchHash(sessionID, promptNumber)
		now := time.Now().UTC()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO prompt_batches (session_id, prompt_number, user_prompt, started_at, status,
				source_type, content_hash, source_machine_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(content_hash) DO NOTHING`,
			sessionID, promptNumber, userPrompt, now, domain.BatchActive, string(sourceType), hash, s.machineID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// conflict hit; fetch the existing row by hash
			row := tx.QueryRowContext(ctx, `
				SELECT id, session_id, prompt_number, user_prompt, response_summary, started_at, ended_at,
				       status, processed, classification, source_type, plan_file_path, plan_content,
				       plan_embedded, source_plan_batch_id, content_hash, source_machine_id
				FROM prompt_batches WHERE content_hash = ?`, hash)
			b, err := scanBatchTx(row)
			if err != nil {
				return err
			}
			batch = b
			return nil
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		batch = &domain.PromptBatch{
			ID: id, SessionID: sessionID, PromptNumber: promptNumber, UserPrompt: userPrompt,
			StartedAt: now, Status: domain.BatchActive, SourceType: sourceType, ContentHash: hash,
			SourceMachineID: s.machineID,
		}
		return nil
	})
	return batch, err
}

func scanBatchTx(row *sql.Row) (*domain.PromptBatch, error) {
	return scanBatch(row)
}

// CloseBatch marks a batch completed, setting ended_at and optionally
// response_summary.
func (s *Store) CloseBatch(ctx context.Context, batchID int64, responseSummary string) error {
	responseSummary = redact.String(domain.Truncate(responseSummary, domain.MaxResponseSummaryLen))
	return s.transaction(ctx, func(tx *sql.Tx) error {
		if responseSummary != "" {
			_, err := tx.ExecContext(ctx,
				`UPDATE prompt_batches SET status = ?, ended_at = ?, response_summary = ? WHERE id = ?`,
				domain.BatchCompleted, time.Now().UTC(), responseSummary, batchID)
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE prompt_batches SET status = ?, ended_at = ? WHERE id = ?`,
			domain.BatchCompleted, time.Now().UTC(), batchID)
		return err
	})
}

// ReactivateBatch flips a completed batch back to active, used for the
// post-tool-use reactivation-window rule (spec.md §4.2.3 step 4).
func (s *Store) ReactivateBatch(ctx context.Context, batchID int64) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE prompt_batches SET status = ?, ended_at = NULL WHERE id = ?`,
			domain.BatchActive, batchID)
		return err
	})
}

// SetBatchClassification records the processor's classification result.
func (s *Store) SetBatchClassification(ctx context.Context, batchID int64, c domain.Classification) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE prompt_batches SET classification = ? WHERE id = ?`, string(c), batchID)
		return err
	})
}

// MarkBatchProcessed flips processed to true/false; false re-queues it
// for the processor (spec.md §4.3 "Reprocess queue").
func (s *Store) MarkBatchProcessed(ctx context.Context, batchID int64, processed bool) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE prompt_batches SET processed = ? WHERE id = ?`, boolToInt(processed), batchID)
		return err
	})
}

// TagBatchAsPlan sets source_type=plan and the resolved plan file path
// and content for a batch (spec.md §4.2.1 step 4, §4.2.3 step 6).
func (s *Store) TagBatchAsPlan(ctx context.Context, batchID int64, planPath, planContent string) error {
	planContent = redact.String(domain.Truncate(planContent, domain.MaxPlanContentLen))
	return s.transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE prompt_batches SET source_type = ?, plan_file_path = ?, plan_content = ? WHERE id = ?`,
			string(domain.SourcePlan), planPath, planContent, batchID)
		return err
	})
}

// FindPlanBatchByPath finds an existing plan batch in a session tagged
// with the given file path, for the "update in place" consolidation rule.
func (s *Store) FindPlanBatchByPath(ctx context.Context, sessionID, planPath string) (*domain.PromptBatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, prompt_number, user_prompt, response_summary, started_at, ended_at,
		       status, processed, classification, source_type, plan_file_path, plan_content,
		       plan_embedded, source_plan_batch_id, content_hash, source_machine_id
		FROM prompt_batches WHERE session_id = ? AND plan_file_path = ? ORDER BY id DESC LIMIT 1`,
		sessionID, planPath)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// PendingBatches returns up to limit batches with processed=false AND
// status=completed, oldest-first, for the processor's tick.
func (s *Store) PendingBatches(ctx context.Context, limit int) ([]*domain.PromptBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, prompt_number, user_prompt, response_summary, started_at, ended_at,
		       status, processed, classification, source_type, plan_file_path, plan_content,
		       plan_embedded, source_plan_batch_id, content_hash, source_machine_id
		FROM prompt_batches WHERE processed = 0 AND status = ? ORDER BY started_at ASC LIMIT ?`,
		domain.BatchCompleted, limit)
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

func scanBatchRows(rows *sql.Rows) (*domain.PromptBatch, error) {
	var b domain.PromptBatch
	var endedAt sql.NullTime
	var status, classification, sourceType string
	var processed, planEmbedded int
	var sourcePlanBatchID sql.NullInt64

	err := rows.Scan(&b.ID, &b.SessionID, &b.PromptNumber, &b.UserPrompt, &b.ResponseSummary,
		&b.StartedAt, &endedAt, &status, &processed, &classification, &sourceType,
		&b.PlanFilePath, &b.PlanContent, &planEmbedded, &sourcePlanBatchID, &b.ContentHash,
		&b.SourceMachineID)
	if err != nil {
		return nil, err
	}
	b.Status = domain.BatchStatus(status)
	b.Classification = domain.Classification(classification)
	b.SourceType = domain.SourceType(sourceType)
	b.Processed = processed != 0
	b.PlanEmbedded = planEmbedded != 0
	if endedAt.Valid {
		t := endedAt.Time
		b.EndedAt = &t
	}
	if sourcePlanBatchID.Valid {
		v := sourcePlanBatchID.Int64
		b.SourcePlanBatchID = &v
	}
	return &b, nil
}

// BatchActivities returns every Activity attached to a batch, ordered by
// timestamp.
func (s *Store) BatchActivities(ctx context.Context, batchID int64) ([]*domain.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, prompt_batch_id, tool_name, tool_input_json, tool_output_summary,
		       file_path, files_affected, success, error_message, timestamp, duration_ms, processed,
		       observation_id, content_hash, source_machine_id
		FROM activities WHERE prompt_batch_id = ? ORDER BY timestamp ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Activity
	for rows.Next() {
		a, err := scanActivityRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SessionActivities returns activities for a session ordered by timestamp.
func (s *Store) SessionActivities(ctx context.Context, sessionID string) ([]*domain.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, prompt_batch_id, tool_name, tool_input_json, tool_output_summary,
		       file_path, files_affected, success, error_message, timestamp, duration_ms, processed,
		       observation_id, content_hash, source_machine_id
		FROM activities WHERE session_id = ? ORDER BY timestamp ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Activity
	for rows.Next() {
		a, err := scanActivityRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// OrphanActivities returns activities with a null prompt_batch_id for a
// session, used by orphan-activity recovery.
func (s *Store) OrphanActivities(ctx context.Context, sessionID string) ([]*domain.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, prompt_batch_id, tool_name, tool_input_json, tool_output_summary,
		       file_path, files_affected, success, error_message, timestamp, duration_ms, processed,
		       observation_id, content_hash, source_machine_id
		FROM activities WHERE session_id = ? AND prompt_batch_id IS NULL ORDER BY timestamp ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Activity
	for rows.Next() {
		a, err := scanActivityRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanActivityRows(rows *sql.Rows) (*domain.Activity, error) {
	var a domain.Activity
	var promptBatchID sql.NullInt64
	var durationMS sql.NullInt64
	var filesAffectedJSON string
	var success, processed int

	err := rows.Scan(&a.ID, &a.SessionID, &promptBatchID, &a.ToolName, &a.ToolInputJSON,
		&a.ToolOutputSummary, &a.FilePath, &filesAffectedJSON, &success, &a.ErrorMessage,
		&a.Timestamp, &durationMS, &processed, &a.ObservationID, &a.ContentHash, &a.SourceMachineID)
	if err != nil {
		return nil, err
	}
	a.Success = success != 0
	a.Processed = processed != 0
	if promptBatchID.Valid {
		v := promptBatchID.Int64
		a.PromptBatchID = &v
	}
	if durationMS.Valid {
		v := durationMS.Int64
		a.DurationMS = &v
	}
	_ = json.Unmarshal([]byte(filesAffectedJSON), &a.FilesAffected)
	return &a, nil
}

// InsertActivity writes an Activity, computing its content hash from
// (session_id, unix(timestamp), tool_name). A duplicate is a no-op.
func (s *Store) InsertActivity(ctx context.Context, a *domain.Activity) error {
	a.ToolInputJSON = redact.String(a.ToolInputJSON)
	a.ToolOutputSummary = redact.String(domain.Truncate(a.ToolOutputSummary, domain.MaxToolOutputLen))
	a.ErrorMessage = redact.String(domain.Truncate(a.ErrorMessage, domain.MaxErrorMessageLen))
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	a.ContentHash = activityHash(a.SessionID, a.Timestamp.Unix(), a.ToolName)
	filesJSON, _ := json.Marshal(a.FilesAffected)

	return s.transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO activities (session_id, prompt_batch_id, tool_name, tool_input_json,
				tool_output_summary, file_path, files_affected, success, error_message, timestamp,
				duration_ms, content_hash, source_machine_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(content_hash) DO NOTHING`,
			a.SessionID, a.PromptBatchID, a.ToolName, a.ToolInputJSON, a.ToolOutputSummary, a.FilePath,
			string(filesJSON), boolToInt(a.Success), a.ErrorMessage, a.Timestamp, a.DurationMS,
			a.ContentHash, s.machineID)
		return err
	})
}

// AttachActivityToBatch re-parents an orphaned activity, used by the
// orphan-activity recovery pass.
func (s *Store) AttachActivityToBatch(ctx context.Context, activityID, batchID int64) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE activities SET prompt_batch_id = ? WHERE id = ?`, batchID, activityID)
		return err
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
