package activitystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/oak-dev/ci-daemon/internal/domain"
	"github.com/oak-dev/ci-daemon/internal/redact"
)

// InsertObservation inserts an extracted observation, computing its
// content hash from (observation, memory_type, context). If an
// observation with the same hash already exists in any of
// active/resolved/superseded status, the insert is skipped and the
// existing one is returned; this prevents duplicates and prevents
// re-extracting already-resolved content (spec.md §4.4 step 4).
func (s *Store) InsertObservation(ctx context.Context, o *domain.StoredObservation) (*domain.StoredObservation, bool, error) {
	o.Observation = redact.String(o.Observation)
	o.Context = redact.String(domain.Truncate(o.Context, domain.SanitizeFieldMaxLen))
	o.Importance = domain.ClampImportance(o.Importance)
	hash := observationHash(o.Observation, o.MemoryType, o.Context)

	existing, err := s.findObservationByHash(ctx, hash)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.Status == "" {
		o.Status = domain.ObservationActive
	}
	if o.OriginType == "" {
		o.OriginType = domain.OriginAutoExtracted
	}
	o.ContentHash = hash
	o.SourceMachineID = s.machineID
	tagsJSON, _ := json.Marshal(o.Tags)

	err = s.transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO observations (id, session_id, prompt_batch_id, observation, memory_type,
				context, tags, importance, file_path, created_at, status, origin_type,
				source_machine_id, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(content_hash) DO NOTHING`,
			o.ID, o.SessionID, o.PromptBatchID, o.Observation, o.MemoryType, o.Context,
			string(tagsJSON), o.Importance, o.FilePath, o.CreatedAt, string(o.Status),
			string(o.OriginType), o.SourceMachineID, o.ContentHash)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return o, true, nil
}

func (s *Store) findObservationByHash(ctx context.Context, hash string) (*domain.StoredObservation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, prompt_batch_id, observation, memory_type, context, tags, importance,
		       file_path, created_at, embedded, status, resolved_by_session_id, resolved_at,
		       superseded_by, origin_type, source_machine_id, content_hash
		FROM observations WHERE content_hash = ?`, hash)
	o, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func scanObservation(row *sql.Row) (*domain.StoredObservation, error) {
	var o domain.StoredObservation
	var promptBatchID sql.NullInt64
	var resolvedAt sql.NullTime
	var tagsJSON, status, originType string
	var embedded int

	err := row.Scan(&o.ID, &o.SessionID, &promptBatchID, &o.Observation, &o.MemoryType, &o.Context,
		&tagsJSON, &o.Importance, &o.FilePath, &o.CreatedAt, &embedded, &status,
		&o.ResolvedBySessionID, &resolvedAt, &o.SupersededBy, &originType, &o.SourceMachineID,
		&o.ContentHash)
	if err != nil {
		return nil, err
	}
	o.Status = domain.ObservationStatus(status)
	o.OriginType = domain.OriginType(originType)
	o.Embedded = embedded != 0
	if promptBatchID.Valid {
		v := promptBatchID.Int64
		o.PromptBatchID = &v
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		o.ResolvedAt = &t
	}
	_ = json.Unmarshal([]byte(tagsJSON), &o.Tags)
	return &o, nil
}

// PendingEmbeddings returns observations with embedded=false, for the
// processor's embedding-batch pass.
func (s *Store) PendingEmbeddings(ctx context.Context, limit int) ([]*domain.StoredObservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, prompt_batch_id, observation, memory_type, context, tags, importance,
		       file_path, created_at, embedded, status, resolved_by_session_id, resolved_at,
		       superseded_by, origin_type, source_machine_id, content_hash
		FROM observations WHERE embedded = 0 AND status = ? ORDER BY created_at ASC LIMIT ?`,
		domain.ObservationActive, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.StoredObservation
	for rows.Next() {
		o, err := scanObservationRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountActiveObservations returns the number of active observations,
// used by the processor's startup reconciliation to compare against the
// vector store's point count.
func (s *Store) CountActiveObservations(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations WHERE status = ?`, domain.ObservationActive).Scan(&count)
	return count, err
}

func scanObservationRows(rows *sql.Rows) (*domain.StoredObservation, error) {
	var o domain.StoredObservation
	var promptBatchID sql.NullInt64
	var resolvedAt sql.NullTime
	var tagsJSON, status, originType string
	var embedded int

	err := rows.Scan(&o.ID, &o.SessionID, &promptBatchID, &o.Observation, &o.MemoryType, &o.Context,
		&tagsJSON, &o.Importance, &o.FilePath, &o.CreatedAt, &embedded, &status,
		&o.ResolvedBySessionID, &resolvedAt, &o.SupersededBy, &originType, &o.SourceMachineID,
		&o.ContentHash)
	if err != nil {
		return nil, err
	}
	o.Status = domain.ObservationStatus(status)
	o.OriginType = domain.OriginType(originType)
	o.Embedded = embedded != 0
	if promptBatchID.Valid {
		v := promptBatchID.Int64
		o.PromptBatchID = &v
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		o.ResolvedAt = &t
	}
	_ = json.Unmarshal([]byte(tagsJSON), &o.Tags)
	return &o, nil
}

// MarkEmbedded flips embedded=true on a set of observations.
func (s *Store) MarkEmbedded(ctx context.Context, ids []string) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE observations SET embedded = 1 WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// recordResolutionEvent appends an append-only ResolutionEvent, deduped
// by (observation_id, action, source_machine_id, superseded_by).
func (s *Store) recordResolutionEvent(ctx context.Context, tx *sql.Tx, observationID string, action domain.ResolutionAction, supersededBy string) error {
	hash := resolutionEventHash(observationID, string(action), s.machineID, supersededBy)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO resolution_events (observation_id, action, source_machine_id, superseded_by, created_at, content_hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING`,
		observationID, string(action), s.machineID, supersededBy, time.Now().UTC(), hash)
	return err
}

// ResolveObservation marks an observation resolved and appends a
// resolution event.
func (s *Store) ResolveObservation(ctx context.Context, observationID, resolvedBySessionID string) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE observations SET status = ?, resolved_by_session_id = ?, resolved_at = ? WHERE id = ?`,
			domain.ObservationResolved, resolvedBySessionID, time.Now().UTC(), observationID); err != nil {
			return err
		}
		return s.recordResolutionEvent(ctx, tx, observationID, domain.ActionResolve, "")
	})
}

// SupersedeObservation marks an observation superseded by another and
// appends a resolution event.
func (s *Store) SupersedeObservation(ctx context.Context, observationID, supersededBy string) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE observations SET status = ?, superseded_by = ? WHERE id = ?`,
			domain.ObservationSuperseded, supersededBy, observationID); err != nil {
			return err
		}
		return s.recordResolutionEvent(ctx, tx, observationID, domain.ActionSupersede, supersededBy)
	})
}

// ReactivateObservation flips a resolved/superseded observation back to
// active and appends a resolution event; no time window is checked.
func (s *Store) ReactivateObservation(ctx context.Context, observationID string) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE observations SET status = ?, resolved_by_session_id = '', resolved_at = NULL, superseded_by = '' WHERE id = ?`,
			domain.ObservationActive, observationID); err != nil {
			return err
		}
		return s.recordResolutionEvent(ctx, tx, observationID, domain.ActionReactivate, "")
	})
}

// DeleteActiveObservationsForBatch removes only active=true observations
// tied to a batch before re-extraction, per the reprocess-queue rule
// (resolved/superseded ones remain to block re-emitting already-addressed
// content via hash).
func (s *Store) DeleteActiveObservationsForBatch(ctx context.Context, batchID int64) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM observations WHERE prompt_batch_id = ? AND status = ?`,
			batchID, domain.ObservationActive)
		return err
	})
}
