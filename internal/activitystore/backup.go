package activitystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Backup is a full point-in-time export of the activity store, keyed on
// content hash so Restore can apply UPSERT semantics during cross-machine
// merge (spec.md §4.3, §8 "SQL backup export → wipe → import recreates
// exactly the same counts per table and the same content hashes").
type Backup struct {
	Sessions         []sessionRow         `json:"sessions"`
	PromptBatches    []promptBatchRow     `json:"prompt_batches"`
	Activities       []activityRow        `json:"activities"`
	Observations     []observationRow     `json:"observations"`
	ResolutionEvents []resolutionEventRow `json:"resolution_events"`
}

type sessionRow struct {
	ID, Agent, ProjectRoot                    string
	StartedAt                                 time.Time
	EndedAt                                   *time.Time
	Status                                    string
	PromptCount, ToolCount                    int
	Title                                     string
	TitleManuallyEdited                       bool
	Summary                                   string
	SummaryUpdatedAt                          *time.Time
	SummaryEmbedded                           bool
	ParentSessionID                           *string
	ParentSessionReason, SourceMachineID      string
	TranscriptPath                            string
}

type promptBatchRow struct {
	ID                int64
	SessionID         string
	PromptNumber      int
	UserPrompt        string
	ResponseSummary   string
	StartedAt         time.Time
	EndedAt           *time.Time
	Status            string
	Processed         bool
	Classification    string
	SourceType        string
	PlanFilePath      string
	PlanContent       string
	PlanEmbedded      bool
	SourcePlanBatchID *int64
	ContentHash       string
	SourceMachineID   string
}

type activityRow struct {
	ID                int64
	SessionID         string
	PromptBatchID     *int64
	ToolName          string
	ToolInputJSON     string
	ToolOutputSummary string
	FilePath          string
	FilesAffected     []string
	Success           bool
	ErrorMessage      string
	Timestamp         time.Time
	DurationMS        *int64
	Processed         bool
	ObservationID     string
	ContentHash       string
	SourceMachineID   string
}

type observationRow struct {
	ID                  string
	SessionID           string
	PromptBatchID       *int64
	Observation         string
	MemoryType          string
	Context             string
	Tags                []string
	Importance          int
	FilePath            string
	CreatedAt           time.Time
	Embedded            bool
	Status              string
	ResolvedBySessionID string
	ResolvedAt          *time.Time
	SupersededBy        string
	OriginType          string
	SourceMachineID     string
	ContentHash         string
}

type resolutionEventRow struct {
	ID              int64
	ObservationID   string
	Action          string
	SourceMachineID string
	SupersededBy    string
	CreatedAt       time.Time
	ContentHash     string
}

// Export reads every table into a Backup value.
func (s *Store) Export(ctx context.Context) (*Backup, error) {
	b := &Backup{}

	sessRows, err := s.db.QueryContext(ctx, `
		SELECT id, agent, project_root, started_at, ended_at, status, prompt_count, tool_count,
		       title, title_manually_edited, summary, summary_updated_at, summary_embedded,
		       parent_session_id, parent_session_reason, source_machine_id, transcript_path
		FROM sessions`)
	if err != nil {
		return nil, err
	}
	for sessRows.Next() {
		var r sessionRow
		var endedAt, summaryUpdatedAt sql.NullTime
		var parentID sql.NullString
		var titleEdited, summaryEmbedded int
		if err := sessRows.Scan(&r.ID, &r.Agent, &r.ProjectRoot, &r.StartedAt, &endedAt, &r.Status,
			&r.PromptCount, &r.ToolCount, &r.Title, &titleEdited, &r.Summary, &summaryUpdatedAt,
			&summaryEmbedded, &parentID, &r.ParentSessionReason, &r.SourceMachineID, &r.TranscriptPath); err != nil {
			sessRows.Close()
			return nil, err
		}
		r.TitleManuallyEdited = titleEdited != 0
		r.SummaryEmbedded = summaryEmbedded != 0
		if endedAt.Valid {
			t := endedAt.Time
			r.EndedAt = &t
		}
		if summaryUpdatedAt.Valid {
			t := summaryUpdatedAt.Time
			r.SummaryUpdatedAt = &t
		}
		if parentID.Valid {
			v := parentID.String
			r.ParentSessionID = &v
		}
		b.Sessions = append(b.Sessions, r)
	}
	sessRows.Close()

	batchRows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, prompt_number, user_prompt, response_summary, started_at, ended_at,
		       status, processed, classification, source_type, plan_file_path, plan_content,
		       plan_embedded, source_plan_batch_id, content_hash, source_machine_id
		FROM prompt_batches`)
	if err != nil {
		return nil, err
	}
	for batchRows.Next() {
		bt, err := scanBatchRows(batchRows)
		if err != nil {
			batchRows.Close()
			return nil, err
		}
		b.PromptBatches = append(b.PromptBatches, promptBatchRow{
			ID: bt.ID, SessionID: bt.SessionID, PromptNumber: bt.PromptNumber, UserPrompt: bt.UserPrompt,
			ResponseSummary: bt.ResponseSummary, StartedAt: bt.StartedAt, EndedAt: bt.EndedAt,
			Status: string(bt.Status), Processed: bt.Processed, Classification: string(bt.Classification),
			SourceType: string(bt.SourceType), PlanFilePath: bt.PlanFilePath, PlanContent: bt.PlanContent,
			PlanEmbedded: bt.PlanEmbedded, SourcePlanBatchID: bt.SourcePlanBatchID, ContentHash: bt.ContentHash,
			SourceMachineID: bt.SourceMachineID,
		})
	}
	batchRows.Close()

	actRows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, prompt_batch_id, tool_name, tool_input_json, tool_output_summary,
		       file_path, files_affected, success, error_message, timestamp, duration_ms, processed,
		       observation_id, content_hash, source_machine_id
		FROM activities`)
	if err != nil {
		return nil, err
	}
	for actRows.Next() {
		a, err := scanActivityRows(actRows)
		if err != nil {
			actRows.Close()
			return nil, err
		}
		b.Activities = append(b.Activities, activityRow{
			ID: a.ID, SessionID: a.SessionID, PromptBatchID: a.PromptBatchID, ToolName: a.ToolName,
			ToolInputJSON: a.ToolInputJSON, ToolOutputSummary: a.ToolOutputSummary, FilePath: a.FilePath,
			FilesAffected: a.FilesAffected, Success: a.Success, ErrorMessage: a.ErrorMessage,
			Timestamp: a.Timestamp, DurationMS: a.DurationMS, Processed: a.Processed,
			ObservationID: a.ObservationID, ContentHash: a.ContentHash, SourceMachineID: a.SourceMachineID,
		})
	}
	actRows.Close()

	obsRows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, prompt_batch_id, observation, memory_type, context, tags, importance,
		       file_path, created_at, embedded, status, resolved_by_session_id, resolved_at,
		       superseded_by, origin_type, source_machine_id, content_hash
		FROM observations`)
	if err != nil {
		return nil, err
	}
	for obsRows.Next() {
		o, err := scanObservationRows(obsRows)
		if err != nil {
			obsRows.Close()
			return nil, err
		}
		b.Observations = append(b.Observations, observationRow{
			ID: o.ID, SessionID: o.SessionID, PromptBatchID: o.PromptBatchID, Observation: o.Observation,
			MemoryType: o.MemoryType, Context: o.Context, Tags: o.Tags, Importance: o.Importance,
			FilePath: o.FilePath, CreatedAt: o.CreatedAt, Embedded: o.Embedded, Status: string(o.Status),
			ResolvedBySessionID: o.ResolvedBySessionID, ResolvedAt: o.ResolvedAt, SupersededBy: o.SupersededBy,
			OriginType: string(o.OriginType), SourceMachineID: o.SourceMachineID, ContentHash: o.ContentHash,
		})
	}
	obsRows.Close()

	resRows, err := s.db.QueryContext(ctx, `
		SELECT id, observation_id, action, source_machine_id, superseded_by, created_at, content_hash
		FROM resolution_events`)
	if err != nil {
		return nil, err
	}
	for resRows.Next() {
		var r resolutionEventRow
		if err := resRows.Scan(&r.ID, &r.ObservationID, &r.Action, &r.SourceMachineID, &r.SupersededBy,
			&r.CreatedAt, &r.ContentHash); err != nil {
			resRows.Close()
			return nil, err
		}
		b.ResolutionEvents = append(b.ResolutionEvents, r)
	}
	resRows.Close()

	return b, nil
}

// Import merges a Backup into the store using UPSERT-on-content-hash
// semantics: rows whose hash already exists are left untouched (their
// local version wins), everything else is inserted.
func (s *Store) Import(ctx context.Context, b *Backup) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		for _, r := range b.Sessions {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sessions (id, agent, project_root, started_at, ended_at, status, prompt_count,
					tool_count, title, title_manually_edited, summary, summary_updated_at, summary_embedded,
					parent_session_id, parent_session_reason, source_machine_id, transcript_path)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO NOTHING`,
				r.ID, r.Agent, r.ProjectRoot, r.StartedAt, r.EndedAt, r.Status, r.PromptCount, r.ToolCount,
				r.Title, boolToInt(r.TitleManuallyEdited), r.Summary, r.SummaryUpdatedAt,
				boolToInt(r.SummaryEmbedded), r.ParentSessionID, r.ParentSessionReason, r.SourceMachineID,
				r.TranscriptPath); err != nil {
				return err
			}
		}
		for _, r := range b.PromptBatches {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO prompt_batches (session_id, prompt_number, user_prompt, response_summary,
					started_at, ended_at, status, processed, classification, source_type, plan_file_path,
					plan_content, plan_embedded, source_plan_batch_id, content_hash, source_machine_id)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(content_hash) DO NOTHING`,
				r.SessionID, r.PromptNumber, r.UserPrompt, r.ResponseSummary, r.StartedAt, r.EndedAt,
				r.Status, boolToInt(r.Processed), r.Classification, r.SourceType, r.PlanFilePath,
				r.PlanContent, boolToInt(r.PlanEmbedded), r.SourcePlanBatchID, r.ContentHash,
				r.SourceMachineID); err != nil {
				return err
			}
		}
		for _, r := range b.Activities {
			filesJSON, _ := json.Marshal(r.FilesAffected)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO activities (session_id, prompt_batch_id, tool_name, tool_input_json,
					tool_output_summary, file_path, files_affected, success, error_message, timestamp,
					duration_ms, processed, observation_id, content_hash, source_machine_id)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(content_hash) DO NOTHING`,
				r.SessionID, r.PromptBatchID, r.ToolName, r.ToolInputJSON, r.ToolOutputSummary,
				r.FilePath, string(filesJSON), boolToInt(r.Success), r.ErrorMessage, r.Timestamp,
				r.DurationMS, boolToInt(r.Processed), r.ObservationID, r.ContentHash,
				r.SourceMachineID); err != nil {
				return err
			}
		}
		for _, r := range b.Observations {
			tagsJSON, _ := json.Marshal(r.Tags)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO observations (id, session_id, prompt_batch_id, observation, memory_type,
					context, tags, importance, file_path, created_at, embedded, status,
					resolved_by_session_id, resolved_at, superseded_by, origin_type, source_machine_id,
					content_hash)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(content_hash) DO NOTHING`,
				r.ID, r.SessionID, r.PromptBatchID, r.Observation, r.MemoryType, r.Context,
				string(tagsJSON), r.Importance, r.FilePath, r.CreatedAt, boolToInt(r.Embedded), r.Status,
				r.ResolvedBySessionID, r.ResolvedAt, r.SupersededBy, r.OriginType, r.SourceMachineID,
				r.ContentHash); err != nil {
				return err
			}
		}
		for _, r := range b.ResolutionEvents {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO resolution_events (observation_id, action, source_machine_id, superseded_by,
					created_at, content_hash)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(content_hash) DO NOTHING`,
				r.ObservationID, r.Action, r.SourceMachineID, r.SupersededBy, r.CreatedAt,
				r.ContentHash); err != nil {
				return err
			}
		}
		return nil
	})
}
