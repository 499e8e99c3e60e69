package activitystore

import (
	"context"
	"database/sql"
	"time"

	"github.com/oak-dev/ci-daemon/internal/governance"
)

// InsertGovernanceAudit records one denied tool call (spec.md §4.2.2:
// "if denied, mutate hook_output to block the call and write a
// governance-audit row").
func (s *Store) InsertGovernanceAudit(ctx context.Context, sessionID string, row governance.AuditRow) error {
	toolPattern, inputPattern := "", ""
	if row.Rule.ToolPattern != "" || row.Rule.InputPattern != "" {
		toolPattern = row.Rule.ToolPattern
		inputPattern = row.Rule.InputPattern
	}
	deniedAt := row.DeniedAt
	if deniedAt.IsZero() {
		deniedAt = time.Now()
	}

	return s.transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO governance_audit
			(session_id, tool_name, input, rule_tool_pattern, rule_input_pattern, denied_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, row.ToolName, row.Input, toolPattern, inputPattern, deniedAt)
		return err
	})
}
