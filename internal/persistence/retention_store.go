package persistence

import (
	"context"
	"fmt"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedAuditLogs  int64 `json:"purged_audit_logs"`
	PurgedStaleTasks int64 `json:"purged_stale_tasks"`
}

// RunRetention deletes audit rows older than auditLogDays and tasks nobody acked
// within staleTaskDays. A zero window disables that category. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, auditLogDays, staleTaskDays int) (RetentionResult, error) {
	var result RetentionResult
	now := s.clock().UTC()

	if auditLogDays > 0 {
		cutoff := now.AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff.Format("2006-01-02 15:04:05"))
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	if staleTaskDays > 0 {
		cutoff := now.AddDate(0, 0, -staleTaskDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM relay_tasks WHERE created_at < ?;`, cutoff.UnixMilli())
		if err != nil {
			return result, fmt.Errorf("purge stale tasks: %w", err)
		}
		result.PurgedStaleTasks, _ = res.RowsAffected()
	}

	return result, nil
}
