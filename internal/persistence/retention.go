package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedAuditLogs int64 `json:"purged_audit_logs"`
	PurgedAlerts    int64 `json:"purged_alerts"`
}

// RunRetention deletes audit rows and watchdog alerts older than the given
// number of days. A non-positive window keeps that category forever. The
// event log and vector ledger are append-only and never purged.
func (s *Store) RunRetention(ctx context.Context, auditLogDays, alertDays int) (RetentionResult, error) {
	var result RetentionResult

	if auditLogDays > 0 {
		cutoff := s.now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff.Format("2006-01-02 15:04:05"))
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	if alertDays > 0 {
		cutoff := s.now().UTC().AddDate(0, 0, -alertDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM watchdog_alerts WHERE created_at < ?;`, toNanos(cutoff))
		if err != nil {
			return result, fmt.Errorf("purge watchdog_alerts: %w", err)
		}
		result.PurgedAlerts, _ = res.RowsAffected()
	}

	return result, nil
}

// SetClock overrides the store clock. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}
