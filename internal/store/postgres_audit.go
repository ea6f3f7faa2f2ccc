package store

import (
	"context"
	"fmt"

	"github.com/ignite/ultrazend/internal/model"
)

// AppendAudit writes an append-only audit row. Audit entries are never
// consulted on the hot path (spec.md §3).
func (s *PostgresStore) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (tenant_id, action, detail, created_at)
		VALUES ($1, $2, $3, NOW())
	`, nullString(e.TenantID), e.Action, e.Detail)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
