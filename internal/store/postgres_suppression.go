package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/ultrazend/internal/model"
)

func (s *PostgresStore) IsSuppressed(ctx context.Context, tenantID, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM suppressions
			WHERE email = $1 AND (tenant_id = $2 OR tenant_id IS NULL)
		)
	`, email, nullString(tenantID)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is suppressed %s: %w", email, err)
	}
	return exists, nil
}

func (s *PostgresStore) UpsertSuppression(ctx context.Context, e *model.SuppressionEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppressions (tenant_id, email, type, bounce_type, reason, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (tenant_id, email) DO UPDATE SET
			type = EXCLUDED.type, bounce_type = EXCLUDED.bounce_type,
			reason = EXCLUDED.reason, metadata = EXCLUDED.metadata, updated_at = NOW()
	`, nullString(e.TenantID), e.Email, string(e.Type), string(e.BounceType), e.Reason, marshalMetadata(e.Metadata))
	if err != nil {
		return fmt.Errorf("upsert suppression %s: %w", e.Email, err)
	}
	return nil
}

func (s *PostgresStore) ListExpiredSoftBounces(ctx context.Context, olderThan time.Time) ([]model.SuppressionEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, email, type, bounce_type, reason, created_at, updated_at
		FROM suppressions
		WHERE bounce_type = $1 AND updated_at < $2
	`, string(model.BounceSoft), olderThan)
	if err != nil {
		return nil, fmt.Errorf("list expired soft bounces: %w", err)
	}
	defer rows.Close()

	var out []model.SuppressionEntry
	for rows.Next() {
		var e model.SuppressionEntry
		var tenantID sql.NullString
		var typ, bounceType string
		if err := rows.Scan(&tenantID, &e.Email, &typ, &bounceType, &e.Reason, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan expired soft bounce: %w", err)
		}
		e.TenantID = tenantID.String
		e.Type = model.SuppressionType(typ)
		e.BounceType = model.BounceClassification(bounceType)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteSuppression(ctx context.Context, tenantID, email string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM suppressions WHERE email = $1 AND (tenant_id = $2 OR ($2 = '' AND tenant_id IS NULL))
	`, email, tenantID)
	if err != nil {
		return fmt.Errorf("delete suppression %s: %w", email, err)
	}
	return nil
}

func (s *PostgresStore) ListGlobalSuppressions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT email FROM suppressions WHERE tenant_id IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("list global suppressions: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan global suppression: %w", err)
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}

func marshalMetadata(m map[string]string) []byte {
	b, _ := marshalHeaders(m)
	return b
}
