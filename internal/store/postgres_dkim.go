package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/ultrazend/internal/model"
)

func (s *PostgresStore) GetActiveDKIMKey(ctx context.Context, domainID string) (*model.DKIMKey, error) {
	return s.getDKIMKey(ctx, domainID, true)
}

func (s *PostgresStore) GetInactiveDKIMKey(ctx context.Context, domainID string) (*model.DKIMKey, error) {
	return s.getDKIMKey(ctx, domainID, false)
}

func (s *PostgresStore) getDKIMKey(ctx context.Context, domainID string, active bool) (*model.DKIMKey, error) {
	var k model.DKIMKey
	var keySize int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, domain_id, domain, selector, private_key_pem, public_key_base64,
		       algorithm, canonicalization, key_size, active, created_at
		FROM dkim_keys
		WHERE domain_id = $1 AND active = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, domainID, active).Scan(&k.ID, &k.DomainID, &k.Domain, &k.Selector, &k.PrivateKeyPEM,
		&k.PublicKeyBase64, &k.Algorithm, &k.Canonicalization, &keySize, &k.Active, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dkim key domain=%s active=%v: %w", domainID, active, err)
	}
	k.KeySize = model.DKIMKeySize(keySize)
	return &k, nil
}

func (s *PostgresStore) InsertDKIMKey(ctx context.Context, key *model.DKIMKey) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO dkim_keys
			(domain_id, domain, selector, private_key_pem, public_key_base64,
			 algorithm, canonicalization, key_size, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (domain_id, selector) DO UPDATE SET
			private_key_pem = EXCLUDED.private_key_pem,
			public_key_base64 = EXCLUDED.public_key_base64,
			active = EXCLUDED.active
		RETURNING id
	`, key.DomainID, key.Domain, key.Selector, key.PrivateKeyPEM, key.PublicKeyBase64,
		key.Algorithm, key.Canonicalization, int(key.KeySize), key.Active,
	).Scan(&key.ID)
	if err != nil {
		return fmt.Errorf("insert dkim key domain=%s selector=%s: %w", key.DomainID, key.Selector, err)
	}
	return nil
}

func (s *PostgresStore) ReactivateDKIMKey(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE dkim_keys SET active = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("reactivate dkim key %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) DeactivateDKIMKeys(ctx context.Context, domainID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE dkim_keys SET active = false WHERE domain_id = $1`, domainID)
	if err != nil {
		return fmt.Errorf("deactivate dkim keys domain=%s: %w", domainID, err)
	}
	return nil
}
