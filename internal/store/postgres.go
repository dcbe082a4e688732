package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jx4life/postbridge/internal/domain"
)

// PostgresRemoteStore implements RemoteStore against the social_credentials
// table. Tokens arrive already encrypted; this layer never sees plaintext.
type PostgresRemoteStore struct {
	pool *pgxpool.Pool
	node *snowflake.Node
}

var _ RemoteStore = (*PostgresRemoteStore)(nil)

// NewPostgresRemoteStore constructs the Postgres-backed remote store.
func NewPostgresRemoteStore(pool *pgxpool.Pool, node *snowflake.Node) *PostgresRemoteStore {
	return &PostgresRemoteStore{pool: pool, node: node}
}

// Upsert writes the encrypted record, last writer wins per (user, key).
func (s *PostgresRemoteStore) Upsert(ctx context.Context, rec Record) error {
	identity, err := json.Marshal(rec.Identity)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	var expiresAt *time.Time
	if rec.ExpiresAt != nil {
		t := rec.ExpiresAt.UTC()
		expiresAt = &t
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO social_credentials (id, user_id, credential_key, platform, ciphertext, identity, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, credential_key) DO UPDATE SET
			platform = EXCLUDED.platform,
			ciphertext = EXCLUDED.ciphertext,
			identity = EXCLUDED.identity,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		s.node.Generate().Int64(), rec.UserID, rec.Key, string(rec.Platform),
		rec.Ciphertext, identity, expiresAt, rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// Get loads the record for (user, key); nil when absent.
func (s *PostgresRemoteStore) Get(ctx context.Context, userID, key string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, credential_key, platform, ciphertext, identity, expires_at, updated_at
		FROM social_credentials
		WHERE user_id = $1 AND credential_key = $2`,
		userID, key,
	)

	var (
		rec         Record
		platform    string
		identityRaw []byte
	)
	err := row.Scan(&rec.UserID, &rec.Key, &platform, &rec.Ciphertext, &identityRaw, &rec.ExpiresAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select credential: %w", err)
	}
	rec.Platform = domain.Platform(platform)
	if len(identityRaw) > 0 {
		if err := json.Unmarshal(identityRaw, &rec.Identity); err != nil {
			return nil, fmt.Errorf("decode identity: %w", err)
		}
	}
	return &rec, nil
}

// Delete removes the record; deleting an absent record succeeds.
func (s *PostgresRemoteStore) Delete(ctx context.Context, userID, key string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM social_credentials WHERE user_id = $1 AND credential_key = $2`,
		userID, key,
	); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
