package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jx4life/postbridge/internal/domain"
)

// RedisLocalStore implements LocalStore backed by Redis.
type RedisLocalStore struct {
	client redis.UniversalClient
}

var _ LocalStore = (*RedisLocalStore)(nil)

// NewRedisLocalStore constructs a Redis-backed local credential cache.
func NewRedisLocalStore(client redis.UniversalClient) *RedisLocalStore {
	return &RedisLocalStore{client: client}
}

// Set stores the encoded credential. No TTL: expiry is enforced lazily by
// the CredentialStore so local and remote stay in agreement.
func (s *RedisLocalStore) Set(ctx context.Context, key string, cred domain.Credential) error {
	payload, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, 0).Err(); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	return nil
}

// Get loads and decodes the credential; nil when absent.
func (s *RedisLocalStore) Get(ctx context.Context, key string) (*domain.Credential, error) {
	bytes, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	var cred domain.Credential
	if err := json.Unmarshal(bytes, &cred); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	return &cred, nil
}

// Delete removes the key; missing keys are not an error.
func (s *RedisLocalStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
