package attempt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jx4life/postbridge/internal/domain"
)

// Store persists in-flight connection attempts. Saving overwrites any live
// attempt for the same (user, platform): only one may exist at a time, and
// the superseded attempt's callback must fail correlation.
type Store interface {
	Save(ctx context.Context, att domain.AuthAttempt) error
	Get(ctx context.Context, userID string, platform domain.Platform) (*domain.AuthAttempt, error)
	// FindByState resolves the attempt owning a state value; nil when no
	// live attempt carries it. Browser callbacks arrive unauthenticated, so
	// the state value is the only way back to the user.
	FindByState(ctx context.Context, state string) (*domain.AuthAttempt, error)
	Delete(ctx context.Context, userID string, platform domain.Platform) error
}

// RedisStore implements Store backed by Redis. Keys carry the attempt TTL
// as a backstop; expiry is still checked lazily at callback time.
type RedisStore struct {
	client redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore constructs a Redis-backed attempt store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func attemptKey(userID string, platform domain.Platform) string {
	return "attempt:" + userID + ":" + string(platform)
}

func stateKey(state string) string {
	return "attempt_state:" + state
}

// Save stores the encoded attempt, replacing any previous one, and indexes
// it by state so unauthenticated callbacks can find their owner.
func (s *RedisStore) Save(ctx context.Context, att domain.AuthAttempt) error {
	payload, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	if err := s.client.Set(ctx, attemptKey(att.UserID, att.Platform), payload, domain.AttemptTTL).Err(); err != nil {
		return fmt.Errorf("persist attempt: %w", err)
	}
	if att.State != "" {
		if err := s.client.Set(ctx, stateKey(att.State), payload, domain.AttemptTTL).Err(); err != nil {
			return fmt.Errorf("index attempt state: %w", err)
		}
	}
	return nil
}

// Get loads and decodes the live attempt; nil when absent.
func (s *RedisStore) Get(ctx context.Context, userID string, platform domain.Platform) (*domain.AuthAttempt, error) {
	bytes, err := s.client.Get(ctx, attemptKey(userID, platform)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("load attempt: %w", err)
	}
	var att domain.AuthAttempt
	if err := json.Unmarshal(bytes, &att); err != nil {
		return nil, fmt.Errorf("decode attempt: %w", err)
	}
	return &att, nil
}

// FindByState resolves the attempt indexed under a state value.
func (s *RedisStore) FindByState(ctx context.Context, state string) (*domain.AuthAttempt, error) {
	if state == "" {
		return nil, nil
	}
	bytes, err := s.client.Get(ctx, stateKey(state)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("load attempt by state: %w", err)
	}
	var att domain.AuthAttempt
	if err := json.Unmarshal(bytes, &att); err != nil {
		return nil, fmt.Errorf("decode attempt: %w", err)
	}
	// The state index outlives a superseded attempt until its TTL; the
	// primary record decides which attempt is live.
	live, err := s.Get(ctx, att.UserID, att.Platform)
	if err != nil {
		return nil, err
	}
	if live == nil || live.State != att.State {
		return nil, nil
	}
	return live, nil
}

// Delete removes the attempt and its state index; missing keys are not an
// error.
func (s *RedisStore) Delete(ctx context.Context, userID string, platform domain.Platform) error {
	att, err := s.Get(ctx, userID, platform)
	if err == nil && att != nil && att.State != "" {
		if derr := s.client.Del(ctx, stateKey(att.State)).Err(); derr != nil && derr != redis.Nil {
			return fmt.Errorf("delete attempt state index: %w", derr)
		}
	}
	if err := s.client.Del(ctx, attemptKey(userID, platform)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete attempt: %w", err)
	}
	return nil
}
