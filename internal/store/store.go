package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jx4life/postbridge/internal/crypto"
	"github.com/jx4life/postbridge/internal/domain"
)

// Record is the remote-store row: the whole credential serialized and
// encrypted, with a plaintext identity snapshot for listing UIs.
type Record struct {
	UserID     string
	Key        string
	Platform   domain.Platform
	Ciphertext string
	Identity   domain.Identity
	ExpiresAt  *time.Time
	UpdatedAt  time.Time
}

// LocalStore is the fast, synchronously-written credential cache.
type LocalStore interface {
	Set(ctx context.Context, key string, cred domain.Credential) error
	Get(ctx context.Context, key string) (*domain.Credential, error)
	Delete(ctx context.Context, key string) error
}

// RemoteStore is the encrypted, authoritative credential backend.
type RemoteStore interface {
	Upsert(ctx context.Context, rec Record) error
	Get(ctx context.Context, userID, key string) (*Record, error)
	Delete(ctx context.Context, userID, key string) error
}

// CredentialStore owns persisted credentials: a synchronous local write for
// responsive UI plus an asynchronous best-effort encrypted mirror to the
// remote backend. The orchestrator is the sole writer.
type CredentialStore struct {
	local  LocalStore
	remote RemoteStore
	cipher *crypto.TokenCipher
	logger *zap.Logger
	now    func() time.Time

	mirrors sync.WaitGroup
}

// New wires a CredentialStore.
func New(local LocalStore, remote RemoteStore, cipher *crypto.TokenCipher, logger *zap.Logger) *CredentialStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CredentialStore{
		local:  local,
		remote: remote,
		cipher: cipher,
		logger: logger,
		now:    time.Now,
	}
}

func localKey(userID, key string) string {
	return "cred:" + userID + ":" + key
}

// Put writes the credential locally right away and mirrors an encrypted
// copy to the remote store in the background. The local write never blocks
// on remote success.
func (s *CredentialStore) Put(ctx context.Context, userID, key string, cred domain.Credential) error {
	obscured := s.obscure(userID, cred)
	if err := s.local.Set(ctx, localKey(userID, key), obscured); err != nil {
		return fmt.Errorf("local put: %w", err)
	}

	s.mirrors.Add(1)
	go func() {
		defer s.mirrors.Done()
		mirrorCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.mirrorRemote(mirrorCtx, userID, key, cred); err != nil {
			s.logger.Warn("remote credential mirror failed",
				zap.String("user_id", userID),
				zap.String("key", key),
				zap.Error(err))
		}
	}()

	return nil
}

// Get returns the live credential, preferring the remote encrypted copy.
// An expired credential is deleted lazily and reported absent.
func (s *CredentialStore) Get(ctx context.Context, userID, key string) (*domain.Credential, error) {
	cred, err := s.loadRemote(ctx, userID, key)
	if err != nil {
		s.logger.Warn("remote credential load failed, falling back to local",
			zap.String("user_id", userID),
			zap.String("key", key),
			zap.Error(err))
	}
	if cred == nil {
		cred, err = s.loadLocal(ctx, userID, key)
		if err != nil {
			return nil, err
		}
	}
	if cred == nil {
		return nil, nil
	}

	if cred.Expired(s.now()) && !cred.Refreshable() {
		if err := s.Clear(ctx, userID, key); err != nil {
			s.logger.Warn("lazy expiry cleanup failed", zap.String("key", key), zap.Error(err))
		}
		return nil, nil
	}
	return cred, nil
}

// Clear removes both copies. Missing entries are not an error.
func (s *CredentialStore) Clear(ctx context.Context, userID, key string) error {
	localErr := s.local.Delete(ctx, localKey(userID, key))
	remoteErr := s.remote.Delete(ctx, userID, key)
	if localErr != nil {
		return fmt.Errorf("local clear: %w", localErr)
	}
	if remoteErr != nil {
		return fmt.Errorf("remote clear: %w", remoteErr)
	}
	return nil
}

// Flush waits for in-flight remote mirrors; called on shutdown and by tests.
func (s *CredentialStore) Flush() {
	s.mirrors.Wait()
}

// SetNow overrides the clock (for testing).
func (s *CredentialStore) SetNow(fn func() time.Time) {
	s.now = fn
}

func (s *CredentialStore) mirrorRemote(ctx context.Context, userID, key string, cred domain.Credential) error {
	payload, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	ciphertext, err := s.cipher.Encrypt(ctx, userID, string(payload))
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}
	return s.remote.Upsert(ctx, Record{
		UserID:     userID,
		Key:        key,
		Platform:   cred.Platform,
		Ciphertext: ciphertext,
		Identity:   cred.Identity,
		ExpiresAt:  cred.ExpiresAt,
		UpdatedAt:  s.now().UTC(),
	})
}

func (s *CredentialStore) loadRemote(ctx context.Context, userID, key string) (*domain.Credential, error) {
	rec, err := s.remote.Get(ctx, userID, key)
	if err != nil {
		return nil, fmt.Errorf("remote get: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	plaintext, err := s.cipher.Decrypt(ctx, userID, rec.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential: %w", err)
	}
	var cred domain.Credential
	if err := json.Unmarshal([]byte(plaintext), &cred); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	return &cred, nil
}

func (s *CredentialStore) loadLocal(ctx context.Context, userID, key string) (*domain.Credential, error) {
	cred, err := s.local.Get(ctx, localKey(userID, key))
	if err != nil {
		return nil, fmt.Errorf("local get: %w", err)
	}
	if cred == nil {
		return nil, nil
	}
	revealed, err := s.reveal(userID, *cred)
	if err != nil {
		return nil, err
	}
	return revealed, nil
}

// obscure applies the client-derived XOR layer to every token field before
// the credential hits the local store. The remote store gets the full
// two-layer encryption instead.
func (s *CredentialStore) obscure(userID string, cred domain.Credential) domain.Credential {
	cred.AccessToken = s.cipher.Obfuscate(userID, cred.AccessToken)
	if cred.RefreshToken != "" {
		cred.RefreshToken = s.cipher.Obfuscate(userID, cred.RefreshToken)
	}
	pages := make([]domain.PageGrant, len(cred.Pages))
	copy(pages, cred.Pages)
	for i := range pages {
		if pages[i].AccessToken != "" {
			pages[i].AccessToken = s.cipher.Obfuscate(userID, pages[i].AccessToken)
		}
	}
	cred.Pages = pages
	return cred
}

func (s *CredentialStore) reveal(userID string, cred domain.Credential) (*domain.Credential, error) {
	access, err := s.cipher.Reveal(userID, cred.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("reveal access token: %w", err)
	}
	cred.AccessToken = access
	if cred.RefreshToken != "" {
		refresh, err := s.cipher.Reveal(userID, cred.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("reveal refresh token: %w", err)
		}
		cred.RefreshToken = refresh
	}
	for i := range cred.Pages {
		if cred.Pages[i].AccessToken == "" {
			continue
		}
		token, err := s.cipher.Reveal(userID, cred.Pages[i].AccessToken)
		if err != nil {
			return nil, fmt.Errorf("reveal page token: %w", err)
		}
		cred.Pages[i].AccessToken = token
	}
	return &cred, nil
}
