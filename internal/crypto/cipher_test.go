package crypto

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jx4life/postbridge/internal/secrets"
)

func newTestCipher() *TokenCipher {
	return NewTokenCipher(secrets.Static{CipherKeyName: "unit-test-key"}, "unit-test-salt")
}

func TestTokenCipher_RoundTrip(t *testing.T) {
	cipher := newTestCipher()
	ctx := context.Background()

	cases := []string{
		"",
		"a",
		"EAAGm0PX4ZCpsBO7zZBZBfZCZA",
		"token with spaces and\ttabs",
		"päss wörd — ユニコード 🦊",
		"\x00\x01\x02binary-ish\xff",
	}
	for _, plaintext := range cases {
		encrypted, err := cipher.Encrypt(ctx, "user-1", plaintext)
		require.NoError(t, err)
		if plaintext != "" {
			require.NotEqual(t, plaintext, encrypted)
		}

		decrypted, err := cipher.Decrypt(ctx, "user-1", encrypted)
		require.NoError(t, err)
		require.Equal(t, plaintext, decrypted)
	}
}

func TestTokenCipher_DifferentUsersDifferentCiphertext(t *testing.T) {
	cipher := newTestCipher()
	ctx := context.Background()

	a, err := cipher.Encrypt(ctx, "user-a", "same-token")
	require.NoError(t, err)
	b, err := cipher.Encrypt(ctx, "user-b", "same-token")
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	// Decrypting with the wrong user yields garbage, not the token.
	cross, err := cipher.Decrypt(ctx, "user-b", a)
	require.NoError(t, err)
	require.NotEqual(t, "same-token", cross)
}

func TestTokenCipher_TamperDetected(t *testing.T) {
	cipher := newTestCipher()
	ctx := context.Background()

	encrypted, err := cipher.Encrypt(ctx, "user-1", "secret")
	require.NoError(t, err)

	tampered := []byte(encrypted)
	tampered[len(tampered)-1] ^= 'x'
	_, err = cipher.Decrypt(ctx, "user-1", string(tampered))
	require.Error(t, err)
}

func TestTokenCipher_MissingKeyFailsFast(t *testing.T) {
	cipher := NewTokenCipher(secrets.Static{}, "salt")
	_, err := cipher.Encrypt(context.Background(), "user-1", "secret")
	require.ErrorIs(t, err, ErrKeyUnavailable)

	// The fetch is retried per call; an absent key keeps failing.
	_, err = cipher.Decrypt(context.Background(), "user-1", "abc")
	require.ErrorIs(t, err, ErrKeyUnavailable)
}

// flakySource fails a fixed number of fetches before serving the key.
type flakySource struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakySource) Get(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("secrets backend temporarily unreachable")
	}
	return "recovered-key", nil
}

func TestTokenCipher_RetriesKeyFetchAfterTransientFailure(t *testing.T) {
	source := &flakySource{failures: 1}
	cipher := NewTokenCipher(source, "salt")
	ctx := context.Background()

	_, err := cipher.Encrypt(ctx, "user-1", "secret")
	require.ErrorIs(t, err, ErrKeyUnavailable)

	// The secrets endpoint recovers; the next call must re-query it rather
	// than replay the first failure for the rest of the process.
	encrypted, err := cipher.Encrypt(ctx, "user-1", "secret")
	require.NoError(t, err)

	decrypted, err := cipher.Decrypt(ctx, "user-1", encrypted)
	require.NoError(t, err)
	require.Equal(t, "secret", decrypted)

	// The successful fetch is cached; the source is not queried again.
	require.Equal(t, 2, source.calls)
}
