package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/jx4life/postbridge/internal/secrets"
)

// CipherKeyName is the secrets-endpoint name of the server-held key.
const CipherKeyName = "token_cipher_key"

// ErrKeyUnavailable wraps a failed server-key fetch.
var ErrKeyUnavailable = errors.New("crypto: cipher key unavailable")

// TokenCipher encrypts opaque token strings before they reach persistent
// storage. Two layers are applied: a per-user XOR obfuscation keystream
// derived client-side, then AES-256-GCM under a server-held key fetched
// lazily from the secrets endpoint and cached on first success. Both layers
// round-trip exactly.
type TokenCipher struct {
	source secrets.Client
	salt   []byte

	keyMu sync.Mutex
	key   []byte

	mu       sync.Mutex
	userKeys map[string][]byte
}

// NewTokenCipher constructs a cipher backed by the given secrets client.
// The salt scopes the per-user keystream derivation to this deployment.
func NewTokenCipher(source secrets.Client, salt string) *TokenCipher {
	if salt == "" {
		salt = "postbridge.token-cipher.v1"
	}
	return &TokenCipher{
		source:   source,
		salt:     []byte(salt),
		userKeys: make(map[string][]byte),
	}
}

// Encrypt applies the XOR layer then seals with AES-GCM. Output is
// base64url(nonce || ciphertext).
func (t *TokenCipher) Encrypt(ctx context.Context, userID, plaintext string) (string, error) {
	aead, err := t.aead(ctx)
	if err != nil {
		return "", err
	}

	obscured := xorBytes([]byte(plaintext), t.userKey(userID))

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, obscured, nil)

	return base64.RawURLEncoding.EncodeToString(append(nonce, sealed...)), nil
}

// Decrypt reverses both layers.
func (t *TokenCipher) Decrypt(ctx context.Context, userID, encoded string) (string, error) {
	aead, err := t.aead(ctx)
	if err != nil {
		return "", err
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]

	obscured, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}

	return string(xorBytes(obscured, t.userKey(userID))), nil
}

// Obfuscate applies only the client-derived XOR layer, for stores that must
// stay writable before the server key has ever been fetched. Not encryption;
// keeps casual inspection of the local store from exposing raw tokens.
func (t *TokenCipher) Obfuscate(userID, plaintext string) string {
	return base64.RawURLEncoding.EncodeToString(xorBytes([]byte(plaintext), t.userKey(userID)))
}

// Reveal reverses Obfuscate.
func (t *TokenCipher) Reveal(userID, encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode obfuscated value: %w", err)
	}
	return string(xorBytes(raw, t.userKey(userID))), nil
}

// aead lazily fetches the server key. Only a successful fetch is cached; a
// failed one is retried on the next call, so a transient secrets outage at
// first use does not disable encryption for the rest of the process.
func (t *TokenCipher) aead(ctx context.Context) (cipher.AEAD, error) {
	key, err := t.serverKey(ctx)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (t *TokenCipher) serverKey(ctx context.Context) ([]byte, error) {
	t.keyMu.Lock()
	defer t.keyMu.Unlock()
	if t.key != nil {
		return t.key, nil
	}
	secret, err := t.source.Get(ctx, CipherKeyName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	sum := sha256.Sum256([]byte(secret))
	t.key = sum[:]
	return t.key, nil
}

// userKey derives and caches the per-user XOR keystream.
func (t *TokenCipher) userKey(userID string) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if key, ok := t.userKeys[userID]; ok {
		return key
	}
	key := argon2.IDKey([]byte(userID), t.salt, 1, 64*1024, 4, 32)
	t.userKeys[userID] = key
	return key
}

func xorBytes(data, key []byte) []byte {
	if len(key) == 0 {
		return data
	}
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ key[i%len(key)]
	}
	return out
}
