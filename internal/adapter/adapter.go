package adapter

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jx4life/postbridge/internal/config"
	"github.com/jx4life/postbridge/internal/domain"
	"github.com/jx4life/postbridge/internal/secrets"
)

// Adapter is the uniform per-platform contract. Protocols differ wildly
// underneath (OAuth2+PKCE, vendor-managed signer, wallet signature) but the
// orchestrator and UI stay protocol-agnostic through this interface.
type Adapter interface {
	Platform() domain.Platform

	// BuildAuthRequest constructs the platform-specific authorization entry
	// point and records correlation data on the attempt.
	BuildAuthRequest(ctx context.Context, att *domain.AuthAttempt) (*domain.AuthRequest, error)

	// Exchange turns the callback payload into a normalized Credential.
	Exchange(ctx context.Context, att *domain.AuthAttempt, payload domain.CallbackPayload) (*domain.Credential, error)

	// Refresh exchanges a refresh token for a new credential. Terminal
	// failures surface as REAUTH_REQUIRED.
	Refresh(ctx context.Context, refreshToken string) (*domain.Credential, error)

	// Revoke is best-effort remote revocation; local deletion never waits
	// on it.
	Revoke(ctx context.Context, cred *domain.Credential) error
}

// Base carries the dependencies every adapter shares.
type Base struct {
	Config  config.Config
	Secrets secrets.Client
	HTTP    *http.Client
	Logger  *zap.Logger
}

// NewBase normalizes optional dependencies.
func NewBase(cfg config.Config, sec secrets.Client, client *http.Client, logger *zap.Logger) Base {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return Base{Config: cfg, Secrets: sec, HTTP: client, Logger: logger}
}

// secret resolves a named secret, mapping a missing secret to a fast,
// non-generic CONFIG_MISSING failure.
func (b *Base) secret(ctx context.Context, name string) (string, error) {
	value, err := b.Secrets.Get(ctx, name)
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			return "", domain.NewAuthError(domain.KindConfigMissing,
				fmt.Sprintf("%s is not configured; set it in the secrets backend", name))
		}
		return "", domain.WrapAuthError(domain.KindNetwork, "secrets backend unreachable", err)
	}
	return value, nil
}

// callbackURL builds the redirect target for a platform. Platforms redirect
// browsers here directly, so these must be plain reachable URLs.
func (b *Base) callbackURL(platform domain.Platform) string {
	return b.Config.CallbackBaseURL + "/connect/" + string(platform) + "/callback"
}

// secureState returns a fresh unguessable state value (256 bits).
func secureState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// pkcePair returns a PKCE verifier and its S256 challenge.
func pkcePair() (verifier, challenge string, err error) {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate pkce verifier: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// denied reports whether the platform redirected back with an explicit
// user refusal.
func denied(payload domain.CallbackPayload) bool {
	switch payload.Error {
	case "access_denied", "user_denied", "consent_required":
		return true
	}
	return false
}

// postForm submits a form-encoded request and returns status and body.
func (b *Base) postForm(ctx context.Context, endpoint string, data url.Values, header http.Header) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	return b.do(req)
}

// postJSON submits a JSON request.
func (b *Base) postJSON(ctx context.Context, endpoint string, body any, header http.Header) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(payload)))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	return b.do(req)
}

// getJSON issues a GET request.
func (b *Base) getJSON(ctx context.Context, endpoint string, header http.Header) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}
	return b.do(req)
}

func (b *Base) do(req *http.Request) (int, []byte, error) {
	resp, err := b.HTTP.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Host, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// oauthErrorBody is the RFC 6749 error shape most token endpoints return.
type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// exchangeError classifies a failed authorization-code exchange.
func exchangeError(platform domain.Platform, status int, body []byte) *domain.AuthError {
	code, desc := decodeOAuthError(body)
	msg := fmt.Sprintf("%s code exchange failed", platform)
	if desc != "" {
		msg = fmt.Sprintf("%s: %s", msg, desc)
	}
	switch {
	case status == http.StatusTooManyRequests:
		return domain.NewAuthError(domain.KindRateLimited, msg)
	case code == "invalid_grant" || code == "invalid_request" || status == http.StatusBadRequest || status == http.StatusUnauthorized:
		return domain.NewAuthError(domain.KindInvalidGrant, msg)
	default:
		return domain.NewAuthError(domain.KindNetwork, msg)
	}
}

// refreshError classifies a failed token refresh. Revoked or expired
// refresh tokens are terminal: the credential must be disabled and the user
// re-prompted, never silently retried.
func refreshError(platform domain.Platform, status int, body []byte) *domain.AuthError {
	code, desc := decodeOAuthError(body)
	msg := fmt.Sprintf("%s session expired; please reconnect", platform)
	if desc != "" {
		msg = fmt.Sprintf("%s (%s)", msg, desc)
	}
	switch {
	case status == http.StatusTooManyRequests:
		return domain.NewAuthError(domain.KindRateLimited, fmt.Sprintf("%s refresh rate limited", platform))
	case code == "invalid_grant" || status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.NewAuthError(domain.KindReauthRequired, msg)
	default:
		return domain.NewAuthError(domain.KindNetwork, fmt.Sprintf("%s refresh failed", platform))
	}
}

func decodeOAuthError(body []byte) (code, description string) {
	var parsed oauthErrorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", ""
	}
	return parsed.Error, parsed.ErrorDescription
}

func networkError(platform domain.Platform, op string, err error) *domain.AuthError {
	return domain.WrapAuthError(domain.KindNetwork, fmt.Sprintf("%s %s failed", platform, op), err)
}

func expiryFromSeconds(now time.Time, seconds int64) *time.Time {
	if seconds <= 0 {
		return nil
	}
	t := now.Add(time.Duration(seconds) * time.Second)
	return &t
}

func basicAuth(clientID, clientSecret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(clientID+":"+clientSecret))
}

func joinScopes(scopes []string, sep string) string {
	return strings.Join(scopes, sep)
}

func splitScopes(raw, sep string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type statusError int

func (e statusError) Error() string { return fmt.Sprintf("unexpected status %d", int(e)) }

func errStatus(status int) error { return statusError(status) }
