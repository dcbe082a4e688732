package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jx4life/postbridge/internal/adapter"
	"github.com/jx4life/postbridge/internal/config"
	"github.com/jx4life/postbridge/internal/crypto"
	"github.com/jx4life/postbridge/internal/domain"
	httpmiddleware "github.com/jx4life/postbridge/internal/http/middleware"
	"github.com/jx4life/postbridge/internal/middleware"
	"github.com/jx4life/postbridge/internal/poll"
	"github.com/jx4life/postbridge/internal/secrets"
	authservice "github.com/jx4life/postbridge/internal/service/auth"
	"github.com/jx4life/postbridge/internal/store"
)

const testJWTSecret = "test-jwt-secret-test-jwt-secret!"

// memAttempts is a map-backed attempt store for handler tests.
type memAttempts struct {
	mu   sync.Mutex
	data map[string]domain.AuthAttempt
}

func (m *memAttempts) Save(_ context.Context, att domain.AuthAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[att.UserID+":"+string(att.Platform)] = att
	return nil
}

func (m *memAttempts) Get(_ context.Context, userID string, p domain.Platform) (*domain.AuthAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att, ok := m.data[userID+":"+string(p)]
	if !ok {
		return nil, nil
	}
	return &att, nil
}

func (m *memAttempts) FindByState(_ context.Context, state string) (*domain.AuthAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, att := range m.data {
		if att.State != "" && att.State == state {
			copied := att
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memAttempts) Delete(_ context.Context, userID string, p domain.Platform) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, userID+":"+string(p))
	return nil
}

type memLocal struct {
	mu   sync.Mutex
	data map[string]domain.Credential
}

func (m *memLocal) Set(_ context.Context, key string, cred domain.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = cred
	return nil
}

func (m *memLocal) Get(_ context.Context, key string) (*domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return &cred, nil
}

func (m *memLocal) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type memRemote struct {
	mu   sync.Mutex
	data map[string]store.Record
}

func (m *memRemote) Upsert(_ context.Context, rec store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[rec.UserID+":"+rec.Key] = rec
	return nil
}

func (m *memRemote) Get(_ context.Context, userID, key string) (*store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[userID+":"+key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memRemote) Delete(_ context.Context, userID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, userID+":"+key)
	return nil
}

type webHarness struct {
	router *gin.Engine
	creds  *store.CredentialStore
}

// newWebHarness wires a full router with a real Twitter adapter pointed at
// a stub platform.
func newWebHarness(t *testing.T) *webHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	platformSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/token":
			w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","expires_in":7200,"scope":"tweet.read"}`))
		case "/me":
			w.Write([]byte(`{"data":{"id":"42","name":"Alice","username":"alice"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(platformSrv.Close)

	cfg := config.Config{
		ServiceName:        "postbridge-auth",
		JWTSecret:          testJWTSecret,
		CallbackBaseURL:    "https://api.example.com",
		AllowedWebOrigin:   "https://app.example.com",
		PollInterval:       time.Millisecond,
		PollMaxAttempts:    150,
		PollErrorThreshold: 5,
	}

	sec := secrets.Static{
		"twitter_client_id":     "tw-client",
		"twitter_client_secret": "tw-secret",
		crypto.CipherKeyName:    "server-key",
	}

	base := adapter.NewBase(cfg, sec, platformSrv.Client(), zap.NewNop())
	twitter := adapter.NewTwitter(base)
	twitter.TokenURL = platformSrv.URL + "/token"
	twitter.MeURL = platformSrv.URL + "/me"

	registry := adapter.NewRegistry()
	require.NoError(t, registry.Register(twitter))

	cipher := crypto.NewTokenCipher(sec, "handler-salt")
	creds := store.New(
		&memLocal{data: make(map[string]domain.Credential)},
		&memRemote{data: make(map[string]store.Record)},
		cipher, zap.NewNop())

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	orch := authservice.New(registry,
		adapter.NewFarcasterSigner(base), adapter.NewTikTok(base),
		creds, &memAttempts{data: make(map[string]domain.AuthAttempt)},
		poll.NewManager(), node, cfg, zap.NewNop())

	router := NewTestRouter(cfg, NewConnectHandler(orch, cfg, zap.NewNop()), httpmiddleware.NewAuth(cfg))
	return &webHarness{router: router, creds: creds}
}

// NewTestRouter mirrors the production route table without telemetry.
func NewTestRouter(cfg config.Config, connect *ConnectHandler, auth *httpmiddleware.Auth) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS(cfg))

	r.GET("/connect/:platform/callback", connect.Callback)

	api := r.Group("/api", auth.ValidateJWT)
	{
		api.GET("/connect/:platform/start", connect.Start)
		api.POST("/connect/:platform/complete", connect.Complete)
		api.POST("/connect/farcaster/signer", connect.StartSigner)
		api.POST("/connect/tiktok/qr", connect.StartQR)
		api.GET("/connect/:platform/session", connect.Session)
		api.DELETE("/connect/:platform/session", connect.CancelSession)
		api.GET("/connect/:platform/status", connect.Status)
		api.DELETE("/connect/:platform", connect.Disconnect)
	}
	return r
}

func mintJWT(t *testing.T, subject string) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: []byte(testJWTSecret)},
		(&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(t, err)
	raw, err := jwt.Signed(signer).Claims(jwt.Claims{
		Subject: subject,
		Expiry:  jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).Serialize()
	require.NoError(t, err)
	return raw
}

func (h *webHarness) request(t *testing.T, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestAPIRequiresJWT(t *testing.T) {
	h := newWebHarness(t)

	rec := h.request(t, http.MethodGet, "/api/connect/twitter/status", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.request(t, http.MethodGet, "/api/connect/twitter/status", "not-a-jwt")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.request(t, http.MethodGet, "/api/connect/twitter/status", mintJWT(t, "u1"))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPopupFlowEndToEnd(t *testing.T) {
	h := newWebHarness(t)
	token := mintJWT(t, "u1")

	// Start: the authed UI asks for the authorization URL.
	rec := h.request(t, http.MethodGet, "/api/connect/twitter/start", token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"mode":"redirect"`)

	var started struct {
		URL string `json:"url"`
	}
	require.NoError(t, jsonUnmarshal(rec.Body.Bytes(), &started))
	authURL, err := url.Parse(started.URL)
	require.NoError(t, err)
	state := authURL.Query().Get("state")
	require.NotEmpty(t, state)

	// Callback: the platform redirects the popup here, unauthenticated.
	rec = h.request(t, http.MethodGet,
		"/connect/twitter/callback?code=good&state="+url.QueryEscape(state), "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	require.Contains(t, body, "OAUTH_SUCCESS")
	require.Contains(t, body, `"platform":"twitter"`)
	require.Contains(t, body, "https://app.example.com", "message targets only the configured origin")
	require.NotContains(t, body, "at-1", "raw tokens never reach the browser")

	// Status now reports connected with the profile snapshot.
	h.creds.Flush()
	rec = h.request(t, http.MethodGet, "/api/connect/twitter/status", token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"connected":true`)
	require.Contains(t, rec.Body.String(), `"alice"`)
}

func TestCallback_ForgedStateRendersError(t *testing.T) {
	h := newWebHarness(t)

	rec := h.request(t, http.MethodGet, "/connect/twitter/callback?code=x&state=forged", "")
	require.Equal(t, http.StatusOK, rec.Code, "the relay page always renders so the popup can close")
	require.Contains(t, rec.Body.String(), "OAUTH_ERROR")
	require.Contains(t, rec.Body.String(), string(domain.KindStateMismatch))
}

func TestCallback_UserDenied(t *testing.T) {
	h := newWebHarness(t)
	token := mintJWT(t, "u1")

	rec := h.request(t, http.MethodGet, "/api/connect/twitter/start", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var started struct {
		URL string `json:"url"`
	}
	require.NoError(t, jsonUnmarshal(rec.Body.Bytes(), &started))
	authURL, _ := url.Parse(started.URL)
	state := authURL.Query().Get("state")

	rec = h.request(t, http.MethodGet,
		"/connect/twitter/callback?error=access_denied&state="+url.QueryEscape(state), "")
	require.Contains(t, rec.Body.String(), "OAUTH_ERROR")
	require.Contains(t, rec.Body.String(), string(domain.KindDenied))
}

func TestUnknownPlatformIs404(t *testing.T) {
	h := newWebHarness(t)

	rec := h.request(t, http.MethodGet, "/api/connect/myspace/status", mintJWT(t, "u1"))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDisconnectIsIdempotentOverHTTP(t *testing.T) {
	h := newWebHarness(t)
	token := mintJWT(t, "u1")

	rec := h.request(t, http.MethodDelete, "/api/connect/twitter", token)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.request(t, http.MethodDelete, "/api/connect/twitter", token)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSessionEndpointWithoutSessionIs404(t *testing.T) {
	h := newWebHarness(t)

	rec := h.request(t, http.MethodGet, "/api/connect/farcaster/session", mintJWT(t, "u1"))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func jsonUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
