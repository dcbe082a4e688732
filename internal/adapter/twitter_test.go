package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jx4life/postbridge/internal/config"
	"github.com/jx4life/postbridge/internal/domain"
	"github.com/jx4life/postbridge/internal/secrets"
)

func testBase(t *testing.T, sec secrets.Client) Base {
	t.Helper()
	return NewBase(config.Config{CallbackBaseURL: "https://app.example.com"}, sec,
		&http.Client{Timeout: 5 * time.Second}, zap.NewNop())
}

func twitterSecrets() secrets.Static {
	return secrets.Static{
		twitterClientIDSecret:     "tw-client",
		twitterClientSecretSecret: "tw-secret",
	}
}

func TestTwitter_BuildAuthRequest(t *testing.T) {
	tw := NewTwitter(testBase(t, twitterSecrets()))

	att := &domain.AuthAttempt{UserID: "u1", Platform: domain.PlatformTwitter}
	req, err := tw.BuildAuthRequest(context.Background(), att)
	require.NoError(t, err)
	require.Equal(t, domain.ModeRedirect, req.Mode)

	parsed, err := url.Parse(req.URL)
	require.NoError(t, err)
	q := parsed.Query()
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, "tw-client", q.Get("client_id"))
	require.Equal(t, "https://app.example.com/connect/twitter/callback", q.Get("redirect_uri"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.Contains(t, q.Get("scope"), "offline.access")

	require.NotEmpty(t, att.State)
	require.Equal(t, att.State, q.Get("state"))
	require.NotEmpty(t, att.CodeVerifier)
	require.NotEqual(t, att.CodeVerifier, q.Get("code_challenge"))
}

func TestTwitter_BuildAuthRequest_MissingConfig(t *testing.T) {
	tw := NewTwitter(testBase(t, secrets.Static{}))

	_, err := tw.BuildAuthRequest(context.Background(), &domain.AuthAttempt{})
	require.True(t, domain.IsKind(err, domain.KindConfigMissing))
	require.Contains(t, err.Error(), twitterClientIDSecret)
}

func TestTwitter_Exchange(t *testing.T) {
	var gotVerifier, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			require.NoError(t, r.ParseForm())
			gotVerifier = r.PostForm.Get("code_verifier")
			gotAuth = r.Header.Get("Authorization")
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","expires_in":7200,"scope":"tweet.read tweet.write"}`))
		case "/me":
			require.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"data":{"id":"42","name":"Alice","username":"alice","profile_image_url":"https://img/a.png"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tw := NewTwitter(testBase(t, twitterSecrets()))
	tw.TokenURL = srv.URL + "/token"
	tw.MeURL = srv.URL + "/me"
	tw.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	att := &domain.AuthAttempt{CodeVerifier: "verifier-xyz", State: "s"}
	cred, err := tw.Exchange(context.Background(), att, domain.CallbackPayload{Code: "auth-code", State: "s"})
	require.NoError(t, err)

	require.Equal(t, "verifier-xyz", gotVerifier)
	require.Equal(t, basicAuth("tw-client", "tw-secret"), gotAuth)

	require.Equal(t, "at-1", cred.AccessToken)
	require.Equal(t, "rt-1", cred.RefreshToken)
	require.Equal(t, []string{"tweet.read", "tweet.write"}, cred.ScopeGrant)
	require.NotNil(t, cred.ExpiresAt)
	require.Equal(t, tw.now().Add(2*time.Hour), *cred.ExpiresAt)
	require.Equal(t, "alice", cred.Identity.Username)
	require.Equal(t, "42", cred.Identity.AccountID)
}

func TestTwitter_Exchange_Denied(t *testing.T) {
	tw := NewTwitter(testBase(t, twitterSecrets()))

	_, err := tw.Exchange(context.Background(), &domain.AuthAttempt{},
		domain.CallbackPayload{Error: "access_denied"})
	require.True(t, domain.IsKind(err, domain.KindDenied))
}

func TestTwitter_Exchange_InvalidCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"code already used"}`))
	}))
	defer srv.Close()

	tw := NewTwitter(testBase(t, twitterSecrets()))
	tw.TokenURL = srv.URL

	_, err := tw.Exchange(context.Background(), &domain.AuthAttempt{CodeVerifier: "v"},
		domain.CallbackPayload{Code: "stale"})
	require.True(t, domain.IsKind(err, domain.KindInvalidGrant))
}

func TestTwitter_Refresh_RevokedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	tw := NewTwitter(testBase(t, twitterSecrets()))
	tw.TokenURL = srv.URL

	_, err := tw.Refresh(context.Background(), "revoked-rt")
	require.True(t, domain.IsKind(err, domain.KindReauthRequired))
}

func TestTwitter_Refresh_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tw := NewTwitter(testBase(t, twitterSecrets()))
	tw.TokenURL = srv.URL

	_, err := tw.Refresh(context.Background(), "rt")
	require.True(t, domain.IsKind(err, domain.KindNetwork),
		"transient upstream failures must not look like revocation")
}
