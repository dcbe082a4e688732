package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jx4life/postbridge/internal/domain"
	"github.com/jx4life/postbridge/internal/secrets"
)

func facebookSecrets() secrets.Static {
	return secrets.Static{
		facebookAppIDSecret:     "fb-app",
		facebookAppSecretSecret: "fb-secret",
	}
}

// graphStub serves the profile, permissions, and pages endpoints most tests
// need.
func graphStub(t *testing.T, extra func(w http.ResponseWriter, r *http.Request) bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if extra != nil && extra(w, r) {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/me":
			w.Write([]byte(`{"id":"90001","name":"Bob","picture":{"data":{"url":"https://img/b.png"}}}`))
		case "/me/permissions":
			w.Write([]byte(`{"data":[
				{"permission":"public_profile","status":"granted"},
				{"permission":"pages_show_list","status":"granted"},
				{"permission":"pages_read_engagement","status":"granted"},
				{"permission":"pages_manage_posts","status":"granted"}
			]}`))
		case "/me/accounts":
			w.Write([]byte(`{"data":[
				{"id":"p1","name":"Shop","access_token":"page-tok","tasks":["ANALYZE","CREATE_CONTENT"]},
				{"id":"p2","name":"Blog","access_token":"page-tok-2","tasks":["ANALYZE"]}
			]}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestFacebook_CompleteSDKLogin_Connected(t *testing.T) {
	srv := graphStub(t, nil)
	defer srv.Close()

	fb := NewFacebook(testBase(t, facebookSecrets()))
	fb.GraphURL = srv.URL
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	fb.now = func() time.Time { return now }

	cred, err := fb.Exchange(context.Background(), &domain.AuthAttempt{}, domain.CallbackPayload{
		SDKStatus: &domain.SDKLoginStatus{
			Status:       "connected",
			AuthResponse: &domain.SDKAuthResponse{AccessToken: "abc", ExpiresIn: 3600},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "abc", cred.AccessToken)
	require.NotNil(t, cred.ExpiresAt)
	require.Equal(t, now.Add(time.Hour), *cred.ExpiresAt)
	require.Equal(t, "Bob", cred.Identity.DisplayName)

	require.Len(t, cred.Pages, 2)
	require.True(t, cred.Pages[0].CanCreateContent())
	require.False(t, cred.Pages[1].CanCreateContent())
}

func TestFacebook_CompleteSDKLogin_NotAuthorized(t *testing.T) {
	fb := NewFacebook(testBase(t, facebookSecrets()))

	for _, status := range []string{"not_authorized", "unknown"} {
		_, err := fb.Exchange(context.Background(), &domain.AuthAttempt{}, domain.CallbackPayload{
			SDKStatus: &domain.SDKLoginStatus{Status: status},
		})
		require.True(t, domain.IsKind(err, domain.KindDenied), "status %q must not mint a credential", status)
	}
}

func TestFacebook_Exchange_UpgradesToLongLived(t *testing.T) {
	var sawExchange bool
	srv := graphStub(t, func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path != "/oauth/access_token" {
			return false
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("grant_type") == "fb_exchange_token" {
			sawExchange = true
			require.Equal(t, "short-tok", r.URL.Query().Get("fb_exchange_token"))
			w.Write([]byte(`{"access_token":"long-tok","expires_in":5184000}`))
		} else {
			require.Equal(t, "fb-app", r.URL.Query().Get("client_id"))
			require.Equal(t, "the-code", r.URL.Query().Get("code"))
			w.Write([]byte(`{"access_token":"short-tok","expires_in":3600}`))
		}
		return true
	})
	defer srv.Close()

	fb := NewFacebook(testBase(t, facebookSecrets()))
	fb.GraphURL = srv.URL

	cred, err := fb.Exchange(context.Background(), &domain.AuthAttempt{State: "s"},
		domain.CallbackPayload{Code: "the-code", State: "s"})
	require.NoError(t, err)
	require.True(t, sawExchange)
	require.Equal(t, "long-tok", cred.AccessToken)
}

func TestFacebook_Exchange_NoPagesStillConnects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/me":
			w.Write([]byte(`{"id":"1","name":"Solo"}`))
		case "/me/accounts":
			w.Write([]byte(`{"data":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	fb := NewFacebook(testBase(t, facebookSecrets()))
	fb.GraphURL = srv.URL

	cred, err := fb.Exchange(context.Background(), &domain.AuthAttempt{}, domain.CallbackPayload{
		SDKStatus: &domain.SDKLoginStatus{
			Status:       "connected",
			AuthResponse: &domain.SDKAuthResponse{AccessToken: "tok", ExpiresIn: 3600},
		},
	})
	require.NoError(t, err)
	require.Empty(t, cred.Pages, "a user without pages publishes to the personal timeline")
	require.Equal(t, "tok", cred.AccessToken)
}

func TestFacebook_ScopeGrantReflectsGrantedPermissions(t *testing.T) {
	srv := graphStub(t, func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path != "/me/permissions" {
			return false
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[
			{"permission":"public_profile","status":"granted"},
			{"permission":"pages_show_list","status":"granted"},
			{"permission":"pages_manage_posts","status":"declined"}
		]}`))
		return true
	})
	defer srv.Close()

	fb := NewFacebook(testBase(t, facebookSecrets()))
	fb.GraphURL = srv.URL

	cred, err := fb.Exchange(context.Background(), &domain.AuthAttempt{}, domain.CallbackPayload{
		SDKStatus: &domain.SDKLoginStatus{
			Status:       "connected",
			AuthResponse: &domain.SDKAuthResponse{AccessToken: "tok", ExpiresIn: 3600},
		},
	})
	require.NoError(t, err)

	// A partially-granted consent must not be recorded as the full dialog
	// scope list.
	require.ElementsMatch(t, []string{"public_profile", "pages_show_list"}, cred.ScopeGrant)
	require.NotContains(t, cred.ScopeGrant, "pages_manage_posts")
}

func TestFacebook_RefreshAlwaysRequiresReauth(t *testing.T) {
	fb := NewFacebook(testBase(t, facebookSecrets()))

	_, err := fb.Refresh(context.Background(), "anything")
	require.True(t, domain.IsKind(err, domain.KindReauthRequired))
}
