package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jx4life/postbridge/internal/domain"
	"github.com/jx4life/postbridge/internal/secrets"
)

func lensServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(req.Query, "challenge("):
			w.Write([]byte(`{"data":{"challenge":{"id":"ch-1","text":"Sign this message to log in"}}}`))
		case strings.Contains(req.Query, "authenticate("):
			var vars struct {
				Request struct {
					ID        string `json:"id"`
					Signature string `json:"signature"`
				} `json:"request"`
			}
			raw, _ := json.Marshal(req.Variables)
			require.NoError(t, json.Unmarshal(raw, &vars))
			if vars.Request.Signature != "0xgoodsig" {
				w.Write([]byte(`{"data":{"authenticate":null},"errors":[{"message":"invalid signature"}]}`))
				return
			}
			w.Write([]byte(`{"data":{"authenticate":{"accessToken":"lens-at","refreshToken":""}}}`))
		case strings.Contains(req.Query, "defaultProfile("):
			w.Write([]byte(`{"data":{"defaultProfile":{"handle":"eve.lens","name":"Eve","picture":{"original":{"url":"https://img/e.png"}}}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestLens_ChallengeAndAuthenticate(t *testing.T) {
	srv := lensServer(t)
	defer srv.Close()

	l := NewLens(testBase(t, secrets.Static{}))
	l.APIURL = srv.URL

	att := &domain.AuthAttempt{UserID: "u1", Platform: domain.PlatformLens, WalletAddress: "0xabc"}
	req, err := l.BuildAuthRequest(context.Background(), att)
	require.NoError(t, err)
	require.Equal(t, domain.ModeChallenge, req.Mode)
	require.Equal(t, "ch-1", req.Challenge.ID)
	require.Equal(t, "ch-1", att.ChallengeID)
	require.NotEmpty(t, req.Challenge.Text)

	cred, err := l.Exchange(context.Background(), att, domain.CallbackPayload{
		ChallengeID: "ch-1",
		Signature:   "0xgoodsig",
		Address:     "0xabc",
	})
	require.NoError(t, err)
	require.Equal(t, "lens-at", cred.AccessToken)
	require.Empty(t, cred.RefreshToken)
	require.Nil(t, cred.ExpiresAt)
	require.Equal(t, "eve.lens", cred.Identity.Username)
	require.Equal(t, "0xabc", cred.Identity.AccountID)
}

func TestLens_BuildAuthRequest_RequiresAddress(t *testing.T) {
	l := NewLens(testBase(t, secrets.Static{}))

	_, err := l.BuildAuthRequest(context.Background(), &domain.AuthAttempt{})
	require.True(t, domain.IsKind(err, domain.KindInvalidGrant))
}

func TestLens_Exchange_BadSignature(t *testing.T) {
	srv := lensServer(t)
	defer srv.Close()

	l := NewLens(testBase(t, secrets.Static{}))
	l.APIURL = srv.URL

	att := &domain.AuthAttempt{ChallengeID: "ch-1", WalletAddress: "0xabc"}
	_, err := l.Exchange(context.Background(), att, domain.CallbackPayload{
		ChallengeID: "ch-1",
		Signature:   "0xforged",
	})
	require.True(t, domain.IsKind(err, domain.KindInvalidGrant))
}

func TestLens_Exchange_ChallengeMismatch(t *testing.T) {
	l := NewLens(testBase(t, secrets.Static{}))

	att := &domain.AuthAttempt{ChallengeID: "ch-1"}
	_, err := l.Exchange(context.Background(), att, domain.CallbackPayload{
		ChallengeID: "ch-other",
		Signature:   "0xgoodsig",
	})
	require.True(t, domain.IsKind(err, domain.KindStateMismatch))
}

func TestLens_RefreshAlwaysRequiresReauth(t *testing.T) {
	l := NewLens(testBase(t, secrets.Static{}))

	_, err := l.Refresh(context.Background(), "anything")
	require.True(t, domain.IsKind(err, domain.KindReauthRequired))
}
