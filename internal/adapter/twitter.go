package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/jx4life/postbridge/internal/domain"
)

const (
	twitterClientIDSecret     = "twitter_client_id"
	twitterClientSecretSecret = "twitter_client_secret"
)

var twitterScopes = []string{"tweet.read", "tweet.write", "users.read", "offline.access"}

// Twitter implements the OAuth2 authorization-code flow with PKCE against
// the Twitter v2 API. Tokens are short-lived; offline.access grants a
// refresh token so reconnects stay rare.
type Twitter struct {
	Base

	AuthorizeURL string
	TokenURL     string
	RevokeURL    string
	MeURL        string

	now func() time.Time
}

var _ Adapter = (*Twitter)(nil)

// NewTwitter constructs the Twitter adapter.
func NewTwitter(base Base) *Twitter {
	return &Twitter{
		Base:         base,
		AuthorizeURL: "https://twitter.com/i/oauth2/authorize",
		TokenURL:     "https://api.twitter.com/2/oauth2/token",
		RevokeURL:    "https://api.twitter.com/2/oauth2/revoke",
		MeURL:        "https://api.twitter.com/2/users/me",
		now:          time.Now,
	}
}

func (t *Twitter) Platform() domain.Platform { return domain.PlatformTwitter }

func (t *Twitter) BuildAuthRequest(ctx context.Context, att *domain.AuthAttempt) (*domain.AuthRequest, error) {
	clientID, err := t.secret(ctx, twitterClientIDSecret)
	if err != nil {
		return nil, err
	}
	state, err := secureState()
	if err != nil {
		return nil, err
	}
	verifier, challenge, err := pkcePair()
	if err != nil {
		return nil, err
	}
	att.State = state
	att.CodeVerifier = verifier

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", t.callbackURL(domain.PlatformTwitter))
	q.Set("scope", joinScopes(twitterScopes, " "))
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")

	return &domain.AuthRequest{
		Mode: domain.ModeRedirect,
		URL:  t.AuthorizeURL + "?" + q.Encode(),
	}, nil
}

type twitterTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (t *Twitter) Exchange(ctx context.Context, att *domain.AuthAttempt, payload domain.CallbackPayload) (*domain.Credential, error) {
	if denied(payload) {
		return nil, domain.NewAuthError(domain.KindDenied, "twitter authorization was declined")
	}
	if payload.Code == "" {
		return nil, domain.NewAuthError(domain.KindInvalidGrant, "twitter callback carried no authorization code")
	}

	clientID, err := t.secret(ctx, twitterClientIDSecret)
	if err != nil {
		return nil, err
	}
	clientSecret, err := t.secret(ctx, twitterClientSecretSecret)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", payload.Code)
	form.Set("redirect_uri", t.callbackURL(domain.PlatformTwitter))
	form.Set("code_verifier", att.CodeVerifier)
	form.Set("client_id", clientID)

	tok, err := t.requestToken(ctx, form, clientID, clientSecret, false)
	if err != nil {
		return nil, err
	}

	cred := t.credentialFrom(tok)
	if identity, err := t.fetchIdentity(ctx, tok.AccessToken); err != nil {
		t.Logger.Warn("twitter profile lookup failed", zap.Error(err))
	} else {
		cred.Identity = identity
	}
	return cred, nil
}

func (t *Twitter) Refresh(ctx context.Context, refreshToken string) (*domain.Credential, error) {
	clientID, err := t.secret(ctx, twitterClientIDSecret)
	if err != nil {
		return nil, err
	}
	clientSecret, err := t.secret(ctx, twitterClientSecretSecret)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", clientID)

	tok, err := t.requestToken(ctx, form, clientID, clientSecret, true)
	if err != nil {
		return nil, err
	}
	return t.credentialFrom(tok), nil
}

func (t *Twitter) Revoke(ctx context.Context, cred *domain.Credential) error {
	clientID, err := t.secret(ctx, twitterClientIDSecret)
	if err != nil {
		return err
	}
	clientSecret, err := t.secret(ctx, twitterClientSecretSecret)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("token", cred.AccessToken)
	form.Set("token_type_hint", "access_token")

	header := http.Header{}
	header.Set("Authorization", basicAuth(clientID, clientSecret))
	status, _, err := t.postForm(ctx, t.RevokeURL, form, header)
	if err != nil {
		return networkError(domain.PlatformTwitter, "revoke", err)
	}
	if status >= 500 {
		return domain.NewAuthError(domain.KindNetwork, "twitter revoke failed upstream")
	}
	return nil
}

func (t *Twitter) requestToken(ctx context.Context, form url.Values, clientID, clientSecret string, refresh bool) (*twitterTokenResponse, error) {
	header := http.Header{}
	header.Set("Authorization", basicAuth(clientID, clientSecret))

	status, body, err := t.postForm(ctx, t.TokenURL, form, header)
	if err != nil {
		return nil, networkError(domain.PlatformTwitter, "token request", err)
	}
	if status != http.StatusOK {
		if refresh {
			return nil, refreshError(domain.PlatformTwitter, status, body)
		}
		return nil, exchangeError(domain.PlatformTwitter, status, body)
	}

	var tok twitterTokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, networkError(domain.PlatformTwitter, "token decode", err)
	}
	if tok.AccessToken == "" {
		return nil, domain.NewAuthError(domain.KindInvalidGrant, "twitter returned an empty access token")
	}
	return &tok, nil
}

func (t *Twitter) credentialFrom(tok *twitterTokenResponse) *domain.Credential {
	now := t.now()
	return &domain.Credential{
		Platform:     domain.PlatformTwitter,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiryFromSeconds(now, tok.ExpiresIn),
		ScopeGrant:   splitScopes(tok.Scope, " "),
		ConnectedAt:  now,
	}
}

func (t *Twitter) fetchIdentity(ctx context.Context, accessToken string) (domain.Identity, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)

	status, body, err := t.getJSON(ctx, t.MeURL+"?user.fields=profile_image_url", header)
	if err != nil {
		return domain.Identity{}, err
	}
	if status != http.StatusOK {
		return domain.Identity{}, networkError(domain.PlatformTwitter, "profile lookup", errStatus(status))
	}

	var parsed struct {
		Data struct {
			ID              string `json:"id"`
			Name            string `json:"name"`
			Username        string `json:"username"`
			ProfileImageURL string `json:"profile_image_url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{
		AccountID:   parsed.Data.ID,
		Username:    parsed.Data.Username,
		DisplayName: parsed.Data.Name,
		AvatarURL:   parsed.Data.ProfileImageURL,
	}, nil
}
