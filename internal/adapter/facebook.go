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
	facebookAppIDSecret     = "facebook_app_id"
	facebookAppSecretSecret = "facebook_app_secret"
)

var facebookScopes = []string{"public_profile", "pages_show_list", "pages_read_engagement", "pages_manage_posts"}

// Facebook implements the Graph API login flow. Two entry paths converge on
// the same credential shape: the server-side authorization-code exchange,
// and an SDK login status submitted by the client when the user already
// authenticated through the JS SDK. Short-lived tokens are upgraded to
// long-lived ones before storage.
type Facebook struct {
	Base

	DialogURL string
	GraphURL  string

	now func() time.Time
}

var _ Adapter = (*Facebook)(nil)

// NewFacebook constructs the Facebook adapter.
func NewFacebook(base Base) *Facebook {
	return &Facebook{
		Base:      base,
		DialogURL: "https://www.facebook.com/v19.0/dialog/oauth",
		GraphURL:  "https://graph.facebook.com/v19.0",
		now:       time.Now,
	}
}

func (f *Facebook) Platform() domain.Platform { return domain.PlatformFacebook }

func (f *Facebook) BuildAuthRequest(ctx context.Context, att *domain.AuthAttempt) (*domain.AuthRequest, error) {
	appID, err := f.secret(ctx, facebookAppIDSecret)
	if err != nil {
		return nil, err
	}
	state, err := secureState()
	if err != nil {
		return nil, err
	}
	att.State = state

	q := url.Values{}
	q.Set("client_id", appID)
	q.Set("redirect_uri", f.callbackURL(domain.PlatformFacebook))
	q.Set("state", state)
	q.Set("response_type", "code")
	q.Set("scope", joinScopes(facebookScopes, ","))

	return &domain.AuthRequest{
		Mode: domain.ModeRedirect,
		URL:  f.DialogURL + "?" + q.Encode(),
	}, nil
}

func (f *Facebook) Exchange(ctx context.Context, att *domain.AuthAttempt, payload domain.CallbackPayload) (*domain.Credential, error) {
	if payload.SDKStatus != nil {
		return f.completeSDKLogin(ctx, payload.SDKStatus)
	}
	if denied(payload) {
		return nil, domain.NewAuthError(domain.KindDenied, "facebook authorization was declined")
	}
	if payload.Code == "" {
		return nil, domain.NewAuthError(domain.KindInvalidGrant, "facebook callback carried no authorization code")
	}

	appID, err := f.secret(ctx, facebookAppIDSecret)
	if err != nil {
		return nil, err
	}
	appSecret, err := f.secret(ctx, facebookAppSecretSecret)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("client_id", appID)
	q.Set("client_secret", appSecret)
	q.Set("redirect_uri", f.callbackURL(domain.PlatformFacebook))
	q.Set("code", payload.Code)

	token, expiresIn, err := f.requestToken(ctx, f.GraphURL+"/oauth/access_token?"+q.Encode(), false)
	if err != nil {
		return nil, err
	}

	// Upgrade to a long-lived token (~60 days) so the stored credential
	// survives past the initial session. Failure keeps the short-lived one.
	if longLived, longExpiry, err := f.exchangeLongLived(ctx, appID, appSecret, token); err != nil {
		f.Logger.Warn("facebook long-lived token exchange failed", zap.Error(err))
	} else {
		token, expiresIn = longLived, longExpiry
	}

	return f.buildCredential(ctx, token, expiresIn)
}

// completeSDKLogin ingests a client-side FB.getLoginStatus result. Only a
// "connected" status with a populated authResponse yields a credential; the
// token expiry comes from the SDK's expiresIn seconds.
func (f *Facebook) completeSDKLogin(ctx context.Context, sdk *domain.SDKLoginStatus) (*domain.Credential, error) {
	if sdk.Status != "connected" || sdk.AuthResponse == nil || sdk.AuthResponse.AccessToken == "" {
		return nil, domain.NewAuthError(domain.KindDenied, "facebook login was not completed")
	}
	return f.buildCredential(ctx, sdk.AuthResponse.AccessToken, sdk.AuthResponse.ExpiresIn)
}

// Refresh is unsupported: Facebook user tokens carry no refresh token, so an
// expired long-lived token always means a full reconnect.
func (f *Facebook) Refresh(ctx context.Context, refreshToken string) (*domain.Credential, error) {
	return nil, domain.NewAuthError(domain.KindReauthRequired, "facebook session expired; please reconnect")
}

func (f *Facebook) Revoke(ctx context.Context, cred *domain.Credential) error {
	endpoint := f.GraphURL + "/me/permissions?access_token=" + url.QueryEscape(cred.AccessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return networkError(domain.PlatformFacebook, "revoke", err)
	}
	status, _, err := f.do(req)
	if err != nil {
		return networkError(domain.PlatformFacebook, "revoke", err)
	}
	if status >= 500 {
		return domain.NewAuthError(domain.KindNetwork, "facebook revoke failed upstream")
	}
	return nil
}

type facebookTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Error       *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (f *Facebook) requestToken(ctx context.Context, endpoint string, refresh bool) (string, int64, error) {
	status, body, err := f.getJSON(ctx, endpoint, nil)
	if err != nil {
		return "", 0, networkError(domain.PlatformFacebook, "token request", err)
	}

	var tok facebookTokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", 0, networkError(domain.PlatformFacebook, "token decode", err)
	}
	if status != http.StatusOK || tok.Error != nil || tok.AccessToken == "" {
		if refresh {
			return "", 0, refreshError(domain.PlatformFacebook, status, body)
		}
		return "", 0, exchangeError(domain.PlatformFacebook, status, body)
	}
	return tok.AccessToken, tok.ExpiresIn, nil
}

func (f *Facebook) exchangeLongLived(ctx context.Context, appID, appSecret, shortLived string) (string, int64, error) {
	q := url.Values{}
	q.Set("grant_type", "fb_exchange_token")
	q.Set("client_id", appID)
	q.Set("client_secret", appSecret)
	q.Set("fb_exchange_token", shortLived)
	return f.requestToken(ctx, f.GraphURL+"/oauth/access_token?"+q.Encode(), false)
}

// buildCredential normalizes a user token: the permissions actually
// granted, a profile snapshot, the page grants with their tasks, and the
// computed expiry. Users with no pages are still connected; publishing
// falls back to the personal timeline.
func (f *Facebook) buildCredential(ctx context.Context, token string, expiresIn int64) (*domain.Credential, error) {
	now := f.now()
	cred := &domain.Credential{
		Platform:    domain.PlatformFacebook,
		AccessToken: token,
		ExpiresAt:   expiryFromSeconds(now, expiresIn),
		ConnectedAt: now,
	}

	if scopes, err := f.fetchGrantedScopes(ctx, token); err != nil {
		f.Logger.Warn("facebook permissions lookup failed", zap.Error(err))
	} else {
		cred.ScopeGrant = scopes
	}
	if identity, err := f.fetchIdentity(ctx, token); err != nil {
		f.Logger.Warn("facebook profile lookup failed", zap.Error(err))
	} else {
		cred.Identity = identity
	}
	if pages, err := f.fetchPages(ctx, token); err != nil {
		f.Logger.Warn("facebook page listing failed", zap.Error(err))
	} else {
		cred.Pages = pages
	}
	return cred, nil
}

func (f *Facebook) fetchIdentity(ctx context.Context, token string) (domain.Identity, error) {
	q := url.Values{}
	q.Set("fields", "id,name,picture")
	q.Set("access_token", token)

	status, body, err := f.getJSON(ctx, f.GraphURL+"/me?"+q.Encode(), nil)
	if err != nil {
		return domain.Identity{}, err
	}
	if status != http.StatusOK {
		return domain.Identity{}, errStatus(status)
	}

	var parsed struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Picture struct {
			Data struct {
				URL string `json:"url"`
			} `json:"data"`
		} `json:"picture"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{
		AccountID:   parsed.ID,
		DisplayName: parsed.Name,
		AvatarURL:   parsed.Picture.Data.URL,
	}, nil
}

// fetchGrantedScopes reads /me/permissions so the stored grant records what
// the user actually approved, not what the dialog asked for. Permissions the
// user declined in the consent screen are dropped.
func (f *Facebook) fetchGrantedScopes(ctx context.Context, token string) ([]string, error) {
	q := url.Values{}
	q.Set("access_token", token)

	status, body, err := f.getJSON(ctx, f.GraphURL+"/me/permissions?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errStatus(status)
	}

	var parsed struct {
		Data []struct {
			Permission string `json:"permission"`
			Status     string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}

	granted := make([]string, 0, len(parsed.Data))
	for _, p := range parsed.Data {
		if p.Status == "granted" {
			granted = append(granted, p.Permission)
		}
	}
	return granted, nil
}

func (f *Facebook) fetchPages(ctx context.Context, token string) ([]domain.PageGrant, error) {
	q := url.Values{}
	q.Set("fields", "id,name,access_token,tasks")
	q.Set("access_token", token)

	status, body, err := f.getJSON(ctx, f.GraphURL+"/me/accounts?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, errStatus(status)
	}

	var parsed struct {
		Data []struct {
			ID          string   `json:"id"`
			Name        string   `json:"name"`
			AccessToken string   `json:"access_token"`
			Tasks       []string `json:"tasks"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}

	pages := make([]domain.PageGrant, 0, len(parsed.Data))
	for _, p := range parsed.Data {
		pages = append(pages, domain.PageGrant{
			PageID:      p.ID,
			PageName:    p.Name,
			AccessToken: p.AccessToken,
			Tasks:       p.Tasks,
		})
	}
	return pages, nil
}
