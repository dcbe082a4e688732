package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/jx4life/postbridge/internal/domain"
	"github.com/jx4life/postbridge/internal/poll"
)

const (
	tiktokClientKeySecret    = "tiktok_client_key"
	tiktokClientSecretSecret = "tiktok_client_secret"
)

var tiktokScopes = []string{"user.info.basic", "video.publish", "video.upload"}

// TikTok implements the TikTok v2 OAuth flow. TikTok names its client
// identifier client_key rather than client_id, and its token endpoint wraps
// errors inside a 200/400 body pair; both quirks live here and nowhere else.
type TikTok struct {
	Base

	AuthorizeURL string
	TokenURL     string
	RevokeURL    string
	UserInfoURL  string
	QRCodeURL    string
	QRCheckURL   string

	now func() time.Time
}

var _ Adapter = (*TikTok)(nil)

// NewTikTok constructs the TikTok adapter.
func NewTikTok(base Base) *TikTok {
	return &TikTok{
		Base:         base,
		AuthorizeURL: "https://www.tiktok.com/v2/auth/authorize/",
		TokenURL:     "https://open.tiktokapis.com/v2/oauth/token/",
		RevokeURL:    "https://open.tiktokapis.com/v2/oauth/revoke/",
		UserInfoURL:  "https://open.tiktokapis.com/v2/user/info/",
		QRCodeURL:    "https://open.tiktokapis.com/v2/oauth/get_qrcode/",
		QRCheckURL:   "https://open.tiktokapis.com/v2/oauth/check_qrcode/",
		now:          time.Now,
	}
}

func (t *TikTok) Platform() domain.Platform { return domain.PlatformTikTok }

func (t *TikTok) BuildAuthRequest(ctx context.Context, att *domain.AuthAttempt) (*domain.AuthRequest, error) {
	clientKey, err := t.secret(ctx, tiktokClientKeySecret)
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
	q.Set("client_key", clientKey)
	q.Set("response_type", "code")
	q.Set("scope", joinScopes(tiktokScopes, ","))
	q.Set("redirect_uri", t.callbackURL(domain.PlatformTikTok))
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")

	return &domain.AuthRequest{
		Mode: domain.ModeRedirect,
		URL:  t.AuthorizeURL + "?" + q.Encode(),
	}, nil
}

type tiktokTokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	OpenID           string `json:"open_id"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (t *TikTok) Exchange(ctx context.Context, att *domain.AuthAttempt, payload domain.CallbackPayload) (*domain.Credential, error) {
	if denied(payload) {
		return nil, domain.NewAuthError(domain.KindDenied, "tiktok authorization was declined")
	}
	if payload.Code == "" {
		return nil, domain.NewAuthError(domain.KindInvalidGrant, "tiktok callback carried no authorization code")
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", payload.Code)
	form.Set("redirect_uri", t.callbackURL(domain.PlatformTikTok))
	form.Set("code_verifier", att.CodeVerifier)

	tok, err := t.requestToken(ctx, form, false)
	if err != nil {
		return nil, err
	}

	cred := t.credentialFrom(tok)
	if identity, err := t.fetchIdentity(ctx, tok.AccessToken); err != nil {
		t.Logger.Warn("tiktok profile lookup failed", zap.Error(err))
		cred.Identity = domain.Identity{AccountID: tok.OpenID}
	} else {
		cred.Identity = identity
	}
	return cred, nil
}

func (t *TikTok) Refresh(ctx context.Context, refreshToken string) (*domain.Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	tok, err := t.requestToken(ctx, form, true)
	if err != nil {
		return nil, err
	}
	cred := t.credentialFrom(tok)
	cred.Identity = domain.Identity{AccountID: tok.OpenID}
	return cred, nil
}

func (t *TikTok) Revoke(ctx context.Context, cred *domain.Credential) error {
	clientKey, err := t.secret(ctx, tiktokClientKeySecret)
	if err != nil {
		return err
	}
	clientSecret, err := t.secret(ctx, tiktokClientSecretSecret)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("client_key", clientKey)
	form.Set("client_secret", clientSecret)
	form.Set("token", cred.AccessToken)

	status, _, err := t.postForm(ctx, t.RevokeURL, form, nil)
	if err != nil {
		return networkError(domain.PlatformTikTok, "revoke", err)
	}
	if status >= 500 {
		return domain.NewAuthError(domain.KindNetwork, "tiktok revoke failed upstream")
	}
	return nil
}

// BuildQRRequest starts the QR login variant: the UI renders the scan URL
// while the returned poll function watches for the scan to be confirmed,
// finishing with a normal code exchange.
func (t *TikTok) BuildQRRequest(ctx context.Context, att *domain.AuthAttempt) (*domain.AuthRequest, poll.Func, error) {
	clientKey, err := t.secret(ctx, tiktokClientKeySecret)
	if err != nil {
		return nil, nil, err
	}
	clientSecret, err := t.secret(ctx, tiktokClientSecretSecret)
	if err != nil {
		return nil, nil, err
	}
	state, err := secureState()
	if err != nil {
		return nil, nil, err
	}
	att.State = state

	form := url.Values{}
	form.Set("client_key", clientKey)
	form.Set("client_secret", clientSecret)
	form.Set("scope", joinScopes(tiktokScopes, ","))
	form.Set("state", state)

	status, body, err := t.postForm(ctx, t.QRCodeURL, form, nil)
	if err != nil {
		return nil, nil, networkError(domain.PlatformTikTok, "qr create", err)
	}
	if status != http.StatusOK {
		return nil, nil, exchangeError(domain.PlatformTikTok, status, body)
	}

	var qr struct {
		ScanQRCodeURL string `json:"scan_qrcode_url"`
		Token         string `json:"token"`
	}
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, nil, networkError(domain.PlatformTikTok, "qr decode", err)
	}
	if qr.Token == "" {
		return nil, nil, domain.NewAuthError(domain.KindNetwork, "tiktok returned an empty qr token")
	}

	req := &domain.AuthRequest{
		Mode: domain.ModeSigner,
		Signer: &domain.SignerInfo{
			SignerUUID:  qr.Token,
			ApprovalURL: qr.ScanQRCodeURL,
			Status:      "new",
		},
	}

	attempt := *att
	pollFn := func(ctx context.Context) (poll.Status, *domain.Credential, error) {
		return t.checkQR(ctx, clientKey, clientSecret, qr.Token, &attempt)
	}
	return req, pollFn, nil
}

func (t *TikTok) checkQR(ctx context.Context, clientKey, clientSecret, token string, att *domain.AuthAttempt) (poll.Status, *domain.Credential, error) {
	form := url.Values{}
	form.Set("client_key", clientKey)
	form.Set("client_secret", clientSecret)
	form.Set("token", token)

	status, body, err := t.postForm(ctx, t.QRCheckURL, form, nil)
	if err != nil {
		return "", nil, err
	}
	if status != http.StatusOK {
		return "", nil, errStatus(status)
	}

	var check struct {
		Status string `json:"status"`
		Code   string `json:"code"`
	}
	if err := json.Unmarshal(body, &check); err != nil {
		return "", nil, err
	}

	switch check.Status {
	case "confirmed":
		cred, err := t.Exchange(ctx, att, domain.CallbackPayload{Code: check.Code, State: att.State})
		if err != nil {
			return "", nil, err
		}
		return poll.StatusApproved, cred, nil
	case "expired", "utilised":
		return poll.StatusRevoked, nil, nil
	default:
		// "new" or "scanned": keep waiting.
		return poll.StatusPending, nil, nil
	}
}

// requestToken posts to the token endpoint. TikTok reports revoked refresh
// tokens as HTTP 400 {"error":"invalid_grant"}, which must surface as
// REAUTH_REQUIRED so the stale credential gets cleared instead of retried.
func (t *TikTok) requestToken(ctx context.Context, form url.Values, refresh bool) (*tiktokTokenResponse, error) {
	clientKey, err := t.secret(ctx, tiktokClientKeySecret)
	if err != nil {
		return nil, err
	}
	clientSecret, err := t.secret(ctx, tiktokClientSecretSecret)
	if err != nil {
		return nil, err
	}
	form.Set("client_key", clientKey)
	form.Set("client_secret", clientSecret)

	status, body, err := t.postForm(ctx, t.TokenURL, form, nil)
	if err != nil {
		return nil, networkError(domain.PlatformTikTok, "token request", err)
	}

	var tok tiktokTokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, networkError(domain.PlatformTikTok, "token decode", err)
	}
	if status != http.StatusOK || tok.Error != "" || tok.AccessToken == "" {
		if refresh {
			return nil, refreshError(domain.PlatformTikTok, status, body)
		}
		return nil, exchangeError(domain.PlatformTikTok, status, body)
	}
	return &tok, nil
}

func (t *TikTok) credentialFrom(tok *tiktokTokenResponse) *domain.Credential {
	now := t.now()
	return &domain.Credential{
		Platform:     domain.PlatformTikTok,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiryFromSeconds(now, tok.ExpiresIn),
		ScopeGrant:   splitScopes(tok.Scope, ","),
		ConnectedAt:  now,
	}
}

func (t *TikTok) fetchIdentity(ctx context.Context, accessToken string) (domain.Identity, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)

	status, body, err := t.getJSON(ctx, t.UserInfoURL+"?fields=open_id,display_name,avatar_url", header)
	if err != nil {
		return domain.Identity{}, err
	}
	if status != http.StatusOK {
		return domain.Identity{}, errStatus(status)
	}

	var parsed struct {
		Data struct {
			User struct {
				OpenID      string `json:"open_id"`
				DisplayName string `json:"display_name"`
				AvatarURL   string `json:"avatar_url"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{
		AccountID:   parsed.Data.User.OpenID,
		Username:    parsed.Data.User.DisplayName,
		DisplayName: parsed.Data.User.DisplayName,
		AvatarURL:   parsed.Data.User.AvatarURL,
	}, nil
}
