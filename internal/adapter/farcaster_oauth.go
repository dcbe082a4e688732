package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/jx4life/postbridge/internal/domain"
)

const (
	farcasterClientIDSecret     = "farcaster_client_id"
	farcasterClientSecretSecret = "farcaster_client_secret"
	farcasterAuthURLSecret      = "farcaster_auth_url"
	farcasterTokenURLSecret     = "farcaster_token_url"
	neynarAPIKeySecret          = "neynar_api_key"
)

// FarcasterOAuth implements the delegated authorization-code flow offered by
// the Farcaster auth provider. Endpoints are provider-configured secrets
// rather than compiled-in constants because the provider rotates hosts.
// Distinct from FarcasterSigner: this grants read/identity access, the
// signer grants posting rights, and either one counts as connected.
type FarcasterOAuth struct {
	Base

	HubURL string

	now func() time.Time
}

var _ Adapter = (*FarcasterOAuth)(nil)

// NewFarcasterOAuth constructs the Farcaster OAuth adapter.
func NewFarcasterOAuth(base Base) *FarcasterOAuth {
	return &FarcasterOAuth{
		Base:   base,
		HubURL: "https://api.neynar.com/v2/farcaster",
		now:    time.Now,
	}
}

func (f *FarcasterOAuth) Platform() domain.Platform { return domain.PlatformFarcaster }

func (f *FarcasterOAuth) BuildAuthRequest(ctx context.Context, att *domain.AuthAttempt) (*domain.AuthRequest, error) {
	clientID, err := f.secret(ctx, farcasterClientIDSecret)
	if err != nil {
		return nil, err
	}
	authURL, err := f.secret(ctx, farcasterAuthURLSecret)
	if err != nil {
		return nil, err
	}
	state, err := secureState()
	if err != nil {
		return nil, err
	}
	att.State = state

	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("redirect_uri", f.callbackURL(domain.PlatformFarcaster))
	q.Set("response_type", "code")
	q.Set("state", state)

	return &domain.AuthRequest{
		Mode: domain.ModeRedirect,
		URL:  authURL + "?" + q.Encode(),
	}, nil
}

type farcasterTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	FID          int64  `json:"fid"`
}

func (f *FarcasterOAuth) Exchange(ctx context.Context, att *domain.AuthAttempt, payload domain.CallbackPayload) (*domain.Credential, error) {
	if denied(payload) {
		return nil, domain.NewAuthError(domain.KindDenied, "farcaster authorization was declined")
	}
	if payload.Code == "" {
		return nil, domain.NewAuthError(domain.KindInvalidGrant, "farcaster callback carried no authorization code")
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", payload.Code)
	form.Set("redirect_uri", f.callbackURL(domain.PlatformFarcaster))

	tok, err := f.requestToken(ctx, form, false)
	if err != nil {
		return nil, err
	}

	cred := f.credentialFrom(tok)
	if identity, err := f.lookupUser(ctx, tok.FID); err != nil {
		f.Logger.Warn("farcaster user lookup failed", zap.Int64("fid", tok.FID), zap.Error(err))
		cred.Identity = domain.Identity{FID: tok.FID}
	} else {
		cred.Identity = identity
	}
	return cred, nil
}

func (f *FarcasterOAuth) Refresh(ctx context.Context, refreshToken string) (*domain.Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	tok, err := f.requestToken(ctx, form, true)
	if err != nil {
		return nil, err
	}
	cred := f.credentialFrom(tok)
	cred.Identity = domain.Identity{FID: tok.FID}
	return cred, nil
}

// Revoke has no remote endpoint in the delegated flow; dropping the token is
// sufficient.
func (f *FarcasterOAuth) Revoke(ctx context.Context, cred *domain.Credential) error {
	return nil
}

func (f *FarcasterOAuth) requestToken(ctx context.Context, form url.Values, refresh bool) (*farcasterTokenResponse, error) {
	clientID, err := f.secret(ctx, farcasterClientIDSecret)
	if err != nil {
		return nil, err
	}
	clientSecret, err := f.secret(ctx, farcasterClientSecretSecret)
	if err != nil {
		return nil, err
	}
	tokenURL, err := f.secret(ctx, farcasterTokenURLSecret)
	if err != nil {
		return nil, err
	}
	form.Set("client_id", clientID)

	header := http.Header{}
	header.Set("Authorization", basicAuth(clientID, clientSecret))

	status, body, err := f.postForm(ctx, tokenURL, form, header)
	if err != nil {
		return nil, networkError(domain.PlatformFarcaster, "token request", err)
	}
	if status != http.StatusOK {
		if refresh {
			return nil, refreshError(domain.PlatformFarcaster, status, body)
		}
		return nil, exchangeError(domain.PlatformFarcaster, status, body)
	}

	var tok farcasterTokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, networkError(domain.PlatformFarcaster, "token decode", err)
	}
	if tok.AccessToken == "" {
		return nil, domain.NewAuthError(domain.KindInvalidGrant, "farcaster returned an empty access token")
	}
	return &tok, nil
}

func (f *FarcasterOAuth) credentialFrom(tok *farcasterTokenResponse) *domain.Credential {
	now := f.now()
	return &domain.Credential{
		Platform:     domain.PlatformFarcaster,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiryFromSeconds(now, tok.ExpiresIn),
		ConnectedAt:  now,
	}
}

// lookupUser resolves an FID to its public profile through the hub API.
func (f *FarcasterOAuth) lookupUser(ctx context.Context, fid int64) (domain.Identity, error) {
	apiKey, err := f.secret(ctx, neynarAPIKeySecret)
	if err != nil {
		return domain.Identity{}, err
	}
	return lookupFarcasterUser(ctx, &f.Base, f.HubURL, apiKey, fid)
}

// lookupFarcasterUser is shared by both farcaster adapters.
func lookupFarcasterUser(ctx context.Context, b *Base, hubURL, apiKey string, fid int64) (domain.Identity, error) {
	header := http.Header{}
	header.Set("api_key", apiKey)

	endpoint := fmt.Sprintf("%s/user/bulk?fids=%d", hubURL, fid)
	status, body, err := b.getJSON(ctx, endpoint, header)
	if err != nil {
		return domain.Identity{}, err
	}
	if status != http.StatusOK {
		return domain.Identity{}, errStatus(status)
	}

	var parsed struct {
		Users []struct {
			FID         int64  `json:"fid"`
			Username    string `json:"username"`
			DisplayName string `json:"display_name"`
			PfpURL      string `json:"pfp_url"`
		} `json:"users"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.Identity{}, err
	}
	if len(parsed.Users) == 0 {
		return domain.Identity{FID: fid}, nil
	}
	u := parsed.Users[0]
	return domain.Identity{
		FID:         u.FID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		AvatarURL:   u.PfpURL,
	}, nil
}
