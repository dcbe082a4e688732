package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jx4life/postbridge/internal/domain"
)

// Lens authenticates through a wallet-signature challenge against the Lens
// GraphQL API. The API verifies the signature itself, so no chain libraries
// are needed here: we relay the challenge text out and the signature back.
// Sessions carry no refresh token; expiry always means reconnect.
type Lens struct {
	Base

	APIURL string

	now func() time.Time
}

var _ Adapter = (*Lens)(nil)

// NewLens constructs the Lens adapter.
func NewLens(base Base) *Lens {
	return &Lens{
		Base:   base,
		APIURL: "https://api.lens.dev",
		now:    time.Now,
	}
}

func (l *Lens) Platform() domain.Platform { return domain.PlatformLens }

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// BuildAuthRequest asks the API for a challenge the user's wallet must
// sign. The wallet address arrives on the attempt.
func (l *Lens) BuildAuthRequest(ctx context.Context, att *domain.AuthAttempt) (*domain.AuthRequest, error) {
	address := strings.TrimSpace(att.WalletAddress)
	if address == "" {
		return nil, domain.NewAuthError(domain.KindInvalidGrant, "lens connection requires a wallet address")
	}

	req := graphqlRequest{
		Query: `query Challenge($request: ChallengeRequest!) {
  challenge(request: $request) { id text }
}`,
		Variables: map[string]any{
			"request": map[string]any{"signedBy": address},
		},
	}

	var resp struct {
		Data struct {
			Challenge struct {
				ID   string `json:"id"`
				Text string `json:"text"`
			} `json:"challenge"`
		} `json:"data"`
	}
	if err := l.graphql(ctx, req, &resp); err != nil {
		return nil, err
	}
	if resp.Data.Challenge.Text == "" {
		return nil, domain.NewAuthError(domain.KindNetwork, "lens returned an empty challenge")
	}

	att.ChallengeID = resp.Data.Challenge.ID

	return &domain.AuthRequest{
		Mode: domain.ModeChallenge,
		Challenge: &domain.WalletChallenge{
			ID:   resp.Data.Challenge.ID,
			Text: resp.Data.Challenge.Text,
		},
	}, nil
}

// Exchange submits the wallet's signature for verification. The API rejects
// signatures that don't match the issued challenge, which we surface as an
// invalid grant rather than guessing at causes ourselves.
func (l *Lens) Exchange(ctx context.Context, att *domain.AuthAttempt, payload domain.CallbackPayload) (*domain.Credential, error) {
	if payload.Signature == "" {
		return nil, domain.NewAuthError(domain.KindDenied, "lens signature was not provided")
	}
	if att.ChallengeID != "" && payload.ChallengeID != att.ChallengeID {
		return nil, domain.NewAuthError(domain.KindStateMismatch, "lens signature does not match the issued challenge")
	}

	req := graphqlRequest{
		Query: `mutation Authenticate($request: SignedAuthChallenge!) {
  authenticate(request: $request) { accessToken refreshToken }
}`,
		Variables: map[string]any{
			"request": map[string]any{
				"id":        att.ChallengeID,
				"signature": payload.Signature,
			},
		},
	}

	var resp struct {
		Data struct {
			Authenticate struct {
				AccessToken  string `json:"accessToken"`
				RefreshToken string `json:"refreshToken"`
			} `json:"authenticate"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := l.graphql(ctx, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		return nil, domain.NewAuthError(domain.KindInvalidGrant, "lens rejected the signature: "+resp.Errors[0].Message)
	}
	if resp.Data.Authenticate.AccessToken == "" {
		return nil, domain.NewAuthError(domain.KindInvalidGrant, "lens returned an empty access token")
	}

	now := l.now()
	cred := &domain.Credential{
		Platform:    domain.PlatformLens,
		AccessToken: resp.Data.Authenticate.AccessToken,
		Identity:    domain.Identity{AccountID: att.WalletAddress},
		ConnectedAt: now,
	}
	if identity, err := l.fetchDefaultProfile(ctx, att.WalletAddress); err != nil {
		l.Logger.Warn("lens profile lookup failed", zap.Error(err))
	} else if identity.Username != "" {
		identity.AccountID = att.WalletAddress
		cred.Identity = identity
	}
	return cred, nil
}

// Refresh is unsupported: Lens sessions are handle-bound and re-established
// by signing a new challenge.
func (l *Lens) Refresh(ctx context.Context, refreshToken string) (*domain.Credential, error) {
	return nil, domain.NewAuthError(domain.KindReauthRequired, "lens session expired; please reconnect")
}

// Revoke has no remote counterpart worth failing over; the session simply
// lapses once the token is dropped.
func (l *Lens) Revoke(ctx context.Context, cred *domain.Credential) error {
	return nil
}

func (l *Lens) fetchDefaultProfile(ctx context.Context, address string) (domain.Identity, error) {
	req := graphqlRequest{
		Query: `query DefaultProfile($request: DefaultProfileRequest!) {
  defaultProfile(request: $request) {
    handle
    name
    picture { ... on MediaSet { original { url } } }
  }
}`,
		Variables: map[string]any{
			"request": map[string]any{"ethereumAddress": address},
		},
	}

	var resp struct {
		Data struct {
			DefaultProfile *struct {
				Handle  string `json:"handle"`
				Name    string `json:"name"`
				Picture struct {
					Original struct {
						URL string `json:"url"`
					} `json:"original"`
				} `json:"picture"`
			} `json:"defaultProfile"`
		} `json:"data"`
	}
	if err := l.graphql(ctx, req, &resp); err != nil {
		return domain.Identity{}, err
	}
	if resp.Data.DefaultProfile == nil {
		return domain.Identity{}, nil
	}
	p := resp.Data.DefaultProfile
	return domain.Identity{
		Username:    p.Handle,
		DisplayName: p.Name,
		AvatarURL:   p.Picture.Original.URL,
	}, nil
}

func (l *Lens) graphql(ctx context.Context, req graphqlRequest, out any) error {
	status, body, err := l.postJSON(ctx, l.APIURL, req, nil)
	if err != nil {
		return networkError(domain.PlatformLens, "api request", err)
	}
	if status == http.StatusTooManyRequests {
		return domain.NewAuthError(domain.KindRateLimited, "lens api rate limited")
	}
	if status != http.StatusOK {
		return networkError(domain.PlatformLens, "api request", errStatus(status))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return networkError(domain.PlatformLens, "api decode", err)
	}
	return nil
}
