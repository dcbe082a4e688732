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

// warpcastApprovalURL builds the approval deeplink from the signer UUID.
// The vendor's signed-key-request tokens are keyed by signer_uuid, not by
// the signer's public key; building the link from the public key yields a
// deeplink Warpcast rejects. Used whenever the API response omits its own
// approval URL.
func warpcastApprovalURL(signerUUID string) string {
	return "https://client.warpcast.com/deeplinks/signed-key-request?token=" + url.QueryEscape(signerUUID)
}

// FarcasterSigner provisions a vendor-managed posting signer. The flow has
// no browser redirect: the vendor mints a signer keypair, the user approves
// it in Warpcast via a deeplink, and approval is observed by polling. The
// stored credential's access token is the signer UUID itself, which is what
// the publish path needs.
type FarcasterSigner struct {
	Base

	SignerURL string
	HubURL    string

	now func() time.Time
}

// NewFarcasterSigner constructs the managed-signer adapter.
func NewFarcasterSigner(base Base) *FarcasterSigner {
	return &FarcasterSigner{
		Base:      base,
		SignerURL: "https://api.neynar.com/v2/farcaster/signer",
		HubURL:    "https://api.neynar.com/v2/farcaster",
		now:       time.Now,
	}
}

type signerResponse struct {
	SignerUUID        string `json:"signer_uuid"`
	PublicKey         string `json:"public_key"`
	Status            string `json:"status"`
	SignerApprovalURL string `json:"signer_approval_url"`
	FID               int64  `json:"fid"`
}

// CreateSigner mints a fresh signer and records it on the attempt. The
// returned request carries the approval deeplink for the UI to render as a
// QR code or button.
func (f *FarcasterSigner) CreateSigner(ctx context.Context, att *domain.AuthAttempt) (*domain.AuthRequest, error) {
	apiKey, err := f.secret(ctx, neynarAPIKeySecret)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("api_key", apiKey)

	status, body, err := f.postJSON(ctx, f.SignerURL, map[string]any{}, header)
	if err != nil {
		return nil, networkError(domain.PlatformFarcaster, "signer create", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, exchangeError(domain.PlatformFarcaster, status, body)
	}

	var signer signerResponse
	if err := json.Unmarshal(body, &signer); err != nil {
		return nil, networkError(domain.PlatformFarcaster, "signer decode", err)
	}
	if signer.SignerUUID == "" {
		return nil, domain.NewAuthError(domain.KindNetwork, "signer service returned no signer_uuid")
	}

	approvalURL := signer.SignerApprovalURL
	if approvalURL == "" {
		approvalURL = warpcastApprovalURL(signer.SignerUUID)
	}

	att.SignerUUID = signer.SignerUUID
	att.SignerPublicKey = signer.PublicKey

	return &domain.AuthRequest{
		Mode: domain.ModeSigner,
		Signer: &domain.SignerInfo{
			SignerUUID:  signer.SignerUUID,
			PublicKey:   signer.PublicKey,
			ApprovalURL: approvalURL,
			Status:      signer.Status,
		},
	}, nil
}

// PollFunc returns the status-check closure a polling session drives. On
// approval it resolves the owning FID to a full profile and returns the
// finished credential.
func (f *FarcasterSigner) PollFunc(signerUUID string) poll.Func {
	return func(ctx context.Context) (poll.Status, *domain.Credential, error) {
		signer, err := f.fetchSigner(ctx, signerUUID)
		if err != nil {
			return "", nil, err
		}
		switch signer.Status {
		case "approved":
			cred := f.credentialFor(ctx, signer)
			return poll.StatusApproved, cred, nil
		case "revoked":
			return poll.StatusRevoked, nil, nil
		default:
			// "generated" / "pending_approval": keep waiting.
			return poll.StatusPending, nil, nil
		}
	}
}

// Status returns the current signer state for a one-shot check (the UI's
// session endpoint uses it alongside the live session snapshot).
func (f *FarcasterSigner) Status(ctx context.Context, signerUUID string) (*domain.SignerInfo, error) {
	signer, err := f.fetchSigner(ctx, signerUUID)
	if err != nil {
		return nil, err
	}
	approvalURL := signer.SignerApprovalURL
	if approvalURL == "" {
		approvalURL = warpcastApprovalURL(signer.SignerUUID)
	}
	return &domain.SignerInfo{
		SignerUUID:  signer.SignerUUID,
		PublicKey:   signer.PublicKey,
		ApprovalURL: approvalURL,
		Status:      signer.Status,
	}, nil
}

// Complete finishes a signer attempt without a polling session: it checks
// the signer once and yields the credential iff already approved.
func (f *FarcasterSigner) Complete(ctx context.Context, att *domain.AuthAttempt) (*domain.Credential, error) {
	if att.SignerUUID == "" {
		return nil, domain.NewAuthError(domain.KindStateMismatch, "no signer is associated with this attempt")
	}
	signer, err := f.fetchSigner(ctx, att.SignerUUID)
	if err != nil {
		return nil, err
	}
	if signer.Status != "approved" {
		return nil, domain.NewAuthError(domain.KindInvalidGrant, "signer has not been approved yet")
	}
	return f.credentialFor(ctx, signer), nil
}

// Revoke deletes the signer record at the vendor. Best-effort.
func (f *FarcasterSigner) Revoke(ctx context.Context, signerUUID string) error {
	apiKey, err := f.secret(ctx, neynarAPIKeySecret)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		f.SignerURL+"?signer_uuid="+url.QueryEscape(signerUUID), nil)
	if err != nil {
		return networkError(domain.PlatformFarcaster, "signer revoke", err)
	}
	req.Header.Set("api_key", apiKey)
	status, _, err := f.do(req)
	if err != nil {
		return networkError(domain.PlatformFarcaster, "signer revoke", err)
	}
	if status >= 500 {
		return domain.NewAuthError(domain.KindNetwork, "signer revoke failed upstream")
	}
	return nil
}

func (f *FarcasterSigner) fetchSigner(ctx context.Context, signerUUID string) (*signerResponse, error) {
	apiKey, err := f.secret(ctx, neynarAPIKeySecret)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("api_key", apiKey)

	status, body, err := f.getJSON(ctx, f.SignerURL+"?signer_uuid="+url.QueryEscape(signerUUID), header)
	if err != nil {
		return nil, networkError(domain.PlatformFarcaster, "signer status", err)
	}
	if status == http.StatusNotFound {
		return &signerResponse{SignerUUID: signerUUID, Status: "revoked"}, nil
	}
	if status != http.StatusOK {
		return nil, networkError(domain.PlatformFarcaster, "signer status", errStatus(status))
	}

	var signer signerResponse
	if err := json.Unmarshal(body, &signer); err != nil {
		return nil, networkError(domain.PlatformFarcaster, "signer decode", err)
	}
	return &signer, nil
}

func (f *FarcasterSigner) credentialFor(ctx context.Context, signer *signerResponse) *domain.Credential {
	now := f.now()
	cred := &domain.Credential{
		Platform:    domain.PlatformFarcaster,
		AccessToken: signer.SignerUUID,
		Identity:    domain.Identity{FID: signer.FID},
		ConnectedAt: now,
	}
	if signer.FID == 0 {
		return cred
	}
	apiKey, err := f.secret(ctx, neynarAPIKeySecret)
	if err != nil {
		return cred
	}
	if identity, err := lookupFarcasterUser(ctx, &f.Base, f.HubURL, apiKey, signer.FID); err != nil {
		f.Logger.Warn("farcaster signer profile lookup failed",
			zap.Int64("fid", signer.FID), zap.Error(err))
	} else {
		cred.Identity = identity
	}
	return cred
}
