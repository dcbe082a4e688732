package auth

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jx4life/postbridge/internal/adapter"
	"github.com/jx4life/postbridge/internal/attempt"
	"github.com/jx4life/postbridge/internal/config"
	"github.com/jx4life/postbridge/internal/domain"
	"github.com/jx4life/postbridge/internal/poll"
	"github.com/jx4life/postbridge/internal/store"
)

// Orchestrator drives every credential lifecycle operation: initiating
// flows, completing callbacks, refresh-on-read, disconnects, and the
// polling sessions for approval-based flows. Handlers stay thin; all
// sequencing decisions live here.
type Orchestrator struct {
	registry *adapter.Registry
	signer   *adapter.FarcasterSigner
	tiktok   *adapter.TikTok
	creds    *store.CredentialStore
	attempts attempt.Store
	sessions *poll.Manager
	node     *snowflake.Node
	cfg      config.Config
	logger   *zap.Logger

	refreshes singleflight.Group
	now       func() time.Time
}

// New wires the orchestrator.
func New(
	registry *adapter.Registry,
	signer *adapter.FarcasterSigner,
	tiktok *adapter.TikTok,
	creds *store.CredentialStore,
	attempts attempt.Store,
	sessions *poll.Manager,
	node *snowflake.Node,
	cfg config.Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry: registry,
		signer:   signer,
		tiktok:   tiktok,
		creds:    creds,
		attempts: attempts,
		sessions: sessions,
		node:     node,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetNow overrides the clock (for testing).
func (o *Orchestrator) SetNow(fn func() time.Time) { o.now = fn }

// InitiateOptions carries flow-specific inputs gathered from the request.
type InitiateOptions struct {
	// WalletAddress is required for challenge-based platforms (lens).
	WalletAddress string
}

// Initiate starts a connection flow. A fresh attempt supersedes any live
// one for the same (user, platform): the superseded attempt's callback will
// fail correlation. Misconfigured platforms fail here, before any redirect.
func (o *Orchestrator) Initiate(ctx context.Context, userID string, platform domain.Platform, opts InitiateOptions) (*domain.AuthRequest, error) {
	ad, err := o.registry.Get(platform)
	if err != nil {
		return nil, err
	}

	att := o.newAttempt(userID, platform)
	att.WalletAddress = opts.WalletAddress

	req, err := ad.BuildAuthRequest(ctx, att)
	if err != nil {
		return nil, err
	}
	if err := o.attempts.Save(ctx, *att); err != nil {
		return nil, domain.WrapAuthError(domain.KindNetwork, "could not persist connection attempt", err)
	}

	o.logger.Info("connection flow initiated",
		zap.String("user_id", userID),
		zap.String("platform", platform.String()),
		zap.String("attempt_id", att.ID),
		zap.String("mode", string(req.Mode)))
	return req, nil
}

// CompleteCallback correlates the callback against the live attempt and
// exchanges it for a credential. The attempt TTL is enforced here, lazily:
// nothing expires attempts in the background.
//
// A Facebook SDK login status bypasses attempt correlation: the SDK flow
// never left the page, so there is no redirect round-trip to correlate.
func (o *Orchestrator) CompleteCallback(ctx context.Context, userID string, platform domain.Platform, payload domain.CallbackPayload) (*domain.Credential, error) {
	ad, err := o.registry.Get(platform)
	if err != nil {
		return nil, err
	}

	var att *domain.AuthAttempt
	if payload.SDKStatus == nil {
		att, err = o.attempts.Get(ctx, userID, platform)
		if err != nil {
			return nil, domain.WrapAuthError(domain.KindNetwork, "could not load connection attempt", err)
		}
		if att == nil {
			return nil, domain.NewAuthError(domain.KindStateMismatch, "no connection attempt is in progress")
		}
		if att.Expired(o.now()) {
			o.deleteAttempt(ctx, userID, platform)
			return nil, domain.NewAuthError(domain.KindAttemptExpired, "the connection attempt expired; please start over")
		}
		if att.State != "" && payload.State != att.State {
			// Either a forged callback or one from a superseded attempt.
			return nil, domain.NewAuthError(domain.KindStateMismatch, "callback does not match the connection attempt")
		}
	} else {
		att = o.newAttempt(userID, platform)
	}

	// A managed-signer attempt has no code to exchange; the client reported
	// approval, so check the signer once and finish without waiting out the
	// polling session.
	if platform == domain.PlatformFarcaster && att.SignerUUID != "" && payload.Code == "" {
		return o.completeSigner(ctx, userID, att)
	}

	cred, err := ad.Exchange(ctx, att, payload)
	if err != nil {
		if kind := domain.KindOf(err); kind != domain.KindNetwork && kind != domain.KindRateLimited {
			// Terminal outcome: the attempt cannot be completed anymore.
			o.deleteAttempt(ctx, userID, platform)
		}
		return nil, err
	}

	o.deleteAttempt(ctx, userID, platform)
	if err := o.creds.Put(ctx, userID, platform.StorageKey(), *cred); err != nil {
		return nil, domain.WrapAuthError(domain.KindNetwork, "could not store the credential", err)
	}

	o.logger.Info("platform connected",
		zap.String("user_id", userID),
		zap.String("platform", platform.String()),
		zap.String("account_id", cred.Identity.AccountID))
	return cred, nil
}

// completeSigner finishes a managed-signer attempt on demand. A signer that
// is not approved yet leaves the attempt and any polling session in place so
// the user can try again.
func (o *Orchestrator) completeSigner(ctx context.Context, userID string, att *domain.AuthAttempt) (*domain.Credential, error) {
	cred, err := o.signer.Complete(ctx, att)
	if err != nil {
		return nil, err
	}

	o.sessions.Cancel(sessionKey(userID, domain.PlatformFarcaster))
	o.deleteAttempt(ctx, userID, domain.PlatformFarcaster)
	if err := o.creds.Put(ctx, userID, domain.FarcasterSignerKey, *cred); err != nil {
		return nil, domain.WrapAuthError(domain.KindNetwork, "could not store the credential", err)
	}

	o.logger.Info("farcaster signer connected",
		zap.String("user_id", userID),
		zap.Int64("fid", cred.Identity.FID))
	return cred, nil
}

// CompleteBrowserCallback handles a platform redirect that arrived without
// authentication: the state value is resolved back to its owning attempt
// first, then the callback completes as usual. Returns the owning user so
// the relay page can report who connected.
func (o *Orchestrator) CompleteBrowserCallback(ctx context.Context, platform domain.Platform, payload domain.CallbackPayload) (string, *domain.Credential, error) {
	if payload.State == "" {
		return "", nil, domain.NewAuthError(domain.KindStateMismatch, "callback carried no state value")
	}
	att, err := o.attempts.FindByState(ctx, payload.State)
	if err != nil {
		return "", nil, domain.WrapAuthError(domain.KindNetwork, "could not resolve connection attempt", err)
	}
	if att == nil || att.Platform != platform {
		return "", nil, domain.NewAuthError(domain.KindStateMismatch, "callback does not match any connection attempt")
	}
	cred, err := o.CompleteCallback(ctx, att.UserID, platform, payload)
	return att.UserID, cred, err
}

// GetCredential returns a live credential for publishing, refreshing it
// first when expired. (nil, nil) means not connected; the caller decides
// whether that is an error. Concurrent calls for the same (user, platform)
// share a single refresh.
func (o *Orchestrator) GetCredential(ctx context.Context, userID string, platform domain.Platform) (*domain.Credential, error) {
	key := platform.StorageKey()
	cred, err := o.creds.Get(ctx, userID, key)
	if err != nil {
		return nil, domain.WrapAuthError(domain.KindNetwork, "could not load the credential", err)
	}
	if cred == nil {
		return nil, nil
	}
	if !cred.Expired(o.now()) {
		return cred, nil
	}
	if !cred.Refreshable() {
		// The store's lazy expiry already removed it; mirrors that outcome
		// for stores that returned a stale copy.
		o.clearQuiet(ctx, userID, key)
		return nil, nil
	}

	fresh, err, _ := o.refreshes.Do(userID+"/"+key, func() (any, error) {
		return o.refresh(ctx, userID, platform, cred)
	})
	if err != nil {
		return nil, err
	}
	if fresh == nil {
		return nil, nil
	}
	return fresh.(*domain.Credential), nil
}

// refresh performs one refresh round trip. REAUTH_REQUIRED disables the
// credential; transient failures leave it in place so the next read can
// retry.
func (o *Orchestrator) refresh(ctx context.Context, userID string, platform domain.Platform, stale *domain.Credential) (*domain.Credential, error) {
	ad, err := o.registry.Get(platform)
	if err != nil {
		return nil, err
	}

	fresh, err := ad.Refresh(ctx, stale.RefreshToken)
	if err != nil {
		if domain.IsKind(err, domain.KindReauthRequired) {
			o.logger.Info("credential requires reconnect",
				zap.String("user_id", userID),
				zap.String("platform", platform.String()))
			o.clearQuiet(ctx, userID, platform.StorageKey())
			return nil, nil
		}
		return nil, err
	}

	// Refresh responses rarely repeat the profile; keep the one we had.
	if fresh.Identity.AccountID == "" && fresh.Identity.FID == 0 {
		fresh.Identity = stale.Identity
	}
	if len(fresh.Pages) == 0 {
		fresh.Pages = stale.Pages
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = stale.RefreshToken
	}
	fresh.ConnectedAt = stale.ConnectedAt

	if err := o.creds.Put(ctx, userID, platform.StorageKey(), *fresh); err != nil {
		return nil, domain.WrapAuthError(domain.KindNetwork, "could not store the refreshed credential", err)
	}
	return fresh, nil
}

// Disconnect removes the stored credential. Remote revocation is attempted
// first but never blocks local deletion: disconnect always succeeds locally.
// Idempotent; disconnecting an absent platform is a no-op.
func (o *Orchestrator) Disconnect(ctx context.Context, userID string, platform domain.Platform) error {
	key := platform.StorageKey()
	cred, err := o.creds.Get(ctx, userID, key)
	if err != nil {
		o.logger.Warn("credential load failed during disconnect, clearing anyway",
			zap.String("platform", platform.String()), zap.Error(err))
	}
	if cred != nil {
		if ad, aerr := o.registry.Get(platform); aerr == nil {
			if rerr := ad.Revoke(ctx, cred); rerr != nil {
				o.logger.Warn("remote revoke failed",
					zap.String("platform", platform.String()), zap.Error(rerr))
			}
		}
	}

	o.sessions.Cancel(sessionKey(userID, platform))
	o.deleteAttempt(ctx, userID, platform)
	o.clearQuiet(ctx, userID, key)

	if platform == domain.PlatformFarcaster {
		// Farcaster holds two records; disconnect drops both.
		if signerCred, _ := o.creds.Get(ctx, userID, domain.FarcasterSignerKey); signerCred != nil {
			if rerr := o.signer.Revoke(ctx, signerCred.AccessToken); rerr != nil {
				o.logger.Warn("signer revoke failed", zap.Error(rerr))
			}
		}
		o.clearQuiet(ctx, userID, domain.FarcasterSignerKey)
	}

	o.logger.Info("platform disconnected",
		zap.String("user_id", userID),
		zap.String("platform", platform.String()))
	return nil
}

// ConnectionStatus is what the dashboard renders per platform.
type ConnectionStatus struct {
	Platform  domain.Platform  `json:"platform"`
	Connected bool             `json:"connected"`
	Identity  *domain.Identity `json:"identity,omitempty"`
	// HasSigner reports the managed-signer record; farcaster only.
	HasSigner bool `json:"has_signer,omitempty"`
}

// Status reports whether a platform is connected. Farcaster counts as
// connected when either the delegated OAuth credential or the managed
// signer record is live.
func (o *Orchestrator) Status(ctx context.Context, userID string, platform domain.Platform) (*ConnectionStatus, error) {
	cred, err := o.creds.Get(ctx, userID, platform.StorageKey())
	if err != nil {
		return nil, domain.WrapAuthError(domain.KindNetwork, "could not load the credential", err)
	}

	status := &ConnectionStatus{Platform: platform, Connected: cred != nil}
	if cred != nil {
		identity := cred.Identity
		status.Identity = &identity
	}

	if platform == domain.PlatformFarcaster {
		signerCred, err := o.creds.Get(ctx, userID, domain.FarcasterSignerKey)
		if err != nil {
			return nil, domain.WrapAuthError(domain.KindNetwork, "could not load the signer record", err)
		}
		if signerCred != nil {
			status.HasSigner = true
			status.Connected = true
			if status.Identity == nil {
				identity := signerCred.Identity
				status.Identity = &identity
			}
		}
	}
	return status, nil
}

// StartSignerSession provisions a managed Farcaster signer and begins
// polling for its approval. The resolved credential lands under the signer
// storage key without any further user action.
func (o *Orchestrator) StartSignerSession(ctx context.Context, userID string) (*domain.AuthRequest, error) {
	att := o.newAttempt(userID, domain.PlatformFarcaster)

	req, err := o.signer.CreateSigner(ctx, att)
	if err != nil {
		return nil, err
	}
	if err := o.attempts.Save(ctx, *att); err != nil {
		return nil, domain.WrapAuthError(domain.KindNetwork, "could not persist connection attempt", err)
	}

	o.startSession(userID, domain.PlatformFarcaster, domain.FarcasterSignerKey,
		o.signer.PollFunc(att.SignerUUID))
	return req, nil
}

// StartQRSession starts the TikTok QR login variant and polls for the scan
// to be confirmed.
func (o *Orchestrator) StartQRSession(ctx context.Context, userID string) (*domain.AuthRequest, error) {
	att := o.newAttempt(userID, domain.PlatformTikTok)

	req, pollFn, err := o.tiktok.BuildQRRequest(ctx, att)
	if err != nil {
		return nil, err
	}
	if err := o.attempts.Save(ctx, *att); err != nil {
		return nil, domain.WrapAuthError(domain.KindNetwork, "could not persist connection attempt", err)
	}

	o.startSession(userID, domain.PlatformTikTok, domain.PlatformTikTok.StorageKey(), pollFn)
	return req, nil
}

// SignerStatus performs a one-shot vendor check of the pending signer and
// returns its current state with a fresh approval deeplink. (nil, nil) when
// no signer attempt is live.
func (o *Orchestrator) SignerStatus(ctx context.Context, userID string) (*domain.SignerInfo, error) {
	att, err := o.attempts.Get(ctx, userID, domain.PlatformFarcaster)
	if err != nil {
		return nil, domain.WrapAuthError(domain.KindNetwork, "could not load connection attempt", err)
	}
	if att == nil || att.SignerUUID == "" {
		return nil, nil
	}
	return o.signer.Status(ctx, att.SignerUUID)
}

// SessionSnapshot returns the live (or most recent) polling session state
// for a platform, or ("", 0, zero) when none exists.
func (o *Orchestrator) SessionSnapshot(userID string, platform domain.Platform) (poll.State, int, poll.Result) {
	s := o.sessions.Get(sessionKey(userID, platform))
	if s == nil {
		return "", 0, poll.Result{}
	}
	return s.Snapshot()
}

// CancelSession deterministically stops the polling session for a platform.
func (o *Orchestrator) CancelSession(ctx context.Context, userID string, platform domain.Platform) {
	o.sessions.Cancel(sessionKey(userID, platform))
	o.deleteAttempt(ctx, userID, platform)
}

// Shutdown cancels live sessions and waits for credential mirrors.
func (o *Orchestrator) Shutdown() {
	o.sessions.Shutdown()
	o.creds.Flush()
}

func (o *Orchestrator) startSession(userID string, platform domain.Platform, storageKey string, fn poll.Func) {
	session := poll.NewSession(poll.Config{
		Interval:       o.cfg.PollInterval,
		MaxAttempts:    o.cfg.PollMaxAttempts,
		ErrorThreshold: o.cfg.PollErrorThreshold,
	}, fn, o.logger)

	session.OnResolve = func(res poll.Result) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		o.deleteAttempt(ctx, userID, platform)
		if res.State != poll.StateApproved || res.Credential == nil {
			o.logger.Info("polling session ended without approval",
				zap.String("user_id", userID),
				zap.String("platform", platform.String()),
				zap.String("state", string(res.State)))
			return
		}
		if err := o.creds.Put(ctx, userID, storageKey, *res.Credential); err != nil {
			o.logger.Error("could not store approved credential",
				zap.String("user_id", userID),
				zap.String("key", storageKey),
				zap.Error(err))
			return
		}
		o.logger.Info("polling session approved",
			zap.String("user_id", userID),
			zap.String("platform", platform.String()))
	}

	o.sessions.Start(context.Background(), sessionKey(userID, platform), session)
}

func (o *Orchestrator) newAttempt(userID string, platform domain.Platform) *domain.AuthAttempt {
	return &domain.AuthAttempt{
		ID:        o.node.Generate().String(),
		UserID:    userID,
		Platform:  platform,
		StartedAt: o.now(),
	}
}

func (o *Orchestrator) deleteAttempt(ctx context.Context, userID string, platform domain.Platform) {
	if err := o.attempts.Delete(ctx, userID, platform); err != nil {
		o.logger.Warn("attempt cleanup failed",
			zap.String("user_id", userID),
			zap.String("platform", platform.String()),
			zap.Error(err))
	}
}

func (o *Orchestrator) clearQuiet(ctx context.Context, userID, key string) {
	if err := o.creds.Clear(ctx, userID, key); err != nil {
		o.logger.Warn("credential clear failed",
			zap.String("user_id", userID),
			zap.String("key", key),
			zap.Error(err))
	}
}

func sessionKey(userID string, platform domain.Platform) string {
	return userID + "/" + platform.String()
}
