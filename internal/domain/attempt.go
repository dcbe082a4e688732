package domain

import "time"

// AttemptTTL is the hard lifetime of an in-flight connection attempt. It is
// enforced lazily at callback time, not by a timer.
const AttemptTTL = 5 * time.Minute

// AuthAttempt is the transient record of one in-flight connection flow.
// Exactly one attempt may be live per (user, platform); a newer attempt
// silently supersedes the older one, whose callback must then be rejected.
type AuthAttempt struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Platform  Platform  `json:"platform"`
	StartedAt time.Time `json:"started_at"`

	// Correlation data, adapter-specific.
	State           string `json:"state,omitempty"`
	CodeVerifier    string `json:"code_verifier,omitempty"`
	SignerUUID      string `json:"signer_uuid,omitempty"`
	SignerPublicKey string `json:"signer_public_key,omitempty"`
	WalletAddress   string `json:"wallet_address,omitempty"`
	ChallengeID     string `json:"challenge_id,omitempty"`
}

// Expired reports whether the attempt has outlived AttemptTTL.
func (a *AuthAttempt) Expired(now time.Time) bool {
	return a == nil || now.Sub(a.StartedAt) > AttemptTTL
}

// AuthRequestMode distinguishes how the UI must drive the flow.
type AuthRequestMode string

const (
	// ModeRedirect sends the browser (usually a popup) to an authorization URL.
	ModeRedirect AuthRequestMode = "redirect"
	// ModeSigner presents a scannable approval link and polls for approval.
	ModeSigner AuthRequestMode = "signer"
	// ModeChallenge asks the user's wallet to sign a challenge text.
	ModeChallenge AuthRequestMode = "challenge"
)

// SignerInfo is the vendor-managed signer triple returned for Farcaster.
type SignerInfo struct {
	SignerUUID  string `json:"signer_uuid"`
	PublicKey   string `json:"public_key"`
	ApprovalURL string `json:"approval_url"`
	Status      string `json:"status,omitempty"`
}

// WalletChallenge is the text a wallet must sign for challenge-based flows.
type WalletChallenge struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// AuthRequest is the platform-specific entry point produced by an adapter's
// BuildAuthRequest. Exactly one of URL, Signer, or Challenge is populated,
// according to Mode.
type AuthRequest struct {
	Mode      AuthRequestMode  `json:"mode"`
	URL       string           `json:"url,omitempty"`
	Signer    *SignerInfo      `json:"signer,omitempty"`
	Challenge *WalletChallenge `json:"challenge,omitempty"`
}

// SDKAuthResponse mirrors the authResponse object of a platform JS SDK
// login status (Facebook checkLoginStatus).
type SDKAuthResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
	UserID      string `json:"userID,omitempty"`
}

// SDKLoginStatus is a client-side SDK login result submitted by the UI.
type SDKLoginStatus struct {
	Status       string           `json:"status"`
	AuthResponse *SDKAuthResponse `json:"authResponse,omitempty"`
}

// CallbackPayload carries whatever a platform handed back at the end of a
// flow: an authorization code, an SDK login status, or a signed challenge.
type CallbackPayload struct {
	Code             string          `json:"code,omitempty"`
	State            string          `json:"state,omitempty"`
	Error            string          `json:"error,omitempty"`
	ErrorDescription string          `json:"error_description,omitempty"`
	SDKStatus        *SDKLoginStatus `json:"sdk_status,omitempty"`
	ChallengeID      string          `json:"challenge_id,omitempty"`
	Signature        string          `json:"signature,omitempty"`
	Address          string          `json:"address,omitempty"`
}
