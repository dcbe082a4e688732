package domain

import (
	"strings"
	"time"
)

// Identity is a public snapshot of the connected account, used for UI
// display only. Never consulted for authorization decisions.
type Identity struct {
	AccountID   string `json:"account_id,omitempty"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	FID         int64  `json:"fid,omitempty"`
}

// PageGrant records a Facebook page the user granted access to, with the
// tasks the platform reported for it (e.g. CREATE_CONTENT).
type PageGrant struct {
	PageID      string   `json:"page_id"`
	PageName    string   `json:"page_name,omitempty"`
	AccessToken string   `json:"access_token,omitempty"`
	Tasks       []string `json:"tasks,omitempty"`
}

// CanCreateContent reports whether the grant permits publishing.
func (g PageGrant) CanCreateContent() bool {
	for _, task := range g.Tasks {
		if strings.EqualFold(task, "CREATE_CONTENT") {
			return true
		}
	}
	return false
}

// Credential is the normalized per-platform authentication artifact. All
// adapters produce this shape regardless of the underlying protocol.
type Credential struct {
	Platform     Platform    `json:"platform"`
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty"`
	Identity     Identity    `json:"identity"`
	ScopeGrant   []string    `json:"scope_grant,omitempty"`
	Pages        []PageGrant `json:"pages,omitempty"`
	ConnectedAt  time.Time   `json:"connected_at"`
}

// Valid reports whether the credential is usable right now: an access token
// is present and the expiry, if any, has not passed.
func (c *Credential) Valid(now time.Time) bool {
	if c == nil || strings.TrimSpace(c.AccessToken) == "" {
		return false
	}
	return c.ExpiresAt == nil || c.ExpiresAt.After(now)
}

// Expired reports whether a set expiry has passed.
func (c *Credential) Expired(now time.Time) bool {
	return c != nil && c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// Refreshable reports whether an expired credential can be refreshed rather
// than forcing the user to reconnect.
func (c *Credential) Refreshable() bool {
	return c != nil && strings.TrimSpace(c.RefreshToken) != ""
}
