package domain

import "strings"

// Platform identifies a social network a user can connect.
type Platform string

const (
	PlatformTwitter       Platform = "twitter"
	PlatformFacebook      Platform = "facebook"
	PlatformTikTok        Platform = "tiktok"
	PlatformFarcaster     Platform = "farcaster"
	PlatformLens          Platform = "lens"
	PlatformInstagram     Platform = "instagram"
	PlatformYouTubeShorts Platform = "youtubeShorts"
)

// FarcasterSignerKey is the storage key for the managed-signer record.
// Farcaster has two independent connection mechanisms (delegated OAuth and
// managed signer); they persist under separate keys for the same platform.
const FarcasterSignerKey = "farcaster_signer"

var platforms = map[Platform]struct{}{
	PlatformTwitter:       {},
	PlatformFacebook:      {},
	PlatformTikTok:        {},
	PlatformFarcaster:     {},
	PlatformLens:          {},
	PlatformInstagram:     {},
	PlatformYouTubeShorts: {},
}

// ParsePlatform maps a route/query value to a known platform.
func ParsePlatform(raw string) (Platform, bool) {
	p := Platform(strings.TrimSpace(raw))
	if _, ok := platforms[p]; ok {
		return p, true
	}
	// youtube_shorts and youtubeshorts show up in older clients.
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "youtube_shorts", "youtubeshorts":
		return PlatformYouTubeShorts, true
	}
	return "", false
}

func (p Platform) String() string {
	return string(p)
}

// StorageKey returns the credential-store key for the platform's primary
// (OAuth-style) credential.
func (p Platform) StorageKey() string {
	return string(p)
}
