// Package access holds the subscription tier policy.
package access

import (
	"strings"
	"time"
)

// Tier is a subscription level. Ordering is the access rule: a user may view
// content whose minimum tier is at or below their own.
type Tier int

const (
	TierFree Tier = iota
	TierBasic
	TierPremium
)

// ParseTier maps a tier name from auth claims; unknown names get free.
func ParseTier(s string) Tier {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "basic":
		return TierBasic
	case "premium":
		return TierPremium
	default:
		return TierFree
	}
}

func (t Tier) String() string {
	switch t {
	case TierBasic:
		return "basic"
	case TierPremium:
		return "premium"
	default:
		return "free"
	}
}

// CanAccess reports whether a user at userTier may view content gated at
// minTier.
func CanAccess(userTier Tier, minTier int) bool {
	return int(userTier) >= minTier
}

// PlaybackTTL returns the playback token lifetime for a tier. Short TTLs for
// low tiers are a cost-control courtesy, not a security boundary.
func PlaybackTTL(t Tier) time.Duration {
	switch t {
	case TierPremium:
		return 6 * time.Hour
	case TierBasic:
		return time.Hour
	default:
		return 10 * time.Minute
	}
}
