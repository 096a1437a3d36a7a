package ratelimit

import (
	"strings"
	"time"
)

// Tier names a caller class with its own admission policy.
type Tier string

const (
	TierDefault Tier = "default"
	TierAI      Tier = "ai"
)

// DefaultTiers are the policies applied when configuration does not override them.
var DefaultTiers = Tiers{
	TierDefault: {Limit: 60, Window: time.Minute},
	TierAI:      {Limit: 10, Window: time.Minute},
}

type Tiers map[Tier]Policy

// Policy returns the policy for tier, falling back to the default tier and then
// to DefaultTiers.
func (t Tiers) Policy(tier Tier) Policy {
	if p, ok := t[tier]; ok {
		return p
	}
	if p, ok := t[TierDefault]; ok {
		return p
	}
	return DefaultTiers[TierDefault]
}

func (t Tiers) Validate() error {
	for _, p := range t {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ParseTier normalizes a configured tier name; empty means TierDefault.
func ParseTier(s string) Tier {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TierDefault
	}
	return Tier(s)
}

// BucketKey tags a caller identity with its tier, e.g. "ai:203.0.113.7".
func BucketKey(tier Tier, id string) string {
	return string(tier) + ":" + id
}
