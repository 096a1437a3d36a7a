package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTiersPolicyFallsBackToDefault(t *testing.T) {
	tiers := Tiers{
		TierDefault: {Limit: 5, Window: time.Second},
		TierAI:      {Limit: 1, Window: time.Second},
	}

	require.Equal(t, 1, tiers.Policy(TierAI).Limit)
	require.Equal(t, 5, tiers.Policy(Tier("unknown")).Limit)

	var empty Tiers
	require.Equal(t, DefaultTiers[TierDefault], empty.Policy(TierAI))
}

func TestDefaultTiers(t *testing.T) {
	require.Equal(t, Policy{Limit: 60, Window: 60 * time.Second}, DefaultTiers[TierDefault])
	require.Equal(t, Policy{Limit: 10, Window: 60 * time.Second}, DefaultTiers[TierAI])
	require.NoError(t, DefaultTiers.Validate())
}

func TestPolicyValidate(t *testing.T) {
	require.ErrorIs(t, Policy{Limit: -1, Window: time.Second}.Validate(), ErrInvalidInput)
	require.ErrorIs(t, Policy{Limit: 1, Window: -time.Second}.Validate(), ErrInvalidInput)
	require.NoError(t, Policy{Limit: 1, Window: time.Millisecond}.Validate())
}

func TestBucketKeyAndParseTier(t *testing.T) {
	require.Equal(t, "ai:203.0.113.7", BucketKey(TierAI, "203.0.113.7"))
	require.Equal(t, TierDefault, ParseTier(""))
	require.Equal(t, TierAI, ParseTier(" AI "))
}

func TestDecisionErr(t *testing.T) {
	require.NoError(t, Decision{Allowed: true}.Err("k"))

	err := Decision{Allowed: false, RetryAfter: time.Minute}.Err("k")
	var ex *ExceededError
	require.ErrorAs(t, err, &ex)
	require.Equal(t, time.Minute, ex.RetryAfter)
	require.Equal(t, "k", ex.Key)
}
