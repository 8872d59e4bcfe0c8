package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanUnlimitedCredits(t *testing.T) {
	assert.True(t, (&Plan{CreditsPerMonth: UnlimitedValue}).HasUnlimitedCredits())
	assert.False(t, (&Plan{CreditsPerMonth: 500}).HasUnlimitedCredits())
	assert.False(t, (&Plan{CreditsPerMonth: 0}).HasUnlimitedCredits())
}

func TestPlanHasFeature(t *testing.T) {
	plan := &Plan{Features: FeatureFlags{"ai_suggestions": true, "priority_support": false}}

	assert.True(t, plan.HasFeature("ai_suggestions"))
	assert.False(t, plan.HasFeature("priority_support"))
	assert.False(t, plan.HasFeature("unknown"))
	assert.False(t, (&Plan{}).HasFeature("ai_suggestions"))
}

func TestFeatureFlagsRoundTrip(t *testing.T) {
	flags := FeatureFlags{"ai_suggestions": true}
	value, err := flags.Value()
	require.NoError(t, err)

	var scanned FeatureFlags
	require.NoError(t, scanned.Scan(value))
	assert.Equal(t, flags, scanned)

	var empty FeatureFlags
	require.NoError(t, empty.Scan(nil))
	assert.Empty(t, empty)
}
