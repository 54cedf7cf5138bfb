package tiers

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tierwise.app/cloud/models"
)

func TestMapPriceToTier_KnownPrices(t *testing.T) {
	m, err := NewMapper(nil)
	require.NoError(t, err)

	for priceID, want := range DefaultPrices {
		got, err := m.MapPriceToTier(priceID)
		require.NoError(t, err, priceID)
		assert.Equal(t, want, got, priceID)
		assert.True(t, got.Valid())
	}
}

func TestMapPriceToTier_LegacyPrices(t *testing.T) {
	m, err := NewMapper(nil)
	require.NoError(t, err)

	tier, err := m.MapPriceToTier("price_1NbPro2023")
	require.NoError(t, err)
	assert.Equal(t, models.TierFull, tier)

	tier, err = m.MapPriceToTier("price_1MxBasic2022")
	require.NoError(t, err)
	assert.Equal(t, models.TierLite, tier)
}

func TestMapPriceToTier_UnknownNeverDefaults(t *testing.T) {
	m, err := NewMapper(nil)
	require.NoError(t, err)

	for _, priceID := range []string{"", "price_unknown", "PRICE_LITE_MONTHLY_2025", "free", "full"} {
		tier, err := m.MapPriceToTier(priceID)
		assert.True(t, errors.Is(err, ErrUnknownPrice), priceID)
		assert.Equal(t, models.Tier(""), tier, priceID)
	}
}

func TestNewMapper_ExtraEntries(t *testing.T) {
	m, err := NewMapper(map[string]string{
		"price_partner_full":      "full",
		"price_lite_monthly_2025": "FULL",
	})
	require.NoError(t, err)

	tier, err := m.MapPriceToTier("price_partner_full")
	require.NoError(t, err)
	assert.Equal(t, models.TierFull, tier)

	tier, err = m.MapPriceToTier("price_lite_monthly_2025")
	require.NoError(t, err)
	assert.Equal(t, models.TierFull, tier)
}

func TestNewMapper_RejectsInvalidTier(t *testing.T) {
	_, err := NewMapper(map[string]string{"price_x": "platinum"})
	assert.Error(t, err)
}

func TestMonthlyLimit(t *testing.T) {
	assert.Equal(t, int64(10_000), MonthlyLimit(models.TierFree))
	assert.Equal(t, int64(100_000), MonthlyLimit(models.TierLite))
	assert.Equal(t, int64(1_000_000), MonthlyLimit(models.TierFull))
	assert.Equal(t, int64(10_000), MonthlyLimit(models.Tier("bogus")))
}
