// Package tiers maps billing provider prices to product tiers and holds the
// monthly usage allowance of each tier.
package tiers

import (
	"errors"
	"fmt"

	"tierwise.app/cloud/models"
)

var ErrUnknownPrice = errors.New("unknown price identifier")

// DefaultPrices is the built-in price table. Superseded prices stay listed so
// that historical subscriptions keep resolving to the right tier.
var DefaultPrices = map[string]models.Tier{
	"price_lite_monthly_2025": models.TierLite,
	"price_lite_yearly_2025":  models.TierLite,
	"price_full_monthly_2025": models.TierFull,
	"price_full_yearly_2025":  models.TierFull,

	// legacy
	"price_1OqLite2024":   models.TierLite,
	"price_1OqFull2024":   models.TierFull,
	"price_1NbStarter23":  models.TierLite,
	"price_1NbPro2023":    models.TierFull,
	"price_1NbProYear23":  models.TierFull,
	"price_1MxBasic2022":  models.TierLite,
	"price_1MxUnlimit22":  models.TierFull,
	"price_1MxBasicYr22":  models.TierLite,
	"price_1MxUnlimYr22":  models.TierFull,
	"price_1LaEarlyBird1": models.TierFull,
}

var monthlyLimits = map[models.Tier]int64{
	models.TierFree: 10_000,
	models.TierLite: 100_000,
	models.TierFull: 1_000_000,
}

// MonthlyLimit returns the per-period allowance of a tier. Unknown tiers get
// the free allowance.
func MonthlyLimit(tier models.Tier) int64 {
	if limit, ok := monthlyLimits[tier]; ok {
		return limit
	}
	return monthlyLimits[models.TierFree]
}

type Mapper struct {
	prices map[string]models.Tier
}

// NewMapper builds a mapper from DefaultPrices plus extra "price -> tier"
// entries. Extra entries override built-in ones.
func NewMapper(extra map[string]string) (*Mapper, error) {
	prices := make(map[string]models.Tier, len(DefaultPrices)+len(extra))
	for id, tier := range DefaultPrices {
		prices[id] = tier
	}
	for id, raw := range extra {
		tier, err := models.ParseTier(raw)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", id, err)
		}
		prices[id] = tier
	}
	return &Mapper{prices: prices}, nil
}

// MapPriceToTier never falls back to a default tier: anything outside the
// table is ErrUnknownPrice.
func (m *Mapper) MapPriceToTier(priceID string) (models.Tier, error) {
	tier, ok := m.prices[priceID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPrice, priceID)
	}
	return tier, nil
}
