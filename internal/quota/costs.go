package quota

import (
	"math"
	"strings"
)

// DefaultMeter is the fallback rate for meters missing from the table.
const DefaultMeter = "default"

// Costs maps a meter or model identifier to cost units per input unit.
type Costs map[string]float64

var DefaultCosts = Costs{
	DefaultMeter:       1,
	"completion-fast":  1,
	"completion-large": 3,
	"embedding":        0.25,
	"image":            20,
}

// NewCosts returns DefaultCosts with overrides applied. Negative and
// non-finite rates are ignored.
func NewCosts(overrides map[string]float64) Costs {
	costs := make(Costs, len(DefaultCosts)+len(overrides))
	for meter, rate := range DefaultCosts {
		costs[meter] = rate
	}
	for meter, rate := range overrides {
		if !ValidRate(rate) {
			continue
		}
		costs[strings.TrimSpace(meter)] = rate
	}
	return costs
}

// ValidRate reports whether rate is a usable cost per unit.
func ValidRate(rate float64) bool {
	return rate >= 0 && !math.IsNaN(rate) && !math.IsInf(rate, 0)
}

func (c Costs) Rate(meter string) float64 {
	if rate, ok := c[meter]; ok {
		return rate
	}
	if rate, ok := c[DefaultMeter]; ok {
		return rate
	}
	return 1
}

// Estimate converts units on meter to cost units, rounding up. Any positive
// amount of work costs at least one unit. Costs too large for an int64
// saturate at math.MaxInt64, which no limit admits.
func (c Costs) Estimate(units int64, meter string) int64 {
	if units <= 0 {
		return 0
	}
	cost := math.Ceil(float64(units) * c.Rate(meter))
	if math.IsNaN(cost) || cost >= math.MaxInt64 {
		return math.MaxInt64
	}
	if cost < 1 {
		return 1
	}
	return int64(cost)
}
