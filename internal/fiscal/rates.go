package fiscal

import (
	"strings"

	"github.com/shopspring/decimal"
	"taxdocs/pkg/models"
)

// RateTable holds the three non-zero VAT rates for one fiscal region.
// These are legally fixed constants, not configuration the pipeline may guess.
type RateTable struct {
	Reduced      decimal.Decimal
	Intermediate decimal.Decimal
	Standard     decimal.Decimal
}

var rateTables = map[models.FiscalRegion]RateTable{
	models.RegionMainland: {
		Reduced:      decimal.NewFromFloat(0.06),
		Intermediate: decimal.NewFromFloat(0.13),
		Standard:     decimal.NewFromFloat(0.23),
	},
	models.RegionAzores: {
		Reduced:      decimal.NewFromFloat(0.04),
		Intermediate: decimal.NewFromFloat(0.09),
		Standard:     decimal.NewFromFloat(0.16),
	},
	models.RegionMadeira: {
		Reduced:      decimal.NewFromFloat(0.05),
		Intermediate: decimal.NewFromFloat(0.12),
		Standard:     decimal.NewFromFloat(0.22),
	},
}

// Rates returns the rate table for a region, falling back to the mainland
// table for unknown regions.
func Rates(region models.FiscalRegion) RateTable {
	if t, ok := rateTables[region]; ok {
		return t
	}
	return rateTables[models.RegionMainland]
}

// ParseRegion maps free-text region hints from extraction output onto the
// fiscal region enum. Unrecognized input defaults to the mainland.
func ParseRegion(raw string) models.FiscalRegion {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(s, "açores"), strings.Contains(s, "acores"),
		strings.Contains(s, "azores"), s == "pt-ac":
		return models.RegionAzores
	case strings.Contains(s, "madeira"), s == "pt-ma":
		return models.RegionMadeira
	default:
		return models.RegionMainland
	}
}
