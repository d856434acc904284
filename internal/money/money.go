// Package money provides fixed-point currency helpers and the seller-tier
// commission table.
//
// All amounts are shopspring decimals rounded to two places (cents).
// Payment processors take integer minor units; use ToMinorUnits at that
// boundary and nowhere else.
package money

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits kept for currency amounts.
const Places = 2

var (
	ErrInvalidAmount = errors.New("money: invalid amount")
	ErrInvalidRate   = errors.New("money: commission rate must be in [0, 1)")
	ErrUnknownTier   = errors.New("money: unknown seller tier")
)

// Tier is a seller's account tier. It determines the commission rate.
type Tier string

const (
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// ValidTier reports whether t is one of the known tiers.
func ValidTier(t Tier) bool {
	switch t {
	case TierBasic, TierPro, TierPremium, TierEnterprise:
		return true
	}
	return false
}

// DefaultRates is the commission catalogue used when none is configured.
func DefaultRates() map[Tier]decimal.Decimal {
	return map[Tier]decimal.Decimal{
		TierBasic:      decimal.RequireFromString("0.05"),
		TierPro:        decimal.RequireFromString("0.04"),
		TierPremium:    decimal.RequireFromString("0.03"),
		TierEnterprise: decimal.RequireFromString("0.02"),
	}
}

// CommissionTable maps tiers to commission rates.
type CommissionTable struct {
	rates map[Tier]decimal.Decimal
}

// NewCommissionTable validates rates and builds a table. Tiers missing from
// rates fall back to the default catalogue.
func NewCommissionTable(rates map[Tier]decimal.Decimal) (*CommissionTable, error) {
	merged := DefaultRates()
	for tier, rate := range rates {
		if !ValidTier(tier) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
		}
		if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("%w: %s=%s", ErrInvalidRate, tier, rate)
		}
		merged[tier] = rate
	}
	return &CommissionTable{rates: merged}, nil
}

// Rate returns the commission rate for tier. Unknown tiers pay the basic rate.
func (t *CommissionTable) Rate(tier Tier) decimal.Decimal {
	if r, ok := t.rates[tier]; ok {
		return r
	}
	return t.rates[TierBasic]
}

// Commission computes the platform fee on total for a seller of the given tier.
func (t *CommissionTable) Commission(total decimal.Decimal, tier Tier) decimal.Decimal {
	return Round(total.Mul(t.Rate(tier)))
}

// String renders the table in the same form ParseRates accepts.
func (t *CommissionTable) String() string {
	parts := make([]string, 0, len(t.rates))
	for tier, rate := range t.rates {
		parts = append(parts, string(tier)+"="+rate.String())
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// ParseRates parses "basic=0.05,pro=0.04" into a rate map.
func ParseRates(s string) (map[Tier]decimal.Decimal, error) {
	rates := make(map[Tier]decimal.Decimal)
	if strings.TrimSpace(s) == "" {
		return rates, nil
	}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("money: malformed rate %q", pair)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("money: rate for %s: %w", k, err)
		}
		rates[Tier(strings.ToLower(strings.TrimSpace(k)))] = rate
	}
	return rates, nil
}

// Parse converts a decimal string (e.g. "12.50") to an amount.
// Negative amounts and more than two fractional digits are rejected.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	if !d.Equal(Round(d)) {
		return decimal.Zero, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, Places)
	}
	return d, nil
}

// Round rounds d half away from zero to cents.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Format renders d with exactly two decimal places.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// ToMinorUnits converts an amount to integer cents for the payment processor.
func ToMinorUnits(d decimal.Decimal) int64 {
	return d.Shift(Places).Round(0).IntPart()
}

// FromMinorUnits converts integer cents back to an amount.
func FromMinorUnits(n int64) decimal.Decimal {
	return decimal.New(n, -Places)
}
