package promo

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/homechef-settlement/internal/domain/money"
)

// DiscountType enumerates the supported promo discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the subtotal, optionally capped.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a flat amount off, clamped to the subtotal.
	DiscountFixed DiscountType = "fixed"
)

// ErrInvalidRule is returned when a rule cannot be evaluated.
var ErrInvalidRule = errors.New("invalid promo rule")

// Rule defines a promo code's discount behaviour and eligibility constraints.
type Rule struct {
	Code         string
	DiscountType DiscountType
	// Percent is used by DiscountPercentage, e.g. 20 for 20%.
	Percent decimal.Decimal
	// Amount is used by DiscountFixed.
	Amount money.Money
	// MaxDiscount caps percentage discounts. Zero means no cap.
	MaxDiscount money.Money
	// MinSubtotal makes the code inapplicable to smaller carts.
	MinSubtotal money.Money
	Description string
}

// Validate reports whether the rule can be placed in a table.
func (r Rule) Validate() error {
	if NormalizeCode(r.Code) == "" {
		return errors.Wrap(ErrInvalidRule, "empty code")
	}
	switch r.DiscountType {
	case DiscountPercentage:
		if r.Percent.IsNegative() || r.Percent.GreaterThan(decimal.NewFromInt(100)) {
			return errors.Wrapf(ErrInvalidRule, "%s: percent %s out of range", r.Code, r.Percent)
		}
	case DiscountFixed:
		if r.Amount < 0 {
			return errors.Wrapf(ErrInvalidRule, "%s: negative amount", r.Code)
		}
	default:
		return errors.Wrapf(ErrInvalidRule, "%s: unsupported discount type %q", r.Code, r.DiscountType)
	}
	if r.MaxDiscount < 0 || r.MinSubtotal < 0 {
		return errors.Wrapf(ErrInvalidRule, "%s: negative limit", r.Code)
	}
	return nil
}

// NormalizeCode trims and upper-cases a code so lookups are case-insensitive.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Repository loads the active rule table.
type Repository interface {
	ListActive(ctx context.Context) ([]Rule, error)
}
