// Package breakdown computes the financial split of a cart: what the customer
// pays, what the platform keeps and what the chef and courier earn.
package breakdown

import (
	"github.com/go-faster/errors"

	"github.com/xenking/homechef-settlement/internal/domain/money"
)

// CommissionRate is the share of the subtotal retained by the platform.
// Reporting reads this value; nothing else may hard-code the rate.
var CommissionRate = money.MustRate("0.15")

// CourierShareRate is the share of the delivery fee paid to the courier.
var CourierShareRate = money.MustRate("0.80")

// MaxAmount bounds every component of a breakdown. Lines, sums and fees
// beyond it are clamped so that totals never overflow.
const MaxAmount money.Money = 1 << 50

// ErrInvariant reports a breakdown whose amounts do not reconcile.
var ErrInvariant = errors.New("breakdown invariant violated")

// Line is a single dish in a cart.
type Line struct {
	DishID    string
	UnitPrice money.Money
	Quantity  int
	Note      string
}

// Total returns UnitPrice × Quantity. Negative prices or quantities count as
// zero, and so does a line whose total would exceed MaxAmount.
func (l Line) Total() money.Money {
	if l.UnitPrice <= 0 || l.Quantity <= 0 {
		return money.Zero
	}
	if l.UnitPrice > MaxAmount/money.Money(l.Quantity) {
		return money.Zero
	}
	return l.UnitPrice * money.Money(l.Quantity)
}

// Cart is the checkout snapshot a breakdown is computed from.
type Cart struct {
	ChefID         string
	MinimumOrder   money.Money
	Lines          []Line
	DistanceMeters int64
	Tip            money.Money
}

// Subtotal sums the line totals, saturating at MaxAmount.
func (c Cart) Subtotal() money.Money {
	var sum money.Money
	for _, l := range c.Lines {
		sum = min(sum+l.Total(), MaxAmount)
	}
	return sum
}

// Breakdown is the immutable result of pricing a cart.
type Breakdown struct {
	Subtotal           money.Money
	DeliveryFee        money.Money
	TaxesAndFees       money.Money
	PromoCode          string
	PromoApplied       bool
	PromoDiscount      money.Money
	PlatformCommission money.Money
	ChefNetEarnings    money.Money
	CourierEarnings    money.Money
	Tip                money.Money
	Total              money.Money
	MeetsMinimum       bool
}

// Charged is what the customer pays including the tip.
func (b Breakdown) Charged() money.Money {
	return b.Total + b.Tip
}

// Validate checks that the amounts reconcile. A committed breakdown that fails
// this check was produced by broken code, not by bad input.
func (b Breakdown) Validate() error {
	switch {
	case b.Subtotal < 0 || b.DeliveryFee < 0 || b.TaxesAndFees < 0 || b.Tip < 0:
		return errors.Wrap(ErrInvariant, "negative component")
	case b.PlatformCommission < 0 || b.ChefNetEarnings < 0:
		return errors.Wrap(ErrInvariant, "negative split")
	case b.PlatformCommission+b.ChefNetEarnings != b.Subtotal:
		return errors.Wrapf(ErrInvariant, "commission %d + chef net %d != subtotal %d",
			b.PlatformCommission, b.ChefNetEarnings, b.Subtotal)
	case b.PromoDiscount < 0 || b.PromoDiscount > b.Subtotal:
		return errors.Wrapf(ErrInvariant, "discount %d outside [0, %d]", b.PromoDiscount, b.Subtotal)
	case b.Total != b.Subtotal+b.DeliveryFee+b.TaxesAndFees-b.PromoDiscount:
		return errors.Wrapf(ErrInvariant, "total %d does not reconcile", b.Total)
	case b.Total < 0:
		return errors.Wrap(ErrInvariant, "negative total")
	case b.CourierEarnings < 0 || b.CourierEarnings > b.DeliveryFee:
		return errors.Wrapf(ErrInvariant, "courier earnings %d outside [0, %d]", b.CourierEarnings, b.DeliveryFee)
	}
	return nil
}
