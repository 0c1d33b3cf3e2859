package breakdown

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/xenking/homechef-settlement/internal/domain/money"
	"github.com/xenking/homechef-settlement/internal/domain/promo"
)

// Tier is a delivery fee band. It applies to distances up to and including
// UpToMeters.
type Tier struct {
	UpToMeters int64
	Fee        money.Money
}

// FeeSchedule describes delivery and tax charges.
type FeeSchedule struct {
	// BaseDeliveryFee applies when no tier matches or no distance is known.
	BaseDeliveryFee money.Money
	Tiers           []Tier
	// PerKmBeyond is charged for every started kilometre past the last tier.
	PerKmBeyond money.Money
	// FreeDeliveryAbove waives the delivery fee for subtotals at or above it.
	// Zero disables the waiver.
	FreeDeliveryAbove money.Money
	TaxRate           decimal.Decimal
	ServiceFee        money.Money
}

// DefaultFeeSchedule is a flat ₹40 delivery fee and 2% taxes.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		BaseDeliveryFee: money.Rupees(40),
		TaxRate:         money.MustRate("0.02"),
	}
}

// DeliveryFee returns the fee for a cart with the given subtotal and distance.
func (s FeeSchedule) DeliveryFee(subtotal money.Money, distanceMeters int64) money.Money {
	if s.FreeDeliveryAbove > 0 && subtotal >= s.FreeDeliveryAbove {
		return money.Zero
	}
	if len(s.Tiers) == 0 || distanceMeters <= 0 {
		return bounded(s.BaseDeliveryFee)
	}
	for _, t := range s.Tiers {
		if distanceMeters <= t.UpToMeters {
			return bounded(t.Fee)
		}
	}
	last := bounded(s.Tiers[len(s.Tiers)-1].Fee)
	perKm := bounded(s.PerKmBeyond)
	beyond := distanceMeters - s.Tiers[len(s.Tiers)-1].UpToMeters
	km := money.Money(beyond/1000 + 1)
	if beyond%1000 == 0 {
		km--
	}
	if perKm > 0 && km > (MaxAmount-last)/perKm {
		return MaxAmount
	}
	return last + km*perKm
}

// Taxes returns taxes and fees charged on subtotal.
func (s FeeSchedule) Taxes(subtotal money.Money) money.Money {
	tax := bounded(money.ApplyRate(bounded(subtotal), s.TaxRate))
	return min(tax+bounded(s.ServiceFee), MaxAmount)
}

// bounded clamps m into [0, MaxAmount].
func bounded(m money.Money) money.Money {
	return m.Clamp(money.Zero, MaxAmount)
}

// Calculator prices carts. It holds no mutable state and is safe for
// concurrent use.
type Calculator struct {
	promos *promo.Engine
	fees   FeeSchedule
}

// NewCalculator creates a Calculator. A nil promo engine makes every code
// unknown.
func NewCalculator(promos *promo.Engine, fees FeeSchedule) *Calculator {
	tiers := append([]Tier(nil), fees.Tiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].UpToMeters < tiers[j].UpToMeters })
	fees.Tiers = tiers
	return &Calculator{promos: promos, fees: fees}
}

// Fees returns the schedule the calculator prices with.
func (c *Calculator) Fees() FeeSchedule {
	return c.fees
}

// Compute prices cart with an optional promo code. It is a pure function of
// its inputs: below-minimum carts, negative lines and unknown codes all
// produce a breakdown rather than an error.
func (c *Calculator) Compute(cart Cart, promoCode string) Breakdown {
	subtotal := cart.Subtotal()

	b := Breakdown{
		Subtotal:     subtotal,
		DeliveryFee:  c.fees.DeliveryFee(subtotal, cart.DistanceMeters),
		TaxesAndFees: c.fees.Taxes(subtotal),
		Tip:          bounded(cart.Tip),
		MeetsMinimum: subtotal >= cart.MinimumOrder,
	}

	res := c.promos.Apply(promoCode, subtotal)
	b.PromoCode = res.Code
	if res.Valid {
		b.PromoApplied = true
		b.PromoDiscount = res.Discount
	}

	// Every component is at most MaxAmount, so the sum below cannot wrap.
	// Rounding remainder stays with the chef.
	b.PlatformCommission = money.ApplyRate(subtotal, CommissionRate)
	b.ChefNetEarnings = subtotal - b.PlatformCommission
	b.CourierEarnings = money.ApplyRate(b.DeliveryFee, CourierShareRate)
	b.Total = subtotal + b.DeliveryFee + b.TaxesAndFees - b.PromoDiscount

	if err := b.Validate(); err != nil {
		panic(err)
	}
	return b
}
