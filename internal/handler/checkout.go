package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/homechef-settlement/internal/domain/breakdown"
	"github.com/xenking/homechef-settlement/internal/domain/money"
)

// cartRequest is the checkout payload shared by breakdown previews and order
// placement.
type cartRequest struct {
	CustomerID string
	Address    string
	PromoCode  string
	Cart       breakdown.Cart
}

// field decodes one cart field. It returns false for keys it does not know.
func (c *cartRequest) field(d *jx.Decoder, key string) (bool, error) {
	var err error
	switch key {
	case "customer_id":
		c.CustomerID, err = d.Str()
	case "address":
		c.Address, err = d.Str()
	case "promo_code":
		c.PromoCode, err = d.Str()
	case "chef_id":
		c.Cart.ChefID, err = d.Str()
	case "minimum_order":
		c.Cart.MinimumOrder, err = decodeMoney(d)
	case "distance_meters":
		c.Cart.DistanceMeters, err = d.Int64()
	case "tip":
		c.Cart.Tip, err = decodeMoney(d)
	case "lines":
		err = d.Arr(func(d *jx.Decoder) error {
			line, err := decodeLine(d)
			c.Cart.Lines = append(c.Cart.Lines, line)
			return err
		})
	default:
		return false, nil
	}
	return true, err
}

func (c *cartRequest) decode(r *http.Request) error {
	return decodeObject(r, func(d *jx.Decoder, key string) error {
		ok, err := c.field(d, key)
		if !ok {
			return d.Skip()
		}
		return err
	})
}

func decodeLine(d *jx.Decoder) (breakdown.Line, error) {
	var l breakdown.Line
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "dish_id":
			l.DishID, err = d.Str()
		case "unit_price":
			l.UnitPrice, err = decodeMoney(d)
		case "quantity":
			l.Quantity, err = d.Int()
		case "note":
			l.Note, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	return l, err
}

func decodeMoney(d *jx.Decoder) (money.Money, error) {
	v, err := d.Int64()
	return money.Money(v), err
}

// ComputeBreakdown previews the financial split of a cart.
func (h *Handler) ComputeBreakdown(w http.ResponseWriter, r *http.Request) {
	var req cartRequest
	if err := req.decode(r); err != nil {
		writeError(w, r, err)
		return
	}
	b := h.calc.Compute(req.Cart, req.PromoCode)
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeBreakdown(e, b) })
}

// Commission reports the rates every breakdown is computed with.
func (h *Handler) Commission(w http.ResponseWriter, _ *http.Request) {
	fees := h.calc.Fees()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("commission_rate", func(e *jx.Encoder) { e.Str(breakdown.CommissionRate.String()) })
			e.Field("courier_share_rate", func(e *jx.Encoder) { e.Str(breakdown.CourierShareRate.String()) })
			e.Field("tax_rate", func(e *jx.Encoder) { e.Str(fees.TaxRate.String()) })
			e.Field("base_delivery_fee", func(e *jx.Encoder) { e.Int64(int64(fees.BaseDeliveryFee)) })
			e.Field("service_fee", func(e *jx.Encoder) { e.Int64(int64(fees.ServiceFee)) })
		})
	})
}

func encodeBreakdown(e *jx.Encoder, b breakdown.Breakdown) {
	amount := func(name string, m money.Money) {
		e.Field(name, func(e *jx.Encoder) { e.Int64(int64(m)) })
	}
	e.Obj(func(e *jx.Encoder) {
		amount("subtotal", b.Subtotal)
		amount("delivery_fee", b.DeliveryFee)
		amount("taxes_and_fees", b.TaxesAndFees)
		e.Field("promo_code", func(e *jx.Encoder) { e.Str(b.PromoCode) })
		e.Field("promo_applied", func(e *jx.Encoder) { e.Bool(b.PromoApplied) })
		amount("promo_discount", b.PromoDiscount)
		amount("platform_commission", b.PlatformCommission)
		amount("chef_net_earnings", b.ChefNetEarnings)
		amount("courier_earnings", b.CourierEarnings)
		amount("tip", b.Tip)
		amount("total", b.Total)
		amount("charged", b.Charged())
		e.Field("meets_minimum", func(e *jx.Encoder) { e.Bool(b.MeetsMinimum) })
	})
}
