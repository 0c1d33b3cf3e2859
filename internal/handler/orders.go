package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/homechef-settlement/internal/domain/order"
)

// PlaceOrder prices the cart server-side and commits the breakdown as a new
// order. Carts below the chef's minimum are refused.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req cartRequest
	if err := req.decode(r); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Cart.Lines) == 0 {
		writeError(w, r, errors.Wrap(order.ErrInvalidRequest, "cart is empty"))
		return
	}

	b := h.calc.Compute(req.Cart, req.PromoCode)
	if !b.MeetsMinimum {
		writeError(w, r, errors.Wrapf(order.ErrInvalidRequest,
			"subtotal %s is below the minimum order %s", b.Subtotal, req.Cart.MinimumOrder))
		return
	}

	o, err := h.orders.Place(r.Context(), order.PlaceRequest{
		CustomerID: req.CustomerID,
		ChefID:     req.Cart.ChefID,
		Address:    req.Address,
		Breakdown:  b,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeOrder(w, http.StatusCreated, o)
}

// GetOrder returns an order with its live cancellation countdown.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeOrder(w, http.StatusOK, o)
}

// CancelOrder cancels within the grace period. Repeating a successful
// cancellation returns the original refund.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	res, err := h.orders.Cancel(r.Context(), chi.URLParam(r, "id"), h.now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	now := h.now()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("refund", func(e *jx.Encoder) { e.Int64(int64(res.Refund)) })
			e.Field("replayed", func(e *jx.Encoder) { e.Bool(res.Replayed) })
			e.Field("order", func(e *jx.Encoder) { encodeOrder(e, res.Order, now) })
		})
	})
}

// AdvanceOrder moves an order forward to the requested status.
func (h *Handler) AdvanceOrder(w http.ResponseWriter, r *http.Request) {
	var raw string
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		if key != "status" {
			return d.Skip()
		}
		var err error
		raw, err = d.Str()
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	next, err := order.ParseStatus(raw)
	if err != nil {
		writeError(w, r, err)
		return
	}

	o, err := h.orders.Advance(r.Context(), chi.URLParam(r, "id"), next)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeOrder(w, http.StatusOK, o)
}

// AssignCourier records the courier delivering an order.
func (h *Handler) AssignCourier(w http.ResponseWriter, r *http.Request) {
	var courierID string
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		if key != "courier_id" {
			return d.Skip()
		}
		var err error
		courierID, err = d.Str()
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}

	o, err := h.orders.AssignCourier(r.Context(), chi.URLParam(r, "id"), courierID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeOrder(w, http.StatusOK, o)
}

func (h *Handler) writeOrder(w http.ResponseWriter, status int, o *order.Order) {
	now := h.now()
	writeJSON(w, status, func(e *jx.Encoder) { encodeOrder(e, o, now) })
}

func encodeOrder(e *jx.Encoder, o *order.Order, now time.Time) {
	win := o.Window()
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("customer_id", func(e *jx.Encoder) { e.Str(o.CustomerID) })
		e.Field("chef_id", func(e *jx.Encoder) { e.Str(o.ChefID) })
		if o.CourierID != "" {
			e.Field("courier_id", func(e *jx.Encoder) { e.Str(o.CourierID) })
		}
		e.Field("address", func(e *jx.Encoder) { e.Str(o.Address) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(o.Status)) })
		e.Field("breakdown", func(e *jx.Encoder) { encodeBreakdown(e, o.Breakdown) })
		e.Field("placed_at", func(e *jx.Encoder) { encodeTime(e, o.PlacedAt) })
		e.Field("cancellation_deadline", func(e *jx.Encoder) { encodeTime(e, o.CancellationDeadline) })
		e.Field("cancellable", func(e *jx.Encoder) { e.Bool(o.Cancellable(now)) })
		e.Field("cancellation_remaining_ms", func(e *jx.Encoder) {
			var remaining int64
			if o.Status == order.StatusPlaced {
				remaining = win.Remaining(now).Milliseconds()
			}
			e.Int64(remaining)
		})
		if o.Status == order.StatusCancelled {
			e.Field("refund", func(e *jx.Encoder) { e.Int64(int64(o.Refund)) })
		}
		e.Field("updated_at", func(e *jx.Encoder) { encodeTime(e, o.UpdatedAt) })
	})
}
