// Package handler exposes the settlement services over HTTP/JSON. Amounts are
// integers in paise.
package handler

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/homechef-settlement/internal/domain/breakdown"
	"github.com/xenking/homechef-settlement/internal/domain/ledger"
	"github.com/xenking/homechef-settlement/internal/domain/order"
	"github.com/xenking/homechef-settlement/internal/domain/payout"
)

// Deps bundles the services behind the API.
type Deps struct {
	Calculator *breakdown.Calculator
	Orders     *order.Service
	Ledger     ledger.Repository
	Payouts    *payout.Engine
	Clock      func() time.Time
}

// Handler serves the settlement API.
type Handler struct {
	calc    *breakdown.Calculator
	orders  *order.Service
	ledger  ledger.Repository
	payouts *payout.Engine
	now     func() time.Time
}

// New constructs a Handler.
func New(deps Deps) *Handler {
	h := &Handler{
		calc:    deps.Calculator,
		orders:  deps.Orders,
		ledger:  deps.Ledger,
		payouts: deps.Payouts,
		now:     deps.Clock,
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Routes registers every endpoint on r. Mount it under /api.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/checkout/breakdown", h.ComputeBreakdown)
	r.Get("/commission", h.Commission)

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.PlaceOrder)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetOrder)
			r.Post("/cancel", h.CancelOrder)
			r.Post("/advance", h.AdvanceOrder)
			r.Post("/courier", h.AssignCourier)
		})
	})

	r.Get("/ledger", h.ListLedger)
	r.Get("/reports/chefs/{id}", h.ChefReport)

	r.Route("/payouts", func(r chi.Router) {
		r.Get("/", h.ListPayouts)
		r.Post("/batches", h.GenerateBatch)
		r.Post("/process", h.ProcessBulk)
		r.Get("/schedules/{type}", h.GetSchedule)
		r.Put("/schedules/{type}", h.SaveSchedule)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetPayout)
			r.Post("/process", h.ProcessPayout)
			r.Post("/confirm", h.ConfirmPayout)
			r.Post("/retry", h.RetryPayout)
		})
	})
}
