package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/homechef-settlement/internal/domain/ledger"
)

func ledgerFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{RecipientID: q.Get("recipient_id")}
	if v := q.Get("recipient_type"); v != "" {
		rt, err := ledger.ParseRecipientType(v)
		if err != nil {
			return f, err
		}
		f.RecipientType = rt
	}
	var err error
	if f.From, err = queryTime(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		return f, err
	}
	return f, nil
}

// ListLedger returns committed earnings entries filtered by recipient and
// earning time.
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	f, err := ledgerFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := h.ledger.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for _, en := range entries {
				encodeEntry(e, en)
			}
		})
	})
}

// ChefReport summarizes a chef's earnings per day, week, month or year.
func (h *Handler) ChefReport(w http.ResponseWriter, r *http.Request) {
	g := ledger.Weekly
	if v := r.URL.Query().Get("granularity"); v != "" {
		parsed, err := ledger.ParseGranularity(v)
		if err != nil {
			writeError(w, r, err)
			return
		}
		g = parsed
	}
	f, err := ledgerFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	f.RecipientID = chi.URLParam(r, "id")
	f.RecipientType = ledger.RecipientChef
	f.Limit = 0

	entries, err := h.ledger.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	report := ledger.Summarize(f.RecipientID, g, entries)
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeReport(e, report) })
}

func encodeEntry(e *jx.Encoder, en ledger.Entry) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(en.ID) })
		e.Field("order_id", func(e *jx.Encoder) { e.Str(en.OrderID) })
		e.Field("recipient_id", func(e *jx.Encoder) { e.Str(en.RecipientID) })
		e.Field("recipient_type", func(e *jx.Encoder) { e.Str(string(en.RecipientType)) })
		e.Field("amount", func(e *jx.Encoder) { e.Int64(int64(en.Amount)) })
		e.Field("tip", func(e *jx.Encoder) { e.Int64(int64(en.Tip)) })
		e.Field("gross", func(e *jx.Encoder) { e.Int64(int64(en.Gross)) })
		e.Field("platform_fee", func(e *jx.Encoder) { e.Int64(int64(en.PlatformFee)) })
		e.Field("earned_at", func(e *jx.Encoder) { encodeTime(e, en.EarnedAt) })
		if en.Consumed() {
			e.Field("payout_id", func(e *jx.Encoder) { e.Str(en.PayoutID) })
		}
	})
}

func encodeBucket(e *jx.Encoder, b ledger.Bucket) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("start", func(e *jx.Encoder) { encodeTime(e, b.Start) })
		e.Field("end", func(e *jx.Encoder) { encodeTime(e, b.End) })
		e.Field("orders", func(e *jx.Encoder) { e.Int(b.Orders) })
		e.Field("gross_sales", func(e *jx.Encoder) { e.Int64(int64(b.GrossSales)) })
		e.Field("commission", func(e *jx.Encoder) { e.Int64(int64(b.Commission)) })
		e.Field("net_earnings", func(e *jx.Encoder) { e.Int64(int64(b.NetEarnings)) })
		e.Field("tips", func(e *jx.Encoder) { e.Int64(int64(b.Tips)) })
		e.Field("margin", func(e *jx.Encoder) { e.Str(b.Margin().StringFixed(2)) })
	})
}

func encodeReport(e *jx.Encoder, rep ledger.Report) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("recipient_id", func(e *jx.Encoder) { e.Str(rep.RecipientID) })
		e.Field("granularity", func(e *jx.Encoder) { e.Str(string(rep.Granularity)) })
		e.Field("commission_rate", func(e *jx.Encoder) { e.Str(rep.CommissionRate.String()) })
		e.Field("buckets", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, b := range rep.Buckets {
					encodeBucket(e, b)
				}
			})
		})
		e.Field("totals", func(e *jx.Encoder) { encodeBucket(e, rep.Totals) })
	})
}
