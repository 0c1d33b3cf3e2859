package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/homechef-settlement/internal/domain/ledger"
	"github.com/xenking/homechef-settlement/internal/domain/payout"
)

func decodeRecipientType(d *jx.Decoder) (ledger.RecipientType, error) {
	s, err := d.Str()
	if err != nil {
		return "", err
	}
	return ledger.ParseRecipientType(s)
}

// GenerateBatch builds pending payouts for the latest closed period of the
// recipient type's active schedule.
func (h *Handler) GenerateBatch(w http.ResponseWriter, r *http.Request) {
	var (
		rt   ledger.RecipientType
		asOf = h.now()
	)
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "recipient_type":
			rt, err = decodeRecipientType(d)
		case "as_of":
			asOf, err = decodeTime(d)
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	if rt == "" {
		writeError(w, r, badRequest("recipient_type is required"))
		return
	}

	res, err := h.payouts.GenerateDue(r.Context(), rt, asOf)
	if err != nil {
		writeError(w, r, err)
		return
	}
	now := h.now()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeBatch(e, res, now) })
}

// ListPayouts returns records filtered by recipient and status.
func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := payout.Filter{RecipientID: q.Get("recipient_id")}
	if v := q.Get("recipient_type"); v != "" {
		rt, err := ledger.ParseRecipientType(v)
		if err != nil {
			writeError(w, r, err)
			return
		}
		f.RecipientType = rt
	}
	if v := q.Get("status"); v != "" {
		f.Status = payout.Status(v)
		if !f.Status.Valid() {
			writeError(w, r, badRequest("unknown payout status %q", v))
			return
		}
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	f.Limit = limit

	recs, err := h.payouts.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	now := h.now()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for _, rec := range recs {
				encodePayout(e, rec, now)
			}
		})
	})
}

// GetPayout returns one record with its breakdown and overdue flag.
func (h *Handler) GetPayout(w http.ResponseWriter, r *http.Request) {
	rec, err := h.payouts.Get(r.Context(), chi.URLParam(r, "id"))
	h.respondPayout(w, r, rec, err)
}

// ProcessPayout hands a pending record to the rail.
func (h *Handler) ProcessPayout(w http.ResponseWriter, r *http.Request) {
	rec, err := h.payouts.ProcessIndividual(r.Context(), chi.URLParam(r, "id"))
	h.respondPayout(w, r, rec, err)
}

// ProcessBulk hands every pending record of a recipient type to the rail
// and reports each outcome.
func (h *Handler) ProcessBulk(w http.ResponseWriter, r *http.Request) {
	var rt ledger.RecipientType
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		if key != "recipient_type" {
			return d.Skip()
		}
		var err error
		rt, err = decodeRecipientType(d)
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	if rt == "" {
		writeError(w, r, badRequest("recipient_type is required"))
		return
	}

	results, err := h.payouts.ProcessBulk(r.Context(), rt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var handedOff int
	for _, res := range results {
		if res.OK() {
			handedOff++
		}
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("handed_off", func(e *jx.Encoder) { e.Int(handedOff) })
			e.Field("results", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, res := range results {
						e.Obj(func(e *jx.Encoder) {
							e.Field("payout_id", func(e *jx.Encoder) { e.Str(res.PayoutID) })
							if res.Record != nil {
								e.Field("status", func(e *jx.Encoder) { e.Str(string(res.Record.Status)) })
								if res.Record.FailureReason != "" {
									e.Field("failure_reason", func(e *jx.Encoder) { e.Str(res.Record.FailureReason) })
								}
							}
							if res.Err != nil {
								e.Field("error", func(e *jx.Encoder) { e.Str(res.Err.Error()) })
							}
						})
					}
				})
			})
		})
	})
}

// ConfirmPayout records the rail's verdict on a processing record.
func (h *Handler) ConfirmPayout(w http.ResponseWriter, r *http.Request) {
	var (
		success    bool
		hasVerdict bool
		reason     string
	)
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "success":
			success, err = d.Bool()
			hasVerdict = true
		case "reason":
			reason, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}
	if !hasVerdict {
		writeError(w, r, badRequest("success is required"))
		return
	}

	rec, err := h.payouts.Confirm(r.Context(), chi.URLParam(r, "id"), success, reason)
	h.respondPayout(w, r, rec, err)
}

// RetryPayout moves a failed record back to pending.
func (h *Handler) RetryPayout(w http.ResponseWriter, r *http.Request) {
	rec, err := h.payouts.Retry(r.Context(), chi.URLParam(r, "id"))
	h.respondPayout(w, r, rec, err)
}

func (h *Handler) respondPayout(w http.ResponseWriter, r *http.Request, rec *payout.Record, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	now := h.now()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodePayout(e, *rec, now) })
}

// GetSchedule returns the active schedule version of a recipient type.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	rt, err := ledger.ParseRecipientType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s, err := h.payouts.ActiveSchedule(r.Context(), rt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeSchedule(e, *s) })
}

// SaveSchedule stores a new schedule version. Existing records keep the
// version they were built with.
func (h *Handler) SaveSchedule(w http.ResponseWriter, r *http.Request) {
	rt, err := ledger.ParseRecipientType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s := payout.Schedule{RecipientType: rt, Active: true}
	if err := decodeObject(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "frequency":
			var v string
			v, err = d.Str()
			s.Frequency = payout.Frequency(v)
		case "anchor_day":
			s.AnchorDay, err = d.Int()
		case "minimum_amount":
			s.MinimumAmount, err = decodeMoney(d)
		case "processing_fee":
			s.ProcessingFee, err = decodeMoney(d)
		case "settlement_lag":
			var v string
			if v, err = d.Str(); err == nil {
				s.SettlementLag, err = time.ParseDuration(v)
			}
		case "active":
			s.Active, err = d.Bool()
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.payouts.SaveSchedule(r.Context(), &s); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeSchedule(e, s) })
}

func encodePayout(e *jx.Encoder, rec payout.Record, now time.Time) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(rec.ID) })
		e.Field("recipient_id", func(e *jx.Encoder) { e.Str(rec.RecipientID) })
		e.Field("recipient_type", func(e *jx.Encoder) { e.Str(string(rec.RecipientType)) })
		e.Field("schedule_version", func(e *jx.Encoder) { e.Int(rec.ScheduleVersion) })
		e.Field("period_start", func(e *jx.Encoder) { encodeTime(e, rec.PeriodStart) })
		e.Field("period_end", func(e *jx.Encoder) { encodeTime(e, rec.PeriodEnd) })
		e.Field("entry_ids", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, id := range rec.EntryIDs {
					e.Str(id)
				}
			})
		})
		e.Field("gross_earnings", func(e *jx.Encoder) { e.Int64(int64(rec.GrossEarnings)) })
		e.Field("platform_fee_already_deducted", func(e *jx.Encoder) { e.Int64(int64(rec.PlatformFeeAlreadyDeducted)) })
		e.Field("processing_fee", func(e *jx.Encoder) { e.Int64(int64(rec.ProcessingFee)) })
		e.Field("net_amount", func(e *jx.Encoder) { e.Int64(int64(rec.NetAmount)) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(rec.Status)) })
		e.Field("due_date", func(e *jx.Encoder) { encodeTime(e, rec.DueDate) })
		e.Field("overdue", func(e *jx.Encoder) { e.Bool(rec.Overdue(now)) })
		if rec.FailureReason != "" {
			e.Field("failure_reason", func(e *jx.Encoder) { e.Str(rec.FailureReason) })
		}
		e.Field("created_at", func(e *jx.Encoder) { encodeTime(e, rec.CreatedAt) })
		e.Field("updated_at", func(e *jx.Encoder) { encodeTime(e, rec.UpdatedAt) })
	})
}

func encodeBatch(e *jx.Encoder, res *payout.BatchResult, now time.Time) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("recipient_type", func(e *jx.Encoder) { e.Str(string(res.RecipientType)) })
		e.Field("schedule_version", func(e *jx.Encoder) { e.Int(res.ScheduleVersion) })
		e.Field("period_start", func(e *jx.Encoder) { encodeTime(e, res.Period.Start) })
		e.Field("period_end", func(e *jx.Encoder) { encodeTime(e, res.Period.End) })
		e.Field("created", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, rec := range res.Created {
					encodePayout(e, rec, now)
				}
			})
		})
		e.Field("skipped", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, s := range res.Skipped {
					e.Obj(func(e *jx.Encoder) {
						e.Field("recipient_id", func(e *jx.Encoder) { e.Str(s.RecipientID) })
						e.Field("gross_earnings", func(e *jx.Encoder) { e.Int64(int64(s.GrossEarnings)) })
						e.Field("entries", func(e *jx.Encoder) { e.Int(s.Entries) })
					})
				}
			})
		})
		e.Field("existing", func(e *jx.Encoder) { e.Int(res.Existing) })
	})
}

func encodeSchedule(e *jx.Encoder, s payout.Schedule) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("recipient_type", func(e *jx.Encoder) { e.Str(string(s.RecipientType)) })
		e.Field("version", func(e *jx.Encoder) { e.Int(s.Version) })
		e.Field("frequency", func(e *jx.Encoder) { e.Str(string(s.Frequency)) })
		e.Field("anchor_day", func(e *jx.Encoder) { e.Int(s.AnchorDay) })
		e.Field("minimum_amount", func(e *jx.Encoder) { e.Int64(int64(s.MinimumAmount)) })
		e.Field("processing_fee", func(e *jx.Encoder) { e.Int64(int64(s.ProcessingFee)) })
		e.Field("settlement_lag", func(e *jx.Encoder) { e.Str(s.SettlementLag.String()) })
		e.Field("active", func(e *jx.Encoder) { e.Bool(s.Active) })
		e.Field("created_at", func(e *jx.Encoder) { encodeTime(e, s.CreatedAt) })
	})
}
