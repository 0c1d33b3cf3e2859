package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/homechef-settlement/internal/domain/breakdown"
	"github.com/xenking/homechef-settlement/internal/domain/ledger"
	"github.com/xenking/homechef-settlement/internal/domain/order"
	"github.com/xenking/homechef-settlement/internal/domain/payout"
)

// writeError maps domain errors to status codes and writes a
// {"code","message"} body. Unknown errors are logged and reported as 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var cancelErr *order.CancellationError
	if errors.As(err, &cancelErr) {
		writeJSON(w, http.StatusConflict, func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("code", func(e *jx.Encoder) { e.Int(http.StatusConflict) })
				e.Field("message", func(e *jx.Encoder) { e.Str(cancelErr.Error()) })
				e.Field("reason", func(e *jx.Encoder) { e.Str(string(cancelErr.Reason)) })
				e.Field("status", func(e *jx.Encoder) { e.Str(string(cancelErr.Status)) })
				e.Field("deadline", func(e *jx.Encoder) { encodeTime(e, cancelErr.Deadline) })
			})
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, order.ErrNotFound), errors.Is(err, payout.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, order.ErrConflict),
		errors.Is(err, payout.ErrInvalidTransition),
		errors.Is(err, payout.ErrConflict),
		errors.Is(err, payout.ErrScheduleInactive):
		status = http.StatusConflict
	case errors.Is(err, order.ErrInvalidRequest),
		errors.Is(err, order.ErrInvalidStatus),
		errors.Is(err, breakdown.ErrInvariant),
		errors.Is(err, ledger.ErrInvalidRecipientType),
		errors.Is(err, ledger.ErrInvalidGranularity),
		errors.Is(err, payout.ErrInvalidSchedule):
		status = http.StatusUnprocessableEntity
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = http.StatusText(status)
	}
	writeMessage(w, status, msg)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(status) })
			e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
		})
	})
}
