// Package rail hands payout records to the money-movement rail.
package rail

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/xenking/homechef-settlement/internal/domain/payout"
)

// Currency of every amount sent to the rail.
const Currency = "INR"

var (
	_ payout.Dispatcher = (*Webhook)(nil)
	_ payout.Dispatcher = (*Log)(nil)
)

// ErrRejected is returned when the rail refuses a payout.
var ErrRejected = errors.New("payout rejected by rail")

// WebhookConfig configures the HTTP rail.
type WebhookConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Webhook posts payout instructions to an HTTP endpoint. The rail confirms
// asynchronously through the confirmation callback.
type Webhook struct {
	client *resty.Client
}

// NewWebhook builds a Webhook from cfg.
func NewWebhook(cfg WebhookConfig) *Webhook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &Webhook{client: client}
}

// Dispatch sends rec. A 4xx or 5xx response is a rejection.
func (w *Webhook) Dispatch(ctx context.Context, rec payout.Record) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", rec.ID).
		SetBody(encodeInstruction(rec)).
		Post("/payouts")
	if err != nil {
		return fmt.Errorf("dispatch payout %s: %w", rec.ID, err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return errors.Wrapf(ErrRejected, "status %d: %s", resp.StatusCode(), rejectionMessage(resp.Body()))
	}
	return nil
}

func encodeInstruction(rec payout.Record) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("payout_id")
	e.Str(rec.ID)
	e.FieldStart("recipient_id")
	e.Str(rec.RecipientID)
	e.FieldStart("recipient_type")
	e.Str(string(rec.RecipientType))
	e.FieldStart("amount")
	e.Int64(int64(rec.NetAmount))
	e.FieldStart("currency")
	e.Str(Currency)
	e.FieldStart("period_start")
	e.Str(rec.PeriodStart.Format(time.RFC3339))
	e.FieldStart("period_end")
	e.Str(rec.PeriodEnd.Format(time.RFC3339))
	e.ObjEnd()

	return append([]byte(nil), e.Bytes()...)
}

// rejectionMessage extracts "message" from an error body, falling back to the
// raw body.
func rejectionMessage(body []byte) string {
	var msg string
	d := jx.DecodeBytes(body)
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "message" {
			return d.Skip()
		}
		v, err := d.Str()
		msg = v
		return err
	})
	if err != nil || msg == "" {
		return strings.TrimSpace(string(body))
	}
	return msg
}

// Log accepts every payout and only logs it. Used when no rail is
// configured.
type Log struct {
	lg *zap.Logger
}

// NewLog returns a Log dispatcher.
func NewLog(lg *zap.Logger) *Log {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Log{lg: lg}
}

func (l *Log) Dispatch(_ context.Context, rec payout.Record) error {
	l.lg.Info("Payout handed off",
		zap.String("payout_id", rec.ID),
		zap.String("recipient_id", rec.RecipientID),
		zap.String("recipient_type", string(rec.RecipientType)),
		zap.Int64("amount", int64(rec.NetAmount)),
	)
	return nil
}
