// Package telemetry records settlement activity as OpenTelemetry metrics.
package telemetry

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xenking/homechef-settlement/internal/domain/ledger"
	"github.com/xenking/homechef-settlement/internal/domain/order"
	"github.com/xenking/homechef-settlement/internal/domain/payout"
)

const meterName = "github.com/xenking/homechef-settlement"

var (
	_ order.Metrics  = (*Metrics)(nil)
	_ payout.Metrics = (*Metrics)(nil)
)

// Metrics implements the order and payout metric hooks.
type Metrics struct {
	orderTransitions  metric.Int64Counter
	batches           metric.Int64Counter
	payoutsCreated    metric.Int64Counter
	recipientsSkipped metric.Int64Counter
	payoutTransitions metric.Int64Counter
}

// New registers the instruments on a meter from mp.
func New(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	var (
		m   Metrics
		err error
	)
	if m.orderTransitions, err = meter.Int64Counter("settlement.order.transitions",
		metric.WithDescription("Committed order status changes by target status"),
	); err != nil {
		return nil, errors.Wrap(err, "order transitions counter")
	}
	if m.batches, err = meter.Int64Counter("settlement.payout.batches",
		metric.WithDescription("Payout batch runs"),
	); err != nil {
		return nil, errors.Wrap(err, "batches counter")
	}
	if m.payoutsCreated, err = meter.Int64Counter("settlement.payout.created",
		metric.WithDescription("Payout records created by batch runs"),
	); err != nil {
		return nil, errors.Wrap(err, "payouts created counter")
	}
	if m.recipientsSkipped, err = meter.Int64Counter("settlement.payout.skipped",
		metric.WithDescription("Recipients skipped below the payout minimum"),
	); err != nil {
		return nil, errors.Wrap(err, "skipped counter")
	}
	if m.payoutTransitions, err = meter.Int64Counter("settlement.payout.transitions",
		metric.WithDescription("Payout status changes by target status"),
	); err != nil {
		return nil, errors.Wrap(err, "payout transitions counter")
	}
	return &m, nil
}

func (m *Metrics) OrderTransitioned(ctx context.Context, to order.Status) {
	m.orderTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(to))))
}

func (m *Metrics) BatchGenerated(ctx context.Context, rt ledger.RecipientType, created, skipped int) {
	attrs := metric.WithAttributes(attribute.String("recipient_type", string(rt)))
	m.batches.Add(ctx, 1, attrs)
	m.payoutsCreated.Add(ctx, int64(created), attrs)
	m.recipientsSkipped.Add(ctx, int64(skipped), attrs)
}

func (m *Metrics) PayoutTransitioned(ctx context.Context, rt ledger.RecipientType, to payout.Status) {
	m.payoutTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("recipient_type", string(rt)),
		attribute.String("status", string(to)),
	))
}
