package order

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/homechef-settlement/internal/domain/breakdown"
	"github.com/xenking/homechef-settlement/internal/domain/ledger"
	"github.com/xenking/homechef-settlement/internal/domain/money"
	"github.com/xenking/homechef-settlement/pkg/keymutex"
)

const maxAttempts = 3

// Notifier receives committed status changes.
type Notifier interface {
	OrderChanged(ctx context.Context, o Order)
}

// Metrics counts committed status changes.
type Metrics interface {
	OrderTransitioned(ctx context.Context, to Status)
}

// PlaceRequest holds the input for placing an order.
type PlaceRequest struct {
	CustomerID string
	ChefID     string
	Address    string
	Breakdown  breakdown.Breakdown
}

// CancelResult is the outcome of a successful or replayed cancellation.
type CancelResult struct {
	Order  *Order
	Refund money.Money
	// Replayed is true when the order was already cancelled.
	Replayed bool
}

// ServiceDeps bundles collaborators of the order service.
type ServiceDeps struct {
	Repository  Repository
	GracePeriod time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
	Notifier    Notifier
	Metrics     Metrics
}

// Service owns order state transitions.
type Service struct {
	orders   Repository
	grace    time.Duration
	now      func() time.Time
	lg       *zap.Logger
	notifier Notifier
	metrics  Metrics
	locks    keymutex.Map
}

// NewService creates an order Service.
func NewService(deps ServiceDeps) *Service {
	s := &Service{
		orders:   deps.Repository,
		grace:    deps.GracePeriod,
		now:      deps.Clock,
		lg:       deps.Logger,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
	}
	if s.grace <= 0 {
		s.grace = DefaultGracePeriod
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.lg == nil {
		s.lg = zap.NewNop()
	}
	return s
}

// GracePeriod returns the grace period applied to new orders.
func (s *Service) GracePeriod() time.Duration {
	return s.grace
}

// Place commits a breakdown as a new order in status Placed.
func (s *Service) Place(ctx context.Context, req PlaceRequest) (*Order, error) {
	if strings.TrimSpace(req.CustomerID) == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "customer id required")
	}
	if strings.TrimSpace(req.ChefID) == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "chef id required")
	}
	if err := req.Breakdown.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate breakdown")
	}

	now := s.now().UTC()
	o := &Order{
		ID:                   uuid.New().String(),
		CustomerID:           req.CustomerID,
		ChefID:               req.ChefID,
		Address:              req.Address,
		Breakdown:            req.Breakdown,
		Status:               StatusPlaced,
		PlacedAt:             now,
		GracePeriod:          s.grace,
		CancellationDeadline: now.Add(s.grace),
		UpdatedAt:            now,
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	s.lg.Info("Order placed",
		zap.String("order_id", o.ID),
		zap.String("chef_id", o.ChefID),
		zap.Int64("total", int64(o.Breakdown.Total)),
		zap.Time("deadline", o.CancellationDeadline),
	)
	s.committed(ctx, o)
	return o, nil
}

// Get returns an order by id.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Cancel cancels a Placed order if at is within its window, refunding the
// full charge. Cancelling an already cancelled order returns the original
// result.
func (s *Service) Cancel(ctx context.Context, id string, at time.Time) (*CancelResult, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	for attempt := 1; ; attempt++ {
		o, err := s.orders.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if o.Status == StatusCancelled {
			return &CancelResult{Order: o, Refund: o.Refund, Replayed: true}, nil
		}

		cerr := &CancellationError{
			OrderID:  o.ID,
			Status:   o.Status,
			Deadline: o.Window().Deadline(),
			At:       at,
		}
		switch {
		case o.Status != StatusPlaced:
			cerr.Reason = ReasonAlreadyAdvanced
			return nil, cerr
		case !o.Window().Open(at):
			cerr.Reason = ReasonWindowExpired
			return nil, cerr
		}

		u := Update{
			Status:    StatusCancelled,
			Refund:    o.Breakdown.Charged(),
			UpdatedAt: s.now().UTC(),
		}
		if err := s.orders.Transition(ctx, id, StatusPlaced, u); err != nil {
			if errors.Is(err, ErrConflict) && attempt < maxAttempts {
				// Another instance moved the order; re-evaluate against the new state.
				continue
			}
			return nil, errors.Wrap(err, "cancel order")
		}
		o.apply(u)

		s.lg.Info("Order cancelled",
			zap.String("order_id", o.ID),
			zap.Int64("refund", int64(o.Refund)),
		)
		s.committed(ctx, o)
		return &CancelResult{Order: o, Refund: o.Refund}, nil
	}
}

// Advance moves an order forward. Advancing to the current status is a
// no-op. Reaching Delivered appends the settlement ledger entries.
func (s *Service) Advance(ctx context.Context, id string, next Status) (*Order, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	for attempt := 1; ; attempt++ {
		o, err := s.orders.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if o.Status == next {
			return o, nil
		}
		if !o.Status.CanAdvance(next) {
			return nil, &TransitionError{OrderID: o.ID, From: o.Status, To: next}
		}

		now := s.now().UTC()
		u := Update{Status: next, Refund: o.Refund, UpdatedAt: now}
		if next == StatusDelivered {
			u.Entries = SettlementEntries(o, now)
		}
		from := o.Status
		if err := s.orders.Transition(ctx, id, from, u); err != nil {
			if errors.Is(err, ErrConflict) && attempt < maxAttempts {
				continue
			}
			return nil, errors.Wrap(err, "advance order")
		}
		o.apply(u)

		s.lg.Info("Order advanced",
			zap.String("order_id", o.ID),
			zap.String("from", string(from)),
			zap.String("to", string(next)),
			zap.Int("ledger_entries", len(u.Entries)),
		)
		s.committed(ctx, o)
		return o, nil
	}
}

// AssignCourier records the delivery partner for an order that has not yet
// settled.
func (s *Service) AssignCourier(ctx context.Context, id, courierID string) (*Order, error) {
	if strings.TrimSpace(courierID) == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "courier id required")
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() {
		return nil, errors.Wrapf(ErrInvalidTransition, "order %s: assign courier in status %s", o.ID, o.Status)
	}

	now := s.now().UTC()
	if err := s.orders.SetCourier(ctx, id, courierID, now); err != nil {
		return nil, errors.Wrap(err, "set courier")
	}
	o.CourierID = courierID
	o.UpdatedAt = now

	s.lg.Info("Courier assigned", zap.String("order_id", o.ID), zap.String("courier_id", courierID))
	if s.notifier != nil {
		s.notifier.OrderChanged(ctx, *o)
	}
	return o, nil
}

// ConfirmExpired confirms Placed orders whose cancellation window has closed
// and returns how many were confirmed. Failures are logged and skipped.
func (s *Service) ConfirmExpired(ctx context.Context, limit int) (int, error) {
	expired, err := s.orders.ListExpired(ctx, ExpiredFilter{Before: s.now().UTC(), Limit: limit})
	if err != nil {
		return 0, errors.Wrap(err, "list expired")
	}

	var confirmed int
	for _, o := range expired {
		if err := ctx.Err(); err != nil {
			return confirmed, err
		}
		if _, err := s.Advance(ctx, o.ID, StatusConfirmed); err != nil {
			s.lg.Warn("Confirm expired order", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		confirmed++
	}
	return confirmed, nil
}

func (s *Service) committed(ctx context.Context, o *Order) {
	if s.metrics != nil {
		s.metrics.OrderTransitioned(ctx, o.Status)
	}
	if s.notifier != nil {
		s.notifier.OrderChanged(ctx, *o)
	}
}

func (o *Order) apply(u Update) {
	o.Status = u.Status
	o.Refund = u.Refund
	o.UpdatedAt = u.UpdatedAt
}

// SettlementEntries returns the ledger entries a delivered order produces:
// one for the chef and, when a courier is assigned, one for the courier.
// Zero-amount entries are omitted.
func SettlementEntries(o *Order, at time.Time) []ledger.Entry {
	b := o.Breakdown
	entries := make([]ledger.Entry, 0, 2)

	if chef := b.ChefNetEarnings + b.Tip; chef > 0 {
		entries = append(entries, ledger.Entry{
			ID:            uuid.New().String(),
			OrderID:       o.ID,
			RecipientID:   o.ChefID,
			RecipientType: ledger.RecipientChef,
			Amount:        chef,
			Tip:           b.Tip,
			Gross:         b.Subtotal,
			PlatformFee:   b.PlatformCommission,
			EarnedAt:      at,
		})
	}
	if o.CourierID != "" && b.CourierEarnings > 0 {
		entries = append(entries, ledger.Entry{
			ID:            uuid.New().String(),
			OrderID:       o.ID,
			RecipientID:   o.CourierID,
			RecipientType: ledger.RecipientDelivery,
			Amount:        b.CourierEarnings,
			Gross:         b.DeliveryFee,
			PlatformFee:   b.DeliveryFee - b.CourierEarnings,
			EarnedAt:      at,
		})
	}
	return entries
}
