package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/homechef-settlement/internal/domain/breakdown"
	"github.com/xenking/homechef-settlement/internal/domain/ledger"
	"github.com/xenking/homechef-settlement/internal/domain/money"
)

// Status is an order's lifecycle state.
type Status string

const (
	StatusPlaced         Status = "placed"
	StatusConfirmed      Status = "confirmed"
	StatusPreparing      Status = "preparing"
	StatusReadyForPickup Status = "ready_for_pickup"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
)

// forward lists the happy path in order.
var forward = []Status{
	StatusPlaced,
	StatusConfirmed,
	StatusPreparing,
	StatusReadyForPickup,
	StatusOutForDelivery,
	StatusDelivered,
}

func (s Status) rank() int {
	for i, f := range forward {
		if f == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusCancelled || s.rank() >= 0
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CanAdvance reports whether Advance may move an order from s to next. Any
// forward jump is allowed; cancellation has its own operation.
func (s Status) CanAdvance(next Status) bool {
	from, to := s.rank(), next.rank()
	return from >= 0 && to > from
}

// ParseStatus converts s into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", errors.Wrapf(ErrInvalidStatus, "%q", s)
	}
	return st, nil
}

// Sentinel errors for order operations.
var (
	ErrNotFound                  = errors.New("order not found")
	ErrInvalidStatus             = errors.New("invalid order status")
	ErrInvalidTransition         = errors.New("invalid order transition")
	ErrCancellationWindowExpired = errors.New("cancellation window expired")
	ErrInvalidRequest            = errors.New("invalid order request")
	// ErrConflict is returned by repositories when the stored status no
	// longer matches the expected one.
	ErrConflict = errors.New("order status changed concurrently")
)

// TransitionError reports a transition not reachable from the current state.
type TransitionError struct {
	OrderID string
	From    Status
	To      Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot move from %s to %s", e.OrderID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CancellationReason says why a cancellation was refused.
type CancellationReason string

const (
	// ReasonWindowExpired means the grace period has passed.
	ReasonWindowExpired CancellationReason = "window_expired"
	// ReasonAlreadyAdvanced means the order left Placed before the deadline.
	ReasonAlreadyAdvanced CancellationReason = "already_advanced"
)

// CancellationError reports a refused cancellation. Both reasons wrap
// ErrCancellationWindowExpired.
type CancellationError struct {
	OrderID  string
	Status   Status
	Deadline time.Time
	At       time.Time
	Reason   CancellationReason
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("order %s: cannot cancel in status %s at %s (deadline %s): %s",
		e.OrderID, e.Status, e.At.Format(time.RFC3339Nano), e.Deadline.Format(time.RFC3339Nano), e.Reason)
}

func (e *CancellationError) Unwrap() error { return ErrCancellationWindowExpired }

// Order is a placed order with its committed breakdown.
type Order struct {
	ID         string
	CustomerID string
	ChefID     string
	CourierID  string
	Address    string
	// Breakdown is the copy committed at placement. It is never recomputed.
	Breakdown            breakdown.Breakdown
	Status               Status
	PlacedAt             time.Time
	GracePeriod          time.Duration
	CancellationDeadline time.Time
	// Refund is set once the order is cancelled.
	Refund    money.Money
	UpdatedAt time.Time
}

// Window returns the order's cancellation window.
func (o *Order) Window() Window {
	return Window{PlacedAt: o.PlacedAt, GracePeriod: o.GracePeriod}
}

// Cancellable reports whether Cancel at now would succeed.
func (o *Order) Cancellable(now time.Time) bool {
	return o.Status == StatusPlaced && o.Window().Open(now)
}

// Update is the state change applied by Repository.Transition.
type Update struct {
	Status    Status
	Refund    money.Money
	UpdatedAt time.Time
	// Entries are appended to the ledger in the same transaction.
	Entries []ledger.Entry
}

// ExpiredFilter selects Placed orders whose window closed before Before.
type ExpiredFilter struct {
	Before time.Time
	Limit  int
}

// Repository defines persistence operations for orders.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// Transition applies u only if the stored status equals from, otherwise
	// it returns ErrConflict. Ledger entries in u are written atomically with
	// the status change.
	Transition(ctx context.Context, id string, from Status, u Update) error
	SetCourier(ctx context.Context, id, courierID string, at time.Time) error
	ListExpired(ctx context.Context, f ExpiredFilter) ([]Order, error)
}
