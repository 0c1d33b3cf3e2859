package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/homechef-settlement/internal/domain/ledger"
	"github.com/xenking/homechef-settlement/internal/domain/money"
	"github.com/xenking/homechef-settlement/internal/domain/order"
)

const (
	orderColumns = `id, customer_id, chef_id, courier_id, address,
		subtotal, delivery_fee, taxes_and_fees, promo_code, promo_applied, promo_discount,
		platform_commission, chef_net_earnings, courier_earnings, tip, total, meets_minimum,
		status, placed_at, grace_period_ms, cancellation_deadline, refund, updated_at`

	createOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	transitionOrderSQL = `UPDATE orders SET status = $3, refund = $4, updated_at = $5
		WHERE id = $1 AND status = $2`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`

	insertEntrySQL = `INSERT INTO ledger_entries
		(id, order_id, recipient_id, recipient_type, amount, tip, gross, platform_fee, earned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_id, recipient_type) DO NOTHING`

	setCourierSQL = `UPDATE orders SET courier_id = $2, updated_at = $3 WHERE id = $1`

	listExpiredSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE status = 'placed' AND cancellation_deadline < $1
		ORDER BY cancellation_deadline
		LIMIT $2`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order with its committed breakdown.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	b := o.Breakdown
	_, err := r.pool.Exec(ctx, createOrderSQL,
		o.ID, o.CustomerID, o.ChefID, o.CourierID, o.Address,
		int64(b.Subtotal), int64(b.DeliveryFee), int64(b.TaxesAndFees), b.PromoCode, b.PromoApplied, int64(b.PromoDiscount),
		int64(b.PlatformCommission), int64(b.ChefNetEarnings), int64(b.CourierEarnings), int64(b.Tip), int64(b.Total), b.MeetsMinimum,
		string(o.Status), o.PlacedAt, o.GracePeriod.Milliseconds(), o.CancellationDeadline, int64(o.Refund), o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// Get returns an order by id, or order.ErrNotFound.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	return &o, nil
}

// Transition updates the status if it still equals from and writes the
// update's ledger entries in the same transaction.
func (r *OrderRepository) Transition(ctx context.Context, id string, from order.Status, u order.Update) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, transitionOrderSQL, id, string(from), string(u.Status), int64(u.Refund), u.UpdatedAt)
		if err != nil {
			return fmt.Errorf("updating order %q: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, orderExistsSQL, id).Scan(&exists); err != nil {
				return fmt.Errorf("checking order %q: %w", id, err)
			}
			if !exists {
				return order.ErrNotFound
			}
			return order.ErrConflict
		}

		for _, e := range u.Entries {
			if _, err := tx.Exec(ctx, insertEntrySQL,
				e.ID, e.OrderID, e.RecipientID, string(e.RecipientType),
				int64(e.Amount), int64(e.Tip), int64(e.Gross), int64(e.PlatformFee), e.EarnedAt,
			); err != nil {
				return fmt.Errorf("appending %s ledger entry for order %q: %w", e.RecipientType, id, err)
			}
		}
		return nil
	})
}

// SetCourier records the courier assigned to an order.
func (r *OrderRepository) SetCourier(ctx context.Context, id, courierID string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, setCourierSQL, id, courierID, at)
	if err != nil {
		return fmt.Errorf("setting courier for order %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// ListExpired returns Placed orders whose deadline passed before f.Before.
func (r *OrderRepository) ListExpired(ctx context.Context, f order.ExpiredFilter) ([]order.Order, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, listExpiredSQL, f.Before, limit)
	if err != nil {
		return nil, fmt.Errorf("listing expired orders: %w", err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("listing expired orders: %w", err)
	}
	return orders, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o                                                        order.Order
		subtotal, deliveryFee, taxes, discount                   int64
		commission, chefNet, courierEarnings, tip, total, refund int64
		status                                                   string
		graceMS                                                  int64
	)
	err := row.Scan(
		&o.ID, &o.CustomerID, &o.ChefID, &o.CourierID, &o.Address,
		&subtotal, &deliveryFee, &taxes, &o.Breakdown.PromoCode, &o.Breakdown.PromoApplied, &discount,
		&commission, &chefNet, &courierEarnings, &tip, &total, &o.Breakdown.MeetsMinimum,
		&status, &o.PlacedAt, &graceMS, &o.CancellationDeadline, &refund, &o.UpdatedAt,
	)
	o.Breakdown.Subtotal = money.Money(subtotal)
	o.Breakdown.DeliveryFee = money.Money(deliveryFee)
	o.Breakdown.TaxesAndFees = money.Money(taxes)
	o.Breakdown.PromoDiscount = money.Money(discount)
	o.Breakdown.PlatformCommission = money.Money(commission)
	o.Breakdown.ChefNetEarnings = money.Money(chefNet)
	o.Breakdown.CourierEarnings = money.Money(courierEarnings)
	o.Breakdown.Tip = money.Money(tip)
	o.Breakdown.Total = money.Money(total)
	o.Status = order.Status(status)
	o.GracePeriod = time.Duration(graceMS) * time.Millisecond
	o.Refund = money.Money(refund)
	o.PlacedAt = o.PlacedAt.UTC()
	o.CancellationDeadline = o.CancellationDeadline.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, err
}

func scanEntry(row pgx.CollectableRow) (ledger.Entry, error) {
	var (
		e                               ledger.Entry
		rt                              string
		amount, tip, gross, platformFee int64
		payoutID                        *string
	)
	err := row.Scan(&e.ID, &e.OrderID, &e.RecipientID, &rt, &amount, &tip, &gross, &platformFee, &e.EarnedAt, &payoutID)
	e.RecipientType = ledger.RecipientType(rt)
	e.Amount = money.Money(amount)
	e.Tip = money.Money(tip)
	e.Gross = money.Money(gross)
	e.PlatformFee = money.Money(platformFee)
	e.EarnedAt = e.EarnedAt.UTC()
	if payoutID != nil {
		e.PayoutID = *payoutID
	}
	return e, err
}
