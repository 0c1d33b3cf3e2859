package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/homechef-settlement/internal/domain/ledger"
	"github.com/xenking/homechef-settlement/internal/domain/money"
	"github.com/xenking/homechef-settlement/internal/domain/payout"
)

const (
	payoutColumns = `p.id, p.recipient_id, p.recipient_type, p.schedule_version, p.period_start, p.period_end,
		p.gross_earnings, p.platform_fee_deducted, p.processing_fee, p.net_amount, p.status, p.due_date,
		p.failure_reason, p.created_at, p.updated_at,
		ARRAY(SELECT e.id FROM ledger_entries e WHERE e.payout_id = p.id ORDER BY e.earned_at, e.id)`

	unconsumedSQL = `SELECT ` + entryColumns + ` FROM ledger_entries
		WHERE recipient_type = $1 AND payout_id IS NULL AND earned_at < $2
		ORDER BY earned_at, id`

	createPayoutSQL = `INSERT INTO payout_records
		(id, recipient_id, recipient_type, schedule_version, period_start, period_end,
		 gross_earnings, platform_fee_deducted, processing_fee, net_amount, status, due_date,
		 failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	consumeEntriesSQL = `UPDATE ledger_entries SET payout_id = $1
		WHERE id = ANY($2) AND payout_id IS NULL`

	getPayoutSQL = `SELECT ` + payoutColumns + ` FROM payout_records p WHERE p.id = $1`

	updatePayoutStatusSQL = `UPDATE payout_records SET status = $3, failure_reason = $4, updated_at = $5
		WHERE id = $1 AND status = $2`

	payoutExistsSQL = `SELECT EXISTS (SELECT 1 FROM payout_records WHERE id = $1)`

	payoutPeriodConstraint = "payout_records_period_key"
)

var _ payout.Store = (*PayoutRepository)(nil)

// PayoutRepository implements payout.Store backed by PostgreSQL.
type PayoutRepository struct {
	pool *pgxpool.Pool
}

// NewPayoutRepository returns a PayoutRepository that uses the given pool.
func NewPayoutRepository(pool *pgxpool.Pool) *PayoutRepository {
	return &PayoutRepository{pool: pool}
}

// Unconsumed returns entries of rt earned before the given time that no
// payout covers.
func (r *PayoutRepository) Unconsumed(ctx context.Context, rt ledger.RecipientType, before time.Time) ([]ledger.Entry, error) {
	rows, err := r.pool.Query(ctx, unconsumedSQL, string(rt), before)
	if err != nil {
		return nil, fmt.Errorf("listing unconsumed %s entries: %w", rt, err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("listing unconsumed %s entries: %w", rt, err)
	}
	return entries, nil
}

// Create inserts the record and claims its entries in one transaction. The
// period unique key makes re-runs fail with payout.ErrPeriodExists; entries
// claimed by another record fail the whole insert with
// payout.ErrEntriesConsumed.
func (r *PayoutRepository) Create(ctx context.Context, rec *payout.Record) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, createPayoutSQL,
			rec.ID, rec.RecipientID, string(rec.RecipientType), rec.ScheduleVersion, rec.PeriodStart, rec.PeriodEnd,
			int64(rec.GrossEarnings), int64(rec.PlatformFeeAlreadyDeducted), int64(rec.ProcessingFee), int64(rec.NetAmount),
			string(rec.Status), rec.DueDate, rec.FailureReason, rec.CreatedAt, rec.UpdatedAt,
		)
		if err != nil {
			if uniqueViolation(err, payoutPeriodConstraint) {
				return payout.ErrPeriodExists
			}
			return fmt.Errorf("creating payout %q: %w", rec.ID, err)
		}

		tag, err := tx.Exec(ctx, consumeEntriesSQL, rec.ID, rec.EntryIDs)
		if err != nil {
			return fmt.Errorf("consuming entries for payout %q: %w", rec.ID, err)
		}
		if int(tag.RowsAffected()) != len(rec.EntryIDs) {
			return errors.Wrapf(payout.ErrEntriesConsumed, "claimed %d of %d", tag.RowsAffected(), len(rec.EntryIDs))
		}
		return nil
	})
}

// Get returns a record by id, or payout.ErrNotFound.
func (r *PayoutRepository) Get(ctx context.Context, id string) (*payout.Record, error) {
	rows, err := r.pool.Query(ctx, getPayoutSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting payout %q: %w", id, err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanPayout)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payout.ErrNotFound
		}
		return nil, fmt.Errorf("getting payout %q: %w", id, err)
	}
	return &rec, nil
}

// List returns records matching f, newest first.
func (r *PayoutRepository) List(ctx context.Context, f payout.Filter) ([]payout.Record, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.RecipientID != "" {
		where = append(where, "p.recipient_id = "+arg(f.RecipientID))
	}
	if f.RecipientType != "" {
		where = append(where, "p.recipient_type = "+arg(string(f.RecipientType)))
	}
	if f.Status != "" {
		where = append(where, "p.status = "+arg(string(f.Status)))
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + payoutColumns + " FROM payout_records p")
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY p.created_at DESC, p.recipient_id")
	if f.Limit > 0 {
		sb.WriteString(" LIMIT " + arg(f.Limit))
	}

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("listing payouts: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanPayout)
	if err != nil {
		return nil, fmt.Errorf("listing payouts: %w", err)
	}
	return recs, nil
}

// UpdateStatus compare-and-swaps the record status.
func (r *PayoutRepository) UpdateStatus(ctx context.Context, id string, from payout.Status, u payout.StatusUpdate) error {
	tag, err := r.pool.Exec(ctx, updatePayoutStatusSQL, id, string(from), string(u.Status), u.FailureReason, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating payout %q: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, payoutExistsSQL, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking payout %q: %w", id, err)
	}
	if !exists {
		return payout.ErrNotFound
	}
	return payout.ErrConflict
}

func scanPayout(row pgx.CollectableRow) (payout.Record, error) {
	var (
		rec                          payout.Record
		rt, status                   string
		gross, platformFee, fee, net int64
	)
	err := row.Scan(
		&rec.ID, &rec.RecipientID, &rt, &rec.ScheduleVersion, &rec.PeriodStart, &rec.PeriodEnd,
		&gross, &platformFee, &fee, &net, &status, &rec.DueDate,
		&rec.FailureReason, &rec.CreatedAt, &rec.UpdatedAt,
		&rec.EntryIDs,
	)
	rec.RecipientType = ledger.RecipientType(rt)
	rec.Status = payout.Status(status)
	rec.GrossEarnings = money.Money(gross)
	rec.PlatformFeeAlreadyDeducted = money.Money(platformFee)
	rec.ProcessingFee = money.Money(fee)
	rec.NetAmount = money.Money(net)
	rec.PeriodStart = rec.PeriodStart.UTC()
	rec.PeriodEnd = rec.PeriodEnd.UTC()
	rec.DueDate = rec.DueDate.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, err
}
