package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/homechef-settlement/internal/domain/ledger"
)

const entryColumns = `id, order_id, recipient_id, recipient_type, amount, tip, gross, platform_fee, earned_at, payout_id`

var _ ledger.Repository = (*LedgerRepository)(nil)

// LedgerRepository implements ledger.Repository backed by PostgreSQL.
// Entries are written by OrderRepository.Transition.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository returns a LedgerRepository that uses the given pool.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// List returns entries matching f ordered by earning time.
func (r *LedgerRepository) List(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.RecipientID != "" {
		where = append(where, "recipient_id = "+arg(f.RecipientID))
	}
	if f.RecipientType != "" {
		where = append(where, "recipient_type = "+arg(string(f.RecipientType)))
	}
	if !f.From.IsZero() {
		where = append(where, "earned_at >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "earned_at < "+arg(f.To))
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + entryColumns + " FROM ledger_entries")
	if len(where) > 0 {
		sb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY earned_at, id")
	if f.Limit > 0 {
		sb.WriteString(" LIMIT " + arg(f.Limit))
	}

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("listing ledger entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("listing ledger entries: %w", err)
	}
	return entries, nil
}
