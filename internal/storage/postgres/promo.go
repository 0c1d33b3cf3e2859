package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/homechef-settlement/internal/domain/money"
	"github.com/xenking/homechef-settlement/internal/domain/promo"
)

const (
	listActivePromosSQL = `SELECT code, discount_type, percent, amount, max_discount, min_subtotal, description
		FROM promo_rules WHERE active = TRUE ORDER BY code`

	listPromoCodesSQL = `SELECT code FROM promo_rules`

	upsertPromoSQL = `INSERT INTO promo_rules
		(code, discount_type, percent, amount, max_discount, min_subtotal, description, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
		ON CONFLICT (code) DO UPDATE SET
			discount_type = EXCLUDED.discount_type,
			percent = EXCLUDED.percent,
			amount = EXCLUDED.amount,
			max_discount = EXCLUDED.max_discount,
			min_subtotal = EXCLUDED.min_subtotal,
			description = EXCLUDED.description,
			active = TRUE`
)

var _ promo.Repository = (*PromoRepository)(nil)

// PromoRepository implements promo.Repository backed by PostgreSQL.
type PromoRepository struct {
	pool *pgxpool.Pool
}

// NewPromoRepository returns a PromoRepository that uses the given pool.
func NewPromoRepository(pool *pgxpool.Pool) *PromoRepository {
	return &PromoRepository{pool: pool}
}

// ListActive returns every active rule.
func (r *PromoRepository) ListActive(ctx context.Context) ([]promo.Rule, error) {
	rows, err := r.pool.Query(ctx, listActivePromosSQL)
	if err != nil {
		return nil, fmt.Errorf("listing promo rules: %w", err)
	}
	rules, err := pgx.CollectRows(rows, scanPromoRule)
	if err != nil {
		return nil, fmt.Errorf("listing promo rules: %w", err)
	}
	return rules, nil
}

// Codes calls fn for every stored code, active or not.
func (r *PromoRepository) Codes(ctx context.Context, fn func(code string)) error {
	rows, err := r.pool.Query(ctx, listPromoCodesSQL)
	if err != nil {
		return fmt.Errorf("listing promo codes: %w", err)
	}
	var code string
	_, err = pgx.ForEachRow(rows, []any{&code}, func() error {
		fn(code)
		return nil
	})
	if err != nil {
		return fmt.Errorf("listing promo codes: %w", err)
	}
	return nil
}

// Upsert inserts or replaces rules in a single batch and activates them.
func (r *PromoRepository) Upsert(ctx context.Context, rules ...promo.Rule) error {
	if len(rules) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rule := range rules {
		batch.Queue(upsertPromoSQL,
			promo.NormalizeCode(rule.Code), string(rule.DiscountType), rule.Percent,
			int64(rule.Amount), int64(rule.MaxDiscount), int64(rule.MinSubtotal), rule.Description,
		)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upserting %d promo rules: %w", len(rules), err)
	}
	return nil
}

func scanPromoRule(row pgx.CollectableRow) (promo.Rule, error) {
	var (
		rule                             promo.Rule
		discountType                     string
		percent                          decimal.Decimal
		amount, maxDiscount, minSubtotal int64
	)
	err := row.Scan(&rule.Code, &discountType, &percent, &amount, &maxDiscount, &minSubtotal, &rule.Description)
	rule.DiscountType = promo.DiscountType(discountType)
	rule.Percent = percent
	rule.Amount = money.Money(amount)
	rule.MaxDiscount = money.Money(maxDiscount)
	rule.MinSubtotal = money.Money(minSubtotal)
	return rule, err
}
