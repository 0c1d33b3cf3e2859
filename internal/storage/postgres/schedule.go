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
	"github.com/xenking/homechef-settlement/internal/domain/payout"
)

const (
	scheduleColumns = `recipient_type, version, frequency, anchor_day, minimum_amount, processing_fee,
		settlement_lag_ms, active, created_at`

	activeScheduleSQL = `SELECT ` + scheduleColumns + ` FROM payout_schedules
		WHERE recipient_type = $1 ORDER BY version DESC LIMIT 1`

	scheduleHistorySQL = `SELECT ` + scheduleColumns + ` FROM payout_schedules
		WHERE recipient_type = $1 ORDER BY version`

	saveScheduleSQL = `INSERT INTO payout_schedules (` + scheduleColumns + `)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3, $4, $5, $6, $7, $8
		FROM payout_schedules WHERE recipient_type = $1
		RETURNING version`
)

var _ payout.ScheduleStore = (*ScheduleRepository)(nil)

// ScheduleRepository implements payout.ScheduleStore backed by PostgreSQL.
type ScheduleRepository struct {
	pool *pgxpool.Pool
}

// NewScheduleRepository returns a ScheduleRepository that uses the given pool.
func NewScheduleRepository(pool *pgxpool.Pool) *ScheduleRepository {
	return &ScheduleRepository{pool: pool}
}

// Active returns the newest schedule version for rt.
func (r *ScheduleRepository) Active(ctx context.Context, rt ledger.RecipientType) (*payout.Schedule, error) {
	rows, err := r.pool.Query(ctx, activeScheduleSQL, string(rt))
	if err != nil {
		return nil, fmt.Errorf("getting %s schedule: %w", rt, err)
	}
	s, err := pgx.CollectExactlyOneRow(rows, scanSchedule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Wrapf(payout.ErrNotFound, "schedule for %s", rt)
		}
		return nil, fmt.Errorf("getting %s schedule: %w", rt, err)
	}
	return &s, nil
}

// Save inserts s as the next version for its recipient type.
func (r *ScheduleRepository) Save(ctx context.Context, s *payout.Schedule) error {
	err := r.pool.QueryRow(ctx, saveScheduleSQL,
		string(s.RecipientType), string(s.Frequency), s.AnchorDay, int64(s.MinimumAmount), int64(s.ProcessingFee),
		s.SettlementLag.Milliseconds(), s.Active, s.CreatedAt,
	).Scan(&s.Version)
	if err != nil {
		return fmt.Errorf("saving %s schedule: %w", s.RecipientType, err)
	}
	return nil
}

// History returns every version for rt, oldest first.
func (r *ScheduleRepository) History(ctx context.Context, rt ledger.RecipientType) ([]payout.Schedule, error) {
	rows, err := r.pool.Query(ctx, scheduleHistorySQL, string(rt))
	if err != nil {
		return nil, fmt.Errorf("listing %s schedules: %w", rt, err)
	}
	out, err := pgx.CollectRows(rows, scanSchedule)
	if err != nil {
		return nil, fmt.Errorf("listing %s schedules: %w", rt, err)
	}
	return out, nil
}

func scanSchedule(row pgx.CollectableRow) (payout.Schedule, error) {
	var (
		s             payout.Schedule
		rt, frequency string
		minimum, fee  int64
		lagMS         int64
	)
	err := row.Scan(&rt, &s.Version, &frequency, &s.AnchorDay, &minimum, &fee, &lagMS, &s.Active, &s.CreatedAt)
	s.RecipientType = ledger.RecipientType(rt)
	s.Frequency = payout.Frequency(frequency)
	s.MinimumAmount = money.Money(minimum)
	s.ProcessingFee = money.Money(fee)
	s.SettlementLag = time.Duration(lagMS) * time.Millisecond
	s.CreatedAt = s.CreatedAt.UTC()
	return s, err
}
