package app

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/homechef-settlement/internal/domain/ledger"
	"github.com/xenking/homechef-settlement/internal/domain/order"
	"github.com/xenking/homechef-settlement/internal/domain/payout"
	"github.com/xenking/homechef-settlement/internal/domain/promo"
	"github.com/xenking/homechef-settlement/internal/storage/memory"
	"github.com/xenking/homechef-settlement/internal/storage/postgres"
	"github.com/xenking/homechef-settlement/pkg/health"
)

// storage groups the repositories behind the services.
type storage struct {
	orders    order.Repository
	ledger    ledger.Repository
	payouts   payout.Store
	schedules payout.ScheduleStore
	promos    promo.Repository
	// ping is nil for the in-memory store.
	ping  health.Pinger
	close func()
}

// openStorage connects to PostgreSQL and applies the schema, or falls back to
// process memory when no database URL is configured.
func openStorage(ctx context.Context, lg *zap.Logger, databaseURL string) (*storage, error) {
	if databaseURL == "" {
		lg.Warn("No database configured, state is kept in memory and lost on restart")
		store := memory.New()
		return &storage{
			orders:    store,
			ledger:    store,
			payouts:   store.Payouts(),
			schedules: store,
			promos:    store,
			close:     func() {},
		}, nil
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return &storage{
		orders:    postgres.NewOrderRepository(pool),
		ledger:    postgres.NewLedgerRepository(pool),
		payouts:   postgres.NewPayoutRepository(pool),
		schedules: postgres.NewScheduleRepository(pool),
		promos:    postgres.NewPromoRepository(pool),
		ping:      pool,
		close:     pool.Close,
	}, nil
}

// seedSchedules stores the configured schedule for every recipient type that
// has none yet. Stored versions always win over configuration.
func seedSchedules(ctx context.Context, lg *zap.Logger, engine *payout.Engine, cfg PayoutConfig) error {
	for rt, sc := range map[ledger.RecipientType]ScheduleConfig{
		ledger.RecipientChef:     cfg.Chef,
		ledger.RecipientDelivery: cfg.Delivery,
	} {
		current, err := engine.ActiveSchedule(ctx, rt)
		switch {
		case err == nil:
			lg.Info("Using stored payout schedule",
				zap.String("recipient_type", string(rt)),
				zap.Int("version", current.Version),
				zap.String("frequency", string(current.Frequency)),
			)
			continue
		case !errors.Is(err, payout.ErrNotFound):
			return errors.Wrapf(err, "load %s schedule", rt)
		}

		s := sc.Schedule(rt)
		if err := engine.SaveSchedule(ctx, &s); err != nil {
			return errors.Wrapf(err, "seed %s schedule", rt)
		}
		lg.Info("Seeded payout schedule from config",
			zap.String("recipient_type", string(rt)),
			zap.Int("version", s.Version),
		)
	}
	return nil
}

// loadPromos builds the promo table from the active rules.
func loadPromos(ctx context.Context, repo promo.Repository) (*promo.Engine, error) {
	rules, err := repo.ListActive(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list promo rules")
	}
	engine, err := promo.NewEngine(rules...)
	if err != nil {
		return nil, errors.Wrap(err, "build promo table")
	}
	return engine, nil
}
