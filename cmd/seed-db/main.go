// Command seed-db applies the schema and loads a starter promo table and
// payout schedules into PostgreSQL.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/homechef-settlement/internal/domain/ledger"
	"github.com/xenking/homechef-settlement/internal/domain/money"
	"github.com/xenking/homechef-settlement/internal/domain/payout"
	"github.com/xenking/homechef-settlement/internal/domain/promo"
	"github.com/xenking/homechef-settlement/internal/storage/postgres"
)

var starterPromos = []promo.Rule{
	{
		Code:         "WELCOME20",
		DiscountType: promo.DiscountPercentage,
		Percent:      decimal.NewFromInt(20),
		MaxDiscount:  money.Rupees(150),
		MinSubtotal:  money.Rupees(300),
		Description:  "20% off your first home-cooked meal, up to ₹150",
	},
	{
		Code:         "SAVE50",
		DiscountType: promo.DiscountFixed,
		Amount:       money.Rupees(50),
		MinSubtotal:  money.Rupees(250),
		Description:  "₹50 off orders above ₹250",
	},
	{
		Code:         "FEAST10",
		DiscountType: promo.DiscountPercentage,
		Percent:      decimal.NewFromInt(10),
		Description:  "10% off, no cap",
	},
}

// starterSchedules pays both recipient types every Monday two days after
// the period closes.
var starterSchedules = []payout.Schedule{
	{
		RecipientType: ledger.RecipientChef,
		Frequency:     payout.FrequencyWeekly,
		AnchorDay:     int(time.Monday),
		MinimumAmount: money.Rupees(500),
		ProcessingFee: money.Rupees(10),
		SettlementLag: 48 * time.Hour,
		Active:        true,
	},
	{
		RecipientType: ledger.RecipientDelivery,
		Frequency:     payout.FrequencyWeekly,
		AnchorDay:     int(time.Monday),
		MinimumAmount: money.Rupees(200),
		ProcessingFee: money.Rupees(5),
		SettlementLag: 48 * time.Hour,
		Active:        true,
	},
}

func main() {
	var databaseURL string
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	_ = godotenv.Load()
	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL string) error {
	lg.Info("Connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := postgres.NewPromoRepository(pool).Upsert(ctx, starterPromos...); err != nil {
		return errors.Wrap(err, "seed promos")
	}
	for _, r := range starterPromos {
		lg.Info("Upserted promo", zap.String("code", r.Code), zap.String("description", r.Description))
	}

	if err := seedSchedules(ctx, lg, postgres.NewScheduleRepository(pool)); err != nil {
		return errors.Wrap(err, "seed schedules")
	}
	return nil
}

func seedSchedules(ctx context.Context, lg *zap.Logger, repo payout.ScheduleStore) error {
	for _, s := range starterSchedules {
		current, err := repo.Active(ctx, s.RecipientType)
		if err == nil {
			lg.Info("Schedule already present",
				zap.String("recipient_type", string(s.RecipientType)),
				zap.Int("version", current.Version),
			)
			continue
		}
		if !errors.Is(err, payout.ErrNotFound) {
			return err
		}
		if err := s.Validate(); err != nil {
			return err
		}
		s.CreatedAt = time.Now().UTC()
		if err := repo.Save(ctx, &s); err != nil {
			return err
		}
		lg.Info("Seeded schedule",
			zap.String("recipient_type", string(s.RecipientType)),
			zap.Int("version", s.Version),
		)
	}
	return nil
}
