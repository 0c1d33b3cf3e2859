// Command promo-ingest bulk loads promo rules from plain or gzip-compressed
// rule files into PostgreSQL.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/xenking/homechef-settlement/internal/storage/postgres"
)

func main() {
	var (
		databaseURL string
		pattern     string
		overwrite   bool
		batchSize   int
		capacity    uint
	)
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&pattern, "files", "data/promos*.csv.gz", "glob of rule files")
	flag.BoolVar(&overwrite, "overwrite", false, "replace rules whose code already exists")
	flag.IntVar(&batchSize, "batch", 1000, "rules per upsert batch")
	flag.UintVar(&capacity, "capacity", 10_000_000, "expected number of stored codes")
	flag.Parse()

	lg, err := zap.NewProduction()
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

	if err := run(ctx, lg, databaseURL, pattern, ingester{
		lg:        lg,
		overwrite: overwrite,
		batchSize: max(batchSize, 1),
		capacity:  max(capacity, 1000),
	}); err != nil {
		lg.Fatal("Promo ingest failed", zap.Error(err))
	}
}

func run(ctx context.Context, lg *zap.Logger, databaseURL, pattern string, in ingester) error {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrap(err, "glob")
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %q", pattern)
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	in.store = postgres.NewPromoRepository(pool)
	st, err := in.run(ctx, files)
	if err != nil {
		return err
	}
	lg.Info("Promo ingest completed",
		zap.Int("files", len(files)),
		zap.Int("parsed", st.Parsed),
		zap.Int("invalid", st.Invalid),
		zap.Int("existing", st.Existing),
		zap.Int("written", st.Written),
	)
	return nil
}
