// Package scheduler runs the periodic settlement jobs: payout batch
// generation, optional bulk hand-off and the cancellation window sweep.
package scheduler

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/homechef-settlement/internal/domain/ledger"
	"github.com/xenking/homechef-settlement/internal/domain/payout"
)

// Payouts is the part of the payout engine the scheduler drives.
type Payouts interface {
	GenerateDue(ctx context.Context, rt ledger.RecipientType, asOf time.Time) (*payout.BatchResult, error)
	ProcessBulk(ctx context.Context, rt ledger.RecipientType) ([]payout.ProcessResult, error)
}

// Orders is the part of the order service the scheduler drives.
type Orders interface {
	ConfirmExpired(ctx context.Context, limit int) (int, error)
}

// Config holds cron specs in the standard five-field format or descriptors
// like "@every 30s". An empty spec disables the job.
type Config struct {
	BatchSpec   string
	SweepSpec   string
	SweepLimit  int
	AutoProcess bool
	JobTimeout  time.Duration
}

// Deps bundles scheduler collaborators.
type Deps struct {
	Payouts        Payouts
	Orders         Orders
	Clock          func() time.Time
	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
}

// Scheduler owns the cron instance.
type Scheduler struct {
	cron    *cron.Cron
	cfg     Config
	payouts Payouts
	orders  Orders
	now     func() time.Time
	lg      *zap.Logger
	tracer  trace.Tracer
}

// New creates a Scheduler and registers its jobs. Runs of the same job never
// overlap.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	s := &Scheduler{
		cfg:     cfg,
		payouts: deps.Payouts,
		orders:  deps.Orders,
		now:     deps.Clock,
		lg:      deps.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.lg == nil {
		s.lg = zap.NewNop()
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	s.tracer = tp.Tracer("github.com/xenking/homechef-settlement/internal/scheduler")
	if s.cfg.JobTimeout <= 0 {
		s.cfg.JobTimeout = 2 * time.Minute
	}

	cronLog := cron.PrintfLogger(zap.NewStdLog(s.lg.Named("cron")))
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	if cfg.BatchSpec != "" && s.payouts != nil {
		if _, err := s.cron.AddFunc(cfg.BatchSpec, s.job(s.RunBatches)); err != nil {
			return nil, errors.Wrapf(err, "schedule batches %q", cfg.BatchSpec)
		}
	}
	if cfg.SweepSpec != "" && s.orders != nil {
		if _, err := s.cron.AddFunc(cfg.SweepSpec, s.job(s.SweepWindows)); err != nil {
			return nil, errors.Wrapf(err, "schedule sweep %q", cfg.SweepSpec)
		}
	}
	return s, nil
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start runs the jobs in the background.
func (s *Scheduler) Start() {
	s.lg.Info("Starting scheduler", zap.Int("jobs", s.Jobs()))
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	s.lg.Info("Stopping scheduler")
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.lg.Warn("Scheduler jobs still running at shutdown")
	}
}

func (s *Scheduler) job(fn func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.lg.Error("Scheduled job failed", zap.Error(err))
		}
	}
}

// RunBatches generates the due batch for every recipient type and, when
// AutoProcess is set, hands the pending records to the rail. A type without
// an active schedule is skipped.
func (s *Scheduler) RunBatches(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.RunBatches")
	defer span.End()

	asOf := s.now().UTC()
	var failed error
	fail := func(err error) {
		s.lg.Warn("Batch step failed", zap.Error(err))
		if failed == nil {
			failed = err
		}
	}
	for _, rt := range []ledger.RecipientType{ledger.RecipientChef, ledger.RecipientDelivery} {
		res, err := s.payouts.GenerateDue(ctx, rt, asOf)
		switch {
		case errors.Is(err, payout.ErrNotFound), errors.Is(err, payout.ErrScheduleInactive):
			s.lg.Debug("No active payout schedule", zap.String("recipient_type", string(rt)))
			continue
		case err != nil:
			fail(errors.Wrapf(err, "generate %s batch", rt))
			continue
		}
		span.SetAttributes(attribute.Int(string(rt)+".created", len(res.Created)))

		if !s.cfg.AutoProcess {
			continue
		}
		results, err := s.payouts.ProcessBulk(ctx, rt)
		if err != nil {
			fail(errors.Wrapf(err, "process %s payouts", rt))
			continue
		}
		for _, r := range results {
			if r.Err != nil {
				s.lg.Warn("Payout hand-off failed", zap.String("payout_id", r.PayoutID), zap.Error(r.Err))
			}
		}
	}
	if failed != nil {
		span.RecordError(failed)
		span.SetStatus(codes.Error, "batch run failed")
	}
	return failed
}

// SweepWindows confirms Placed orders whose cancellation window closed.
func (s *Scheduler) SweepWindows(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.SweepWindows")
	defer span.End()

	n, err := s.orders.ConfirmExpired(ctx, s.cfg.SweepLimit)
	span.SetAttributes(attribute.Int("confirmed", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep failed")
		return errors.Wrap(err, "confirm expired")
	}
	if n > 0 {
		s.lg.Info("Confirmed expired orders", zap.Int("count", n))
	}
	return nil
}
