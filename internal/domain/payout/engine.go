package payout

import (
	"context"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/homechef-settlement/internal/domain/ledger"
	"github.com/xenking/homechef-settlement/internal/domain/money"
	"github.com/xenking/homechef-settlement/pkg/keymutex"
)

// Dispatcher hands a processing record to a payment rail. An error means
// the rail rejected the record synchronously.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec Record) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, rec Record) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}

// Notifier receives committed record changes.
type Notifier interface {
	PayoutChanged(ctx context.Context, rec Record)
}

// Metrics counts batch and record activity.
type Metrics interface {
	BatchGenerated(ctx context.Context, rt ledger.RecipientType, created, skipped int)
	PayoutTransitioned(ctx context.Context, rt ledger.RecipientType, to Status)
}

// Skipped describes a recipient left out of a batch. Its entries stay
// unconsumed and roll into the next period.
type Skipped struct {
	RecipientID   string
	GrossEarnings money.Money
	Entries       int
}

// BatchResult is the outcome of GenerateBatch.
type BatchResult struct {
	RecipientType   ledger.RecipientType
	ScheduleVersion int
	Period          Period
	Created         []Record
	Skipped         []Skipped
	// Existing counts recipients that already had a record for the period.
	Existing int
}

// ProcessResult is the per-record outcome of ProcessBulk.
type ProcessResult struct {
	PayoutID string
	Record   *Record
	Err      error
}

// OK reports whether the record was handed off successfully.
func (r ProcessResult) OK() bool {
	return r.Err == nil && r.Record != nil && r.Record.Status == StatusProcessing
}

// EngineDeps bundles collaborators of the payout engine.
type EngineDeps struct {
	Store      Store
	Schedules  ScheduleStore
	Dispatcher Dispatcher
	Clock      func() time.Time
	Logger     *zap.Logger
	Notifier   Notifier
	Metrics    Metrics
	// Concurrency bounds parallel hand-offs in ProcessBulk.
	Concurrency int
}

// Engine generates and processes payout records.
type Engine struct {
	store       Store
	schedules   ScheduleStore
	dispatcher  Dispatcher
	now         func() time.Time
	lg          *zap.Logger
	notifier    Notifier
	metrics     Metrics
	concurrency int

	batchLocks  keymutex.Map
	recordLocks keymutex.Map
}

// NewEngine creates a payout Engine. Without a dispatcher every hand-off is
// accepted.
func NewEngine(deps EngineDeps) *Engine {
	e := &Engine{
		store:       deps.Store,
		schedules:   deps.Schedules,
		dispatcher:  deps.Dispatcher,
		now:         deps.Clock,
		lg:          deps.Logger,
		notifier:    deps.Notifier,
		metrics:     deps.Metrics,
		concurrency: deps.Concurrency,
	}
	if e.dispatcher == nil {
		e.dispatcher = DispatcherFunc(func(context.Context, Record) error { return nil })
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.lg == nil {
		e.lg = zap.NewNop()
	}
	if e.concurrency <= 0 {
		e.concurrency = 4
	}
	return e
}

// ActiveSchedule returns the newest schedule version for rt.
func (e *Engine) ActiveSchedule(ctx context.Context, rt ledger.RecipientType) (*Schedule, error) {
	return e.schedules.Active(ctx, rt)
}

// SaveSchedule validates s and stores it as a new version.
func (e *Engine) SaveSchedule(ctx context.Context, s *Schedule) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s.CreatedAt = e.now().UTC()
	if err := e.schedules.Save(ctx, s); err != nil {
		return errors.Wrap(err, "save schedule")
	}
	e.lg.Info("Payout schedule saved",
		zap.String("recipient_type", string(s.RecipientType)),
		zap.Int("version", s.Version),
		zap.Bool("active", s.Active),
	)
	return nil
}

// GenerateDue runs GenerateBatch with the active schedule for rt.
func (e *Engine) GenerateDue(ctx context.Context, rt ledger.RecipientType, asOf time.Time) (*BatchResult, error) {
	sched, err := e.schedules.Active(ctx, rt)
	if err != nil {
		return nil, errors.Wrap(err, "active schedule")
	}
	return e.GenerateBatch(ctx, *sched, asOf)
}

// GenerateBatch folds the unconsumed entries of the schedule's recipient type
// into pending records for the latest period closed at asOf. Recipients below
// the minimum are skipped and their entries roll forward. Re-running for a
// settled period creates nothing.
func (e *Engine) GenerateBatch(ctx context.Context, sched Schedule, asOf time.Time) (*BatchResult, error) {
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	if !sched.Active {
		return nil, errors.Wrapf(ErrScheduleInactive, "%s v%d", sched.RecipientType, sched.Version)
	}

	unlock := e.batchLocks.Lock(string(sched.RecipientType))
	defer unlock()

	period := sched.Period(asOf)
	res := &BatchResult{
		RecipientType:   sched.RecipientType,
		ScheduleVersion: sched.Version,
		Period:          period,
	}

	entries, err := e.store.Unconsumed(ctx, sched.RecipientType, period.End)
	if err != nil {
		return nil, errors.Wrap(err, "unconsumed entries")
	}

	byRecipient := make(map[string][]ledger.Entry)
	for _, en := range entries {
		byRecipient[en.RecipientID] = append(byRecipient[en.RecipientID], en)
	}
	recipients := make([]string, 0, len(byRecipient))
	for id := range byRecipient {
		recipients = append(recipients, id)
	}
	sort.Strings(recipients)

	now := e.now().UTC()
	for _, recipientID := range recipients {
		group := byRecipient[recipientID]

		var gross, platformFee money.Money
		ids := make([]string, 0, len(group))
		for _, en := range group {
			gross += en.Amount
			platformFee += en.PlatformFee
			ids = append(ids, en.ID)
		}

		if gross <= 0 || gross < sched.MinimumAmount {
			res.Skipped = append(res.Skipped, Skipped{
				RecipientID:   recipientID,
				GrossEarnings: gross,
				Entries:       len(group),
			})
			continue
		}

		rec := &Record{
			ID:                         uuid.New().String(),
			RecipientID:                recipientID,
			RecipientType:              sched.RecipientType,
			ScheduleVersion:            sched.Version,
			PeriodStart:                period.Start,
			PeriodEnd:                  period.End,
			EntryIDs:                   ids,
			GrossEarnings:              gross,
			PlatformFeeAlreadyDeducted: platformFee,
			ProcessingFee:              sched.ProcessingFee,
			NetAmount:                  gross - sched.ProcessingFee,
			Status:                     StatusPending,
			DueDate:                    period.End.Add(sched.SettlementLag),
			CreatedAt:                  now,
			UpdatedAt:                  now,
		}
		if err := e.store.Create(ctx, rec); err != nil {
			switch {
			case errors.Is(err, ErrPeriodExists):
				res.Existing++
				continue
			case errors.Is(err, ErrEntriesConsumed):
				e.lg.Warn("Entries consumed concurrently", zap.String("recipient_id", recipientID))
				continue
			}
			return nil, errors.Wrapf(err, "create payout for %s", recipientID)
		}
		res.Created = append(res.Created, *rec)
		e.notify(ctx, *rec)
	}

	e.lg.Info("Payout batch generated",
		zap.String("recipient_type", string(sched.RecipientType)),
		zap.Int("schedule_version", sched.Version),
		zap.Time("period_start", period.Start),
		zap.Time("period_end", period.End),
		zap.Int("created", len(res.Created)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int("existing", res.Existing),
	)
	if e.metrics != nil {
		e.metrics.BatchGenerated(ctx, sched.RecipientType, len(res.Created), len(res.Skipped))
	}
	return res, nil
}

// Get returns a record by id.
func (e *Engine) Get(ctx context.Context, id string) (*Record, error) {
	return e.store.Get(ctx, id)
}

// List returns records matching f.
func (e *Engine) List(ctx context.Context, f Filter) ([]Record, error) {
	return e.store.List(ctx, f)
}

// ProcessIndividual moves a pending record to Processing and dispatches it.
// A synchronous rejection moves it on to Failed. Records in any other status
// are returned unchanged.
func (e *Engine) ProcessIndividual(ctx context.Context, id string) (*Record, error) {
	unlock := e.recordLocks.Lock(id)
	defer unlock()

	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusPending {
		return rec, nil
	}

	if err := e.transition(ctx, rec, StatusProcessing, ""); err != nil {
		if errors.Is(err, ErrConflict) {
			return e.store.Get(ctx, id)
		}
		return nil, err
	}

	if derr := e.dispatcher.Dispatch(ctx, *rec); derr != nil {
		e.lg.Warn("Payout dispatch rejected",
			zap.String("payout_id", rec.ID),
			zap.String("recipient_id", rec.RecipientID),
			zap.Error(derr),
		)
		if err := e.transition(ctx, rec, StatusFailed, derr.Error()); err != nil {
			return nil, errors.Wrap(err, "mark failed")
		}
	}
	return rec, nil
}

// ProcessBulk processes every pending record of the type and reports each
// outcome. One record failing never stops the others.
func (e *Engine) ProcessBulk(ctx context.Context, rt ledger.RecipientType) ([]ProcessResult, error) {
	pending, err := e.store.List(ctx, Filter{RecipientType: rt, Status: StatusPending})
	if err != nil {
		return nil, errors.Wrap(err, "list pending")
	}

	results := make([]ProcessResult, len(pending))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, rec := range pending {
		g.Go(func() error {
			r, err := e.ProcessIndividual(gCtx, rec.ID)
			results[i] = ProcessResult{PayoutID: rec.ID, Record: r, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	var ok int
	for _, r := range results {
		if r.OK() {
			ok++
		}
	}
	e.lg.Info("Bulk payout processed",
		zap.String("recipient_type", string(rt)),
		zap.Int("total", len(results)),
		zap.Int("handed_off", ok),
	)
	return results, nil
}

// Confirm records the rail's asynchronous verdict on a processing record.
// Repeating the same verdict is a no-op.
func (e *Engine) Confirm(ctx context.Context, id string, success bool, reason string) (*Record, error) {
	unlock := e.recordLocks.Lock(id)
	defer unlock()

	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	target := StatusCompleted
	if !success {
		target = StatusFailed
	}
	if rec.Status == target {
		return rec, nil
	}
	if !rec.Status.CanTransition(target) {
		return nil, &TransitionError{PayoutID: rec.ID, From: rec.Status, To: target}
	}
	if !success && reason == "" {
		reason = "rejected by payment rail"
	}
	if success {
		reason = ""
	}
	if err := e.transition(ctx, rec, target, reason); err != nil {
		return nil, err
	}
	return rec, nil
}

// Retry moves a failed record back to Pending so it can be processed again.
// Its entries stay attached to it.
func (e *Engine) Retry(ctx context.Context, id string) (*Record, error) {
	unlock := e.recordLocks.Lock(id)
	defer unlock()

	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusPending {
		return rec, nil
	}
	if rec.Status != StatusFailed {
		return nil, &TransitionError{PayoutID: rec.ID, From: rec.Status, To: StatusPending}
	}
	if err := e.transition(ctx, rec, StatusPending, ""); err != nil {
		return nil, err
	}
	return rec, nil
}

// transition compare-and-swaps rec's status in the store and updates rec.
func (e *Engine) transition(ctx context.Context, rec *Record, to Status, reason string) error {
	u := StatusUpdate{Status: to, FailureReason: reason, UpdatedAt: e.now().UTC()}
	if err := e.store.UpdateStatus(ctx, rec.ID, rec.Status, u); err != nil {
		return errors.Wrapf(err, "payout %s: %s -> %s", rec.ID, rec.Status, to)
	}
	from := rec.Status
	rec.Status = u.Status
	rec.FailureReason = u.FailureReason
	rec.UpdatedAt = u.UpdatedAt

	e.lg.Info("Payout status changed",
		zap.String("payout_id", rec.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	if e.metrics != nil {
		e.metrics.PayoutTransitioned(ctx, rec.RecipientType, to)
	}
	e.notify(ctx, *rec)
	return nil
}

func (e *Engine) notify(ctx context.Context, rec Record) {
	if e.notifier != nil {
		e.notifier.PayoutChanged(ctx, rec)
	}
}
