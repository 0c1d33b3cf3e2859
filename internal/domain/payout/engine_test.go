package payout

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/homechef-settlement/internal/domain/ledger"
	"github.com/xenking/homechef-settlement/internal/domain/money"
)

// --- Mock implementations ---

type periodKey struct {
	recipientID string
	rt          ledger.RecipientType
	start, end  time.Time
}

type mockStore struct {
	mu      sync.Mutex
	entries []ledger.Entry
	records map[string]Record
	periods map[periodKey]string
}

func newMockStore(entries ...ledger.Entry) *mockStore {
	return &mockStore{
		entries: entries,
		records: make(map[string]Record),
		periods: make(map[periodKey]string),
	}
}

func (m *mockStore) add(entries ...ledger.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
}

func (m *mockStore) Unconsumed(_ context.Context, rt ledger.RecipientType, before time.Time) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Entry
	for _, e := range m.entries {
		if e.RecipientType == rt && !e.Consumed() && e.EarnedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := periodKey{rec.RecipientID, rec.RecipientType, rec.PeriodStart, rec.PeriodEnd}
	if _, ok := m.periods[key]; ok {
		return ErrPeriodExists
	}
	want := make(map[string]bool, len(rec.EntryIDs))
	for _, id := range rec.EntryIDs {
		want[id] = true
	}
	for _, e := range m.entries {
		if want[e.ID] && e.Consumed() {
			return ErrEntriesConsumed
		}
	}
	for i := range m.entries {
		if want[m.entries[i].ID] {
			m.entries[i].PayoutID = rec.ID
		}
	}
	m.periods[key] = rec.ID
	m.records[rec.ID] = *rec
	return nil
}

func (m *mockStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *mockStore) List(_ context.Context, f Filter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientID < out[j].RecipientID })
	return out, nil
}

func (m *mockStore) UpdateStatus(_ context.Context, id string, from Status, u StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != from {
		return ErrConflict
	}
	r.Status = u.Status
	r.FailureReason = u.FailureReason
	r.UpdatedAt = u.UpdatedAt
	m.records[id] = r
	return nil
}

func (m *mockStore) consumed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, e := range m.entries {
		if e.Consumed() {
			n++
		}
	}
	return n
}

type mockSchedules struct {
	versions []Schedule
}

func (m *mockSchedules) Active(_ context.Context, rt ledger.RecipientType) (*Schedule, error) {
	for i := len(m.versions) - 1; i >= 0; i-- {
		if m.versions[i].RecipientType == rt {
			s := m.versions[i]
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockSchedules) Save(_ context.Context, s *Schedule) error {
	s.Version = len(m.versions) + 1
	m.versions = append(m.versions, *s)
	return nil
}

func (m *mockSchedules) History(_ context.Context, rt ledger.RecipientType) ([]Schedule, error) {
	var out []Schedule
	for _, s := range m.versions {
		if s.RecipientType == rt {
			out = append(out, s)
		}
	}
	return out, nil
}

// --- Helpers ---

// Monday.
var weekStart = time.Date(2026, 4, 6, 0, 0, 0, 0, time.UTC)

func weeklyChefSchedule() Schedule {
	return Schedule{
		RecipientType: ledger.RecipientChef,
		Version:       1,
		Frequency:     FrequencyWeekly,
		AnchorDay:     int(time.Monday),
		MinimumAmount: money.Rupees(500),
		ProcessingFee: money.Rupees(10),
		SettlementLag: 48 * time.Hour,
		Active:        true,
	}
}

func chefEntry(id, chef string, amount money.Money, at time.Time) ledger.Entry {
	return ledger.Entry{
		ID:            id,
		OrderID:       "order-" + id,
		RecipientID:   chef,
		RecipientType: ledger.RecipientChef,
		Amount:        amount,
		Gross:         amount * 100 / 85,
		PlatformFee:   amount*100/85 - amount,
		EarnedAt:      at,
	}
}

func newTestEngine(store Store, dispatcher Dispatcher, now time.Time) *Engine {
	return NewEngine(EngineDeps{
		Store:      store,
		Schedules:  &mockSchedules{},
		Dispatcher: dispatcher,
		Clock:      func() time.Time { return now },
	})
}

// --- Tests ---

func TestGenerateBatch_WeeklyScenario(t *testing.T) {
	store := newMockStore(
		chefEntry("e1", "chef-1", money.Rupees(300), weekStart.Add(10*time.Hour)),
		chefEntry("e2", "chef-1", money.Rupees(250), weekStart.Add(50*time.Hour)),
		chefEntry("e3", "chef-1", money.Rupees(100), weekStart.Add(6*24*time.Hour)),
	)
	asOf := weekStart.AddDate(0, 0, 7).Add(9 * time.Hour)
	e := newTestEngine(store, nil, asOf)

	res, err := e.GenerateBatch(context.Background(), weeklyChefSchedule(), asOf)
	require.NoError(t, err)

	assert.Equal(t, weekStart, res.Period.Start)
	assert.Equal(t, weekStart.AddDate(0, 0, 7), res.Period.End)
	require.Len(t, res.Created, 1)
	rec := res.Created[0]
	assert.Equal(t, "chef-1", rec.RecipientID)
	assert.Equal(t, money.Rupees(650), rec.GrossEarnings)
	assert.Equal(t, money.Rupees(10), rec.ProcessingFee)
	assert.Equal(t, money.Rupees(640), rec.NetAmount)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, 1, rec.ScheduleVersion)
	assert.Equal(t, res.Period.End.Add(48*time.Hour), rec.DueDate)
	assert.ElementsMatch(t, []string{"e1", "e2", "e3"}, rec.EntryIDs)
	assert.Equal(t, 3, store.consumed())
}

func TestGenerateBatch_MinimumRollover(t *testing.T) {
	store := newMockStore(
		chefEntry("e1", "chef-1", money.Rupees(400), weekStart.Add(time.Hour)),
	)
	ctx := context.Background()
	sched := weeklyChefSchedule()

	week1 := weekStart.AddDate(0, 0, 7)
	e := newTestEngine(store, nil, week1)
	res, err := e.GenerateBatch(ctx, sched, week1)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, money.Rupees(400), res.Skipped[0].GrossEarnings)
	assert.Zero(t, store.consumed())

	store.add(chefEntry("e2", "chef-1", money.Rupees(150), week1.Add(time.Hour)))

	week2 := week1.AddDate(0, 0, 7)
	res, err = e.GenerateBatch(ctx, sched, week2)
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, money.Rupees(550), res.Created[0].GrossEarnings)
	assert.Equal(t, money.Rupees(540), res.Created[0].NetAmount)
	assert.ElementsMatch(t, []string{"e1", "e2"}, res.Created[0].EntryIDs)
	assert.Equal(t, week1, res.Created[0].PeriodStart)
}

func TestGenerateBatch_Idempotent(t *testing.T) {
	store := newMockStore(
		chefEntry("e1", "chef-1", money.Rupees(600), weekStart.Add(time.Hour)),
		chefEntry("e2", "chef-2", money.Rupees(700), weekStart.Add(2*time.Hour)),
	)
	asOf := weekStart.AddDate(0, 0, 7)
	e := newTestEngine(store, nil, asOf)
	ctx := context.Background()

	first, err := e.GenerateBatch(ctx, weeklyChefSchedule(), asOf)
	require.NoError(t, err)
	require.Len(t, first.Created, 2)

	second, err := e.GenerateBatch(ctx, weeklyChefSchedule(), asOf.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, second.Created)

	// A late entry for a period that already has a record stays unconsumed.
	store.add(chefEntry("late", "chef-1", money.Rupees(900), weekStart.Add(3*time.Hour)))
	third, err := e.GenerateBatch(ctx, weeklyChefSchedule(), asOf)
	require.NoError(t, err)
	assert.Empty(t, third.Created)
	assert.Equal(t, 1, third.Existing)

	all, err := e.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, 2, store.consumed())
}

func TestGenerateBatch_OnlyClosedPeriod(t *testing.T) {
	asOf := weekStart.AddDate(0, 0, 7).Add(5 * time.Hour)
	store := newMockStore(
		chefEntry("e1", "chef-1", money.Rupees(600), weekStart.Add(time.Hour)),
		// Earned in the still-open week.
		chefEntry("e2", "chef-1", money.Rupees(600), asOf.Add(-time.Hour)),
	)
	e := newTestEngine(store, nil, asOf)

	res, err := e.GenerateBatch(context.Background(), weeklyChefSchedule(), asOf)
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, []string{"e1"}, res.Created[0].EntryIDs)
}

func TestGenerateBatch_IgnoresOtherRecipientType(t *testing.T) {
	courier := chefEntry("d1", "rider-1", money.Rupees(900), weekStart.Add(time.Hour))
	courier.RecipientType = ledger.RecipientDelivery
	store := newMockStore(courier)
	asOf := weekStart.AddDate(0, 0, 7)
	e := newTestEngine(store, nil, asOf)

	res, err := e.GenerateBatch(context.Background(), weeklyChefSchedule(), asOf)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Empty(t, res.Skipped)
}

func TestGenerateBatch_ScheduleErrors(t *testing.T) {
	e := newTestEngine(newMockStore(), nil, weekStart)
	ctx := context.Background()

	inactive := weeklyChefSchedule()
	inactive.Active = false
	_, err := e.GenerateBatch(ctx, inactive, weekStart)
	require.ErrorIs(t, err, ErrScheduleInactive)

	invalid := weeklyChefSchedule()
	invalid.ProcessingFee = invalid.MinimumAmount + 1
	_, err = e.GenerateBatch(ctx, invalid, weekStart)
	require.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestGenerateDue_UsesActiveVersion(t *testing.T) {
	store := newMockStore(chefEntry("e1", "chef-1", money.Rupees(300), weekStart.Add(time.Hour)))
	asOf := weekStart.AddDate(0, 0, 7)
	e := newTestEngine(store, nil, asOf)
	ctx := context.Background()

	v1 := weeklyChefSchedule()
	require.NoError(t, e.SaveSchedule(ctx, &v1))
	v2 := weeklyChefSchedule()
	v2.MinimumAmount = money.Rupees(200)
	require.NoError(t, e.SaveSchedule(ctx, &v2))
	assert.Equal(t, 2, v2.Version)

	res, err := e.GenerateDue(ctx, ledger.RecipientChef, asOf)
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, 2, res.Created[0].ScheduleVersion)

	_, err = e.GenerateDue(ctx, ledger.RecipientDelivery, asOf)
	require.ErrorIs(t, err, ErrNotFound)
}

func seededEngine(t *testing.T, dispatcher Dispatcher, chefs ...string) (*Engine, []Record) {
	t.Helper()
	store := newMockStore()
	for i, chef := range chefs {
		store.add(chefEntry(chef+"-e", chef, money.Rupees(int64(600+i)), weekStart.Add(time.Hour)))
	}
	asOf := weekStart.AddDate(0, 0, 7)
	e := newTestEngine(store, dispatcher, asOf)
	res, err := e.GenerateBatch(context.Background(), weeklyChefSchedule(), asOf)
	require.NoError(t, err)
	require.Len(t, res.Created, len(chefs))
	return e, res.Created
}

func TestProcessIndividual(t *testing.T) {
	e, recs := seededEngine(t, nil, "chef-1")
	ctx := context.Background()

	got, err := e.ProcessIndividual(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)

	// Retried admin action is a no-op.
	again, err := e.ProcessIndividual(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, again.Status)

	_, err = e.ProcessIndividual(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestProcessIndividual_DispatchRejected(t *testing.T) {
	rejecting := DispatcherFunc(func(context.Context, Record) error {
		return errors.New("invalid IFSC code")
	})
	e, recs := seededEngine(t, rejecting, "chef-1")

	got, err := e.ProcessIndividual(context.Background(), recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "invalid IFSC code", got.FailureReason)

	stored, err := e.Get(context.Background(), recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
}

func TestProcessBulk_PartialFailure(t *testing.T) {
	dispatcher := DispatcherFunc(func(_ context.Context, rec Record) error {
		if rec.RecipientID == "chef-2" {
			return errors.New("bank account closed")
		}
		return nil
	})
	e, _ := seededEngine(t, dispatcher, "chef-1", "chef-2", "chef-3")

	results, err := e.ProcessBulk(context.Background(), ledger.RecipientChef)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byRecipient := make(map[string]ProcessResult)
	for _, r := range results {
		require.NoError(t, r.Err)
		byRecipient[r.Record.RecipientID] = r
	}
	assert.True(t, byRecipient["chef-1"].OK())
	assert.True(t, byRecipient["chef-3"].OK())
	assert.False(t, byRecipient["chef-2"].OK())
	assert.Equal(t, StatusFailed, byRecipient["chef-2"].Record.Status)

	// Nothing pending is left to process.
	results, err = e.ProcessBulk(context.Background(), ledger.RecipientChef)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestConfirmAndRetry(t *testing.T) {
	e, recs := seededEngine(t, nil, "chef-1", "chef-2")
	ctx := context.Background()
	ok, failed := recs[0].ID, recs[1].ID

	_, err := e.Confirm(ctx, ok, true, "")
	var terr *TransitionError
	require.ErrorAs(t, err, &terr, "pending records cannot be confirmed")
	assert.Equal(t, StatusPending, terr.From)

	for _, id := range []string{ok, failed} {
		_, err := e.ProcessIndividual(ctx, id)
		require.NoError(t, err)
	}

	done, err := e.Confirm(ctx, ok, true, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	again, err := e.Confirm(ctx, ok, true, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)

	rej, err := e.Confirm(ctx, failed, false, "")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rej.Status)
	assert.NotEmpty(t, rej.FailureReason)

	_, err = e.Retry(ctx, ok)
	require.ErrorIs(t, err, ErrInvalidTransition)

	retried, err := e.Retry(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, retried.Status)
	assert.Empty(t, retried.FailureReason)
}

func TestRecord_Overdue(t *testing.T) {
	due := weekStart.AddDate(0, 0, 9)
	rec := Record{Status: StatusPending, DueDate: due}
	assert.False(t, rec.Overdue(due))
	assert.True(t, rec.Overdue(due.Add(time.Second)))

	rec.Status = StatusProcessing
	assert.False(t, rec.Overdue(due.Add(time.Hour)))
}

func TestStatus_CanTransition(t *testing.T) {
	assert.True(t, StatusPending.CanTransition(StatusProcessing))
	assert.False(t, StatusPending.CanTransition(StatusCompleted))
	assert.True(t, StatusProcessing.CanTransition(StatusFailed))
	assert.True(t, StatusFailed.CanTransition(StatusPending))
	assert.False(t, StatusCompleted.CanTransition(StatusPending))
}
