package memory

import (
	"context"
	"sort"

	"github.com/go-faster/errors"

	"github.com/xenking/homechef-settlement/internal/domain/ledger"
	"github.com/xenking/homechef-settlement/internal/domain/payout"
)

// createPayout stores rec and consumes its entries. Nothing changes if the
// period is already recorded or any entry is unknown or consumed.
func (s *Store) createPayout(rec *payout.Record) error {
	key := periodKey{recipientID: rec.RecipientID, rt: rec.RecipientType, start: rec.PeriodStart, end: rec.PeriodEnd}
	if _, ok := s.payoutPeriod[key]; ok {
		return payout.ErrPeriodExists
	}
	for _, id := range rec.EntryIDs {
		i, ok := s.entryIndex[id]
		if !ok {
			return errors.Errorf("unknown ledger entry %s", id)
		}
		if s.entries[i].Consumed() {
			return errors.Wrapf(payout.ErrEntriesConsumed, "entry %s", id)
		}
	}
	for _, id := range rec.EntryIDs {
		s.entries[s.entryIndex[id]].PayoutID = rec.ID
	}
	stored := *rec
	stored.EntryIDs = append([]string(nil), rec.EntryIDs...)
	s.payouts[rec.ID] = stored
	s.payoutPeriod[key] = rec.ID
	return nil
}

// payoutStore adapts Store to payout.Store, whose method names collide with
// the order repository.
type payoutStore struct{ *Store }

// Payouts returns the payout.Store view of s.
func (s *Store) Payouts() payout.Store {
	return payoutStore{s}
}

func (p payoutStore) Create(_ context.Context, rec *payout.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createPayout(rec)
}

func (p payoutStore) Get(_ context.Context, id string) (*payout.Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.payouts[id]
	if !ok {
		return nil, payout.ErrNotFound
	}
	r.EntryIDs = append([]string(nil), r.EntryIDs...)
	return &r, nil
}

func (p payoutStore) List(_ context.Context, f payout.Filter) ([]payout.Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []payout.Record
	for _, r := range p.payouts {
		if f.Match(r) {
			r.EntryIDs = append([]string(nil), r.EntryIDs...)
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RecipientID < out[j].RecipientID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (p payoutStore) UpdateStatus(_ context.Context, id string, from payout.Status, u payout.StatusUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.payouts[id]
	if !ok {
		return payout.ErrNotFound
	}
	if r.Status != from {
		return payout.ErrConflict
	}
	r.Status = u.Status
	r.FailureReason = u.FailureReason
	r.UpdatedAt = u.UpdatedAt
	p.payouts[id] = r
	return nil
}

// Active returns the newest schedule version for rt.
func (s *Store) Active(_ context.Context, rt ledger.RecipientType) (*payout.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.schedules[rt]
	if len(versions) == 0 {
		return nil, errors.Wrapf(payout.ErrNotFound, "schedule for %s", rt)
	}
	sched := versions[len(versions)-1]
	return &sched, nil
}

// Save appends sched as the next version.
func (s *Store) Save(_ context.Context, sched *payout.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched.Version = len(s.schedules[sched.RecipientType]) + 1
	s.schedules[sched.RecipientType] = append(s.schedules[sched.RecipientType], *sched)
	return nil
}

// History returns every schedule version for rt, oldest first.
func (s *Store) History(_ context.Context, rt ledger.RecipientType) ([]payout.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]payout.Schedule(nil), s.schedules[rt]...), nil
}
