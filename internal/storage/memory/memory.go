// Package memory implements every repository on a single mutex-guarded
// in-process store. It backs the service when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xenking/homechef-settlement/internal/domain/ledger"
	"github.com/xenking/homechef-settlement/internal/domain/order"
	"github.com/xenking/homechef-settlement/internal/domain/payout"
	"github.com/xenking/homechef-settlement/internal/domain/promo"
)

var (
	_ order.Repository     = (*Store)(nil)
	_ ledger.Repository    = (*Store)(nil)
	_ payout.Store         = payoutStore{}
	_ payout.ScheduleStore = (*Store)(nil)
	_ promo.Repository     = (*Store)(nil)
)

type entryKey struct {
	orderID string
	rt      ledger.RecipientType
}

type periodKey struct {
	recipientID string
	rt          ledger.RecipientType
	start, end  time.Time
}

// Store keeps all state in maps. Reads return copies.
type Store struct {
	mu sync.RWMutex

	orders map[string]order.Order

	entries      []ledger.Entry
	entryIndex   map[string]int
	entryByOrder map[entryKey]string

	payouts      map[string]payout.Record
	payoutPeriod map[periodKey]string

	schedules map[ledger.RecipientType][]payout.Schedule
	promos    []promo.Rule
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		orders:       make(map[string]order.Order),
		entryIndex:   make(map[string]int),
		entryByOrder: make(map[entryKey]string),
		payouts:      make(map[string]payout.Record),
		payoutPeriod: make(map[periodKey]string),
		schedules:    make(map[ledger.RecipientType][]payout.Schedule),
	}
}

// SetPromoRules replaces the promo rule table.
func (s *Store) SetPromoRules(rules ...promo.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promos = append([]promo.Rule(nil), rules...)
}

// ListActive returns the promo rule table.
func (s *Store) ListActive(_ context.Context) ([]promo.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]promo.Rule(nil), s.promos...), nil
}

// Create stores a new order.
func (s *Store) Create(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = *o
	return nil
}

// Get returns an order by id.
func (s *Store) Get(_ context.Context, id string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return &o, nil
}

// Transition compare-and-swaps the order status and appends ledger entries
// under the same lock. Entries for an (order, recipient type) pair that
// already exists are ignored.
func (s *Store) Transition(_ context.Context, id string, from order.Status, u order.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	if o.Status != from {
		return order.ErrConflict
	}
	o.Status = u.Status
	o.Refund = u.Refund
	o.UpdatedAt = u.UpdatedAt
	s.orders[id] = o

	for _, e := range u.Entries {
		key := entryKey{orderID: e.OrderID, rt: e.RecipientType}
		if _, dup := s.entryByOrder[key]; dup {
			continue
		}
		s.entryByOrder[key] = e.ID
		s.entryIndex[e.ID] = len(s.entries)
		s.entries = append(s.entries, e)
	}
	return nil
}

// SetCourier records the courier assigned to an order.
func (s *Store) SetCourier(_ context.Context, id, courierID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.CourierID = courierID
	o.UpdatedAt = at
	s.orders[id] = o
	return nil
}

// ListExpired returns Placed orders whose deadline is before f.Before, oldest
// first.
func (s *Store) ListExpired(_ context.Context, f order.ExpiredFilter) ([]order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []order.Order
	for _, o := range s.orders {
		if o.Status == order.StatusPlaced && o.CancellationDeadline.Before(f.Before) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CancellationDeadline.Before(out[j].CancellationDeadline) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// List returns ledger entries matching f in earning order.
func (s *Store) List(_ context.Context, f ledger.Filter) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.Entry
	for _, e := range s.entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EarnedAt.Before(out[j].EarnedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Unconsumed returns entries of rt earned before the given time that no
// payout covers.
func (s *Store) Unconsumed(_ context.Context, rt ledger.RecipientType, before time.Time) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.Entry
	for _, e := range s.entries {
		if e.RecipientType == rt && !e.Consumed() && e.EarnedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out, nil
}
