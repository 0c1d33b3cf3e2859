// Package ledger holds the append-only earnings entries produced when an order
// settles, and the chef reports derived from them.
package ledger

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/homechef-settlement/internal/domain/money"
)

// RecipientType identifies who an entry pays.
type RecipientType string

const (
	RecipientChef     RecipientType = "chef"
	RecipientDelivery RecipientType = "delivery"
)

// ErrInvalidRecipientType is returned for unknown recipient types.
var ErrInvalidRecipientType = errors.New("invalid recipient type")

// Valid reports whether t is a known recipient type.
func (t RecipientType) Valid() bool {
	return t == RecipientChef || t == RecipientDelivery
}

// ParseRecipientType converts s into a RecipientType.
func ParseRecipientType(s string) (RecipientType, error) {
	t := RecipientType(s)
	if !t.Valid() {
		return "", errors.Wrapf(ErrInvalidRecipientType, "%q", s)
	}
	return t, nil
}

// Entry is one recipient's earnings from one settled order. Entries are never
// updated except to record the payout that consumed them.
type Entry struct {
	ID            string
	OrderID       string
	RecipientID   string
	RecipientType RecipientType
	// Amount is what the recipient is owed, tip included.
	Amount money.Money
	Tip    money.Money
	// Gross is the order value the entry was derived from: the subtotal for
	// chefs, the delivery fee for couriers.
	Gross       money.Money
	PlatformFee money.Money
	EarnedAt    time.Time
	// PayoutID is set once a payout record has consumed the entry.
	PayoutID string
}

// Consumed reports whether a payout already covers the entry.
func (e Entry) Consumed() bool {
	return e.PayoutID != ""
}

// Filter selects entries. Zero fields match everything. From is inclusive and
// To is exclusive.
type Filter struct {
	RecipientID   string
	RecipientType RecipientType
	From          time.Time
	To            time.Time
	Limit         int
}

// Match reports whether e satisfies the filter, ignoring Limit.
func (f Filter) Match(e Entry) bool {
	if f.RecipientID != "" && e.RecipientID != f.RecipientID {
		return false
	}
	if f.RecipientType != "" && e.RecipientType != f.RecipientType {
		return false
	}
	if !f.From.IsZero() && e.EarnedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.EarnedAt.Before(f.To) {
		return false
	}
	return true
}

// Repository reads committed entries.
type Repository interface {
	List(ctx context.Context, f Filter) ([]Entry, error)
}
