// Package payout batches ledger entries into scheduled payout records and
// drives the record lifecycle.
package payout

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/homechef-settlement/internal/domain/ledger"
	"github.com/xenking/homechef-settlement/internal/domain/money"
)

// Status is a payout record's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a record may move from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		return next == StatusPending
	}
	return false
}

// Sentinel errors for payout operations.
var (
	ErrNotFound         = errors.New("payout not found")
	ErrScheduleInactive = errors.New("payout schedule inactive")
	// ErrPeriodExists is returned by Store.Create when the recipient already
	// has a record for the period.
	ErrPeriodExists = errors.New("payout period already recorded")
	// ErrEntriesConsumed is returned by Store.Create when an entry already
	// belongs to another record.
	ErrEntriesConsumed   = errors.New("ledger entries already consumed")
	ErrInvalidTransition = errors.New("invalid payout transition")
	ErrConflict          = errors.New("payout status changed concurrently")
)

// TransitionError reports a status change not reachable from the current
// state.
type TransitionError struct {
	PayoutID string
	From     Status
	To       Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("payout %s: cannot move from %s to %s", e.PayoutID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Record is one recipient's payout for one schedule period.
type Record struct {
	ID              string
	RecipientID     string
	RecipientType   ledger.RecipientType
	ScheduleVersion int
	PeriodStart     time.Time
	PeriodEnd       time.Time
	EntryIDs        []string
	GrossEarnings   money.Money
	// PlatformFeeAlreadyDeducted is informational: commission was removed
	// when the entries were written.
	PlatformFeeAlreadyDeducted money.Money
	ProcessingFee              money.Money
	NetAmount                  money.Money
	Status                     Status
	DueDate                    time.Time
	FailureReason              string
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

// Overdue reports whether the record is still pending past its due date.
func (r Record) Overdue(now time.Time) bool {
	return r.Status == StatusPending && r.DueDate.Before(now)
}

// Filter selects records. Zero fields match everything.
type Filter struct {
	RecipientID   string
	RecipientType ledger.RecipientType
	Status        Status
	Limit         int
}

// Match reports whether r satisfies the filter, ignoring Limit.
func (f Filter) Match(r Record) bool {
	if f.RecipientID != "" && r.RecipientID != f.RecipientID {
		return false
	}
	if f.RecipientType != "" && r.RecipientType != f.RecipientType {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// StatusUpdate is the change applied by Store.UpdateStatus.
type StatusUpdate struct {
	Status        Status
	FailureReason string
	UpdatedAt     time.Time
}

// Store persists payout records.
type Store interface {
	// Unconsumed returns entries of the type earned before the given time
	// that no record covers yet.
	Unconsumed(ctx context.Context, rt ledger.RecipientType, before time.Time) ([]ledger.Entry, error)
	// Create stores rec and marks rec.EntryIDs consumed in one transaction.
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, f Filter) ([]Record, error)
	// UpdateStatus applies u only if the stored status equals from,
	// otherwise it returns ErrConflict.
	UpdateStatus(ctx context.Context, id string, from Status, u StatusUpdate) error
}
