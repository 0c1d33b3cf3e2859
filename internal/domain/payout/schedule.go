package payout

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/homechef-settlement/internal/domain/ledger"
	"github.com/xenking/homechef-settlement/internal/domain/money"
)

// Frequency is how often a schedule closes a period.
type Frequency string

const (
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiWeekly Frequency = "bi-weekly"
	FrequencyMonthly  Frequency = "monthly"
)

// ErrInvalidSchedule is returned when a schedule cannot be used.
var ErrInvalidSchedule = errors.New("invalid payout schedule")

// Schedule is one version of a recipient type's payout rules. Saving a
// change produces a new version; records keep the version they were built
// with.
type Schedule struct {
	RecipientType ledger.RecipientType
	Version       int
	Frequency     Frequency
	// AnchorDay is the weekday periods end on (0 is Sunday) for weekly and
	// bi-weekly schedules, or the day of month (1..28) for monthly ones.
	AnchorDay     int
	MinimumAmount money.Money
	ProcessingFee money.Money
	// SettlementLag is added to the period end to get the due date.
	SettlementLag time.Duration
	Active        bool
	CreatedAt     time.Time
}

// Validate reports whether the schedule is usable.
func (s Schedule) Validate() error {
	if !s.RecipientType.Valid() {
		return errors.Wrapf(ErrInvalidSchedule, "recipient type %q", s.RecipientType)
	}
	switch s.Frequency {
	case FrequencyWeekly, FrequencyBiWeekly:
		if s.AnchorDay < 0 || s.AnchorDay > 6 {
			return errors.Wrapf(ErrInvalidSchedule, "weekday anchor %d out of range", s.AnchorDay)
		}
	case FrequencyMonthly:
		if s.AnchorDay < 1 || s.AnchorDay > 28 {
			return errors.Wrapf(ErrInvalidSchedule, "month day anchor %d out of range", s.AnchorDay)
		}
	default:
		return errors.Wrapf(ErrInvalidSchedule, "frequency %q", s.Frequency)
	}
	if s.MinimumAmount < 0 || s.ProcessingFee < 0 || s.SettlementLag < 0 {
		return errors.Wrap(ErrInvalidSchedule, "negative amount or lag")
	}
	if s.ProcessingFee > s.MinimumAmount {
		return errors.Wrapf(ErrInvalidSchedule, "processing fee %d exceeds minimum %d", s.ProcessingFee, s.MinimumAmount)
	}
	return nil
}

// Period is a half-open settlement interval [Start, End) in UTC.
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Period returns the latest closed period ending at or before asOf.
func (s Schedule) Period(asOf time.Time) Period {
	asOf = asOf.UTC()
	y, m, d := asOf.Date()

	switch s.Frequency {
	case FrequencyMonthly:
		end := time.Date(y, m, s.AnchorDay, 0, 0, 0, 0, time.UTC)
		if end.After(asOf) {
			end = end.AddDate(0, -1, 0)
		}
		return Period{Start: end.AddDate(0, -1, 0), End: end}

	case FrequencyBiWeekly:
		end := lastWeekday(time.Date(y, m, d, 0, 0, 0, 0, time.UTC), time.Weekday(s.AnchorDay))
		weeks := int(end.Sub(biWeeklyOrigin(time.Weekday(s.AnchorDay))).Hours()) / (24 * 7)
		if ((weeks%2)+2)%2 == 1 {
			end = end.AddDate(0, 0, -7)
		}
		return Period{Start: end.AddDate(0, 0, -14), End: end}

	default:
		end := lastWeekday(time.Date(y, m, d, 0, 0, 0, 0, time.UTC), time.Weekday(s.AnchorDay))
		return Period{Start: end.AddDate(0, 0, -7), End: end}
	}
}

// lastWeekday returns the latest midnight on or before day that falls on wd.
func lastWeekday(day time.Time, wd time.Weekday) time.Time {
	offset := (int(day.Weekday()) - int(wd) + 7) % 7
	return day.AddDate(0, 0, -offset)
}

// biWeeklyOrigin is the first wd on or after the Unix epoch. Bi-weekly
// periods end an even number of weeks after it.
func biWeeklyOrigin(wd time.Weekday) time.Time {
	epoch := time.Unix(0, 0).UTC()
	offset := (int(wd) - int(epoch.Weekday()) + 7) % 7
	return epoch.AddDate(0, 0, offset)
}

// ScheduleStore persists versioned schedules.
type ScheduleStore interface {
	// Active returns the newest version for the recipient type, or
	// ErrNotFound.
	Active(ctx context.Context, rt ledger.RecipientType) (*Schedule, error)
	// Save stores s as a new version and sets s.Version.
	Save(ctx context.Context, s *Schedule) error
	History(ctx context.Context, rt ledger.RecipientType) ([]Schedule, error)
}
