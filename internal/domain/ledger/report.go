package ledger

import (
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/homechef-settlement/internal/domain/breakdown"
	"github.com/xenking/homechef-settlement/internal/domain/money"
)

// Granularity is the bucket size of a report.
type Granularity string

const (
	Daily   Granularity = "daily"
	Weekly  Granularity = "weekly"
	Monthly Granularity = "monthly"
	Yearly  Granularity = "yearly"
)

// ErrInvalidGranularity is returned for unknown report granularities.
var ErrInvalidGranularity = errors.New("invalid report granularity")

// ParseGranularity converts s into a Granularity.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(s); g {
	case Daily, Weekly, Monthly, Yearly:
		return g, nil
	}
	return "", errors.Wrapf(ErrInvalidGranularity, "%q", s)
}

// Start returns the beginning of the bucket containing t, in UTC. Weeks start
// on Monday.
func (g Granularity) Start(t time.Time) time.Time {
	t = t.UTC()
	y, m, d := t.Date()
	switch g {
	case Weekly:
		day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Monthly:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	case Yearly:
		return time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
}

// Next returns the start of the bucket after the one beginning at start.
func (g Granularity) Next(start time.Time) time.Time {
	switch g {
	case Weekly:
		return start.AddDate(0, 0, 7)
	case Monthly:
		return start.AddDate(0, 1, 0)
	case Yearly:
		return start.AddDate(1, 0, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// Bucket aggregates the entries earned in [Start, End).
type Bucket struct {
	Start       time.Time
	End         time.Time
	Orders      int
	GrossSales  money.Money
	Commission  money.Money
	NetEarnings money.Money
	Tips        money.Money
}

// Margin is net earnings excluding tips as a percentage of gross sales,
// rounded to two places.
func (b Bucket) Margin() decimal.Decimal {
	if b.GrossSales <= 0 {
		return decimal.Zero
	}
	net := decimal.NewFromInt(int64(b.NetEarnings - b.Tips))
	return net.Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(int64(b.GrossSales))).Round(2)
}

func (b *Bucket) add(e Entry) {
	b.Orders++
	b.GrossSales += e.Gross
	b.Commission += e.PlatformFee
	b.NetEarnings += e.Amount
	b.Tips += e.Tip
}

// Report is a recipient's earnings summary.
type Report struct {
	RecipientID    string
	Granularity    Granularity
	CommissionRate decimal.Decimal
	Buckets        []Bucket
	Totals         Bucket
}

// Summarize folds entries into buckets of the given granularity, oldest
// first. Only committed amounts are used; commission is never recomputed.
func Summarize(recipientID string, g Granularity, entries []Entry) Report {
	r := Report{
		RecipientID:    recipientID,
		Granularity:    g,
		CommissionRate: breakdown.CommissionRate,
	}

	byStart := make(map[time.Time]*Bucket)
	for _, e := range entries {
		start := g.Start(e.EarnedAt)
		b, ok := byStart[start]
		if !ok {
			b = &Bucket{Start: start, End: g.Next(start)}
			byStart[start] = b
		}
		b.add(e)
		r.Totals.add(e)
	}

	r.Buckets = make([]Bucket, 0, len(byStart))
	for _, b := range byStart {
		r.Buckets = append(r.Buckets, *b)
	}
	sort.Slice(r.Buckets, func(i, j int) bool {
		return r.Buckets[i].Start.Before(r.Buckets[j].Start)
	})
	if n := len(r.Buckets); n > 0 {
		r.Totals.Start = r.Buckets[0].Start
		r.Totals.End = r.Buckets[n-1].End
	}
	return r
}
