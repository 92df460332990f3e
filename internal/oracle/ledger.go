package oracle

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/doumen/vana-forja/internal/store"
)

// Limits are the spend caps in USD. A non-positive cap disables the check
// for its period.
type Limits struct {
	DayUSD   float64
	MonthUSD float64
}

// BudgetError reports which cap a request would have broken.
type BudgetError struct {
	// Period is "day" or "month".
	Period string

	// Spent is the persisted total plus outstanding reservations.
	Spent    float64
	Estimate float64
	Cap      float64
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("oracle: %s budget exceeded: spent $%.4f + estimate $%.4f > cap $%.2f",
		e.Period, e.Spent, e.Estimate, e.Cap)
}

// Unwrap makes errors.Is(err, ErrBudgetExceeded) hold.
func (e *BudgetError) Unwrap() error { return ErrBudgetExceeded }

// Summary is a snapshot of spend against the caps.
type Summary struct {
	TodayUSD   float64 `json:"today_usd"`
	MonthUSD   float64 `json:"month_usd"`
	LimitDay   float64 `json:"limit_day"`
	LimitMonth float64 `json:"limit_month"`
	Provider   string  `json:"provider,omitempty"`
}

// Ledger gates spend against daily and monthly caps. Checks and
// reservations happen under one mutex, so concurrent callers in this process
// can never jointly overshoot a cap by more than the estimation error.
type Ledger struct {
	store  store.Ledger
	limits Limits
	now    func() time.Time

	mu       sync.Mutex
	reserved map[string]float64
}

// NewLedger returns a Ledger persisting to l. A nil now uses time.Now.
func NewLedger(l store.Ledger, limits Limits, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		store:    l,
		limits:   limits,
		now:      now,
		reserved: make(map[string]float64),
	}
}

// Limits returns the configured caps.
func (l *Ledger) Limits() Limits { return l.limits }

// Reservation is spend held against the caps until it is committed or
// released. Its period keys are fixed when it is made, so a request that
// straddles midnight is billed to the day it started.
type Reservation struct {
	ledger   *Ledger
	amount   float64
	dayKey   string
	monthKey string
	done     bool
}

// Amount returns the reserved estimate.
func (r *Reservation) Amount() float64 { return r.amount }

// Reserve holds estimate against both caps. It fails with a [*BudgetError]
// when persisted spend plus outstanding reservations plus estimate exceeds a
// cap; nothing is recorded in that case.
func (l *Ledger) Reserve(ctx context.Context, estimate float64) (*Reservation, error) {
	now := l.now()
	day, month := store.DayKey(now), store.MonthKey(now)

	l.mu.Lock()
	defer l.mu.Unlock()

	totals, err := l.store.Totals(ctx, day, month)
	if err != nil {
		return nil, fmt.Errorf("oracle: read spend: %w", err)
	}

	checks := []struct {
		period, key string
		cap         float64
	}{
		{"day", day, l.limits.DayUSD},
		{"month", month, l.limits.MonthUSD},
	}
	for _, c := range checks {
		if c.cap <= 0 {
			continue
		}
		spent := totals[c.key] + l.reserved[c.key]
		if spent+estimate > c.cap {
			return nil, &BudgetError{Period: c.period, Spent: spent, Estimate: estimate, Cap: c.cap}
		}
	}

	l.reserved[day] += estimate
	l.reserved[month] += estimate
	return &Reservation{ledger: l, amount: estimate, dayKey: day, monthKey: month}, nil
}

// Commit persists actual to both period totals in one store operation and
// drops the reservation. The reservation is dropped even when the write
// fails. Calling Commit or Release again is a no-op.
func (r *Reservation) Commit(ctx context.Context, actual float64) error {
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.done {
		return nil
	}
	r.done = true
	l.unreserveLocked(r)

	if err := l.store.AddSpend(ctx, actual, r.dayKey, r.monthKey); err != nil {
		return fmt.Errorf("oracle: record spend: %w", err)
	}
	return nil
}

// Release drops the reservation without recording spend.
func (r *Reservation) Release() {
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.done {
		return
	}
	r.done = true
	l.unreserveLocked(r)
}

func (l *Ledger) unreserveLocked(r *Reservation) {
	for _, key := range []string{r.dayKey, r.monthKey} {
		l.reserved[key] -= r.amount
		if l.reserved[key] <= 1e-12 {
			delete(l.reserved, key)
		}
	}
}

// Summary returns today's and this month's persisted spend, rounded to four
// decimals.
func (l *Ledger) Summary(ctx context.Context) (Summary, error) {
	now := l.now()
	day, month := store.DayKey(now), store.MonthKey(now)
	totals, err := l.store.Totals(ctx, day, month)
	if err != nil {
		return Summary{}, fmt.Errorf("oracle: read spend: %w", err)
	}
	return Summary{
		TodayUSD:   round4(totals[day]),
		MonthUSD:   round4(totals[month]),
		LimitDay:   l.limits.DayUSD,
		LimitMonth: l.limits.MonthUSD,
	}, nil
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
