package ledger

import (
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Injected time source
// =============================================================================

// Clock is the only way ledger components learn the current instant.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock returns a settable instant. Safe for concurrent use.
type FixedClock struct {
	mu  sync.RWMutex
	now time.Time
}

func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{now: t.UTC()} }

func (c *FixedClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// =============================================================================
// DATE UTILITIES
// =============================================================================

// DateOf truncates t to midnight UTC of its calendar day.
func DateOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Date builds a UTC calendar date.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts calendar days from -> to (negative when to is earlier).
func DaysBetween(from, to time.Time) int {
	return int(DateOf(to).Sub(DateOf(from)).Hours() / 24)
}

// addMonthsClamped adds n months, pinning the day to the last day of the
// target month instead of overflowing (Jan 31 + 1 month = Feb 28/29).
func addMonthsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// =============================================================================
// CADENCE - Spacing between installment due dates
// =============================================================================

type CadenceUnit string

const (
	CadenceDay   CadenceUnit = "day"
	CadenceWeek  CadenceUnit = "week"
	CadenceMonth CadenceUnit = "month"
)

// Cadence spaces due dates Interval units apart.
type Cadence struct {
	Unit     CadenceUnit
	Interval int
}

// MonthlyCadence is the default schedule.
var MonthlyCadence = Cadence{Unit: CadenceMonth, Interval: 1}

func (c Cadence) Validate() error {
	if c.Interval < 1 {
		return fmt.Errorf("cadence interval must be >= 1, got %d", c.Interval)
	}
	switch c.Unit {
	case CadenceDay, CadenceWeek, CadenceMonth:
		return nil
	}
	return fmt.Errorf("unknown cadence unit %q", c.Unit)
}

// Step returns the due date of the k-th step (k = 0 is start). Month steps
// are computed from start, not chained, so clamping never drifts.
func (c Cadence) Step(start time.Time, k int) time.Time {
	switch c.Unit {
	case CadenceDay:
		return start.AddDate(0, 0, k*c.Interval)
	case CadenceWeek:
		return start.AddDate(0, 0, 7*k*c.Interval)
	default:
		return addMonthsClamped(start, k*c.Interval)
	}
}

func (c Cadence) String() string { return fmt.Sprintf("every %d %s", c.Interval, c.Unit) }
