package telemetry

import (
	"context"
	"sync"
	"time"
)

// DailyTotals is a Sink that keeps model call totals for the current
// local day. It resets at local midnight and backs the /health and
// cost_summary views without a database round trip.
type DailyTotals struct {
	mu       sync.Mutex
	totals   Summary
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyTotals uses loc for midnight detection; nil means [time.Local].
func NewDailyTotals(loc *time.Location) *DailyTotals {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTotals{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Record implements Sink. Only model calls count.
func (d *DailyTotals) Record(_ context.Context, rec Record) error {
	if rec.Kind != KindModelCall {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.totals.Calls++
	d.totals.InputTokens += int64(rec.InputTokens)
	d.totals.OutputTokens += int64(rec.OutputTokens)
	d.totals.CacheReadTokens += int64(rec.CacheReadTokens)
	d.totals.CacheCreationTokens += int64(rec.CacheCreationTokens)
	d.totals.CostUSD += rec.CostUSD
	return nil
}

// Snapshot returns today's totals.
func (d *DailyTotals) Snapshot() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.totals
}

// maybeReset must be called with d.mu held.
func (d *DailyTotals) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.totals = Summary{}
		d.resetDay = today
	}
}
