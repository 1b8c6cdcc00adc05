// Package schedule paces the background loops: intervals stretch by a
// factor during the night window and every sleep is cancellable.
package schedule

import (
	"context"
	"time"
)

// MinSleep is the shortest pause between two loop iterations.
const MinSleep = time.Second

// Night stretches loop intervals between StartHour and EndHour local time.
// A window with StartHour > EndHour wraps midnight (22 -> 7).
type Night struct {
	StartHour int
	EndHour   int
	Factor    float64
}

// DefaultNight slows loops five times between 22:00 and 07:00.
func DefaultNight() Night {
	return Night{StartHour: 22, EndHour: 7, Factor: 5}
}

// Active reports whether now falls inside the window.
func (n Night) Active(now time.Time) bool {
	if n.StartHour == n.EndHour {
		return false
	}
	h := now.Hour()
	if n.StartHour < n.EndHour {
		return h >= n.StartHour && h < n.EndHour
	}
	return h >= n.StartHour || h < n.EndHour
}

// FactorAt returns the multiplier in effect at now.
func (n Night) FactorAt(now time.Time) float64 {
	if n.Factor <= 0 || !n.Active(now) {
		return 1
	}
	return n.Factor
}

// Interval returns base scaled for now, never below MinSleep.
func (n Night) Interval(base time.Duration, now time.Time) time.Duration {
	d := time.Duration(float64(base) * n.FactorAt(now))
	if d < MinSleep {
		return MinSleep
	}
	return d
}

// Sleep waits for d or until ctx is done. It reports false when cancelled.
func Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Pacer computes the next sleep of a loop. The night factor is evaluated on
// every call.
type Pacer struct {
	Base  time.Duration
	Night Night
	Now   func() time.Time
}

// Next returns the pause before the following iteration.
func (p Pacer) Next() time.Duration {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return p.Night.Interval(p.Base, now())
}

// Wait sleeps for Next or until ctx is done.
func (p Pacer) Wait(ctx context.Context) bool {
	return Sleep(ctx, p.Next())
}
