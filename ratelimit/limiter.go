package ratelimit

import (
	"context"
	"time"

	"vidserve/logger"
	"vidserve/models"
)

// PeriodUsage is the counter state of one window
type PeriodUsage struct {
	Period models.Period `json:"period"`
	Used   int           `json:"used"`
	Limit  int           `json:"limit"`
}

// Decision is the result of one admission check
type Decision struct {
	Admitted bool
	// Exceeded lists every window whose count was at or above its limit.
	Exceeded []PeriodUsage
	// Usage is the per-window state after the check, in models.Periods order.
	Usage []PeriodUsage
	// RetryAfter is the longest remaining TTL among exceeded windows.
	RetryAfter time.Duration
}

// WindowState is what a CounterStore reports for one window
type WindowState struct {
	Count int
	TTL   time.Duration
}

// CounterStore performs the check-and-increment of all windows of one
// credential atomically. When every count is below its limit all counters are
// incremented, otherwise none are. The returned states are in models.Periods
// order and reflect the counters after the operation.
type CounterStore interface {
	CheckAndIncrement(ctx context.Context, credentialID string, limits models.RateLimits, now time.Time) (admitted bool, states []WindowState, err error)
}

// Limiter enforces the per-credential windows
type Limiter struct {
	store CounterStore
}

func New(store CounterStore) *Limiter {
	return &Limiter{store: store}
}

// CheckAndIncrement admits the request iff every window is below its limit.
// If the counter store fails the request is admitted and a warning is logged.
func (l *Limiter) CheckAndIncrement(ctx context.Context, cred *models.Credential, now time.Time) Decision {
	admitted, states, err := l.store.CheckAndIncrement(ctx, cred.ID, cred.Limits, now)
	if err != nil {
		logger.Warnf("Rate limit store unavailable for credential %s, admitting: %v", cred.ID, err)
		return Decision{Admitted: true}
	}

	d := Decision{Admitted: admitted}
	for i, p := range models.Periods {
		var st WindowState
		if i < len(states) {
			st = states[i]
		}
		u := PeriodUsage{Period: p, Used: st.Count, Limit: cred.Limits.For(p)}
		d.Usage = append(d.Usage, u)
		if !admitted && u.Used >= u.Limit {
			d.Exceeded = append(d.Exceeded, u)
			retry := st.TTL
			if retry <= 0 {
				retry = p.Duration()
			}
			if retry > d.RetryAfter {
				d.RetryAfter = retry
			}
		}
	}
	return d
}
