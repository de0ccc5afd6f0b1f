// Package ratelimit gates outbound provider calls against per-minute and
// per-day budgets shared across all pipeline runs for a tenant.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/fieldlog/voice-pipeline/internal/common/metrics"
)

// Scope identifies which budget denied a consumption attempt. Provider-scoped
// denials let the adapter fall back locally; tenant-scoped denials hard-stop
// the run as rate_limited.
type Scope string

const (
	ScopeProvider Scope = "provider"
	ScopeTenant   Scope = "tenant"
)

// Decision is the result of a TryConsume attempt.
type Decision struct {
	Allowed    bool
	Scope      Scope
	RetryAfter time.Duration
}

// Limiter is the consumption gate in front of every remote provider call.
// Check-and-increment is atomic: for N concurrent attempts against a cap of
// K, at most K succeed.
type Limiter interface {
	TryConsume(ctx context.Context, tenant, provider, service string) (Decision, error)
}

// Caps holds the window limits. MinuteCap and DayCap apply per
// (tenant, provider, service) tuple; TenantDailyCeiling caps the tenant's
// total volume across all providers to bound cost exposure.
type Caps struct {
	MinuteCap          int
	DayCap             int
	TenantDailyCeiling int
}

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
)

// MemoryLimiter is the single-process implementation: sliding-window
// timestamp sets guarded by one mutex. Tests inject an isolated instance;
// nothing here is global.
type MemoryLimiter struct {
	caps Caps
	now  func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemoryLimiter creates an isolated in-memory limiter.
func NewMemoryLimiter(caps Caps) *MemoryLimiter {
	return &MemoryLimiter{
		caps:    caps,
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
}

// withClock substitutes the time source. Test hook.
func (l *MemoryLimiter) withClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

// TryConsume checks the tenant ceiling, then the provider windows, and
// records the consumption only if every budget allows it. The whole
// check-and-increment runs under one lock.
func (l *MemoryLimiter) TryConsume(ctx context.Context, tenant, provider, service string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	now := l.now()
	tenantKey := "tenant:" + tenant
	minuteKey := "minute:" + tenant + ":" + provider + ":" + service
	dayKey := "day:" + tenant + ":" + provider + ":" + service

	l.mu.Lock()
	defer l.mu.Unlock()

	if d, denied := l.check(tenantKey, dayWindow, l.caps.TenantDailyCeiling, now, ScopeTenant); denied {
		metrics.RateLimitDenials.WithLabelValues(string(ScopeTenant)).Inc()
		return d, nil
	}
	if d, denied := l.check(minuteKey, minuteWindow, l.caps.MinuteCap, now, ScopeProvider); denied {
		metrics.RateLimitDenials.WithLabelValues(string(ScopeProvider)).Inc()
		return d, nil
	}
	if d, denied := l.check(dayKey, dayWindow, l.caps.DayCap, now, ScopeProvider); denied {
		metrics.RateLimitDenials.WithLabelValues(string(ScopeProvider)).Inc()
		return d, nil
	}

	l.windows[tenantKey] = append(l.windows[tenantKey], now)
	l.windows[minuteKey] = append(l.windows[minuteKey], now)
	l.windows[dayKey] = append(l.windows[dayKey], now)

	return Decision{Allowed: true}, nil
}

// check prunes expired timestamps and reports a denial decision when the
// window is at capacity. Caller holds the lock.
func (l *MemoryLimiter) check(key string, window time.Duration, cap int, now time.Time, scope Scope) (Decision, bool) {
	if cap <= 0 {
		return Decision{}, false
	}

	cutoff := now.Add(-window)
	ts := l.windows[key]
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.windows[key] = kept

	if len(kept) < cap {
		return Decision{}, false
	}

	// Denied: retryAfter is when the oldest timestamp leaves the window.
	oldest := kept[0]
	for _, t := range kept[1:] {
		if t.Before(oldest) {
			oldest = t
		}
	}
	return Decision{
		Allowed:    false,
		Scope:      scope,
		RetryAfter: oldest.Add(window).Sub(now),
	}, true
}
