// Package ratelimit implements sliding-window admission control for the
// per-account, per-site query quota of the batch API.
package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Default quota parameters. The API allows 1,200 queries per minute per
// (account, site) pair.
const (
	DefaultQuota  = 1200
	DefaultWindow = 60 * time.Second

	// warnThreshold is the usage fraction at which a warning is emitted
	// for operators, independent of allow/deny.
	warnThreshold = 0.8
)

// Prometheus metrics for rate limit decisions.
var (
	rateLimitDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gsc_rate_limit_denied_total",
		Help: "Total requests denied by the sliding-window rate limiter",
	}, []string{"account", "site"})

	rateLimitWarningsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gsc_rate_limit_warnings_total",
		Help: "Windows in which usage crossed the warning threshold",
	}, []string{"account", "site"})

	rateLimitUsage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gsc_rate_limit_window_usage",
		Help: "Requests counted in the current rate limit window",
	}, []string{"account", "site"})
)

// Decision is the outcome of a CheckRate call. When Allowed is false,
// Wait is the suggested sleep before retrying: the time remaining in the
// current window.
type Decision struct {
	Allowed   bool
	Wait      time.Duration
	Remaining int
}

type bucketKey struct {
	account string
	site    string
}

// bucket tracks request count within the current window for one
// (account, site) pair. Reset when the window rolls.
type bucket struct {
	windowStart time.Time
	count       int
	warned      bool
}

// Limiter is a sliding-window counter per (account, site) bucket. All
// increments are increment-and-compare under the lock; callers never
// observe intermediate counts.
type Limiter struct {
	quota  int
	window time.Duration
	logger zerolog.Logger

	mu      sync.Mutex
	buckets map[bucketKey]*bucket

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Limiter with the given quota per window.
func New(quota int, window time.Duration, logger zerolog.Logger) *Limiter {
	if quota <= 0 {
		quota = DefaultQuota
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		quota:   quota,
		window:  window,
		logger:  logger,
		buckets: make(map[bucketKey]*bucket),
		now:     time.Now,
	}
}

// CheckRate atomically accounts n requests against the (account, site)
// bucket. If the post-increment count would exceed the quota, the
// increment is rolled back and the decision reports the remaining window
// time as the suggested wait.
func (l *Limiter) CheckRate(account, site string, n int) Decision {
	key := bucketKey{account: account, site: site}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= l.window {
		b = &bucket{windowStart: now}
		l.buckets[key] = b
	}

	b.count += n
	if b.count > l.quota {
		b.count -= n
		wait := b.windowStart.Add(l.window).Sub(now)

		rateLimitDeniedTotal.WithLabelValues(account, site).Inc()
		l.logger.Debug().
			Str("account", account).
			Str("site", site).
			Int("count", b.count).
			Int("quota", l.quota).
			Dur("wait", wait).
			Msg("Rate limit denied")

		return Decision{Allowed: false, Wait: wait, Remaining: l.quota - b.count}
	}

	rateLimitUsage.WithLabelValues(account, site).Set(float64(b.count))

	if !b.warned && float64(b.count) >= warnThreshold*float64(l.quota) {
		b.warned = true
		rateLimitWarningsTotal.WithLabelValues(account, site).Inc()
		l.logger.Warn().
			Str("account", account).
			Str("site", site).
			Int("count", b.count).
			Int("quota", l.quota).
			Msg("Rate limit usage crossed 80% of quota")
	}

	return Decision{Allowed: true, Remaining: l.quota - b.count}
}

// SetNow overrides the clock (tests only).
func (l *Limiter) SetNow(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
