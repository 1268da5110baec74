package gateway

import "golang.org/x/time/rate"

// defaultMessagesPerMinute bounds client→server WS messages per connection.
const defaultMessagesPerMinute = 300

// RateLimiter hands out per-connection message limiters. The internal PTY
// channel gets an unlimited one.
type RateLimiter struct {
	perMinute int
	burst     int
}

// NewRateLimiter creates a limiter factory.
// perMinute > 0  → enabled at that rate
// perMinute == 0 → enabled at the default rate
// perMinute < 0  → disabled
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute == 0 {
		perMinute = defaultMessagesPerMinute
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{perMinute: perMinute, burst: burst}
}

// Enabled reports whether connections are rate limited at all.
func (l *RateLimiter) Enabled() bool { return l.perMinute > 0 }

// ForConnection returns a fresh limiter for one connection, or nil when
// limiting is disabled.
func (l *RateLimiter) ForConnection() *rate.Limiter {
	if !l.Enabled() {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.burst)
}
