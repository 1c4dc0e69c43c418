package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rate limiter rejection reasons
const (
	ReasonRateLimited   = "rate limit exceeded"
	ReasonTooConcurrent = "too many concurrent requests"
)

// ClientRateLimiter bounds one caller's request rate with a token bucket and
// its in-flight queries with a counter
type ClientRateLimiter struct {
	mu                sync.Mutex
	limiter           *rate.Limiter
	requestsPerMinute int
	maxConcurrent     int
	inFlight          int
	total             int
}

// NewClientRateLimiter creates a limiter allowing 60 requests per minute and
// 4 concurrent queries
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(60, 4)
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	r := &ClientRateLimiter{}
	r.setLimits(requestsPerMinute, maxConcurrent)
	return r
}

func (r *ClientRateLimiter) setLimits(requestsPerMinute, maxConcurrent int) {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	r.requestsPerMinute = requestsPerMinute
	r.maxConcurrent = maxConcurrent
	r.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), requestsPerMinute)
}

// Begin admits a request, or returns false with the rejection reason.
// Every admitted request must be paired with End.
func (r *ClientRateLimiter) Begin() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.maxConcurrent {
		return false, ReasonTooConcurrent
	}
	if !r.limiter.Allow() {
		return false, ReasonRateLimited
	}
	r.inFlight++
	r.total++
	return true, ""
}

// End releases a request admitted by Begin
func (r *ClientRateLimiter) End() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight > 0 {
		r.inFlight--
	}
}

// UpdateLimits replaces the limits. The token bucket starts full.
func (r *ClientRateLimiter) UpdateLimits(requestsPerMinute, maxConcurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.setLimits(requestsPerMinute, maxConcurrent)
}

// GetStats returns the admitted request count and in-flight count
func (r *ClientRateLimiter) GetStats() (admitted, inFlight int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.total, r.inFlight
}
