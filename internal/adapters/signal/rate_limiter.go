package signal

import "golang.org/x/time/rate"

// frameLimiter caps inbound frames per connection with a token bucket.
type frameLimiter struct {
	l *rate.Limiter
}

func newFrameLimiter(perSecond float64, burst int) *frameLimiter {
	return &frameLimiter{l: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (fl *frameLimiter) Allow() bool { return fl.l.Allow() }
