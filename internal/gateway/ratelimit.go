package gateway

import "golang.org/x/time/rate"

// connLimiter bounds request frames per connection. rpm <= 0 disables
// limiting.
type connLimiter struct {
	limiter *rate.Limiter
}

func newConnLimiter(rpm int) *connLimiter {
	if rpm <= 0 {
		return &connLimiter{}
	}
	return &connLimiter{limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60), 5)}
}

func (l *connLimiter) Allow() bool {
	return l.limiter == nil || l.limiter.Allow()
}
