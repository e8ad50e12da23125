package walker

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// limiters hands out one token bucket per domain.
type limiters struct {
	mu    sync.Mutex
	rps   float64
	byKey map[string]*rate.Limiter
}

func newLimiters(rps float64) *limiters {
	return &limiters{rps: rps, byKey: map[string]*rate.Limiter{}}
}

func (l *limiters) wait(ctx context.Context, domain string) error {
	if l.rps <= 0 {
		return nil
	}

	l.mu.Lock()
	lim, ok := l.byKey[domain]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rps), 1)
		l.byKey[domain] = lim
	}
	l.mu.Unlock()

	return lim.Wait(ctx)
}
