package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces the minimum spacing of calls per credential.
type Limiter interface {
	Wait(ctx context.Context, credentialID string) error
}

// LocalLimiter keeps one token bucket per credential in process memory.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    time.Duration
	burst    int
}

// NewLocalLimiter allows rpm calls per minute per credential.
func NewLocalLimiter(rpm, burst int) *LocalLimiter {
	if rpm <= 0 {
		rpm = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		every:    time.Minute / time.Duration(rpm),
		burst:    burst,
	}
}

// Wait blocks until credentialID may issue another call.
func (l *LocalLimiter) Wait(ctx context.Context, credentialID string) error {
	l.mu.Lock()
	lim, ok := l.limiters[credentialID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.every), l.burst)
		l.limiters[credentialID] = lim
	}
	l.mu.Unlock()

	return lim.Wait(ctx)
}

type unlimited struct{}

func (unlimited) Wait(ctx context.Context, _ string) error { return ctx.Err() }

// Unlimited returns a Limiter that never delays.
func Unlimited() Limiter { return unlimited{} }
