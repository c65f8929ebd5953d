package channels

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedChats caps the limiter map so rotating chat IDs cannot
// grow it without bound.
const maxTrackedChats = 4096

// Throttle provides a per-chat token bucket for outbound sends.
// Platforms rate-limit message edits per conversation, not globally,
// so each chat gets its own limiter.
type Throttle struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottle creates a per-chat throttle allowing perSecond events
// with the given burst.
func NewThrottle(perSecond float64, burst int) *Throttle {
	return &Throttle{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until the chat's limiter grants a token or ctx is done.
func (t *Throttle) Wait(ctx context.Context, chatID string) error {
	return t.limiter(chatID).Wait(ctx)
}

// Allow reports whether a token is available without blocking.
func (t *Throttle) Allow(chatID string) bool {
	return t.limiter(chatID).Allow()
}

func (t *Throttle) limiter(chatID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if l, ok := t.limiters[chatID]; ok {
		return l
	}
	if len(t.limiters) >= maxTrackedChats {
		for k := range t.limiters {
			delete(t.limiters, k)
			break
		}
	}
	l := rate.NewLimiter(t.limit, t.burst)
	t.limiters[chatID] = l
	return l
}
