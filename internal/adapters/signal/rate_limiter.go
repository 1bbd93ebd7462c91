package signal

import (
	"sync"
	"time"

	"github.com/dkeye/Duet/internal/domain"
)

// MessageRateLimiter bounds how many messages one identity may route per
// sliding window. Endpoints over the limit get an error reply and the
// message is dropped; the connection stays open.
type MessageRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.Identity][]time.Time
	limit    int
	interval time.Duration
}

func NewMessageRateLimiter(limit int, interval time.Duration) *MessageRateLimiter {
	return &MessageRateLimiter{
		history:  make(map[domain.Identity][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *MessageRateLimiter) Allow(id domain.Identity) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[id] = fresh
	return true
}

// Forget drops an identity's history once its connection is gone.
func (rl *MessageRateLimiter) Forget(id domain.Identity) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, id)
}
