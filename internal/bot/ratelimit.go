package bot

import (
	"sync"
	"time"
)

// RateLimiter — внутрипроцессный лимит на пользователя и команду.
type RateLimiter struct {
	mu       sync.Mutex
	lastCall map[int64]map[string]time.Time
	limits   map[string]time.Duration
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		lastCall: make(map[int64]map[string]time.Time),
		limits: map[string]time.Duration{
			"/buy":           10 * time.Second,
			"/trial":         10 * time.Second,
			"/getkey":        5 * time.Second,
			"/subscriptions": 5 * time.Second,
			"/balance":       5 * time.Second,
			"/promo":         5 * time.Second,
		},
	}
}

// IsLimited возвращает true, если пользователю рано повторять команду.
func (r *RateLimiter) IsLimited(userID int64, cmd string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if r.lastCall[userID] == nil {
		r.lastCall[userID] = make(map[string]time.Time)
	}
	limit, ok := r.limits[cmd]
	if !ok {
		limit = 2 * time.Second
	}
	last := r.lastCall[userID][cmd]
	if now.Sub(last) < limit {
		return true
	}
	r.lastCall[userID][cmd] = now
	return false
}
