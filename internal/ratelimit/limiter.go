// Package ratelimit throttles API callers per client key, so one
// integration hammering the login endpoint cannot starve the rest or
// trip the portal's own abuse detection.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// client is one caller's token bucket plus when it was last used.
type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out one token bucket per client key. Buckets idle for
// longer than the prune window are dropped to keep the map bounded.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*client
	rate    rate.Limit
	burst   int
}

const pruneAfter = 2 * time.Hour

// NewLimiter allows requestsPerHour sustained requests per client with
// bursts up to burst.
func NewLimiter(requestsPerHour, burst int) *Limiter {
	return &Limiter{
		clients: make(map[string]*client),
		rate:    rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:   burst,
	}
}

// Allow reports whether the client may make a request now.
func (l *Limiter) Allow(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[clientID]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[clientID] = c
	}
	c.lastSeen = time.Now()
	return c.limiter.Allow()
}

// Tokens returns the client's currently available tokens.
func (l *Limiter) Tokens(clientID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.clients[clientID]; ok {
		return c.limiter.Tokens()
	}
	return float64(l.burst)
}

// Prune drops buckets that have been idle past the prune window and
// returns how many were removed.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-pruneAfter)
	removed := 0
	for id, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, id)
			removed++
		}
	}
	return removed
}

// PruneEvery runs Prune on the given interval until the returned stop
// function is called. stop is safe to call more than once.
func (l *Limiter) PruneEvery(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				l.Prune()
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}
