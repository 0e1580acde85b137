package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultLimiterTTL   = 10 * time.Minute
	defaultSweepPeriod  = time.Minute
	defaultRequestsRate = 5
	defaultBurst        = 10
)

// RateLimitConfig sets the token bucket every caller key receives.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterPool hands out one token bucket per caller key. Idle entries are swept
// inline on access, so the pool owns no goroutine.
type limiterPool struct {
	mu        sync.Mutex
	entries   map[string]*limiterEntry
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	period    time.Duration
	lastSweep time.Time
	clock     func() time.Time
}

func newLimiterPool(cfg RateLimitConfig, clock func() time.Time) *limiterPool {
	requestsPerSecond := cfg.RequestsPerSecond
	if requestsPerSecond <= 0 {
		requestsPerSecond = defaultRequestsRate
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	if clock == nil {
		clock = time.Now
	}
	return &limiterPool{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(requestsPerSecond),
		burst:   burst,
		ttl:     defaultLimiterTTL,
		period:  defaultSweepPeriod,
		clock:   clock,
	}
}

// Allow spends one token of key's bucket and reports whether one was available.
func (p *limiterPool) Allow(key string) bool {
	now := p.clock()
	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Sub(p.lastSweep) >= p.period {
		cutoff := now.Add(-p.ttl)
		for candidate, entry := range p.entries {
			if entry.lastSeen.Before(cutoff) {
				delete(p.entries, candidate)
			}
		}
		p.lastSweep = now
	}

	entry, ok := p.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
