package coordinator

import (
	"context"
	"sync"
	"time"
)

// inflightGuard is the per-loan mutual-exclusion marker preventing concurrent
// mutating operations. Entries carry a TTL so a finality wait lost to a
// process restart self-heals instead of wedging the loan forever.
type inflightGuard struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]time.Time
}

const defaultInflightTTL = 10 * time.Minute

func newInflightGuard(ttl time.Duration) *inflightGuard {
	if ttl <= 0 {
		ttl = defaultInflightTTL
	}
	return &inflightGuard{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]time.Time),
	}
}

// tryAcquire claims the key if no live entry holds it. Expired entries are
// reclaimed in place.
func (g *inflightGuard) tryAcquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if acquired, ok := g.entries[key]; ok && now.Sub(acquired) < g.ttl {
		return false
	}
	g.entries[key] = now
	return true
}

func (g *inflightGuard) release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, key)
}

func (g *inflightGuard) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func (g *inflightGuard) prune() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for key, acquired := range g.entries {
		if now.Sub(acquired) >= g.ttl {
			delete(g.entries, key)
		}
	}
}

// sweep prunes expired entries periodically until ctx is cancelled.
func (g *inflightGuard) sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.prune()
		}
	}
}
