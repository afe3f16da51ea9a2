package commandqueue

import (
	"context"
	"sync"
	"time"
)

// DedupCache remembers keys for a TTL so redelivered events can be dropped.
type DedupCache struct {
	entries map[string]time.Time
	ttl     time.Duration
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDedupCache creates a cache whose janitor stops with ctx or Stop.
func NewDedupCache(ctx context.Context, ttl time.Duration) *DedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(ctx)
	cache := &DedupCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go cache.cleanup(ctx)

	return cache
}

// Stop ends the cleanup goroutine.
func (dc *DedupCache) Stop() {
	dc.cancel()
	<-dc.done
}

// Seen reports whether key was marked within the TTL, and marks it otherwise.
// An empty key is never considered seen.
func (dc *DedupCache) Seen(key string) bool {
	if key == "" {
		return false
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()

	now := time.Now()
	if at, ok := dc.entries[key]; ok && now.Sub(at) <= dc.ttl {
		return true
	}
	dc.entries[key] = now
	return false
}

func (dc *DedupCache) cleanup(ctx context.Context) {
	defer close(dc.done)

	interval := dc.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dc.mu.Lock()
			now := time.Now()
			for key, at := range dc.entries {
				if now.Sub(at) > dc.ttl {
					delete(dc.entries, key)
				}
			}
			dc.mu.Unlock()
		}
	}
}

// Size returns the number of entries in the cache
func (dc *DedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}
