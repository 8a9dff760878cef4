package speech

import (
	"sync"
	"time"
)

// Defaults for [RecentIDs].
const (
	DefaultRecentTTL = 60 * time.Second
	DefaultRecentCap = 256
)

// RecentIDs remembers request ids for a while so repeated deliveries of the
// same say message are dropped. Entries expire after ttl; beyond cap entries
// the oldest is evicted. Safe for concurrent use.
type RecentIDs struct {
	mu   sync.Mutex
	ttl  time.Duration
	cap  int
	seen map[string]time.Time
}

// NewRecentIDs returns a cache. Non-positive arguments select the defaults.
func NewRecentIDs(ttl time.Duration, capacity int) *RecentIDs {
	if ttl <= 0 {
		ttl = DefaultRecentTTL
	}
	if capacity <= 0 {
		capacity = DefaultRecentCap
	}
	return &RecentIDs{ttl: ttl, cap: capacity, seen: make(map[string]time.Time)}
}

// Remember records id at now. It returns false if id was already recorded
// and has not expired.
func (r *RecentIDs) Remember(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, ts := range r.seen {
		if now.Sub(ts) > r.ttl {
			delete(r.seen, k)
		}
	}
	if _, ok := r.seen[id]; ok {
		return false
	}
	r.seen[id] = now
	if len(r.seen) > r.cap {
		var oldest string
		var oldestAt time.Time
		for k, ts := range r.seen {
			if oldest == "" || ts.Before(oldestAt) {
				oldest, oldestAt = k, ts
			}
		}
		delete(r.seen, oldest)
	}
	return true
}

// Len returns the number of remembered ids.
func (r *RecentIDs) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
