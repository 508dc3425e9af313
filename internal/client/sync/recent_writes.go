package sync

import (
	"sync"
	"time"
)

const (
	defaultRecentWriteTTL  = 2 * time.Second
	defaultCleanupInterval = 15 * time.Second
)

// RecentWriteSet remembers absolute paths the engine wrote itself.
// Each entry suppresses exactly one watcher event and expires after a ttl.
type RecentWriteSet struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]time.Time
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func NewRecentWriteSet(ttl time.Duration) *RecentWriteSet {
	if ttl <= 0 {
		ttl = defaultRecentWriteTTL
	}
	return &RecentWriteSet{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		done:    make(chan struct{}),
	}
}

// Start runs the periodic cleanup of expired entries.
func (r *RecentWriteSet) Start(interval time.Duration) {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	r.wg.Add(1)
	go r.cleanupExpiredEntries(interval)
}

func (r *RecentWriteSet) Stop() {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *RecentWriteSet) Add(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[path] = time.Now().Add(r.ttl)
}

// Consume reports whether path was recently written and removes it.
func (r *RecentWriteSet) Consume(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	expiry, exists := r.entries[path]
	if !exists {
		return false
	}
	delete(r.entries, path)
	return !time.Now().After(expiry)
}

// Forget drops path without reporting it, for writes that never reached disk.
func (r *RecentWriteSet) Forget(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, path)
}

func (r *RecentWriteSet) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *RecentWriteSet) cleanupExpiredEntries(interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.removeExpired(time.Now())
		}
	}
}

func (r *RecentWriteSet) removeExpired(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, expiry := range r.entries {
		if now.After(expiry) {
			delete(r.entries, path)
		}
	}
}
