/*
Package responsecache is the bounded LRU of upstream responses. Entries carry their insertion and
expiry instants; the pipeline decides what an expired entry means (it treats it as a miss), the
cache merely reports what it stored. Capacity pressure evicts from the LRU end on insert and the
periodic purge trims expired entries from the LRU end in capped batches.

A single mutex serializes all operations. Critical sections only touch the map and message copies,
never I/O, so the lock is uncontended in practice.
*/
package responsecache

import (
	"fmt"
	"sync"
	"time"

	"github.com/dnscore/dohfwd/internal/requestkey"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/miekg/dns"
)

const me = "responsecache"

// CachedResponse is one cache line. The stored message has id 0; the pipeline overwrites the id
// with the live request's before replying.
type CachedResponse struct {
	Msg      *dns.Msg
	Inserted time.Time
	Expires  time.Time
}

// Expired reports whether the entry is past its expiry at 'now'.
func (t CachedResponse) Expired(now time.Time) bool {
	return now.After(t.Expires)
}

// Age returns how long the entry has been cached as of 'now'.
func (t CachedResponse) Age(now time.Time) time.Duration {
	return now.Sub(t.Inserted)
}

// copy returns a CachedResponse with an independent message so callers can rewrite TTLs and ids
// without racing each other.
func (t CachedResponse) copy() CachedResponse {
	return CachedResponse{Msg: t.Msg.Copy(), Inserted: t.Inserted, Expires: t.Expires}
}

type cacheStats struct {
	puts      int
	evictions int
}

// Cache is the bounded LRU. Construct with New.
type Cache struct {
	mu  sync.Mutex // Protects everything below
	lru *simplelru.LRU[requestkey.Key, CachedResponse]
	cacheStats
}

// New constructs a Cache holding at most maxSize entries.
func New(maxSize int) (*Cache, error) {
	t := &Cache{}

	// The eviction callback fires under our own lock so it only bumps a counter.
	lru, err := simplelru.NewLRU[requestkey.Key, CachedResponse](maxSize,
		func(requestkey.Key, CachedResponse) { t.evictions++ })
	if err != nil {
		return nil, fmt.Errorf(me+": %w", err)
	}
	t.lru = lru

	return t, nil
}

// Get returns a copy of the entry and promotes it to most-recently-used. The returned entry may
// be expired; the caller decides what that means.
func (t *Cache) Get(key requestkey.Key) (CachedResponse, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.lru.Get(key)
	if !ok {
		return CachedResponse{}, false
	}

	return entry.copy(), true
}

// Put inserts or overwrites the entry, evicting the least-recently-used entry on overflow.
func (t *Cache) Put(key requestkey.Key, value CachedResponse) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.puts++
	t.lru.Add(key, value)
}

// PeriodicPurge pops entries from the LRU end while the oldest entry is expired and fewer than
// maxPurges have been dropped this call. It stops at the first non-expired LRU entry - expired
// entries hiding in MRU positions are left for the pipeline's expiry check or a later tick once
// they migrate LRU-ward. The cap bounds the time spent under the lock during burst expiry.
//
// Returns the size after purging and the number of entries dropped.
func (t *Cache) PeriodicPurge(maxPurges int, now time.Time) (size, purged int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for purged < maxPurges {
		_, oldest, ok := t.lru.GetOldest()
		if !ok || !oldest.Expired(now) {
			break
		}
		t.lru.RemoveOldest()
		purged++
	}

	return t.lru.Len(), purged
}

// Len returns the current entry count.
func (t *Cache) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.lru.Len()
}

// Name meets the reporter.Reporter interface
func (t *Cache) Name() string {
	return "cache"
}

// Report meets the reporter.Reporter interface
func (t *Cache) Report(resetCounters bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := fmt.Sprintf("size=%d puts=%d evictions=%d", t.lru.Len(), t.puts, t.evictions)
	if resetCounters {
		t.cacheStats = cacheStats{}
	}

	return s
}
