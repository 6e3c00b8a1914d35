package exchange

import (
	"sync"
	"time"
)

// idemSweepEvery bounds how often put scans for expired entries.
const idemSweepEvery = 256

// idemCache remembers the first successful result per idempotency key, so a
// retried mutation returns the original outcome without a second wire call.
// Entries expire after a TTL; put sweeps opportunistically to keep the map
// from growing without bound.
type idemCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]idemEntry
	puts    int
	nowFunc func() time.Time // injectable for tests
}

type idemEntry struct {
	val     any
	expires time.Time
}

func newIdemCache(ttl time.Duration) *idemCache {
	return &idemCache{
		ttl:     ttl,
		entries: make(map[string]idemEntry),
		nowFunc: time.Now,
	}
}

// get returns the cached result for key, if present and not expired.
func (ic *idemCache) get(key string) (any, bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	e, ok := ic.entries[key]
	if !ok {
		return nil, false
	}
	if ic.nowFunc().After(e.expires) {
		delete(ic.entries, key)
		return nil, false
	}
	return e.val, true
}

// put stores the result for key. Later puts for the same key are ignored:
// the first recorded result wins, matching the idempotency contract.
func (ic *idemCache) put(key string, val any) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	now := ic.nowFunc()
	ic.puts++
	if ic.puts%idemSweepEvery == 0 {
		for k, e := range ic.entries {
			if now.After(e.expires) {
				delete(ic.entries, k)
			}
		}
	}

	if e, ok := ic.entries[key]; ok && !now.After(e.expires) {
		return
	}
	ic.entries[key] = idemEntry{val: val, expires: now.Add(ic.ttl)}
}

// len returns the live entry count. Test helper.
func (ic *idemCache) len() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return len(ic.entries)
}
