package store

import (
	"sync"
	"time"
)

// idemSweepEvery bounds how often put scans for expired entries.
const idemSweepEvery = 256

// idemResult is the recorded outcome of a store mutation: the error it
// returned, plus the cid list for cancel-all.
type idemResult struct {
	cids []string
	err  error
}

// idemCache remembers the first result per idempotency key so a retried
// mutation returns the original outcome with no second application.
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
	res     idemResult
	expires time.Time
}

func newIdemCache(ttl time.Duration) *idemCache {
	return &idemCache{
		ttl:     ttl,
		entries: make(map[string]idemEntry),
		nowFunc: time.Now,
	}
}

func (ic *idemCache) get(key string) (idemResult, bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	e, ok := ic.entries[key]
	if !ok {
		return idemResult{}, false
	}
	if ic.nowFunc().After(e.expires) {
		delete(ic.entries, key)
		return idemResult{}, false
	}
	return e.res, true
}

// put stores the result for key. Later puts for the same key are ignored:
// the first recorded result wins.
func (ic *idemCache) put(key string, res idemResult) {
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
	ic.entries[key] = idemEntry{res: res, expires: now.Add(ic.ttl)}
}
