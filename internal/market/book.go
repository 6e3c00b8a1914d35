// Package market maintains local order books and the freshness-aware cache
// that serves them to the quoting pipeline.
//
// Book mirrors the venue order book for a single symbol. It is updated from
// two sources:
//   - REST snapshots via ApplySnapshot (initial load and resync)
//   - WebSocket events via ApplyBookEvent (full snapshots) and ApplyDelta
//     (incremental level updates)
//
// Sequence numbers guard the mirror: duplicate events are ignored, and a
// gap or regression marks the book invalid until the next full snapshot.
// Book is concurrency-safe; readers receive copies.
package market

import (
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"maker-bot/pkg/types"
)

// Sequence errors returned by ApplyDelta. Both mean the mirror can no longer
// be trusted and needs a resync.
var (
	ErrSeqGap        = errors.New("book sequence gap")
	ErrSeqRegression = errors.New("book sequence regression")
)

// Book maintains a local mirror of the order book for one symbol.
type Book struct {
	mu      sync.RWMutex
	symbol  string
	bids    []types.PriceLevel // descending
	asks    []types.PriceLevel // ascending
	seq     uint64
	valid   bool
	tsRecv  time.Time // source timestamp of the latest event
	updated time.Time // local time the mirror last changed
}

// NewBook creates an empty, invalid book. It becomes valid on the first
// snapshot.
func NewBook(symbol string) *Book {
	return &Book{symbol: symbol}
}

// ApplySnapshot replaces the mirror from a REST book response.
func (b *Book) ApplySnapshot(snap types.BookSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = append(b.bids[:0:0], snap.Bids...)
	b.asks = append(b.asks[:0:0], snap.Asks...)
	b.seq = snap.Seq
	b.valid = true
	b.tsRecv = snap.TSRecv
	b.updated = time.Now()
}

// ApplyBookEvent replaces the mirror from a full stream snapshot.
func (b *Book) ApplyBookEvent(evt types.WSBookEvent) error {
	bids, err := types.ParsePriceLevels(evt.Bids)
	if err != nil {
		return err
	}
	asks, err := types.ParsePriceLevels(evt.Asks)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = bids
	b.asks = asks
	b.seq = evt.Seq
	b.valid = true
	b.tsRecv = parseEventTS(evt.Timestamp)
	b.updated = time.Now()
	return nil
}

// ApplyDelta merges incremental level changes. A duplicate of the current
// sequence is ignored. A lower sequence or a jump past current+1
// invalidates the book and returns ErrSeqRegression or ErrSeqGap so the
// cache resyncs from REST.
func (b *Book) ApplyDelta(evt types.WSBookDeltaEvent) error {
	bids, err := types.ParsePriceLevels(evt.Bids)
	if err != nil {
		return err
	}
	asks, err := types.ParsePriceLevels(evt.Asks)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.valid {
		return ErrSeqGap
	}
	switch {
	case evt.Seq == b.seq:
		return nil
	case evt.Seq < b.seq:
		b.valid = false
		return ErrSeqRegression
	case evt.Seq != b.seq+1:
		b.valid = false
		return ErrSeqGap
	}

	for _, lv := range bids {
		b.bids = mergeLevel(b.bids, lv, true)
	}
	for _, lv := range asks {
		b.asks = mergeLevel(b.asks, lv, false)
	}
	b.seq = evt.Seq
	b.tsRecv = parseEventTS(evt.Timestamp)
	b.updated = time.Now()
	return nil
}

// Invalidate marks the mirror untrusted until the next snapshot.
func (b *Book) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.valid = false
}

// Valid reports whether the mirror holds a trusted book.
func (b *Book) Valid() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.valid
}

// Age returns the time since the mirror last changed. ok is false when the
// book is invalid or has never been filled.
func (b *Book) Age(now time.Time) (time.Duration, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.valid || b.updated.IsZero() {
		return 0, false
	}
	return now.Sub(b.updated), true
}

// Snapshot returns a copy of the current book. ok is false when the mirror
// is invalid or empty; a wrong book is worse than none.
func (b *Book) Snapshot() (types.BookSnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.valid || b.updated.IsZero() {
		return types.BookSnapshot{}, false
	}
	return types.BookSnapshot{
		Symbol:   b.symbol,
		Bids:     append([]types.PriceLevel(nil), b.bids...),
		Asks:     append([]types.PriceLevel(nil), b.asks...),
		Seq:      b.seq,
		TSRecv:   b.tsRecv,
		TSCached: b.updated,
	}, true
}

// mergeLevel sets the quantity at one price, inserting, replacing, or
// removing (qty 0) while keeping sort order. desc is true for bids.
func mergeLevel(levels []types.PriceLevel, lv types.PriceLevel, desc bool) []types.PriceLevel {
	idx := sort.Search(len(levels), func(i int) bool {
		if desc {
			return levels[i].Price.LessThanOrEqual(lv.Price)
		}
		return levels[i].Price.GreaterThanOrEqual(lv.Price)
	})

	found := idx < len(levels) && levels[idx].Price.Equal(lv.Price)
	switch {
	case lv.Qty.IsZero() && found:
		return append(levels[:idx], levels[idx+1:]...)
	case lv.Qty.IsZero():
		return levels
	case found:
		levels[idx].Qty = lv.Qty
		return levels
	default:
		levels = append(levels, types.PriceLevel{})
		copy(levels[idx+1:], levels[idx:])
		levels[idx] = lv
		return levels
	}
}

// parseEventTS converts the stream's unix-millis string timestamp, falling
// back to local time when absent or malformed.
func parseEventTS(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
