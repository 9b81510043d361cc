// Package store implements the engine's ordered in-memory key/value mapping.
//
// It is the spatio-temporal counterpart of internal/bs3/mapproxy/sectormap
// from the teacher project: a plain, non-concurrent data structure that a
// single caller (the splg.Engine facade) wraps with its own read/write lock.
// Store itself holds no lock — the doc comment on sectormap.SectorMap applies
// here verbatim: "the map should not be used directly because it does not
// support concurrent access".
package store

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/btree"
)

// Point is an immutable (lat, lon) pair in decimal degrees.
type Point struct {
	Lat, Lon float64
}

// Record is the tuple stored under every key (spec.md §3).
type Record struct {
	Value     []byte
	ExpiresAt time.Time // zero value means "no expiry"
	Point     *Point    // nil means "not a spatial point"
	CreatedAt uint64    // monotonic logical tick, see Clock
}

// HasExpiry reports whether the record carries an expiration instant.
func (r Record) HasExpiry() bool {
	return !r.ExpiresAt.IsZero()
}

// Expired reports whether the record should be treated as absent at now.
func (r Record) Expired(now time.Time) bool {
	return r.HasExpiry() && !r.ExpiresAt.After(now)
}

type entry struct {
	key []byte
	rec Record
}

func lessEntry(a, b entry) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// Store is the ordered key/value mapping described in spec.md §4.2. Keys are
// compared lexicographically as raw bytes, which is what makes prefix scans
// (namespace iteration, trajectory range queries, rebuild-on-open) well
// defined.
type Store struct {
	tree *btree.BTreeG[entry]

	// expiredHint receives keys observed expired during a read so the
	// reaper can evict them without the read path ever blocking on the
	// write lease itself. Best effort: a full channel just drops the
	// hint, the reaper's own periodic scan will find the key anyway.
	expiredHint chan []byte
}

// New returns an empty store backed by a btree of degree 32, a reasonable
// branching factor for in-memory workloads with cheap comparisons.
func New() *Store {
	return &Store{
		tree:        btree.NewG(32, lessEntry),
		expiredHint: make(chan []byte, 256),
	}
}

// Put inserts or overwrites the record under key. key is not copied: Store
// keeps the slice as given, so callers hand it a key they no longer modify
// (the engine passes freshly copied or freshly decoded keys).
func (s *Store) Put(key []byte, rec Record) {
	s.tree.ReplaceOrInsert(entry{key: key, rec: rec})
}

// Get returns the record stored under key, or ok=false if absent or expired.
// An expired record is reported absent and hinted to the reaper.
func (s *Store) Get(key []byte) (Record, bool) {
	e, ok := s.tree.Get(entry{key: key})
	if !ok {
		return Record{}, false
	}
	if e.rec.Expired(time.Now()) {
		s.hintExpired(key)
		return Record{}, false
	}
	return e.rec, true
}

// Peek returns the raw record regardless of expiry, used by the reaper and by
// the engine's index bookkeeping, which must see records the live-read path
// hides.
func (s *Store) Peek(key []byte) (Record, bool) {
	e, ok := s.tree.Get(entry{key: key})
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// Delete removes key, returning the prior record if present (ignoring
// expiry — deleting an already-expired record is still a well defined
// "prior value was absent" from the caller's perspective, so we report the
// raw record here and let callers decide).
func (s *Store) Delete(key []byte) (Record, bool) {
	e, ok := s.tree.Delete(entry{key: key})
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// Len returns the number of stored entries, including expired records that
// have not been removed yet. O(1).
func (s *Store) Len() int {
	return s.tree.Len()
}

// Range iterates keys in [lo, hi) ascending order, skipping (and hinting)
// expired records. fn returning false stops iteration early. A nil hi means
// "no upper bound".
func (s *Store) Range(lo, hi []byte, fn func(key []byte, rec Record) bool) {
	now := time.Now()
	visit := func(e entry) bool {
		if e.rec.Expired(now) {
			s.hintExpired(e.key)
			return true
		}
		return fn(e.key, e.rec)
	}

	if hi == nil {
		s.tree.AscendGreaterOrEqual(entry{key: lo}, visit)
		return
	}
	s.tree.AscendRange(entry{key: lo}, entry{key: hi}, visit)
}

// Prefix iterates every live key beginning with p in ascending order.
func (s *Store) Prefix(p []byte, fn func(key []byte, rec Record) bool) {
	s.Range(p, PrefixUpperBound(p), fn)
}

// ExpiredHints returns the channel the reaper drains for lazily discovered
// expired keys. Reads never block on this channel having room.
func (s *Store) ExpiredHints() <-chan []byte {
	return s.expiredHint
}

func (s *Store) hintExpired(key []byte) {
	select {
	case s.expiredHint <- key:
	default:
	}
}

// ScanExpired walks the whole store looking for at most limit expired
// records, used by the reaper's bounded per-tick sweep. It returns the
// expired keys found; it does not remove them.
func (s *Store) ScanExpired(limit int) [][]byte {
	if limit <= 0 {
		return nil
	}
	now := time.Now()
	found := make([][]byte, 0, limit)
	s.tree.Ascend(func(e entry) bool {
		if e.rec.Expired(now) {
			found = append(found, e.key)
		}
		return len(found) < limit
	})
	return found
}

// PrefixUpperBound returns the lexicographically smallest key greater than
// every key with prefix p, or nil if p is all 0xFF bytes (meaning "no upper
// bound", i.e. scan to the end of the keyspace).
func PrefixUpperBound(p []byte) []byte {
	bound := make([]byte, len(p))
	copy(bound, p)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] != 0xFF {
			bound[i]++
			return bound[:i+1]
		}
	}
	return nil
}

// Clock assigns monotonic logical ticks to new records (spec.md §3's
// created_at). Grounded on internal/bs3/key's mutex-guarded counter, but kept
// as a value owned by one Engine instance rather than a package-level
// variable: spec.md §9 is explicit that "there is no process-global engine",
// so the counter must not be global state shared across independently opened
// engines either.
type Clock struct {
	mu   sync.Mutex
	next uint64
}

// NewClock returns a clock starting at tick 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next unused tick and advances the counter.
func (c *Clock) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	tmp := c.next
	c.next++
	return tmp
}

// Observe advances the clock so that future ticks are strictly greater than
// seen, used during AOL replay to keep CreatedAt ordering consistent with
// whatever ticks were recorded before the crash.
func (c *Clock) Observe(seen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seen >= c.next {
		c.next = seen + 1
	}
}
