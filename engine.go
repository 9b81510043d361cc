// Package splg is an embedded spatio-temporal key/value engine: a
// single-process library with no network surface, geohash-bucketed spatial
// indexing, time-stamped trajectory tracking, and append-only-log
// durability that can be replayed on open or skipped entirely for a pure
// in-memory engine.
//
// Open returns an *Engine; every operation is a method on it. There is no
// package-level state, so opening the same path from two Engines in the
// same process is exactly as supported (or not) as opening it from two
// processes: the AOL's advisory flock rejects the second one.
package splg

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/asch/splg/internal/aol"
	"github.com/asch/splg/internal/geoindex"
	"github.com/asch/splg/internal/reaper"
	"github.com/asch/splg/internal/store"
	"github.com/asch/splg/internal/trajectory"
)

// Engine is the sole owner of the memory store, the geohash index, and the
// AOL handle (spec.md §3's ownership rule). It is safe for concurrent use
// by multiple goroutines.
type Engine struct {
	mu    sync.RWMutex
	store *store.Store
	index *geoindex.Index
	clock *store.Clock

	cfg     Config
	logger  zerolog.Logger
	aolPath string
	writer  *aol.Writer
	reaper  *reaper.Reaper

	rewriteGen uint64
	closed     bool
	closeOnce  sync.Once
}

// Open constructs an Engine. If path is empty, the engine is pure
// in-memory with no durability. Otherwise the AOL at path is created or
// replayed, and every subsequent mutation is appended to it per
// cfg.SyncPolicy.
func Open(cfg Config, path string) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		store:   store.New(),
		index:   geoindex.New(cfg.GeohashPrecision),
		clock:   store.NewClock(),
		cfg:     cfg,
		logger:  cfg.Logger,
		aolPath: path,
	}

	if path != "" {
		if err := e.openAOL(path); err != nil {
			return nil, err
		}
	}

	e.reaper = reaper.New(reaper.Config{Interval: cfg.TTLReapInterval}, e.store, e.reapEvict, cfg.Logger)
	e.reaper.Start()

	return e, nil
}

func (e *Engine) openAOL(path string) error {
	rewritePath := path + ".rewrite"
	_, pathErr := os.Stat(path)
	_, rewriteErr := os.Stat(rewritePath)
	pathExists, rewriteExists := pathErr == nil, rewriteErr == nil

	switch {
	case pathExists && rewriteExists:
		// spec.md §4.6: "prefers <path> and deletes the stale .rewrite".
		if err := os.Remove(rewritePath); err != nil {
			return ioErr("remove stale rewrite file", err)
		}
	case !pathExists && rewriteExists:
		if err := os.Rename(rewritePath, path); err != nil {
			return ioErr("promote rewrite file", err)
		}
	}

	isNew, err := aol.EnsureHeader(path)
	if err != nil {
		return errorf(ErrCorrupt, "%v", err)
	}

	if !isNew {
		ops, truncatedAt, err := aol.Replay(path)
		if err != nil {
			return errorf(ErrCorrupt, "%v", err)
		}
		if err := aol.Truncate(path, truncatedAt); err != nil {
			return ioErr("truncate replayed log", err)
		}
		for _, op := range ops {
			e.applyReplayOp(op)
		}
		// The wire format carries no CreatedAt; approximate "at least this
		// much logical time has passed" so post-reopen ticks don't collide
		// in spirit with whatever ordering produced this many ops.
		e.clock.Observe(uint64(len(ops)))
	}

	w, err := aol.OpenWriter(path, e.cfg.SyncPolicy, e.cfg.Logger)
	if err != nil {
		if errors.Is(err, aol.ErrAlreadyOpen) {
			return errorf(ErrAlreadyOpen, "%s", path)
		}
		return ioErr("open aol writer", err)
	}
	e.writer = w
	return nil
}

func (e *Engine) applyReplayOp(op aol.AppliedOp) {
	switch op.Kind {
	case aol.OpPut:
		var expiresAt time.Time
		if op.ExpiresAtMs != 0 {
			expiresAt = time.UnixMilli(int64(op.ExpiresAtMs))
		}
		rec := store.Record{Value: op.Value, ExpiresAt: expiresAt, Point: op.Point, CreatedAt: e.clock.Next()}
		e.applyPut(op.Key, rec)
	case aol.OpDelete:
		e.applyDelete(op.Key)
	}
}

// applyPut installs rec under key in the store and keeps the geohash index
// in sync with the point-registration rule of spec.md §4.1: a put that
// carries a point registers it; a put that replaces a previously
// point-bearing record with a non-point one unregisters it.
func (e *Engine) applyPut(key []byte, rec store.Record) {
	prev, hadPrev := e.store.Peek(key)
	e.store.Put(key, rec)
	if rec.Point != nil {
		e.index.Put(string(key), *rec.Point)
	} else if hadPrev && prev.Point != nil {
		e.index.Delete(string(key))
	}
}

func (e *Engine) applyDelete(key []byte) (store.Record, bool) {
	prev, ok := e.store.Delete(key)
	if ok && prev.Point != nil {
		e.index.Delete(string(key))
	}
	return prev, ok
}

func (e *Engine) namespaceKey(ns string, key []byte) []byte {
	out := make([]byte, 0, len(ns)+1+len(key))
	out = append(out, ns...)
	out = append(out, e.cfg.NamespaceSeparator)
	out = append(out, key...)
	return out
}

func (e *Engine) nsFilter(ns string) geoindex.Filter {
	prefix := ns + string(e.cfg.NamespaceSeparator)
	return func(k string) bool { return strings.HasPrefix(k, prefix) }
}

// appendTransactionLocked writes entryFrames as one Begin/.../Commit
// transaction. Caller must hold e.mu. A nil writer (no AOL configured)
// makes this a no-op, matching spec.md §4.4's "if no AOL is configured, no
// log entries are emitted".
func (e *Engine) appendTransactionLocked(entryFrames [][]byte) error {
	if e.writer == nil {
		return nil
	}
	if err := e.writer.Append(aol.EncodeTransaction(entryFrames)); err != nil {
		return ioErr("append", err)
	}
	return nil
}

func expiresAtMs(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixMilli())
}

// Insert stores value under key, applying Config.DefaultTTL unless opts
// overrides it.
func (e *Engine) Insert(key, value []byte, opts WriteOptions) error {
	if len(key) == 0 {
		return ErrInvalidKey
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	rec := store.Record{
		Value:     append([]byte(nil), value...),
		ExpiresAt: opts.resolveExpiry(e.cfg.DefaultTTL, time.Now()),
		CreatedAt: e.clock.Next(),
	}
	frame := aol.EncodeFrame(aol.TypePut, aol.PutPayload(key, expiresAtMs(rec.ExpiresAt), nil, rec.Value))
	if err := e.appendTransactionLocked([][]byte{frame}); err != nil {
		return err
	}
	e.applyPut(append([]byte(nil), key...), rec)
	e.maybeAutoRewriteLocked()
	return nil
}

// Get returns the value stored under key, or ok=false if absent or
// expired.
func (e *Engine) Get(key []byte) (value []byte, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, false
	}
	return e.getLocked(key)
}

func (e *Engine) getLocked(key []byte) ([]byte, bool) {
	rec, ok := e.store.Get(key)
	if !ok {
		return nil, false
	}
	return rec.Value, true
}

// Delete removes key, returning the prior value if one was live.
func (e *Engine) Delete(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrInvalidKey
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	prev, existed := e.store.Get(key)
	frame := aol.EncodeFrame(aol.TypeDelete, aol.DeletePayload(key))
	if err := e.appendTransactionLocked([][]byte{frame}); err != nil {
		return nil, err
	}
	e.applyDelete(key)
	e.maybeAutoRewriteLocked()
	if !existed {
		return nil, nil
	}
	return prev.Value, nil
}

// InsertPoint registers value under the namespaced key ns+sep+key, both as
// a retrievable record and as a point in ns's spatial index.
func (e *Engine) InsertPoint(ns, key string, p Point, value []byte, opts WriteOptions) error {
	if key == "" {
		return ErrInvalidKey
	}
	if !p.valid() {
		return ErrInvalidPoint
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	composite := e.namespaceKey(ns, []byte(key))
	sp := store.Point{Lat: p.Lat, Lon: p.Lon}
	rec := store.Record{
		Value:     append([]byte(nil), value...),
		ExpiresAt: opts.resolveExpiry(e.cfg.DefaultTTL, time.Now()),
		Point:     &sp,
		CreatedAt: e.clock.Next(),
	}
	frame := aol.EncodeFrame(aol.TypePut, aol.PutPayload(composite, expiresAtMs(rec.ExpiresAt), &sp, rec.Value))
	if err := e.appendTransactionLocked([][]byte{frame}); err != nil {
		return err
	}
	e.applyPut(composite, rec)
	e.maybeAutoRewriteLocked()
	return nil
}

func (e *Engine) toNearbyResults(cands []geoindex.Candidate) []NearbyResult {
	out := make([]NearbyResult, 0, len(cands))
	for _, c := range cands {
		rec, ok := e.store.Peek([]byte(c.Key))
		if !ok {
			continue
		}
		out = append(out, NearbyResult{
			Point:     Point{Lat: c.Point.Lat, Lon: c.Point.Lon},
			Value:     rec.Value,
			DistanceM: c.DistanceM,
		})
	}
	return out
}

// FindNearby returns every point in ns within radiusM of center, ascending
// by distance, truncated to limit (0 meaning "no limit").
func (e *Engine) FindNearby(ns string, center Point, radiusM float64, limit int) []NearbyResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil
	}
	cands := e.index.Radius(store.Point{Lat: center.Lat, Lon: center.Lon}, radiusM, limit, e.nsFilter(ns))
	return e.toNearbyResults(cands)
}

// Nearest returns the k closest points in ns to center, ascending by
// distance (spec.md §4.3's k-NN variant of find_nearby).
func (e *Engine) Nearest(ns string, center Point, k int) []NearbyResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil
	}
	cands := e.index.Nearest(store.Point{Lat: center.Lat, Lon: center.Lon}, k, e.nsFilter(ns))
	return e.toNearbyResults(cands)
}

// CountWithinDistance returns the number of points in ns within radiusM of
// center.
func (e *Engine) CountWithinDistance(ns string, center Point, radiusM float64) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return 0
	}
	return len(e.index.Radius(store.Point{Lat: center.Lat, Lon: center.Lon}, radiusM, 0, e.nsFilter(ns)))
}

// ContainsPoint reports whether any point in ns falls within radiusM of
// center.
func (e *Engine) ContainsPoint(ns string, center Point, radiusM float64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	return len(e.index.Radius(store.Point{Lat: center.Lat, Lon: center.Lon}, radiusM, 1, e.nsFilter(ns))) > 0
}

func validBounds(minLat, minLon, maxLat, maxLon float64) bool {
	return minLat <= maxLat && minLon <= maxLon
}

// FindWithinBounds returns every point in ns inside the given box,
// unordered, truncated to limit (0 meaning "no limit").
func (e *Engine) FindWithinBounds(ns string, minLat, minLon, maxLat, maxLon float64, limit int) ([]NearbyResult, error) {
	if !validBounds(minLat, minLon, maxLat, maxLon) {
		return nil, ErrInvalidBounds
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	cands := e.index.Bounds(minLat, minLon, maxLat, maxLon, limit, e.nsFilter(ns))
	return e.toNearbyResults(cands), nil
}

// IntersectsBounds reports whether any point in ns falls inside the box.
func (e *Engine) IntersectsBounds(ns string, minLat, minLon, maxLat, maxLon float64) (bool, error) {
	if !validBounds(minLat, minLon, maxLat, maxLon) {
		return false, ErrInvalidBounds
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false, ErrClosed
	}
	return len(e.index.Bounds(minLat, minLon, maxLat, maxLon, 1, e.nsFilter(ns))) > 0, nil
}

// InsertTrajectory splits samples into one put per timestamp under keys
// trajectory:<objectID>:<ts>, applied as a single AOL transaction (spec.md
// §4.5). Samples must be non-decreasing by timestamp; equal timestamps
// resolve to the later sample in the slice.
func (e *Engine) InsertTrajectory(objectID string, samples []TrajectoryInsert, opts WriteOptions) error {
	if objectID == "" {
		return ErrInvalidKey
	}
	tsamples := make([]trajectory.Sample, len(samples))
	for i, s := range samples {
		tsamples[i] = trajectory.Sample{
			Point:     store.Point{Lat: s.Point.Lat, Lon: s.Point.Lon},
			Timestamp: s.Timestamp,
			Value:     s.Value,
		}
	}
	if err := trajectory.ValidateSamples(tsamples); err != nil {
		return errorf(ErrInvalidTrajectory, "%v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	expiresAt := opts.resolveExpiry(e.cfg.DefaultTTL, time.Now())
	expMs := expiresAtMs(expiresAt)

	keys := make([][]byte, len(tsamples))
	recs := make([]store.Record, len(tsamples))
	frames := make([][]byte, len(tsamples))
	for i, s := range tsamples {
		key := trajectory.Key(objectID, s.Timestamp)
		payload := trajectory.EncodePayload(s.Point, s.Value)
		keys[i] = key
		recs[i] = store.Record{Value: payload, ExpiresAt: expiresAt, CreatedAt: e.clock.Next()}
		frames[i] = aol.EncodeFrame(aol.TypePut, aol.PutPayload(key, expMs, nil, payload))
	}

	if err := e.appendTransactionLocked(frames); err != nil {
		return err
	}
	for i := range keys {
		e.applyPut(keys[i], recs[i])
	}
	e.maybeAutoRewriteLocked()
	return nil
}

// QueryTrajectory returns every sample of objectID with timestamp in
// [tStart, tEnd], ascending by timestamp.
func (e *Engine) QueryTrajectory(objectID string, tStart, tEnd uint64) ([]TrajectorySample, error) {
	if tStart > tEnd {
		return nil, errorf(ErrInvalidTrajectory, "t_start (%d) must be <= t_end (%d)", tStart, tEnd)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}

	lo, hi := trajectory.KeyRange(objectID, tStart, tEnd)
	var out []TrajectorySample
	e.store.Range(lo, hi, func(key []byte, rec store.Record) bool {
		ts, err := trajectory.DecodeTimestamp(key)
		if err != nil {
			return true
		}
		p, value, err := trajectory.DecodePayload(rec.Value)
		if err != nil {
			return true
		}
		out = append(out, TrajectorySample{Point: Point{Lat: p.Lat, Lon: p.Lon}, Timestamp: ts, Value: value})
		return true
	})
	return out, nil
}

// Atomic runs fn with a *Batch holding the engine's write lease for the
// whole closure (spec.md §4.1). If fn returns nil, every staged intent
// commits as one AOL transaction and is then applied to the store and
// index in declared order; if fn returns an error, or the AOL append
// fails, nothing is applied.
func (e *Engine) Atomic(fn func(*Batch) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	b := newBatch(e)
	err := fn(b)
	b.done = true
	if err != nil {
		return err
	}
	if len(b.order) == 0 {
		return nil
	}

	frames := make([][]byte, len(b.order))
	for i, k := range b.order {
		it := b.pending[k]
		switch it.kind {
		case intentPut:
			frames[i] = aol.EncodeFrame(aol.TypePut, aol.PutPayload(it.key, expiresAtMs(it.rec.ExpiresAt), it.rec.Point, it.rec.Value))
		case intentDelete:
			frames[i] = aol.EncodeFrame(aol.TypeDelete, aol.DeletePayload(it.key))
		}
	}
	if err := e.appendTransactionLocked(frames); err != nil {
		return err
	}

	for _, k := range b.order {
		it := b.pending[k]
		switch it.kind {
		case intentPut:
			e.applyPut(it.key, it.rec)
		case intentDelete:
			e.applyDelete(it.key)
		}
	}
	e.maybeAutoRewriteLocked()
	return nil
}

// Sync forces an immediate fsync of the AOL, overriding the configured
// sync policy for this one call.
func (e *Engine) Sync() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.writer == nil {
		return nil
	}
	return ioErr("sync", e.writer.Sync())
}

// Close stops the reaper and closes the AOL writer. It is safe to call
// more than once; only the first call does any work.
func (e *Engine) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		// Stop the reaper before taking e.mu: reapEvict acquires e.mu
		// itself, so holding it here while waiting for the reaper
		// goroutine to exit would deadlock.
		if e.reaper != nil {
			e.reaper.Close()
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		e.closed = true
		if e.writer != nil {
			if err := e.writer.Close(); err != nil {
				closeErr = ioErr("close", err)
			}
		}
	})
	return closeErr
}

func (e *Engine) reapEvict(key []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	prev, existed := e.store.Peek(key)
	if !existed || !prev.Expired(time.Now()) {
		return
	}

	frame := aol.EncodeFrame(aol.TypeDelete, aol.DeletePayload(key))
	if err := e.appendTransactionLocked([][]byte{frame}); err != nil {
		e.logger.Warn().Err(err).Msg("reaper: failed to log eviction, retrying next tick")
		return
	}
	e.applyDelete(key)
}

// Rewrite compacts the AOL immediately, regardless of the configured
// auto-rewrite threshold. A no-op if no AOL is configured.
func (e *Engine) Rewrite() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.rewriteLocked()
}

func (e *Engine) maybeAutoRewriteLocked() {
	if e.writer == nil {
		return
	}
	if e.cfg.AutoRewriteThreshold == nil || *e.cfg.AutoRewriteThreshold <= 0 {
		return
	}
	info, err := os.Stat(e.aolPath)
	if err != nil || info.Size() < e.cfg.AutoRewriteMinBytes {
		return
	}
	live := e.estimateLiveBytesLocked()
	if float64(live)/float64(info.Size()) < *e.cfg.AutoRewriteThreshold {
		if err := e.rewriteLocked(); err != nil {
			e.logger.Warn().Err(err).Msg("auto-rewrite failed")
		}
	}
}

func (e *Engine) collectLiveEntriesLocked() []aol.LiveEntry {
	var entries []aol.LiveEntry
	e.store.Range(nil, nil, func(key []byte, rec store.Record) bool {
		entries = append(entries, aol.LiveEntry{
			Key:         append([]byte(nil), key...),
			ExpiresAtMs: expiresAtMs(rec.ExpiresAt),
			Point:       rec.Point,
			Value:       rec.Value,
		})
		return true
	})
	return entries
}

func (e *Engine) estimateLiveBytesLocked() int64 {
	var total int64
	e.store.Range(nil, nil, func(key []byte, rec store.Record) bool {
		payload := aol.PutPayload(key, expiresAtMs(rec.ExpiresAt), rec.Point, rec.Value)
		total += int64(4 + 1 + len(payload) + 4)
		return true
	})
	return total
}

func (e *Engine) rewriteLocked() error {
	if e.writer == nil {
		return nil
	}
	entries := e.collectLiveEntriesLocked()
	generation := e.rewriteGen + 1

	if err := e.writer.Close(); err != nil {
		return ioErr("close writer before rewrite", err)
	}

	rewriteErr := aol.Rewrite(e.aolPath, generation, entries)

	w, openErr := aol.OpenWriter(e.aolPath, e.cfg.SyncPolicy, e.cfg.Logger)
	if openErr != nil {
		return ioErr("reopen writer after rewrite", openErr)
	}
	e.writer = w

	if rewriteErr != nil {
		return ioErr("rewrite", rewriteErr)
	}
	e.rewriteGen = generation
	return nil
}
