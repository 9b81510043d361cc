package splg

import (
	"time"

	"github.com/asch/splg/internal/store"
	"github.com/asch/splg/internal/trajectory"
)

type intentKind int

const (
	intentPut intentKind = iota
	intentDelete
)

type intent struct {
	kind intentKind
	key  []byte
	rec  store.Record
}

// Batch is the scoped capability object passed to an Atomic closure
// (spec.md §9: "must not outlive the callback"). Every method panics with
// ErrBatchDone once the closure has returned, so a leaked reference fails
// loudly instead of silently mutating state no one is watching anymore.
type Batch struct {
	e       *Engine
	order   []string
	pending map[string]intent
	done    bool
}

func newBatch(e *Engine) *Batch {
	return &Batch{e: e, pending: make(map[string]intent)}
}

func (b *Batch) checkAlive() {
	if b.done {
		panic(ErrBatchDone)
	}
}

func (b *Batch) setIntent(key []byte, it intent) {
	k := string(key)
	if _, exists := b.pending[k]; !exists {
		b.order = append(b.order, k)
	}
	b.pending[k] = it
}

// Put stages a plain key/value write. Last-writer-wins against any earlier
// intent on the same key within this batch.
func (b *Batch) Put(key, value []byte, opts WriteOptions) error {
	b.checkAlive()
	if len(key) == 0 {
		return ErrInvalidKey
	}
	rec := store.Record{
		Value:     append([]byte(nil), value...),
		ExpiresAt: opts.resolveExpiry(b.e.cfg.DefaultTTL, time.Now()),
		CreatedAt: b.e.clock.Next(),
	}
	b.setIntent(key, intent{kind: intentPut, key: append([]byte(nil), key...), rec: rec})
	return nil
}

// Delete stages a key removal.
func (b *Batch) Delete(key []byte) error {
	b.checkAlive()
	if len(key) == 0 {
		return ErrInvalidKey
	}
	b.setIntent(key, intent{kind: intentDelete, key: append([]byte(nil), key...)})
	return nil
}

// PutPoint stages a spatial point write under namespace ns. Overwriting a
// key that previously held a non-point record (within or before this
// batch) registers the point; see Engine.applyPut.
func (b *Batch) PutPoint(ns, key string, p Point, value []byte, opts WriteOptions) error {
	b.checkAlive()
	if key == "" {
		return ErrInvalidKey
	}
	if !p.valid() {
		return ErrInvalidPoint
	}
	composite := b.e.namespaceKey(ns, []byte(key))
	sp := store.Point{Lat: p.Lat, Lon: p.Lon}
	rec := store.Record{
		Value:     append([]byte(nil), value...),
		ExpiresAt: opts.resolveExpiry(b.e.cfg.DefaultTTL, time.Now()),
		Point:     &sp,
		CreatedAt: b.e.clock.Next(),
	}
	b.setIntent(composite, intent{kind: intentPut, key: composite, rec: rec})
	return nil
}

// PutTrajectory stages one put per sample, keyed by object id and
// timestamp (spec.md §4.5).
func (b *Batch) PutTrajectory(objectID string, samples []TrajectoryInsert, opts WriteOptions) error {
	b.checkAlive()
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

	expiresAt := opts.resolveExpiry(b.e.cfg.DefaultTTL, time.Now())
	for _, s := range tsamples {
		key := trajectory.Key(objectID, s.Timestamp)
		payload := trajectory.EncodePayload(s.Point, s.Value)
		rec := store.Record{Value: payload, ExpiresAt: expiresAt, CreatedAt: b.e.clock.Next()}
		b.setIntent(key, intent{kind: intentPut, key: key, rec: rec})
	}
	return nil
}

// Get reads key as it would appear if the batch committed right now:
// the batch's own pending intents take priority over the engine's
// pre-batch state (spec.md §4.1's read-your-writes rule).
func (b *Batch) Get(key []byte) ([]byte, bool) {
	b.checkAlive()
	if it, ok := b.pending[string(key)]; ok {
		if it.kind == intentDelete {
			return nil, false
		}
		return it.rec.Value, true
	}
	return b.e.getLocked(key)
}
