// Package reaper runs the engine's cooperative background TTL sweep
// (spec.md §4.2: "expired entries are also reclaimed by a periodic
// background pass so that keys nobody reads again still get freed").
//
// Grounded on internal/bs3/gc.go's ticker-driven, threshold-bounded
// collection loop: a single goroutine, a stop channel, a WaitGroup for a
// deterministic Close, and a bounded amount of work per tick rather than
// draining everything eligible in one pass.
package reaper

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Store is the subset of *store.Store the reaper needs. Kept as a narrow
// interface so tests can exercise the sweep loop against a fake.
type Store interface {
	ScanExpired(limit int) [][]byte
	ExpiredHints() <-chan []byte
}

// Evictor removes a key the reaper has determined is expired. It must be
// safe to call concurrently with the engine's normal read/write path (the
// facade wires this to its own write-lease acquisition).
type Evictor func(key []byte)

// Config controls the reaper's pacing.
type Config struct {
	// Interval between bounded sweeps. Defaults to 1s if zero.
	Interval time.Duration
	// PerTickLimit bounds how many expired keys one sweep evicts, keeping
	// a tick's latency independent of how large the store has grown.
	// Defaults to 1024 if zero.
	PerTickLimit int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.PerTickLimit <= 0 {
		c.PerTickLimit = 1024
	}
	return c
}

// Reaper owns the background goroutine. Zero value is not usable; construct
// with New.
type Reaper struct {
	cfg     Config
	store   Store
	evict   Evictor
	logger  zerolog.Logger
	stop    chan struct{}
	done    sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// New constructs a Reaper. It does nothing until Start is called.
func New(cfg Config, store Store, evict Evictor, logger zerolog.Logger) *Reaper {
	return &Reaper{
		cfg:    cfg.withDefaults(),
		store:  store,
		evict:  evict,
		logger: logger.With().Str("component", "reaper").Logger(),
		stop:   make(chan struct{}),
	}
}

// Start launches the background goroutine. Calling Start twice is a no-op.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	r.done.Add(1)
	go r.run()
}

func (r *Reaper) run() {
	defer r.done.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case key := <-r.store.ExpiredHints():
			r.evict(key)
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep performs one bounded pass, evicting at most PerTickLimit expired
// keys so a large store never turns a tick into an unbounded pause.
func (r *Reaper) sweep() {
	keys := r.store.ScanExpired(r.cfg.PerTickLimit)
	for _, k := range keys {
		r.evict(k)
	}
	if len(keys) > 0 {
		r.logger.Debug().Int("count", len(keys)).Msg("reaped expired keys")
	}
}

// Close stops the background goroutine and waits for it to exit, giving the
// engine a deterministic shutdown (no reaper goroutine can outlive Close).
// Calling Close more than once is safe.
func (r *Reaper) Close() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	select {
	case <-r.stop:
		// Already closed by an earlier call.
	default:
		close(r.stop)
	}
	r.mu.Unlock()
	r.done.Wait()
}
