package splg

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/asch/splg/internal/aol"
)

// SyncPolicy controls when the append-only log is fsynced (spec.md §4.6).
// It is an alias of the aol package's policy type so callers never import
// internal/aol directly.
type SyncPolicy = aol.SyncPolicy

const (
	SyncAlways      = aol.SyncAlways
	SyncEverySecond = aol.SyncEverySecond
	SyncNever       = aol.SyncNever
)

// Config configures an Engine. Construct with DefaultConfig and override
// only what differs. Open validates the config and fills in
// GeohashPrecision, AutoRewriteThreshold, AutoRewriteMinBytes,
// TTLReapInterval and NamespaceSeparator when left zero; SyncPolicy and
// Logger are used as given, and a zero SyncPolicy is SyncAlways.
type Config struct {
	// GeohashPrecision is the fixed cell precision the spatial index uses
	// for every namespace, 1..12. Default 8.
	GeohashPrecision int

	// SyncPolicy controls AOL fsync cadence. Default SyncEverySecond.
	SyncPolicy SyncPolicy

	// DefaultTTL applies to inserts that don't specify their own TTL.
	// Zero means "no default expiry".
	DefaultTTL time.Duration

	// AutoRewriteThreshold triggers a compaction rewrite once
	// live_bytes/total_bytes on the AOL drops below it. nil means "use the
	// default of 0.5"; an explicit 0 disables auto-rewrite entirely
	// (spec.md §4.7: "auto_rewrite_threshold (0.5) — fraction, 0
	// disables").
	AutoRewriteThreshold *float64

	// AutoRewriteMinBytes is the minimum AOL size before the threshold
	// check applies at all, so a freshly opened small log never
	// self-triggers a rewrite. Default 16 MiB.
	AutoRewriteMinBytes int64

	// TTLReapInterval is the reaper's tick cadence. Default 250ms.
	TTLReapInterval time.Duration

	// NamespaceSeparator joins a namespace and a user key into the
	// composite key stored in the spatial index's byKey map and AOL. It
	// must not appear inside a namespace. Default ':'.
	NamespaceSeparator byte

	// Logger receives structured diagnostics. Default zerolog.Nop(): the
	// library is silent unless the embedding application wires a logger
	// in, matching spec.md §9's "no implicit global state" stance.
	Logger zerolog.Logger
}

// DefaultConfig returns the configuration spec.md §4.7 describes as the
// engine's defaults.
func DefaultConfig() Config {
	defaultThreshold := 0.5
	return Config{
		GeohashPrecision:     8,
		SyncPolicy:           SyncEverySecond,
		DefaultTTL:           0,
		AutoRewriteThreshold: &defaultThreshold,
		AutoRewriteMinBytes:  16 << 20,
		TTLReapInterval:      250 * time.Millisecond,
		NamespaceSeparator:   ':',
		Logger:               zerolog.Nop(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GeohashPrecision == 0 {
		c.GeohashPrecision = d.GeohashPrecision
	}
	if c.AutoRewriteThreshold == nil {
		c.AutoRewriteThreshold = d.AutoRewriteThreshold
	}
	if c.AutoRewriteMinBytes == 0 {
		c.AutoRewriteMinBytes = d.AutoRewriteMinBytes
	}
	if c.TTLReapInterval == 0 {
		c.TTLReapInterval = d.TTLReapInterval
	}
	if c.NamespaceSeparator == 0 {
		c.NamespaceSeparator = d.NamespaceSeparator
	}
	return c
}

func (c Config) validate() error {
	if c.GeohashPrecision < 1 || c.GeohashPrecision > 12 {
		return errorf(ErrInvalidConfig, "geohash precision %d out of range 1..12", c.GeohashPrecision)
	}
	if c.AutoRewriteThreshold != nil && (*c.AutoRewriteThreshold < 0 || *c.AutoRewriteThreshold >= 1) {
		return errorf(ErrInvalidConfig, "auto-rewrite threshold %f out of range [0,1)", *c.AutoRewriteThreshold)
	}
	if c.AutoRewriteMinBytes < 0 {
		return errorf(ErrInvalidConfig, "auto-rewrite min bytes %d must be non-negative", c.AutoRewriteMinBytes)
	}
	if c.TTLReapInterval <= 0 {
		return errorf(ErrInvalidConfig, "ttl reap interval must be positive")
	}
	return nil
}
