// Package tuning holds the one environment-variable override spec.md §6
// sanctions outside the core Open(Config, path) contract: a way for tests
// (and operators chasing down a flaky reap timing issue) to shrink the TTL
// reaper's tick interval without touching application code.
//
// Grounded on internal/config's cleanenv-based env parsing, narrowed from a
// package-level singleton covering an entire daemon's configuration down to
// a single struct an Engine caller reads explicitly and feeds into
// splg.Config — the core itself never parses files or the environment.
package tuning

import (
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Overrides is the set of env-tunable values. Zero fields mean "no
// override"; the caller is expected to apply a field only when non-zero.
type Overrides struct {
	TTLReapInterval time.Duration `env:"SPLG_TTL_REAP_INTERVAL" env-description:"Override the TTL reaper's tick interval, e.g. for tests that want a faster sweep than the 250ms default."`
}

// Load reads Overrides from the environment. It never reads a config file:
// spec.md §13 excludes config-file parsing from the core, and this package
// exists only for the one override §6 explicitly allows.
func Load() (Overrides, error) {
	var o Overrides
	if err := cleanenv.ReadEnv(&o); err != nil {
		return Overrides{}, err
	}
	return o, nil
}

// Apply writes a non-zero TTLReapInterval override into *interval (for
// example &cfg.TTLReapInterval), and leaves *interval untouched otherwise.
func (o Overrides) Apply(interval *time.Duration) {
	if o.TTLReapInterval > 0 {
		*interval = o.TTLReapInterval
	}
}
