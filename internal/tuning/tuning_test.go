package tuning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReadsEnvOverride(t *testing.T) {
	t.Setenv("SPLG_TTL_REAP_INTERVAL", "10ms")

	o, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, o.TTLReapInterval)
}

func TestApplyLeavesIntervalUntouchedWhenZero(t *testing.T) {
	o := Overrides{}
	interval := 250 * time.Millisecond
	o.Apply(&interval)
	assert.Equal(t, 250*time.Millisecond, interval)
}

func TestApplyOverridesWhenSet(t *testing.T) {
	o := Overrides{TTLReapInterval: 5 * time.Millisecond}
	interval := 250 * time.Millisecond
	o.Apply(&interval)
	assert.Equal(t, 5*time.Millisecond, interval)
}
