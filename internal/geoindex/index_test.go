package geoindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/splg/internal/store"
)

var (
	nyc    = store.Point{Lat: 40.7128, Lon: -74.0060}
	paris  = store.Point{Lat: 48.8566, Lon: 2.3522}
	london = store.Point{Lat: 51.5074, Lon: -0.1278}
)

func citiesIndex() *Index {
	ix := New(8)
	ix.Put("cities:nyc", nyc)
	ix.Put("cities:paris", paris)
	ix.Put("cities:london", london)
	return ix
}

func TestRadiusOrderingScenarioB(t *testing.T) {
	ix := citiesIndex()

	got := ix.Radius(nyc, 6_000_000, 10, nil)
	require.Len(t, got, 3)

	assert.Equal(t, "cities:nyc", got[0].Key)
	assert.InDelta(t, 0, got[0].DistanceM, 1)
	assert.Equal(t, "cities:london", got[1].Key)
	assert.Equal(t, "cities:paris", got[2].Key)
	assert.Less(t, got[1].DistanceM, got[2].DistanceM)
}

func TestBoundsScenarioC(t *testing.T) {
	ix := citiesIndex()

	got := ix.Bounds(40.0, -10.0, 60.0, 10.0, 10, nil)

	keys := map[string]bool{}
	for _, c := range got {
		keys[c.Key] = true
	}
	assert.True(t, keys["cities:paris"])
	assert.True(t, keys["cities:london"])
	assert.False(t, keys["cities:nyc"])
}

func TestRadiusZeroIsExactMatchOnly(t *testing.T) {
	ix := citiesIndex()

	got := ix.Radius(nyc, 0, 0, nil)
	require.Len(t, got, 1)
	assert.Equal(t, "cities:nyc", got[0].Key)
}

func TestRadiusFallsBackToExhaustiveScanPastCoarsestCell(t *testing.T) {
	ix := citiesIndex()

	// cellWidthMeters[1] is ~5,009,400m; a radius past that can't trust a
	// single 9-cell window to cover everything in range (NYC and Paris sit
	// two geohash-1 cells apart), so Radius must fall back to scanning
	// every indexed point.
	got := ix.Radius(nyc, 20_000_000, 0, nil)
	require.Len(t, got, 3)
}

func TestNearestWidensUntilEnoughCandidates(t *testing.T) {
	ix := citiesIndex()

	got := ix.Nearest(nyc, 2, nil)
	require.Len(t, got, 2)
	assert.Equal(t, "cities:nyc", got[0].Key)
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	ix := citiesIndex()
	ix.Delete("cities:nyc")

	got := ix.Radius(nyc, 1, 0, nil)
	assert.Empty(t, got)
	assert.Equal(t, 2, ix.Len())
}

func TestFilterScopesByNamespace(t *testing.T) {
	ix := New(8)
	ix.Put("cities:nyc", nyc)
	ix.Put("other:nyc", nyc)

	got := ix.Radius(nyc, 10, 0, func(key string) bool { return key[:7] == "cities:" })
	require.Len(t, got, 1)
	assert.Equal(t, "cities:nyc", got[0].Key)
}
