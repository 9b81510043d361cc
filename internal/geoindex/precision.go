package geoindex

// cellWidthMeters tabulates the approximate east-west side length of a
// geohash cell at the equator for precisions 1..12 (spec.md §4.3). Index 0 is
// unused so the table can be indexed directly by precision.
//
// No library in this module's dependency set owns this constant — it is a
// fixed property of the base-32 geohash bit layout, not an API the geohash
// package exposes — so it is hand-tabulated here rather than computed.
var cellWidthMeters = [13]float64{
	0,
	5_009_400,
	1_252_300,
	156_500,
	39_100,
	4_900,
	1_220,
	152.9,
	38.2,
	4.77,
	1.19,
	0.149,
	0.0372,
}

// precisionFor returns the finest precision q in [1, maxP] whose cell side
// length is still >= radiusM, per spec.md §4.3 step 1. If even precision 1 is
// too fine (radius larger than a level-1 cell), it returns 1 — the coarsest
// level available, and the caller falls back to a wider candidate scan.
func precisionFor(maxP int, radiusM float64) int {
	if maxP > 12 {
		maxP = 12
	}
	if maxP < 1 {
		maxP = 1
	}
	for q := maxP; q >= 1; q-- {
		if cellWidthMeters[q] >= radiusM {
			return q
		}
	}
	return 1
}
