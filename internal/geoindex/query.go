package geoindex

import (
	"math"
	"sort"

	"github.com/mmcloughlin/geohash"

	"github.com/asch/splg/internal/store"
)

// earthRadiusMeters is the mean Earth radius used for Haversine distance
// (spec.md §3).
const earthRadiusMeters = 6_371_000

// Candidate is one result of a spatial query.
type Candidate struct {
	Key       string
	Point     store.Point
	DistanceM float64
}

// Filter restricts candidates to a subset, used by the facade to scope a
// query to one namespace without the index itself knowing what a namespace
// is (spec.md §9's "do not hard-code separator handling into every call
// site").
type Filter func(key string) bool

func alwaysTrue(string) bool { return true }

// haversine returns the great-circle distance between a and b in metres.
func haversine(a, b store.Point) float64 {
	lat1, lon1 := degToRad(a.Lat), degToRad(a.Lon)
	lat2, lon2 := degToRad(b.Lat), degToRad(b.Lon)

	dLat := lat2 - lat1
	dLon := lon2 - lon1

	sinDLat := math.Sin(dLat / 2)
	sinDLon := math.Sin(dLon / 2)

	h := sinDLat*sinDLat + math.Cos(lat1)*math.Cos(lat2)*sinDLon*sinDLon
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

func degToRad(d float64) float64 {
	return d * math.Pi / 180
}

// windowCells returns the q-precision cell covering center plus its 8
// geographic neighbours (spec.md §4.3 step 2).
func windowCells(center store.Point, q int) []string {
	origin := geohash.EncodeWithPrecision(center.Lat, center.Lon, uint(q))
	cells := make([]string, 0, 9)
	cells = append(cells, origin)
	cells = append(cells, geohash.Neighbors(origin)...)
	return cells
}

// Radius implements spec.md §4.3's radius search: a 9-cell window at the
// finest precision whose cell is still at least radiusM wide (see
// precisionFor), exact Haversine filtering, ascending sort,
// limit truncation (limit=0 meaning "return all"). When radiusM reaches or
// exceeds the widest tabulated cell (precision 1), a 9-cell window can no
// longer be trusted to cover everything in range, so the search falls back
// to an exhaustive scan instead, the same last resort Nearest uses.
func (ix *Index) Radius(center store.Point, radiusM float64, limit int, filter Filter) []Candidate {
	if filter == nil {
		filter = alwaysTrue
	}

	var out []Candidate
	if radiusM >= cellWidthMeters[1] {
		out = ix.allCandidates(filter)
	} else {
		q := precisionFor(ix.precision, radiusM)
		out = ix.candidatesInWindow(windowCells(center, q), filter)
	}

	matches := make([]Candidate, 0, len(out))
	for _, c := range out {
		d := haversine(center, c.Point)
		if d <= radiusM {
			c.DistanceM = d
			matches = append(matches, c)
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].DistanceM < matches[j].DistanceM })

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// Nearest implements the k-NN fallback of spec.md §4.3: start at the
// configured precision and widen until at least k candidates accumulate or
// the window reaches the whole planet (q=0 is modeled as "scan everything").
func (ix *Index) Nearest(center store.Point, k int, filter Filter) []Candidate {
	if filter == nil {
		filter = alwaysTrue
	}
	if k <= 0 {
		return nil
	}

	var out []Candidate
	for q := ix.precision; q >= 1; q-- {
		out = ix.candidatesInWindow(windowCells(center, q), filter)
		if len(out) >= k {
			break
		}
	}
	if len(out) < k {
		// q would go to 0: there is no "empty prefix" cell bucket to
		// widen into, so fall back to scanning every indexed point.
		out = ix.allCandidates(filter)
	}

	for i := range out {
		out[i].DistanceM = haversine(center, out[i].Point)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceM < out[j].DistanceM })

	if len(out) > k {
		out = out[:k]
	}
	return out
}

// Bounds implements spec.md §4.3's bounding-box search: rasterise the
// covering set of cells by walking east from the SW corner until past
// maxLon, then north until past maxLat, and exactly filter each covered
// cell's members against the box. The raster uses the configured
// precision when the box spans few enough cells, and a coarser one
// otherwise (see maxCells below).
func (ix *Index) Bounds(minLat, minLon, maxLat, maxLon float64, limit int, filter Filter) []Candidate {
	if filter == nil {
		filter = alwaysTrue
	}

	var out []Candidate
	seen := make(map[string]struct{})

	// Rasterising the grid is bounded by construction (the box is finite
	// and cells shrink monotonically with precision), but a defensive
	// step cap keeps a pathological bbox (e.g. spanning the antimeridian
	// at a very fine precision) from looping indefinitely.
	const maxSteps = 1_000_000

	// Rasterise at the finest precision q <= p whose grid covers the box in
	// at most maxCells cells; eachInCellPrefix then visits every p-cell
	// inside each q-cell, so no p-cell intersecting the box is missed.
	const maxCells = 4096
	q := ix.precision
	for ; q > 1; q-- {
		lonBits, latBits := (5*q+1)/2, 5*q/2
		cols := (maxLon-minLon)/(360/math.Exp2(float64(lonBits))) + 2
		rows := (maxLat-minLat)/(180/math.Exp2(float64(latBits))) + 2
		if cols*rows <= maxCells {
			break
		}
	}

	rowOrigin := geohash.EncodeWithPrecision(minLat, minLon, uint(q))
	for rows := 0; rows < maxSteps; rows++ {
		rowBox := geohash.BoundingBox(rowOrigin)
		if rowBox.Lat.Min > maxLat {
			break
		}

		cell := rowOrigin
		for cols := 0; cols < maxSteps; cols++ {
			if _, dup := seen[cell]; !dup {
				seen[cell] = struct{}{}
				ix.eachInCellPrefix(cell, func(key string, p store.Point) bool {
					if !filter(key) {
						return true
					}
					if p.Lat >= minLat && p.Lat <= maxLat && p.Lon >= minLon && p.Lon <= maxLon {
						out = append(out, Candidate{Key: key, Point: p})
						if limit > 0 && len(out) >= limit {
							return false
						}
					}
					return true
				})
			}

			box := geohash.BoundingBox(cell)
			if box.Lng.Min > maxLon || (limit > 0 && len(out) >= limit) {
				break
			}
			cell = geohash.Neighbor(cell, geohash.East)
		}

		if limit > 0 && len(out) >= limit {
			break
		}
		rowOrigin = geohash.Neighbor(rowOrigin, geohash.North)
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (ix *Index) candidatesInWindow(cells []string, filter Filter) []Candidate {
	var out []Candidate
	for _, cell := range cells {
		ix.eachInCellPrefix(cell, func(key string, p store.Point) bool {
			if filter(key) {
				out = append(out, Candidate{Key: key, Point: p})
			}
			return true
		})
	}
	return out
}

func (ix *Index) allCandidates(filter Filter) []Candidate {
	var out []Candidate
	for key, t := range ix.byKey {
		if filter(key) {
			out = append(out, Candidate{Key: key, Point: t.point})
		}
	}
	return out
}
