// Package geoindex implements the geohash-prefix-bucketed spatial index
// layered over the memory store (spec.md §4.3), plus the radius,
// bounding-box, and k-NN query engine built on top of it.
//
// It is grounded on internal/bs3/mapproxy.ExtentMapper: a plain, single
// threaded mapping wrapped by a synchronizing caller (the splg.Engine
// facade owns the lock, Index assumes single-writer/many-reader discipline
// enforced above it — same contract sectormap.SectorMap documents).
package geoindex

import (
	"bytes"

	"github.com/google/btree"
	"github.com/mmcloughlin/geohash"

	"github.com/asch/splg/internal/store"
)

const cellKeySep = 0x00

type cellEntry struct {
	// composite is cell (precision-length geohash) || 0x00 || key, so a
	// lexicographic prefix scan over the composite space is exactly a
	// prefix scan over the geohash part (spec.md §4.3's "no re-indexing
	// required" multi-precision fallback).
	composite []byte
	key       string
	point     store.Point
}

func lessCellEntry(a, b cellEntry) bool {
	return bytes.Compare(a.composite, b.composite) < 0
}

type tracked struct {
	cell  string
	point store.Point
}

// Index is the geohash-prefix index. Precision is fixed for the lifetime of
// an Index (spec.md §9: "implementers should not reintroduce mutable runtime
// config — it invites invariant violations with the geohash index").
type Index struct {
	precision int
	tree      *btree.BTreeG[cellEntry]
	byKey     map[string]tracked
}

// New returns an empty index at the given precision (1..12).
func New(precision int) *Index {
	return &Index{
		precision: precision,
		tree:      btree.NewG(32, lessCellEntry),
		byKey:     make(map[string]tracked),
	}
}

// Precision returns the configured geohash precision.
func (ix *Index) Precision() int {
	return ix.precision
}

// Put registers key at point, replacing any previous registration for key
// (spec.md §4.1's "inserting a point under a key that already holds a
// non-point record... registers the point"; moving a key to a new point is
// the same operation as a fresh Put).
func (ix *Index) Put(key string, p store.Point) {
	ix.Delete(key)

	cell := geohash.EncodeWithPrecision(p.Lat, p.Lon, uint(ix.precision))
	composite := compositeKey(cell, key)
	ix.tree.ReplaceOrInsert(cellEntry{composite: composite, key: key, point: p})
	ix.byKey[key] = tracked{cell: cell, point: p}
}

// Delete unregisters key, if present. Matches spec.md §4.3: "On point delete
// or overwrite: remove the key from the cell and, if the cell becomes empty,
// drop the mapping" — the btree naturally drops empty prefixes since there is
// nothing keyed under them anymore.
func (ix *Index) Delete(key string) {
	t, ok := ix.byKey[key]
	if !ok {
		return
	}
	ix.tree.Delete(cellEntry{composite: compositeKey(t.cell, key)})
	delete(ix.byKey, key)
}

// PointOf returns the point a key is registered under, if any.
func (ix *Index) PointOf(key string) (store.Point, bool) {
	t, ok := ix.byKey[key]
	return t.point, ok
}

// Len returns the number of indexed points.
func (ix *Index) Len() int {
	return len(ix.byKey)
}

func compositeKey(cell, key string) []byte {
	b := make([]byte, 0, len(cell)+1+len(key))
	b = append(b, cell...)
	b = append(b, cellKeySep)
	b = append(b, key...)
	return b
}

// cellPrefixUpperBound returns the upper bound for a lexicographic scan that
// matches every composite key whose geohash part starts with prefix.
func cellPrefixUpperBound(prefix string) []byte {
	return store.PrefixUpperBound([]byte(prefix))
}

// eachInCellPrefix visits every (key, point) pair whose p-precision cell
// begins with the given shorter prefix (spec.md §4.3's multi-precision
// fallback: q <= p, so a p-cell matches a q-prefix iff its first q
// characters equal it).
func (ix *Index) eachInCellPrefix(prefix string, fn func(key string, p store.Point) bool) {
	lo := []byte(prefix)
	hi := cellPrefixUpperBound(prefix)

	visit := func(e cellEntry) bool {
		return fn(e.key, e.point)
	}

	if hi == nil {
		ix.tree.AscendGreaterOrEqual(cellEntry{composite: lo}, visit)
		return
	}
	ix.tree.AscendRange(cellEntry{composite: lo}, cellEntry{composite: hi}, visit)
}
