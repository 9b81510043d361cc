package splg

import "time"

// Point is an immutable (lat, lon) pair in decimal degrees.
type Point struct {
	Lat, Lon float64
}

func (p Point) valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// WriteOptions controls one insert's expiry. The zero value means "use the
// engine's configured DefaultTTL".
type WriteOptions struct {
	// TTL, if non-zero, overrides Config.DefaultTTL for this one write.
	TTL time.Duration
	// ExpiresAt, if non-zero, is used verbatim instead of TTL/DefaultTTL.
	ExpiresAt time.Time
}

func (o WriteOptions) resolveExpiry(defaultTTL time.Duration, now time.Time) time.Time {
	if !o.ExpiresAt.IsZero() {
		return o.ExpiresAt
	}
	ttl := o.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	if ttl == 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// NearbyResult is one hit from FindNearby/FindWithinBounds.
type NearbyResult struct {
	Point     Point
	Value     []byte
	DistanceM float64
}

// TrajectorySample is one hit from QueryTrajectory.
type TrajectorySample struct {
	Point     Point
	Timestamp uint64
	Value     []byte
}

// TrajectoryInsert is one input sample to InsertTrajectory.
type TrajectoryInsert struct {
	Point     Point
	Timestamp uint64
	Value     []byte
}
