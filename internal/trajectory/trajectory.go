// Package trajectory implements the key/payload codec for time-keyed
// sequences of points per object id (spec.md §4.5). A trajectory has no
// separate stored object: it is a view over the key prefix
// "trajectory:<object_id>:", so this package owns only encoding,
// decoding, and sample validation — the splg.Engine facade does the actual
// store.Range scan and AOL/batch plumbing, the same separation of concerns
// internal/bs3/key keeps between "what a key means" and "who serializes
// access to it".
package trajectory

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/asch/splg/internal/store"
)

const (
	prefixLiteral = "trajectory:"
	objectSep     = ':'
	tsSep         = 0x01

	// pointPayloadLen is the fixed 16-byte point prefix every trajectory
	// sample payload carries (spec.md §4.5): two big-endian float64s.
	pointPayloadLen = 16
)

// Sample is one trajectory data point to be inserted.
type Sample struct {
	Point     store.Point
	Timestamp uint64
	Value     []byte // optional application payload
}

// Prefix returns the key prefix for every sample of objectID.
func Prefix(objectID string) []byte {
	b := make([]byte, 0, len(prefixLiteral)+len(objectID)+2)
	b = append(b, prefixLiteral...)
	b = append(b, objectID...)
	b = append(b, objectSep, tsSep)
	return b
}

// Key returns the store key for one sample of objectID at ts.
func Key(objectID string, ts uint64) []byte {
	k := Prefix(objectID)
	k = append(k, encodeTimestamp(ts)...)
	return k
}

// KeyRange returns the [lo, hi) store range covering every sample of
// objectID with timestamp in [tStart, tEnd] inclusive.
func KeyRange(objectID string, tStart, tEnd uint64) (lo, hi []byte) {
	lo = Key(objectID, tStart)
	if tEnd == ^uint64(0) {
		return lo, store.PrefixUpperBound(Prefix(objectID))
	}
	return lo, Key(objectID, tEnd+1)
}

func encodeTimestamp(ts uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, ts)
	return b
}

// DecodeTimestamp extracts the timestamp from a full trajectory key.
func DecodeTimestamp(key []byte) (uint64, error) {
	if len(key) < 8 {
		return 0, errors.Errorf("trajectory key too short: %d bytes", len(key))
	}
	return binary.BigEndian.Uint64(key[len(key)-8:]), nil
}

// EncodePayload serialises a sample's point and optional value into the
// wire format stored under its key: a fixed 16-byte point prefix so queries
// can decode without a schema, followed by the raw value bytes.
func EncodePayload(p store.Point, value []byte) []byte {
	buf := make([]byte, pointPayloadLen+len(value))
	binary.BigEndian.PutUint64(buf[0:8], math.Float64bits(p.Lat))
	binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(p.Lon))
	copy(buf[pointPayloadLen:], value)
	return buf
}

// DecodePayload reverses EncodePayload.
func DecodePayload(payload []byte) (store.Point, []byte, error) {
	if len(payload) < pointPayloadLen {
		return store.Point{}, nil, errors.Errorf("trajectory payload too short: %d bytes", len(payload))
	}
	lat := math.Float64frombits(binary.BigEndian.Uint64(payload[0:8]))
	lon := math.Float64frombits(binary.BigEndian.Uint64(payload[8:16]))
	value := payload[pointPayloadLen:]
	return store.Point{Lat: lat, Lon: lon}, value, nil
}

// ValidateSamples checks spec.md §4.5's ordering rule: samples must be
// strictly non-decreasing by timestamp (equal timestamps are allowed; the
// later one in the slice wins when applied).
func ValidateSamples(samples []Sample) error {
	if len(samples) == 0 {
		return errors.New("trajectory insert requires at least one sample")
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].Timestamp < samples[i-1].Timestamp {
			return fmt.Errorf("trajectory samples must be non-decreasing by timestamp: sample %d (ts=%d) precedes sample %d (ts=%d)",
				i, samples[i].Timestamp, i-1, samples[i-1].Timestamp)
		}
	}
	return nil
}
