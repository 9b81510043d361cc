// Package aol implements the append-only log: the durability layer of
// spec.md §4.6. It owns the on-disk wire format (frame.go), the writer and
// its fsync policy (writer.go), deterministic replay on open (reader.go),
// and the rewrite/compaction pass (rewrite.go).
//
// The component is grounded on internal/bs3's restore/checkpoint/gc trio
// (bs3.go's restoreFromCheckpoint/restoreFromObjects, gc.go's gcThreshold),
// reread for a single local file instead of S3 objects: SPEC_FULL.md §6.4
// has the full mapping.
package aol

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/asch/splg/internal/store"
)

// Magic is the fixed 4-byte header every AOL file begins with (spec.md §6).
var Magic = [4]byte{'S', 'P', 'L', 'G'}

// Version is the current on-disk format version.
const Version uint16 = 1

// HeaderLen is the size in bytes of the fixed file header: magic + version +
// reserved.
const HeaderLen = 4 + 2 + 2

// FrameType identifies the kind of record a frame carries (spec.md §4.6).
type FrameType uint8

const (
	TypePut          FrameType = 1
	TypeDelete       FrameType = 2
	TypeBegin        FrameType = 10
	TypeCommit       FrameType = 11
	TypeAbort        FrameType = 12
	TypeRewriteBegin FrameType = 20
	TypeRewriteEnd   FrameType = 21
)

func (t FrameType) String() string {
	switch t {
	case TypePut:
		return "Put"
	case TypeDelete:
		return "Delete"
	case TypeBegin:
		return "Begin"
	case TypeCommit:
		return "Commit"
	case TypeAbort:
		return "Abort"
	case TypeRewriteBegin:
		return "RewriteBegin"
	case TypeRewriteEnd:
		return "RewriteEnd"
	default:
		return "Unknown"
	}
}

// EncodeHeader writes the fixed file header.
func EncodeHeader() []byte {
	buf := make([]byte, HeaderLen)
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint16(buf[4:6], Version)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	return buf
}

// CheckHeader validates a header read from disk.
func CheckHeader(buf []byte) error {
	if len(buf) < HeaderLen {
		return errors.New("aol: header too short")
	}
	if !bytes.Equal(buf[0:4], Magic[:]) {
		return errors.Errorf("aol: bad magic %q", buf[0:4])
	}
	version := binary.LittleEndian.Uint16(buf[4:6])
	if version != Version {
		return errors.Errorf("aol: unsupported version %d", version)
	}
	return nil
}

// EncodeFrame serialises one frame: u32 length | u8 type | payload | u32 crc32,
// where length covers type+payload and crc32 is computed over type+payload.
func EncodeFrame(typ FrameType, payload []byte) []byte {
	body := make([]byte, 1+len(payload))
	body[0] = byte(typ)
	copy(body[1:], payload)

	buf := make([]byte, 4+len(body)+4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(body)))
	copy(buf[4:4+len(body)], body)
	crc := crc32.ChecksumIEEE(body)
	binary.LittleEndian.PutUint32(buf[4+len(body):], crc)
	return buf
}

// Frame is one decoded AOL record.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// ReadFrame reads and validates exactly one frame from r. It returns
// io.EOF if r is positioned exactly at the end of the stream (no partial
// frame bytes available), and a non-nil, non-EOF error for anything that
// looks like a corrupt or truncated frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Frame{}, errors.Wrap(err, "aol: truncated frame length")
		}
		return Frame{}, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Frame{}, errors.New("aol: zero-length frame")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, errors.Wrap(err, "aol: truncated frame body")
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return Frame{}, errors.Wrap(err, "aol: truncated frame crc")
	}

	want := binary.LittleEndian.Uint32(crcBuf[:])
	got := crc32.ChecksumIEEE(body)
	if want != got {
		return Frame{}, errors.Errorf("aol: crc mismatch (want %x, got %x)", want, got)
	}

	return Frame{Type: FrameType(body[0]), Payload: body[1:]}, nil
}

// PutPayload encodes a Put frame's payload (spec.md §4.6).
func PutPayload(key []byte, expiresAtMs uint64, p *store.Point, value []byte) []byte {
	pointFlag := byte(0)
	pointLen := 0
	if p != nil {
		pointFlag = 1
		pointLen = 16
	}

	buf := make([]byte, 4+len(key)+8+1+pointLen+4+len(value))
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(key)))
	off += 4
	off += copy(buf[off:], key)
	binary.LittleEndian.PutUint64(buf[off:], expiresAtMs)
	off += 8
	buf[off] = pointFlag
	off++
	if p != nil {
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(p.Lat))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(p.Lon))
		off += 8
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(value)))
	off += 4
	copy(buf[off:], value)
	return buf
}

// DecodedPut is a decoded Put frame payload.
type DecodedPut struct {
	Key         []byte
	ExpiresAtMs uint64
	Point       *store.Point
	Value       []byte
}

// DecodePut reverses PutPayload.
func DecodePut(payload []byte) (DecodedPut, error) {
	var d DecodedPut
	off := 0
	if len(payload) < 4 {
		return d, errors.New("aol: put payload too short (key_len)")
	}
	keyLen := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	if len(payload) < off+keyLen+8+1 {
		return d, errors.New("aol: put payload too short (key/expiry/flag)")
	}
	d.Key = append([]byte(nil), payload[off:off+keyLen]...)
	off += keyLen
	d.ExpiresAtMs = binary.LittleEndian.Uint64(payload[off:])
	off += 8
	flag := payload[off]
	off++
	if flag == 1 {
		if len(payload) < off+16 {
			return d, errors.New("aol: put payload too short (point)")
		}
		lat := math.Float64frombits(binary.LittleEndian.Uint64(payload[off:]))
		off += 8
		lon := math.Float64frombits(binary.LittleEndian.Uint64(payload[off:]))
		off += 8
		d.Point = &store.Point{Lat: lat, Lon: lon}
	}
	if len(payload) < off+4 {
		return d, errors.New("aol: put payload too short (value_len)")
	}
	valueLen := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	if len(payload) < off+valueLen {
		return d, errors.New("aol: put payload too short (value)")
	}
	d.Value = append([]byte(nil), payload[off:off+valueLen]...)
	return d, nil
}

// DeletePayload encodes a Delete frame's payload.
func DeletePayload(key []byte) []byte {
	buf := make([]byte, 4+len(key))
	binary.LittleEndian.PutUint32(buf, uint32(len(key)))
	copy(buf[4:], key)
	return buf
}

// DecodeDelete reverses DeletePayload.
func DecodeDelete(payload []byte) ([]byte, error) {
	if len(payload) < 4 {
		return nil, errors.New("aol: delete payload too short")
	}
	keyLen := int(binary.LittleEndian.Uint32(payload))
	if len(payload) < 4+keyLen {
		return nil, errors.New("aol: delete payload truncated")
	}
	return append([]byte(nil), payload[4:4+keyLen]...), nil
}

// CommitPayload encodes a Commit frame's payload.
func CommitPayload(count uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, count)
	return buf
}

// DecodeCommit reverses CommitPayload.
func DecodeCommit(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, errors.New("aol: commit payload too short")
	}
	return binary.LittleEndian.Uint32(payload), nil
}

// RewritePayload encodes a RewriteBegin/RewriteEnd frame's payload.
func RewritePayload(generation uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, generation)
	return buf
}

// DecodeRewrite reverses RewritePayload.
func DecodeRewrite(payload []byte) (uint64, error) {
	if len(payload) < 8 {
		return 0, errors.New("aol: rewrite payload too short")
	}
	return binary.LittleEndian.Uint64(payload), nil
}

// EncodeTransaction wraps entry frames (already-encoded Put/Delete frames)
// into one Begin/.../Commit{N} buffer, written to disk with a single
// Append call (spec.md §4.6: "writes the full framed transaction to a
// buffer and flushes+fsyncs... once before returning").
func EncodeTransaction(entryFrames [][]byte) []byte {
	var buf bytes.Buffer
	buf.Write(EncodeFrame(TypeBegin, nil))
	for _, f := range entryFrames {
		buf.Write(f)
	}
	buf.Write(EncodeFrame(TypeCommit, CommitPayload(uint32(len(entryFrames)))))
	return buf.Bytes()
}
