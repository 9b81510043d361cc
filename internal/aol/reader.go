package aol

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/asch/splg/internal/store"
)

// OpKind identifies what an AppliedOp does to the store during replay.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// AppliedOp is one mutation recovered from the log, in application order.
type AppliedOp struct {
	Kind        OpKind
	Key         []byte
	ExpiresAtMs uint64
	Point       *store.Point
	Value       []byte
}

// Replay reads path from the start, verifies the header, and returns every
// op that belongs to a committed transaction, in the order it must be
// re-applied to an empty store (spec.md §4.6). truncatedAt is the byte
// offset the caller should Truncate to before reopening for append: it
// equals the file size when the whole log parsed cleanly, or the offset of
// the first corrupt/incomplete frame otherwise.
func Replay(path string) (ops []AppliedOp, truncatedAt int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, errors.Wrap(err, "aol: open for replay")
	}
	defer f.Close()

	header := make([]byte, HeaderLen)
	n, err := io.ReadFull(f, header)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// Empty file, or one shorter than the header: nothing to
			// replay.
			return nil, int64(n), nil
		}
		return nil, 0, errors.Wrap(err, "aol: read header")
	}
	if err := CheckHeader(header); err != nil {
		return nil, 0, err
	}

	offset := int64(HeaderLen)
	var pending []AppliedOp
	inTx := false

	for {
		frameStart := offset
		frame, ferr := ReadFrame(f)
		if ferr != nil {
			if ferr == io.EOF {
				// Clean end of file: any still-open transaction never
				// committed and is discarded (spec.md §4.6).
				return ops, frameStart, nil
			}
			// CRC mismatch, truncated length/body/crc: everything from
			// frameStart onward is unreadable and must be truncated away.
			return ops, frameStart, nil
		}

		frameLen := int64(4 + 1 + len(frame.Payload) + 4)
		offset += frameLen

		switch frame.Type {
		case TypeBegin:
			pending = nil
			inTx = true

		case TypePut:
			dp, derr := DecodePut(frame.Payload)
			if derr != nil {
				return ops, frameStart, nil
			}
			op := AppliedOp{
				Kind:        OpPut,
				Key:         dp.Key,
				ExpiresAtMs: dp.ExpiresAtMs,
				Point:       dp.Point,
				Value:       dp.Value,
			}
			if inTx {
				pending = append(pending, op)
			} else {
				// Implicit one-entry transaction (spec.md §4.6 step 3):
				// a bare Put/Delete outside any Begin/Commit applies
				// immediately.
				ops = append(ops, op)
			}

		case TypeDelete:
			key, derr := DecodeDelete(frame.Payload)
			if derr != nil {
				return ops, frameStart, nil
			}
			op := AppliedOp{Kind: OpDelete, Key: key}
			if inTx {
				pending = append(pending, op)
			} else {
				ops = append(ops, op)
			}

		case TypeCommit:
			count, derr := DecodeCommit(frame.Payload)
			if derr != nil {
				return ops, frameStart, nil
			}
			if int(count) != len(pending) {
				// Count mismatch means the transaction framing itself is
				// corrupt even though CRCs were individually valid;
				// defensively discard rather than half-apply it.
				pending = nil
				inTx = false
				continue
			}
			ops = append(ops, pending...)
			pending = nil
			inTx = false

		case TypeAbort:
			pending = nil
			inTx = false

		case TypeRewriteBegin, TypeRewriteEnd:
			// Markers only: a clean rewrite replaces the whole file rather
			// than appearing inside one being replayed, but decoding them
			// here keeps the reader tolerant of a crash mid-rewrite that
			// left markers in the live log.

		default:
			return ops, frameStart, nil
		}
	}
}
