package aol

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/asch/splg/internal/store"
)

// LiveEntry is one key the engine considers live at the moment a rewrite is
// requested: everything the rewritten log must be able to reconstruct.
type LiveEntry struct {
	Key         []byte
	ExpiresAtMs uint64
	Point       *store.Point
	Value       []byte
}

// Rewrite compacts path by writing every entry in live as a single Put
// transaction into a fresh file, bracketed by RewriteBegin/RewriteEnd
// markers, then atomically renaming it over path. This mirrors
// internal/bs3's gc.go threshold-triggered compaction (collapse many
// small deltas into one checkpoint) adapted from S3 object rewriting to a
// single local file rename.
//
// generation is an opaque, caller-assigned monotonically increasing number
// recorded in the markers; it has no effect on replay and exists purely so
// a later inspection of the file can tell which rewrite produced it.
func Rewrite(path string, generation uint64, live []LiveEntry) error {
	tmp := path + ".rewrite"

	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "aol: create rewrite file")
	}

	if err := writeRewrite(f, generation, live); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "aol: sync rewrite file")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "aol: close rewrite file")
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "aol: rename rewrite file over log")
	}

	dir, err := os.Open(filepath.Dir(path))
	if err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

func writeRewrite(f *os.File, generation uint64, live []LiveEntry) error {
	if _, err := f.Write(EncodeHeader()); err != nil {
		return errors.Wrap(err, "aol: write header")
	}
	if _, err := f.Write(EncodeFrame(TypeRewriteBegin, RewritePayload(generation))); err != nil {
		return errors.Wrap(err, "aol: write rewrite-begin marker")
	}

	entryFrames := make([][]byte, 0, len(live))
	for _, e := range live {
		entryFrames = append(entryFrames, EncodeFrame(TypePut, PutPayload(e.Key, e.ExpiresAtMs, e.Point, e.Value)))
	}
	if len(entryFrames) > 0 {
		if _, err := f.Write(EncodeTransaction(entryFrames)); err != nil {
			return errors.Wrap(err, "aol: write rewrite transaction")
		}
	}

	if _, err := f.Write(EncodeFrame(TypeRewriteEnd, RewritePayload(generation))); err != nil {
		return errors.Wrap(err, "aol: write rewrite-end marker")
	}
	return nil
}
