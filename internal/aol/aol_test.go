package aol

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asch/splg/internal/store"
)

func TestFramePutRoundTrip(t *testing.T) {
	p := &store.Point{Lat: 1.5, Lon: -2.5}
	payload := PutPayload([]byte("k1"), 12345, p, []byte("v1"))
	frame := EncodeFrame(TypePut, payload)

	got, err := ReadFrame(sliceReader(frame))
	require.NoError(t, err)
	assert.Equal(t, TypePut, got.Type)

	dp, err := DecodePut(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("k1"), dp.Key)
	assert.Equal(t, uint64(12345), dp.ExpiresAtMs)
	assert.Equal(t, p, dp.Point)
	assert.Equal(t, []byte("v1"), dp.Value)
}

func TestFrameDeleteRoundTrip(t *testing.T) {
	frame := EncodeFrame(TypeDelete, DeletePayload([]byte("gone")))
	got, err := ReadFrame(sliceReader(frame))
	require.NoError(t, err)

	key, err := DecodeDelete(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("gone"), key)
}

func TestReadFrameDetectsCRCCorruption(t *testing.T) {
	frame := EncodeFrame(TypePut, PutPayload([]byte("k"), 0, nil, []byte("v")))
	frame[len(frame)-1] ^= 0xFF

	_, err := ReadFrame(sliceReader(frame))
	assert.Error(t, err)
}

func TestWriterAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.aol")

	isNew, err := EnsureHeader(path)
	require.NoError(t, err)
	assert.True(t, isNew)

	w, err := OpenWriter(path, SyncAlways, zerolog.Nop())
	require.NoError(t, err)

	tx := EncodeTransaction([][]byte{
		EncodeFrame(TypePut, PutPayload([]byte("a"), 0, nil, []byte("1"))),
		EncodeFrame(TypePut, PutPayload([]byte("b"), 0, nil, []byte("2"))),
	})
	require.NoError(t, w.Append(tx))

	tx2 := EncodeTransaction([][]byte{
		EncodeFrame(TypeDelete, DeletePayload([]byte("a"))),
	})
	require.NoError(t, w.Append(tx2))

	require.NoError(t, w.Close())

	ops, truncatedAt, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, OpPut, ops[0].Kind)
	assert.Equal(t, []byte("a"), ops[0].Key)
	assert.Equal(t, OpPut, ops[1].Kind)
	assert.Equal(t, []byte("b"), ops[1].Key)
	assert.Equal(t, OpDelete, ops[2].Kind)
	assert.Equal(t, []byte("a"), ops[2].Key)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), truncatedAt)
}

func TestWriterSecondOpenFailsWithAlreadyOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.aol")

	_, err := EnsureHeader(path)
	require.NoError(t, err)

	w1, err := OpenWriter(path, SyncNever, zerolog.Nop())
	require.NoError(t, err)
	defer w1.Close()

	_, err = OpenWriter(path, SyncNever, zerolog.Nop())
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestReplayDiscardsUncommittedTailTransaction(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.aol")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	_, err = f.Write(EncodeHeader())
	require.NoError(t, err)

	committed := EncodeTransaction([][]byte{
		EncodeFrame(TypePut, PutPayload([]byte("a"), 0, nil, []byte("1"))),
	})
	_, err = f.Write(committed)
	require.NoError(t, err)

	// A Begin with no matching Commit: simulates a crash mid-transaction.
	_, err = f.Write(EncodeFrame(TypeBegin, nil))
	require.NoError(t, err)
	_, err = f.Write(EncodeFrame(TypePut, PutPayload([]byte("b"), 0, nil, []byte("2"))))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ops, truncatedAt, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, []byte("a"), ops[0].Key)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), truncatedAt)
}

func TestReplayTruncatesAtCorruptFrame(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.aol")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	_, err = f.Write(EncodeHeader())
	require.NoError(t, err)

	good := EncodeTransaction([][]byte{
		EncodeFrame(TypePut, PutPayload([]byte("a"), 0, nil, []byte("1"))),
	})
	offsetBeforeBad := int64(HeaderLen + len(good))
	_, err = f.Write(good)
	require.NoError(t, err)

	bad := EncodeFrame(TypePut, PutPayload([]byte("b"), 0, nil, []byte("2")))
	bad[len(bad)-1] ^= 0xFF
	_, err = f.Write(bad)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ops, truncatedAt, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, offsetBeforeBad, truncatedAt)

	require.NoError(t, Truncate(path, truncatedAt))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, offsetBeforeBad, info.Size())
}

func TestRewriteProducesReplayableCompactLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.aol")

	_, err := EnsureHeader(path)
	require.NoError(t, err)

	w, err := OpenWriter(path, SyncAlways, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, w.Append(EncodeTransaction([][]byte{
		EncodeFrame(TypePut, PutPayload([]byte("a"), 0, nil, []byte("1"))),
		EncodeFrame(TypePut, PutPayload([]byte("b"), 0, nil, []byte("2"))),
		EncodeFrame(TypeDelete, DeletePayload([]byte("a"))),
	})))
	require.NoError(t, w.Close())

	live := []LiveEntry{{Key: []byte("b"), Value: []byte("2")}}
	require.NoError(t, Rewrite(path, 1, live))

	ops, _, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, []byte("b"), ops[0].Key)
}

type byteSliceReader struct {
	buf []byte
	pos int
}

func sliceReader(b []byte) *byteSliceReader {
	return &byteSliceReader{buf: b}
}

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.buf) {
		return 0, io.EOF
	}
	n := copy(p, r.buf[r.pos:])
	r.pos += n
	return n, nil
}
