package aol

import (
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// SyncPolicy controls when the Writer fsyncs the log to disk (spec.md §4.6).
type SyncPolicy int

const (
	// SyncAlways fsyncs after every Append.
	SyncAlways SyncPolicy = iota
	// SyncEverySecond batches fsyncs on a one-second ticker.
	SyncEverySecond
	// SyncNever never fsyncs except on Close.
	SyncNever
)

// EnsureHeader creates path with a fresh AOL header if it doesn't exist, or
// verifies the header of an existing file. It reports isNew so the caller
// knows whether replay has anything to read.
func EnsureHeader(path string) (isNew bool, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return false, errors.Wrap(err, "aol: open for header check")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, errors.Wrap(err, "aol: stat")
	}
	if info.Size() == 0 {
		if _, err := f.Write(EncodeHeader()); err != nil {
			return false, errors.Wrap(err, "aol: write header")
		}
		if err := f.Sync(); err != nil {
			return false, errors.Wrap(err, "aol: sync header")
		}
		return true, nil
	}

	buf := make([]byte, HeaderLen)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return false, errors.Wrap(err, "aol: read header")
	}
	if err := CheckHeader(buf); err != nil {
		return false, err
	}
	return false, nil
}

// Writer appends framed transactions to an AOL file under an advisory flock
// (spec.md §5: "at most one process may open a given path for writing").
// The locking and lifecycle discipline is grounded on internal/bs3.go's
// single-owner checkpoint loop: one writer, FIFO application, no detached
// goroutines beyond the optional periodic flusher.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	flock  *flock.Flock
	policy SyncPolicy
	logger zerolog.Logger

	stop     chan struct{}
	flushWg  sync.WaitGroup
	closed   bool
}

// ErrAlreadyOpen is returned when the AOL's write lock is already held, by
// another Writer in this process or by another process.
var ErrAlreadyOpen = errors.New("aol: log already open for writing")

// OpenWriter opens path for appending, taking an advisory lock so a second
// process opening the same path fails fast instead of corrupting the log.
func OpenWriter(path string, policy SyncPolicy, logger zerolog.Logger) (*Writer, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "aol: acquire write lock")
	}
	if !locked {
		return nil, ErrAlreadyOpen
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		lock.Unlock()
		return nil, errors.Wrap(err, "aol: open for append")
	}

	w := &Writer{
		f:      f,
		flock:  lock,
		policy: policy,
		logger: logger.With().Str("component", "aol.writer").Logger(),
		stop:   make(chan struct{}),
	}
	if policy == SyncEverySecond {
		w.startFlusher()
	}
	return w, nil
}

// Append writes buf as a single write(2) call and, per the sync policy,
// fsyncs before returning. buf is expected to be one complete
// Begin/.../Commit transaction produced by EncodeTransaction.
func (w *Writer) Append(buf []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("aol: append on closed writer")
	}
	if _, err := w.f.Write(buf); err != nil {
		return errors.Wrap(err, "aol: append write")
	}
	if w.policy == SyncAlways {
		if err := w.f.Sync(); err != nil {
			return errors.Wrap(err, "aol: append fsync")
		}
	}
	return nil
}

// Sync forces an fsync regardless of policy.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return errors.Wrap(w.f.Sync(), "aol: sync")
}

func (w *Writer) startFlusher() {
	w.flushWg.Add(1)
	go func() {
		defer w.flushWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.Sync(); err != nil {
					w.logger.Warn().Err(err).Msg("periodic fsync failed")
				}
			case <-w.stop:
				return
			}
		}
	}()
}

// Close stops the flusher (if any), fsyncs once more unconditionally so a
// graceful shutdown never loses a SyncNever/SyncEverySecond writer's tail,
// then releases the file and lock.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stop)
	w.flushWg.Wait()

	syncErr := w.f.Sync()
	closeErr := w.f.Close()
	unlockErr := w.flock.Unlock()

	if syncErr != nil {
		return errors.Wrap(syncErr, "aol: close fsync")
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "aol: close file")
	}
	return errors.Wrap(unlockErr, "aol: release lock")
}

// Truncate discards everything in the file beyond offset. Used after Replay
// reports a corrupt/truncated tail, per spec.md §4.6: "the corrupt tail is
// discarded... before the log is reopened for append."
func Truncate(path string, offset int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrap(err, "aol: open for truncate")
	}
	defer f.Close()
	if err := f.Truncate(offset); err != nil {
		return errors.Wrap(err, "aol: truncate")
	}
	return errors.Wrap(f.Sync(), "aol: sync after truncate")
}
