package splg

import "github.com/pkg/errors"

// Sentinel error kinds returned (wrapped with context via pkg/errors) by
// Engine operations, per spec.md §4.1's per-operation error columns.
var (
	// ErrInvalidKey is returned for an empty key.
	ErrInvalidKey = errors.New("splg: invalid key")

	// ErrInvalidPoint is returned for a point outside valid lat/lon ranges.
	ErrInvalidPoint = errors.New("splg: invalid point")

	// ErrInvalidBounds is returned for a bounding box with min > max on
	// either axis.
	ErrInvalidBounds = errors.New("splg: invalid bounds")

	// ErrInvalidTrajectory is returned for an empty or non-monotonic
	// sample sequence.
	ErrInvalidTrajectory = errors.New("splg: invalid trajectory")

	// ErrInvalidConfig is returned by Open when the configuration is out
	// of range or internally inconsistent.
	ErrInvalidConfig = errors.New("splg: invalid config")

	// ErrCorrupt is returned by Open when the AOL header is unreadable or
	// carries an unsupported version.
	ErrCorrupt = errors.New("splg: corrupt append-only log")

	// ErrClosed is returned by any operation on a closed Engine.
	ErrClosed = errors.New("splg: engine is closed")

	// ErrAlreadyOpen is returned by Open when the AOL path is already held
	// open for writing, by this process or another (spec.md §7's Lifecycle
	// error kind, distinct from a Validation failure).
	ErrAlreadyOpen = errors.New("splg: aol path already open for writing")

	// ErrBatchDone is the panic value for a Batch used after its Atomic
	// callback returned (spec.md §9: "must not outlive the callback").
	ErrBatchDone = errors.New("splg: batch used after its callback returned")
)

// IoError wraps an underlying I/O failure (file, fsync, rename) so callers
// can distinguish "the disk did something" from the validation errors above
// without string-matching.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string {
	return "splg: io error during " + e.Op + ": " + e.Err.Error()
}

func (e *IoError) Unwrap() error { return e.Err }

func ioErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IoError{Op: op, Err: err}
}

// errorf wraps one of the sentinel kinds above with a formatted message,
// keeping errors.Is(err, kind) true for callers that only care about the
// kind.
func errorf(kind error, format string, args ...interface{}) error {
	return errors.Wrapf(kind, format, args...)
}
