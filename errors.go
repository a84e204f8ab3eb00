package kerndb

import "errors"

// Error kinds from the storage kernel's error taxonomy. Duplicate-key
// and missing-key are not errors: Insert returns false and Remove is a
// no-op, per the contract. No package in this module returns or wraps
// these values: the internal packages report failures with their own
// fmt.Errorf errors or with false results.
var (
	// ErrOutOfRange names the kind of failure where a frame-id or
	// page-id falls outside its valid range.
	ErrOutOfRange = errors.New("kerndb: id out of range")

	// ErrPrecondition signals a programmer error: removing a
	// non-evictable frame, dropping an already-invalid guard's
	// underlying resource twice in a way that matters, and similar
	// misuse of an API that assumes a precondition the caller broke.
	ErrPrecondition = errors.New("kerndb: precondition violated")

	// ErrCapacityExhausted names the kind of failure where no evictable
	// frame can be found for a requested page.
	ErrCapacityExhausted = errors.New("kerndb: no evictable frame available")

	// ErrIOFailed names the kind of failure where a disk I/O request
	// fails.
	ErrIOFailed = errors.New("kerndb: disk i/o failed")
)
