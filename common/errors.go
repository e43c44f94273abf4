package common

import "errors"

// Error kinds from spec.md section 7. Structural errors put the
// journal into read-only mode; DiskFull is backpressure, not a
// failure, and HashCollision is not an error at all (callers just
// stop treating the entrant as a dedup candidate).
var (
	// ErrReadOnly is returned by every admission/lookup once the
	// journal has entered its absorbing read-only state.
	ErrReadOnly = errors.New("recovery journal is read-only")

	// ErrJournalOverflow is fatal: the tail sequence number would
	// cross 1<<48.
	ErrJournalOverflow = errors.New("recovery journal sequence number overflow")

	// ErrJournalFull is fatal: a guaranteed-admittable decrement
	// entry could not be admitted, which can only mean an accounting
	// bug in admission reservation.
	ErrJournalFull = errors.New("recovery journal full on guaranteed decrement")

	// ErrDiskFull is backpressure on increment admission; the caller
	// should retry once available_space grows. Not fatal.
	ErrDiskFull = errors.New("recovery journal has no space for increment entry")

	// ErrInvalidAdminState is returned when an operation is attempted
	// while the admin state machine isn't in NormalOperation.
	ErrInvalidAdminState = errors.New("recovery journal is not in normal operation")

	// ErrNotImplemented is returned (and forces read-only) when an
	// entry names an operation kind the journal doesn't recognize.
	ErrNotImplemented = errors.New("recovery journal entry has unrecognized operation kind")

	// ErrWrite is returned when a journal block write to the
	// underlying device failed.
	ErrWrite = errors.New("recovery journal block write failed")

	// ErrFlush is returned when a device flush issued during reaping
	// failed.
	ErrFlush = errors.New("recovery journal flush failed")
)
