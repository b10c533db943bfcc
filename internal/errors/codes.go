// Package errors provides the structured error type used across the
// cleaning pipeline, the compact index, and the dynamic index manager. It
// classifies failures into the five kinds named by the error-handling
// design: input validation, mode/config mismatch, state violation, I/O, and
// cancellation.
package errors

// Kind classifies a SearchError into one of the five error-handling
// categories.
type Kind string

const (
	// KindValidation covers malformed spectra: missing precursor_mz or
	// peaks, mismatched shapes. The current operation has no effect; for
	// batch inserts, the offending item is skipped and counted.
	KindValidation Kind = "VALIDATION"

	// KindModeMismatch covers requesting identity/neutral_loss/hybrid
	// search against a library without neutral-loss arrays, or attempting
	// to change intensity_weight/index_for_neutral_loss after first
	// insert. Fatal to the operation.
	KindModeMismatch Kind = "MODE_MISMATCH"

	// KindStateViolation covers searching a library with unbuilt pending
	// spectra, inserting into an already-compact bucket, or mutating
	// while a search is in flight. Fatal.
	KindStateViolation Kind = "STATE_VIOLATION"

	// KindIO covers missing or corrupt array files and bucket metadata
	// version mismatches. Fatal. Every file a write replaces goes through
	// temp-file-then-rename, but a write that fails partway can leave a
	// mix of new and previous files on disk.
	KindIO Kind = "IO"

	// KindCancelled covers a query or build aborted via a polled
	// cancellation flag. Returned distinctly from other failures.
	KindCancelled Kind = "CANCELLED"
)
