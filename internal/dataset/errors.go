package dataset

import "errors"

var (
	// ErrEmpty is returned by Open when the index produced no usable entries.
	ErrEmpty = errors.New("dataset: index has no valid entries")
	// ErrCountMismatch is returned by Open when timestamp, color and depth
	// lists parsed from the index differ in length.
	ErrCountMismatch = errors.New("dataset: color and depth entry counts differ")
	// ErrEndOfSequence signals the cursor left the sequence. It is not a failure.
	ErrEndOfSequence = errors.New("dataset: end of sequence")
	// ErrDecode wraps a frame whose image file could not be decoded.
	ErrDecode = errors.New("dataset: image decode failed")
)
