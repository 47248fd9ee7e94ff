package precache

import "errors"

// Error kinds surfaced by the Precache Manager's public operations
// (spec section 4.4's failure-kind column, section 7's projection
// table). The HTTP layer maps each to a status code in one place.
var (
	ErrNotFound     = errors.New("precache: not found")
	ErrForbidden    = errors.New("precache: forbidden")
	ErrPrecacheFull = errors.New("precache: full")
	ErrUpstreamError = errors.New("precache: upstream error")
	ErrInUse        = errors.New("precache: entity in use")

	errMismatchRetrying        = errors.New("precache: checksum mismatch, retrying")
	errChecksumMismatchExhausted = errors.New("precache: checksum mismatch retries exhausted")
)
