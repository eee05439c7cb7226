package store

import "errors"

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyClosed is returned when a close targets a record that
// already has an outcome.
var ErrAlreadyClosed = errors.New("store: already closed")

// ErrValidation is returned (wrapped) for malformed input to a write
// operation. Write-side validation failures are fatal to the call;
// a bad write is never silently dropped.
var ErrValidation = errors.New("store: validation failed")
