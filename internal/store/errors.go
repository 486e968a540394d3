package store

import "errors"

var (
	// ErrNotFound is returned when a record or operation does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrCorrupt is returned when persisted state cannot be decoded. Per
	// the engine's error policy a corrupt store is never partially
	// trusted; callers must discard local state and resync.
	ErrCorrupt = errors.New("local storage corrupt")
)
