package store

import "errors"

// ErrStorageUnavailable tags infrastructure faults from the backing store so
// callers can tell them apart from domain errors. Wrapped with %w at each
// failure site; match with errors.Is.
var ErrStorageUnavailable = errors.New("storage unavailable")
