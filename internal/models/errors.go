package models

import "errors"

// ErrNotFound is returned by stores when no row matches.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when an optimistic-concurrency write lost a
// race: the entry changed between the in-lock re-read and the update.
var ErrVersionConflict = errors.New("queue entry version conflict")
