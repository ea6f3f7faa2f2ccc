package store

import "errors"

// ErrDuplicateMessage is returned by Enqueue when message_id already exists
// (spec.md §4.1, I4).
var ErrDuplicateMessage = errors.New("store: duplicate message id")

// ErrNotFound is returned when a single-row lookup finds nothing.
var ErrNotFound = errors.New("store: not found")
