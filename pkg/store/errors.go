package store

import (
	"errors"
	"fmt"

	"github.com/emberkv/emberkv/pkg/memtable"
)

// ErrClosed is returned by Put, Delete, Get, Flush, and Compact once Close
// has returned, per spec.md §7's Closed error class.
var ErrClosed = errors.New("store: closed")

// ErrKeyNotFound is not returned by any Store method: Get reports absence
// via its boolean return rather than this error, matching the teacher's
// pkg/lsm.LSMTree.Get shape.
var ErrKeyNotFound = errors.New("store: key not found")

// ErrEmptyMemtable is re-exported from the memtable package so callers of
// Flush need only import pkg/store to check for it with errors.Is.
var ErrEmptyMemtable = memtable.ErrEmptyMemtable

// ValidationError reports a rejected put/delete input: an empty key, or a
// key/value exceeding the configured size bound. Mirrors spec.md §7's
// Validation error class with a typed field name, in the same spirit as
// the teacher's typed errors in pkg/lsm/errors.go and pkg/storage's
// wrapped-error idiom.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("store: validation: %s: %s", e.Field, e.Msg)
}
