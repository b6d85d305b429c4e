package ingest

import (
	"errors"
	"fmt"
)

// ErrNoContent indicates an item page yielded no content under the configured
// selector. It skips that item only, never the batch.
var ErrNoContent = errors.New("no content found")

// ErrUnresolvableChannel indicates a listing source URL matched neither
// accepted channel URL shape. The source yields an empty result.
var ErrUnresolvableChannel = errors.New("unresolvable channel url")

// ErrSourceNotFound indicates the requested source does not exist.
var ErrSourceNotFound = errors.New("source not found")

// ErrSourceLocked indicates the source is currently held by another run.
var ErrSourceLocked = errors.New("source is locked")

// MismatchError indicates the titles and links selectors yielded different
// node counts. That is a selector misconfiguration, so it aborts the run.
type MismatchError struct {
	Titles int
	Links  int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("titles (%d) and links (%d) do not match", e.Titles, e.Links)
}

// IsMismatch reports whether err is an extraction mismatch.
func IsMismatch(err error) bool {
	var mismatch *MismatchError
	return errors.As(err, &mismatch)
}

// UnknownTypeError indicates a source row carries a type no strategy handles.
type UnknownTypeError struct {
	Type SourceType
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown source type %q", e.Type)
}
