package archive

import (
	"errors"
	"fmt"
)

// ErrNotFound is matched by NotFoundError.
var ErrNotFound = errors.New("archive not found")

// NotFoundError reports a local source path that does not exist.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("archive not found: %s", e.Path) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// FetchError reports a failed remote download. StatusCode is zero when no
// response was received.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// CorruptArchiveError reports bytes that are not a readable ZIP archive.
type CorruptArchiveError struct {
	Source string
	Err    error
}

func (e *CorruptArchiveError) Error() string {
	return fmt.Sprintf("corrupt archive %s: %v", e.Source, e.Err)
}

func (e *CorruptArchiveError) Unwrap() error { return e.Err }

// ParseError names the archive entry that could not be parsed as a table.
type ParseError struct {
	Entry string
	Err   error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parsing %s: %v", e.Entry, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }
