package pipeline

import (
	"context"
	"errors"

	"github.com/kalambet/consolida/internal/archive"
	"github.com/kalambet/consolida/internal/consolidate"
	"github.com/kalambet/consolida/internal/frame"
)

// Kind classifies a failed call.
type Kind string

const (
	KindFetch          Kind = "fetch"
	KindNotFound       Kind = "not_found"
	KindCorruptArchive Kind = "corrupt_archive"
	KindParse          Kind = "parse"
	KindEmptyInput     Kind = "empty_input"
	KindMerge          Kind = "merge"
	KindExhausted      Kind = "exhausted"
	KindCanceled       Kind = "canceled"
	KindInternal       Kind = "internal"
)

// Failure is the structured form of a failed call.
type Failure struct {
	Kind     Kind   `json:"kind"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts,omitempty"`
}

func (f Failure) Error() string { return string(f.Kind) + ": " + f.Message }

// Classify maps an error from Run to a Failure. Nil maps to the zero value.
func Classify(err error) Failure {
	if err == nil {
		return Failure{}
	}
	f := Failure{Kind: KindInternal, Message: err.Error()}

	var (
		ex       *consolidate.ExhaustedError
		fetchErr *archive.FetchError
		corrupt  *archive.CorruptArchiveError
		parseErr *archive.ParseError
		mergeErr *frame.MergeError
	)
	switch {
	case errors.As(err, &ex):
		f.Attempts = ex.Attempts
		if ex.Cause != nil {
			f.Kind = KindCanceled
		} else {
			f.Kind = KindExhausted
			f.Message = ex.LastError
		}
	case errors.Is(err, archive.ErrNotFound):
		f.Kind = KindNotFound
	case errors.As(err, &fetchErr):
		// A fetch that hit its own timeout is retryable; an abandoned call is not.
		if errors.Is(err, context.Canceled) {
			f.Kind = KindCanceled
		} else {
			f.Kind = KindFetch
		}
	case errors.As(err, &corrupt):
		f.Kind = KindCorruptArchive
	case errors.As(err, &parseErr):
		f.Kind = KindParse
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		f.Kind = KindCanceled
	case errors.Is(err, frame.ErrEmptyInput):
		f.Kind = KindEmptyInput
	case errors.As(err, &mergeErr),
		errors.Is(err, frame.ErrTypeMismatch),
		errors.Is(err, frame.ErrCardinality):
		f.Kind = KindMerge
	}
	return f
}
