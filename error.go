package pipeline

import (
	"errors"
	"fmt"

	"pipelined.dev/pipeline/caps"
	"pipelined.dev/pipeline/description"
	"pipelined.dev/pipeline/frame"
	"pipelined.dev/pipeline/internal/session"
)

var (
	// ErrClosed is returned when pipeline is used after Close.
	ErrClosed = errors.New("pipeline closed")
	// ErrInvalidOption is returned by Open if option value is invalid.
	ErrInvalidOption = errors.New("invalid option")
)

// Description errors.
var (
	ErrEmptyDescription  = description.ErrEmptyDescription
	ErrMalformedProperty = description.ErrMalformedProperty
	ErrMalformedLink     = description.ErrMalformedLink
	ErrUnknownReference  = description.ErrUnknownReference
	ErrDuplicateName     = description.ErrDuplicateName
)

// Data exchange errors. ErrNotAccepting and ErrTimeout are recoverable,
// call can be retried.
var (
	ErrNoProducer        = session.ErrNoProducer
	ErrNoConsumer        = session.ErrNoConsumer
	ErrNotAccepting      = session.ErrNotAccepting
	ErrTimeout           = session.ErrTimeout
	ErrEndOfStream       = session.ErrEndOfStream
	ErrNotPlaying        = session.ErrNotPlaying
	ErrTransitionTimeout = session.ErrTransitionTimeout
	ErrInvalidState      = session.ErrInvalidState
)

// Codec errors.
var (
	ErrUnknownFormat   = frame.ErrUnknownFormat
	ErrMalformedFormat = frame.ErrMalformedFormat
	ErrSizeMismatch    = frame.ErrSizeMismatch
	ErrMalformedCaps   = caps.ErrMalformed
)

type (
	// ParseError is returned when description is malformed.
	ParseError = description.Error
	// BuildError is returned when engine cannot instantiate the graph.
	BuildError = session.BuildError
	// StateError is returned when state transition failed.
	StateError = session.StateError
)

// TeardownError is returned by Close if any teardown step failed. All
// steps are executed regardless of failures.
type TeardownError struct {
	Errs teardownErrors
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown: %v", e.Errs)
}

// Is checks if any of errors match provided sentinel error.
func (e *TeardownError) Is(err error) bool {
	for _, te := range e.Errs {
		if errors.Is(te, err) {
			return true
		}
	}
	return false
}

// Unwrap returns all teardown errors.
func (e *TeardownError) Unwrap() []error {
	return e.Errs
}
