// Package bus defines events the pipeline reports while it runs.
package bus

import (
	"fmt"

	"pipelined.dev/pipeline/engine"
)

// Event is one of EndOfStream, Error, Warning, StateChanged or Custom.
type Event interface {
	event()
	fmt.Stringer
}

type (
	// EndOfStream is reported when all sinks of the pipeline received
	// the end of stream.
	EndOfStream struct{}

	// Error is reported when an element fails. Unrecoverable errors move
	// the pipeline into error state.
	Error struct {
		Source      string
		Err         error
		Debug       string
		Recoverable bool
	}

	// Warning is reported for element problems which don't stop the
	// pipeline.
	Warning struct {
		Source string
		Err    error
		Debug  string
	}

	// StateChanged is reported when pipeline or element changes state.
	StateChanged struct {
		Source   string
		Pipeline bool
		Old, New engine.State
	}

	// Custom carries element specific messages.
	Custom struct {
		Source string
		Name   string
		Fields map[string]string
	}
)

func (EndOfStream) event()  {}
func (Error) event()        {}
func (Warning) event()      {}
func (StateChanged) event() {}
func (Custom) event()       {}

func (EndOfStream) String() string {
	return "end of stream"
}

func (e Error) String() string {
	return fmt.Sprintf("error from %s: %v", e.Source, e.Err)
}

// Error implements error interface, so recorded bus errors can be
// returned to caller as is.
func (e Error) Error() string {
	if e.Debug == "" {
		return e.String()
	}
	return fmt.Sprintf("%s (%s)", e.String(), e.Debug)
}

// Unwrap returns the element error.
func (e Error) Unwrap() error {
	return e.Err
}

func (w Warning) String() string {
	return fmt.Sprintf("warning from %s: %v", w.Source, w.Err)
}

func (s StateChanged) String() string {
	return fmt.Sprintf("%s changed state %v -> %v", s.Source, s.Old, s.New)
}

func (c Custom) String() string {
	return fmt.Sprintf("%s from %s: %v", c.Name, c.Source, c.Fields)
}

// FromMessage converts engine message into event.
func FromMessage(m engine.Message) Event {
	switch m.Type {
	case engine.MessageEOS:
		return EndOfStream{}
	case engine.MessageError:
		return Error{Source: m.Source, Err: m.Err, Debug: m.Debug, Recoverable: m.Recoverable}
	case engine.MessageWarning:
		return Warning{Source: m.Source, Err: m.Err, Debug: m.Debug}
	case engine.MessageStateChanged:
		return StateChanged{Source: m.Source, Pipeline: m.Graph, Old: m.Old, New: m.New}
	}
	return Custom{Source: m.Source, Name: m.Name, Fields: m.Fields}
}

// Handler receives events. Handlers are called on the pump goroutine and
// must not block or close the pipeline, otherwise the pipeline deadlocks.
type Handler func(Event)
