/*
Package engine defines the narrow surface the pipeline controller drives
a media graph engine through.

An engine instantiates graphs from parsed descriptions, moves them
between states, reports what happens inside through a bus and exposes
boundary elements which exchange buffers with application code. The
engine owns scheduling: Graph.Iterate advances it by one unit of work and
is called from a single dedicated goroutine.
*/
package engine

import (
	"errors"
	"fmt"
	"time"

	"pipelined.dev/pipeline/description"
)

var (
	// ErrBusy is returned by producer when it cannot accept a buffer.
	ErrBusy = errors.New("boundary busy")
	// ErrTimeout is returned by consumer when no buffer arrived in time.
	ErrTimeout = errors.New("timeout")
	// ErrEOS is returned when boundary has reached end of stream.
	ErrEOS = errors.New("end of stream")
	// ErrFlushing is returned when graph is shutting down.
	ErrFlushing = errors.New("flushing")
	// ErrRecoverable is wrapped by element errors after which the element
	// keeps processing. The failed buffer is dropped.
	ErrRecoverable = errors.New("recoverable")
	// ErrUnknownElement is returned when no factory exists for element kind.
	ErrUnknownElement = errors.New("unknown element")
	// ErrUnknownProperty is returned when element has no such property.
	ErrUnknownProperty = errors.New("unknown property")
	// ErrPropertyKind is returned when property value cannot be
	// converted to the kind element expects.
	ErrPropertyKind = errors.New("invalid property value")
	// ErrNotLinked is returned when elements cannot be linked.
	ErrNotLinked = errors.New("cannot link elements")
	// ErrNotBoundary is returned when named element is not a producer
	// or consumer.
	ErrNotBoundary = errors.New("element is not a boundary")
	// ErrStateChange is returned when engine failed to change state.
	ErrStateChange = errors.New("state change failed")
)

// State is the lifecycle state of graph.
type State int

// Graph states.
const (
	Null State = iota
	Ready
	Paused
	Playing
)

func (s State) String() string {
	switch s {
	case Null:
		return "null"
	case Ready:
		return "ready"
	case Paused:
		return "paused"
	case Playing:
		return "playing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StateChange is the result of state change request.
type StateChange int

// State change results.
const (
	// Success means that state is reached when SetState returns.
	Success StateChange = iota
	// Async means that state change is confirmed later with
	// StateChanged message from the graph.
	Async
	// NoPreroll is Success for live sources which cannot preroll.
	NoPreroll
)

// Engine creates contexts. A context holds engine-wide resources which
// may be shared by multiple graphs.
type Engine interface {
	Name() string
	NewContext() (Context, error)
}

// Context instantiates graphs.
type Context interface {
	Instantiate(*description.Pipeline) (Graph, error)
	Close() error
}

// Graph is an instantiated pipeline.
type Graph interface {
	// SetState requests transition to the adjacent state.
	SetState(State) (StateChange, error)
	// Bus returns graph message source.
	Bus() Bus
	// Iterate advances the scheduler by one unit of work. If there is no
	// work it blocks up to wait. It reports whether any work was done.
	Iterate(wait time.Duration) bool
	// Producer returns the named producer boundary.
	Producer(name string) (Producer, error)
	// Consumer returns the named consumer boundary.
	Consumer(name string) (Consumer, error)
	// Close releases graph resources. Graph must be in Null state.
	Close() error
}

// Bus delivers graph messages.
type Bus interface {
	// Pop returns next pending message without blocking.
	Pop() (Message, bool)
}

// Producer is the boundary which accepts buffers from application.
// Its methods are safe for concurrent use with the scheduler.
type Producer interface {
	// Push submits buffer. It blocks up to the element limit if graph is
	// not ready to accept and then returns ErrBusy.
	Push(*Buffer) error
	// EndOfStream signals that no more buffers will be pushed.
	EndOfStream() error
	// Caps returns caps set on producer.
	Caps() string
	// SetCaps sets caps for pushed buffers.
	SetCaps(string) error
}

// Consumer is the boundary which hands buffers to application.
// Its methods are safe for concurrent use with the scheduler.
type Consumer interface {
	// Pull blocks up to timeout for the next buffer. It returns ErrEOS
	// when stream has ended and no buffers are left, ErrTimeout if
	// nothing arrived in time.
	Pull(timeout time.Duration) (*Buffer, error)
	// Queued returns number of buffers ready to be pulled.
	Queued() int
	// Caps returns negotiated caps, empty if not negotiated yet.
	Caps() string
}
