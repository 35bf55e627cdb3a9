/*
Package mem is a pure Go reference engine.

It runs graphs cooperatively: every call of Graph.Iterate lets each source
produce at most one buffer and pushes it synchronously through the chain
of downstream elements. Queues are pass-through, elements which exchange
buffers with application (appsrc, appsink) are safe for concurrent use
with the scheduler.

Built-in elements are listed by DefaultRegistry. Custom elements can be
added to a registry and passed to New with WithRegistry.
*/
package mem

import (
	"errors"
	"fmt"
	"sync"

	"pipelined.dev/pipeline/description"
	"pipelined.dev/pipeline/engine"
)

// ErrClosed is returned when context is used after Close.
var ErrClosed = errors.New("context closed")

// Element is a graph node implementation. Start is called when graph
// goes from ready to paused and Stop on the way back.
type Element interface {
	Start() error
	Stop() error
}

// Source produces buffers. Produce returns nil buffer if nothing is
// available at the moment and engine.ErrEOS when source is done.
type Source interface {
	Element
	Produce() (*engine.Buffer, error)
}

// Filter transforms buffers. Returning nil buffer drops it.
type Filter interface {
	Element
	Process(*engine.Buffer) (*engine.Buffer, error)
}

// Sink consumes buffers.
type Sink interface {
	Element
	Render(*engine.Buffer) error
	EndOfStream() error
}

// Flusher is implemented by elements which can block on data exchange.
// Flush must unblock them, it's called before Stop.
type Flusher interface {
	Flush()
}

// Negotiator is implemented by sources which fixate their output format
// from downstream constraints.
type Negotiator interface {
	Negotiate(constraints map[string]string) error
}

// Constrainer is implemented by elements which restrict format of
// buffers passing through them.
type Constrainer interface {
	Constraint() string
}

// Live is implemented by sources which cannot preroll.
type Live interface {
	IsLive() bool
}

// Engine is the reference engine.
type Engine struct {
	registry *Registry
}

// Option configures engine.
type Option func(*Engine)

// WithRegistry sets element registry.
func WithRegistry(r *Registry) Option {
	return func(e *Engine) {
		e.registry = r
	}
}

// New returns engine with default registry.
func New(options ...Option) *Engine {
	e := &Engine{
		registry: DefaultRegistry(),
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// Name returns engine name.
func (e *Engine) Name() string {
	return "mem"
}

// Registry returns element registry of engine.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// NewContext returns new context.
func (e *Engine) NewContext() (engine.Context, error) {
	return &Context{registry: e.registry}, nil
}

// Context instantiates graphs.
type Context struct {
	registry *Registry
	mu       sync.Mutex
	graphs   int
	counter  int
	closed   bool
}

// Instantiate builds graph from description.
func (c *Context) Instantiate(p *description.Pipeline) (engine.Graph, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	name := fmt.Sprintf("pipeline%d", c.counter)
	c.counter++
	c.mu.Unlock()

	g, err := newGraph(name, c.registry, p, c.release)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.graphs++
	c.mu.Unlock()
	return g, nil
}

// Graphs returns number of graphs which are not closed.
func (c *Context) Graphs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graphs
}

func (c *Context) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.graphs--
}

// Close marks context closed. Graphs instantiated before stay usable.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
