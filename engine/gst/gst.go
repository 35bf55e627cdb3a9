//go:build gst

/*
Package gst is the engine over GStreamer.

Graphs are built with parse_launch from the serialized description, so
every element installed on the system can be used. The default glib main
context is iterated by Graph.Iterate, GStreamer streaming threads do the
rest of the scheduling.

Package requires cgo and GStreamer development files, it's compiled only
with the gst build tag.
*/
package gst

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tinyzimmer/go-glib/glib"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"pipelined.dev/pipeline/description"
	"pipelined.dev/pipeline/engine"
)

var initOnce sync.Once

// Engine creates GStreamer contexts.
type Engine struct{}

// New returns engine. GStreamer is initialized on first use.
func New() *Engine {
	return &Engine{}
}

// Name returns engine name.
func (*Engine) Name() string {
	return "gst"
}

// NewContext initializes GStreamer and returns context over the default
// main context.
func (*Engine) NewContext() (engine.Context, error) {
	initOnce.Do(func() {
		gst.Init(nil)
	})
	return &Context{main: glib.MainContextDefault()}, nil
}

// Context instantiates graphs.
type Context struct {
	main   *glib.MainContext
	mu     sync.Mutex
	closed bool
}

// managed properties are set by controller and implemented by adapter.
var managed = map[string]bool{
	"block-timeout": true,
}

// Instantiate builds graph with parse_launch.
func (c *Context) Instantiate(p *description.Pipeline) (engine.Graph, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errors.New("context closed")
	}
	for _, e := range p.Elements {
		if gst.Find(e.Factory) == nil {
			return nil, fmt.Errorf("%w: %s", engine.ErrUnknownElement, e.Factory)
		}
	}
	launch, blockTimeout := launchString(p)
	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrNotLinked, err)
	}
	return &Graph{
		main:         c.main,
		pipeline:     pipeline,
		bus:          &Bus{bus: pipeline.GetPipelineBus(), name: pipeline.GetName()},
		spec:         p,
		blockTimeout: blockTimeout,
	}, nil
}

// launchString serializes description without properties GStreamer
// doesn't know about. It returns producer block timeout separately.
func launchString(p *description.Pipeline) (string, time.Duration) {
	c := *p
	c.Elements = make([]description.Element, 0, len(p.Elements))
	timeout := time.Duration(-1)
	for _, e := range p.Elements {
		props := make([]description.Property, 0, len(e.Props))
		for _, prop := range e.Props {
			if !managed[prop.Key] {
				props = append(props, prop)
				continue
			}
			if e.Name == p.Producer {
				if us, err := strconv.ParseInt(prop.Value.Raw, 10, 64); err == nil && us >= 0 {
					timeout = time.Duration(us) * time.Microsecond
				}
			}
		}
		e.Props = props
		c.Elements = append(c.Elements, e)
	}
	return c.String(), timeout
}

// Close marks context closed.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Graph is a GStreamer pipeline.
type Graph struct {
	main         *glib.MainContext
	pipeline     *gst.Pipeline
	bus          *Bus
	spec         *description.Pipeline
	blockTimeout time.Duration
}

var states = map[engine.State]gst.State{
	engine.Null:    gst.StateNull,
	engine.Ready:   gst.StateReady,
	engine.Paused:  gst.StatePaused,
	engine.Playing: gst.StatePlaying,
}

// SetState requests state change. Changes other than to null state are
// confirmed by state changed message of the pipeline.
func (g *Graph) SetState(s engine.State) (engine.StateChange, error) {
	target, ok := states[s]
	if !ok {
		return engine.Success, fmt.Errorf("%w: %v", engine.ErrStateChange, s)
	}
	if err := g.pipeline.SetState(target); err != nil {
		return engine.Success, fmt.Errorf("%w: %v", engine.ErrStateChange, err)
	}
	if s == engine.Null {
		return engine.Success, nil
	}
	return engine.Async, nil
}

// Bus returns pipeline bus.
func (g *Graph) Bus() engine.Bus {
	return g.bus
}

// Iterate dispatches pending main context sources. If there are none, it
// waits for bus messages up to wait.
func (g *Graph) Iterate(wait time.Duration) bool {
	if g.main.Iteration(false) {
		return true
	}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if g.bus.bus.HavePending() {
			return true
		}
		time.Sleep(min(time.Until(deadline), time.Millisecond))
	}
	return false
}

func (g *Graph) element(name string) (*gst.Element, error) {
	if _, ok := g.spec.Element(name); !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownElement, name)
	}
	return g.pipeline.GetElementByName(name)
}

// Producer returns appsrc element by name.
func (g *Graph) Producer(name string) (engine.Producer, error) {
	e, err := g.element(name)
	if err != nil {
		return nil, err
	}
	if e.GetFactory().GetName() != "appsrc" {
		return nil, fmt.Errorf("%w: %s", engine.ErrNotBoundary, name)
	}
	return newProducer(app.SrcFromElement(e), g.blockTimeout), nil
}

// Consumer returns appsink element by name.
func (g *Graph) Consumer(name string) (engine.Consumer, error) {
	e, err := g.element(name)
	if err != nil {
		return nil, err
	}
	if e.GetFactory().GetName() != "appsink" {
		return nil, fmt.Errorf("%w: %s", engine.ErrNotBoundary, name)
	}
	return newConsumer(app.SinkFromElement(e)), nil
}

// Close brings pipeline to null state and releases the reference.
func (g *Graph) Close() error {
	if g.pipeline == nil {
		return nil
	}
	err := g.pipeline.SetState(gst.StateNull)
	g.pipeline = nil
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrStateChange, err)
	}
	return nil
}

// Bus converts GStreamer messages.
type Bus struct {
	bus  *gst.Bus
	name string
}

// Pop returns next supported message. Messages of other types are
// skipped.
func (b *Bus) Pop() (engine.Message, bool) {
	for {
		msg := b.bus.Pop()
		if msg == nil {
			return engine.Message{}, false
		}
		m, ok := b.convert(msg)
		if ok {
			return m, true
		}
	}
}

func (b *Bus) convert(msg *gst.Message) (engine.Message, bool) {
	m := engine.Message{Source: msg.Source()}
	m.Graph = m.Source == b.name
	switch msg.Type() {
	case gst.MessageEOS:
		m.Type = engine.MessageEOS
	case gst.MessageError:
		gerr := msg.ParseError()
		m.Type = engine.MessageError
		m.Err = errors.New(gerr.Error())
		m.Debug = gerr.DebugString()
	case gst.MessageWarning:
		gerr := msg.ParseWarning()
		m.Type = engine.MessageWarning
		m.Err = errors.New(gerr.Error())
		m.Debug = gerr.DebugString()
	case gst.MessageStateChanged:
		old, current := msg.ParseStateChanged()
		m.Type = engine.MessageStateChanged
		m.Old, m.New = fromState(old), fromState(current)
	case gst.MessageElement:
		m.Type = engine.MessageElement
		if s := msg.GetStructure(); s != nil {
			m.Name = s.Name()
			m.Fields = map[string]string{}
			for k, v := range s.Values() {
				m.Fields[k] = fmt.Sprint(v)
			}
		}
	default:
		return m, false
	}
	return m, true
}

func fromState(s gst.State) engine.State {
	switch s {
	case gst.StateReady:
		return engine.Ready
	case gst.StatePaused:
		return engine.Paused
	case gst.StatePlaying:
		return engine.Playing
	}
	return engine.Null
}
