package mem

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pipelined.dev/pipeline/caps"
	"pipelined.dev/pipeline/description"
	"pipelined.dev/pipeline/engine"
)

// ErrNotNegotiated is posted when elements cannot agree on a format.
var ErrNotNegotiated = errors.New("not negotiated")

type node struct {
	name       string
	factory    *Factory
	impl       Element
	downstream []*node
	upstream   int
	eos        int
	done       bool
}

// Graph is an instantiated pipeline of the reference engine.
type Graph struct {
	name    string
	release func()
	nodes   []*node
	byName  map[string]*node
	sources []*node
	sinks   []*node
	bus     *messageBus

	// stream is held while buffers flow through the graph.
	stream sync.Mutex

	mu      sync.Mutex
	state   engine.State
	pending []engine.Message
	sinkEOS int
	closed  bool
	wake    chan struct{}
}

func newGraph(name string, registry *Registry, p *description.Pipeline, release func()) (*Graph, error) {
	g := &Graph{
		name:    name,
		release: release,
		byName:  make(map[string]*node, len(p.Elements)),
		bus:     &messageBus{},
		wake:    make(chan struct{}, 1),
	}
	for _, e := range p.Elements {
		f, ok := registry.Lookup(e.Factory)
		if !ok {
			return nil, fmt.Errorf("%w: %q", engine.ErrUnknownElement, e.Factory)
		}
		props, err := f.props(e)
		if err != nil {
			return nil, err
		}
		impl, err := f.New(Env{Name: e.Name, Post: g.post, Wake: g.notify}, props)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name, err)
		}
		n := &node{name: e.Name, factory: f, impl: impl}
		g.nodes = append(g.nodes, n)
		g.byName[e.Name] = n
	}
	for _, l := range p.Links {
		from, to := g.byName[l.From], g.byName[l.To]
		switch {
		case from.factory.Class == SinkClass:
			return nil, fmt.Errorf("%w: %s is a sink", engine.ErrNotLinked, from.name)
		case to.factory.Class == SourceClass:
			return nil, fmt.Errorf("%w: %s is a source", engine.ErrNotLinked, to.name)
		case len(from.downstream) > 0 && !from.factory.Fanout:
			return nil, fmt.Errorf("%w: %s has a single output", engine.ErrNotLinked, from.name)
		case to.upstream > 0 && !to.factory.Fanin:
			return nil, fmt.Errorf("%w: %s has a single input", engine.ErrNotLinked, to.name)
		}
		from.downstream = append(from.downstream, to)
		to.upstream++
	}
	for _, n := range g.nodes {
		switch n.factory.Class {
		case SourceClass:
			if len(n.downstream) == 0 {
				return nil, fmt.Errorf("%w: %s output is not linked", engine.ErrNotLinked, n.name)
			}
			g.sources = append(g.sources, n)
		case SinkClass:
			if n.upstream == 0 {
				return nil, fmt.Errorf("%w: %s input is not linked", engine.ErrNotLinked, n.name)
			}
			g.sinks = append(g.sinks, n)
		default:
			if n.upstream == 0 || len(n.downstream) == 0 {
				return nil, fmt.Errorf("%w: %s is not linked", engine.ErrNotLinked, n.name)
			}
		}
	}
	return g, nil
}

// Name returns graph name.
func (g *Graph) Name() string {
	return g.name
}

// Bus returns graph message bus.
func (g *Graph) Bus() engine.Bus {
	return g.bus
}

// Producer returns producer boundary by element name.
func (g *Graph) Producer(name string) (engine.Producer, error) {
	n, ok := g.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", engine.ErrUnknownElement, name)
	}
	p, ok := n.impl.(engine.Producer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrNotBoundary, name)
	}
	return p, nil
}

// Consumer returns consumer boundary by element name.
func (g *Graph) Consumer(name string) (engine.Consumer, error) {
	n, ok := g.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", engine.ErrUnknownElement, name)
	}
	c, ok := n.impl.(engine.Consumer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrNotBoundary, name)
	}
	return c, nil
}

// State returns current graph state.
func (g *Graph) State() engine.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Graph) post(m engine.Message) {
	g.bus.post(m)
	g.notify()
}

func (g *Graph) notify() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *Graph) stateMessage(old, new engine.State) engine.Message {
	return engine.Message{
		Type:   engine.MessageStateChanged,
		Source: g.name,
		Graph:  true,
		Old:    old,
		New:    new,
	}
}

// SetState changes graph state to the adjacent one. Transitions to
// paused and playing are confirmed asynchronously by the scheduler.
func (g *Graph) SetState(target engine.State) (engine.StateChange, error) {
	g.mu.Lock()
	cur := g.state
	if g.closed {
		g.mu.Unlock()
		return engine.Success, fmt.Errorf("%w: graph closed", engine.ErrStateChange)
	}
	if target == cur {
		g.mu.Unlock()
		return engine.Success, nil
	}
	if d := int(target) - int(cur); d != 1 && d != -1 {
		g.mu.Unlock()
		return engine.Success, fmt.Errorf("%w: %v -> %v is not adjacent", engine.ErrStateChange, cur, target)
	}
	g.mu.Unlock()

	result := engine.Success
	switch {
	case cur == engine.Ready && target == engine.Paused:
		if err := g.start(); err != nil {
			g.post(engine.Message{Type: engine.MessageError, Source: g.name, Graph: true, Err: err})
			return engine.Success, fmt.Errorf("%w: %w", engine.ErrStateChange, err)
		}
		result = engine.Async
		if g.live() {
			result = engine.NoPreroll
		}
	case cur == engine.Paused && target == engine.Playing:
		result = engine.Async
	case cur == engine.Paused && target == engine.Ready:
		if err := g.stop(); err != nil {
			g.post(engine.Message{Type: engine.MessageWarning, Source: g.name, Graph: true, Err: err})
		}
	}

	g.mu.Lock()
	g.state = target
	msg := g.stateMessage(cur, target)
	if result == engine.Async {
		g.pending = append(g.pending, msg)
	}
	g.mu.Unlock()
	if result != engine.Async {
		g.post(msg)
	}
	g.notify()
	return result, nil
}

func (g *Graph) live() bool {
	for _, n := range g.sources {
		if l, ok := n.impl.(Live); ok && l.IsLive() {
			return true
		}
	}
	return false
}

// start negotiates formats and starts all elements.
func (g *Graph) start() error {
	g.stream.Lock()
	defer g.stream.Unlock()
	for _, n := range g.sources {
		neg, ok := n.impl.(Negotiator)
		if !ok {
			continue
		}
		constraints, err := g.constraints(n)
		if err != nil {
			return fmt.Errorf("%s: %w", n.name, err)
		}
		if err := neg.Negotiate(constraints); err != nil {
			return fmt.Errorf("%s: %w: %v", n.name, ErrNotNegotiated, err)
		}
	}
	g.mu.Lock()
	g.sinkEOS = 0
	g.mu.Unlock()
	for _, n := range g.nodes {
		n.eos = 0
		n.done = false
		if err := n.impl.Start(); err != nil {
			return fmt.Errorf("%s: %w", n.name, err)
		}
	}
	return nil
}

// stop flushes elements which may block and stops all elements once no
// buffers are flowing.
func (g *Graph) stop() error {
	for _, n := range g.nodes {
		if f, ok := n.impl.(Flusher); ok {
			f.Flush()
		}
	}
	g.stream.Lock()
	defer g.stream.Unlock()
	var errs []error
	for _, n := range g.nodes {
		if err := n.impl.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.name, err))
		}
	}
	return errors.Join(errs...)
}

// constraints collects format fields requested by the first
// constraining element on every downstream path.
func (g *Graph) constraints(src *node) (map[string]string, error) {
	result := make(map[string]string)
	var walk func(n *node) error
	walk = func(n *node) error {
		if c, ok := n.impl.(Constrainer); ok && c.Constraint() != "" {
			return merge(result, c.Constraint())
		}
		for _, d := range n.downstream {
			if err := walk(d); err != nil {
				return err
			}
		}
		return nil
	}
	for _, d := range src.downstream {
		if err := walk(d); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func merge(into map[string]string, constraint string) error {
	c, err := caps.Parse(constraint)
	if err != nil && !errors.Is(err, caps.ErrUnsupportedFormat) {
		return err
	}
	if err != nil {
		c, err = parseFields(constraint)
		if err != nil {
			return err
		}
	}
	fields := map[string]string{"media": c.Media}
	for k, v := range c.Fields {
		fields[k] = fixate(v)
	}
	for k, v := range fields {
		if prev, ok := into[k]; ok && prev != v {
			return fmt.Errorf("%w: %s is both %q and %q", ErrNotNegotiated, k, prev, v)
		}
		into[k] = v
	}
	return nil
}

// parseFields splits caps without validating formats.
func parseFields(s string) (caps.Caps, error) {
	parts, err := caps.SplitFields(s)
	if err != nil {
		return caps.Caps{}, err
	}
	c := caps.Caps{Media: strings.TrimSpace(parts[0]), Fields: map[string]string{}}
	for _, f := range parts[1:] {
		if strings.TrimSpace(f) == "" {
			continue
		}
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return caps.Caps{}, fmt.Errorf("%w: %q", caps.ErrMalformed, s)
		}
		v = strings.TrimSpace(v)
		if strings.HasPrefix(v, "(") {
			if _, rest, ok := strings.Cut(v, ")"); ok {
				v = rest
			}
		}
		c.Fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return c, nil
}

// fixate picks the first option of a list.
func fixate(v string) string {
	if strings.HasPrefix(v, "{") {
		v = strings.Trim(v, "{}")
		first, _, _ := strings.Cut(v, ",")
		return strings.TrimSpace(first)
	}
	return v
}

// Iterate lets every source produce at most one buffer and pushes it
// downstream. Pending state changes are confirmed first.
func (g *Graph) Iterate(wait time.Duration) bool {
	g.mu.Lock()
	pending := g.pending
	g.pending = nil
	state := g.state
	g.mu.Unlock()
	for _, m := range pending {
		g.bus.post(m)
	}

	worked := len(pending) > 0
	if state == engine.Playing {
		if g.step() {
			worked = true
		}
	}
	if !worked && wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-g.wake:
		case <-t.C:
		}
		t.Stop()
	}
	return worked
}

func (g *Graph) step() bool {
	g.stream.Lock()
	defer g.stream.Unlock()
	if g.State() != engine.Playing {
		return false
	}
	worked := false
	for _, src := range g.sources {
		if src.done {
			continue
		}
		b, err := src.impl.(Source).Produce()
		switch {
		case errors.Is(err, engine.ErrEOS):
			src.done = true
			worked = true
			g.endOfStream(src)
		case errors.Is(err, engine.ErrFlushing):
		case err != nil:
			src.done = true
			g.post(engine.Message{Type: engine.MessageError, Source: src.name, Err: err})
		case b != nil:
			worked = true
			g.forward(src, b)
		}
	}
	return worked
}

// forward pushes buffer to all downstream elements of n. Every branch
// gets its own reference, memory is released when all of them are.
func (g *Graph) forward(n *node, b *engine.Buffer) {
	if len(n.downstream) == 1 {
		g.chain(n.downstream[0], b)
		return
	}
	refs := int32(len(n.downstream))
	var once sync.Once
	release := func() {
		if atomic.AddInt32(&refs, -1) == 0 {
			once.Do(b.Release)
		}
	}
	for _, d := range n.downstream {
		g.chain(d, b.WithRelease(release))
	}
}

func (g *Graph) chain(n *node, b *engine.Buffer) {
	if n.done {
		b.Release()
		return
	}
	var err error
	switch impl := n.impl.(type) {
	case Sink:
		err = impl.Render(b)
	case Filter:
		var out *engine.Buffer
		out, err = impl.Process(b)
		if err == nil && out != nil {
			g.forward(n, out)
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrFlushing):
		b.Release()
	case errors.Is(err, engine.ErrRecoverable):
		b.Release()
		g.post(engine.Message{Type: engine.MessageError, Source: n.name, Err: err, Recoverable: true})
	default:
		b.Release()
		n.done = true
		g.post(engine.Message{Type: engine.MessageError, Source: n.name, Err: err})
	}
}

// endOfStream propagates end of stream from n. Element with multiple
// inputs forwards it when all inputs are done.
func (g *Graph) endOfStream(n *node) {
	for _, d := range n.downstream {
		d.eos++
		if d.eos < d.upstream {
			continue
		}
		if s, ok := d.impl.(Sink); ok {
			if err := s.EndOfStream(); err != nil {
				g.post(engine.Message{Type: engine.MessageError, Source: d.name, Err: err})
				continue
			}
			g.sinkDone()
			continue
		}
		g.endOfStream(d)
	}
}

func (g *Graph) sinkDone() {
	g.mu.Lock()
	g.sinkEOS++
	all := g.sinkEOS == len(g.sinks)
	g.mu.Unlock()
	if all {
		g.post(engine.Message{Type: engine.MessageEOS, Source: g.name, Graph: true})
	}
}

// Close releases graph. It must be in null state.
func (g *Graph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	if g.state != engine.Null {
		return fmt.Errorf("%w: close in %v state", engine.ErrStateChange, g.state)
	}
	g.closed = true
	if g.release != nil {
		g.release()
	}
	return nil
}

type messageBus struct {
	mu   sync.Mutex
	msgs []engine.Message
}

func (b *messageBus) post(m engine.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, m)
}

// Pop returns the oldest pending message.
func (b *messageBus) Pop() (engine.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) == 0 {
		return engine.Message{}, false
	}
	m := b.msgs[0]
	b.msgs = b.msgs[1:]
	return m, true
}
