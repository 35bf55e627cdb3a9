// Package pump runs the goroutine which advances graph scheduler and
// drains its bus.
package pump

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pipelined.dev/pipeline/bus"
	"pipelined.dev/pipeline/engine"
	"pipelined.dev/pipeline/log"
)

// DefaultIdle is the time pump waits for scheduler work.
const DefaultIdle = 10 * time.Millisecond

// HandleFunc updates owner of the graph with bus message and returns
// event it represents.
type HandleFunc func(engine.Message) bus.Event

// Pump services graph on a dedicated goroutine.
type Pump struct {
	graph    engine.Graph
	handle   HandleFunc
	callback bus.Handler
	idle     time.Duration
	failFast bool
	log      logrus.FieldLogger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Option configures pump.
type Option func(*Pump)

// WithIdle sets time scheduler iteration waits for work.
func WithIdle(d time.Duration) Option {
	return func(p *Pump) {
		if d > 0 {
			p.idle = d
		}
	}
}

// WithCallback sets handler called for every event on the pump
// goroutine.
func WithCallback(h bus.Handler) Option {
	return func(p *Pump) {
		p.callback = h
	}
}

// WithFailFast makes pump stop on the first unrecoverable error.
func WithFailFast(failFast bool) Option {
	return func(p *Pump) {
		p.failFast = failFast
	}
}

// WithLogger sets pump logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Pump) {
		p.log = l
	}
}

// Start runs pump for the graph. Every message popped from the bus is
// passed to handle first and then to the callback.
func Start(g engine.Graph, handle HandleFunc, options ...Option) *Pump {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pump{
		graph:  g,
		handle: handle,
		idle:   DefaultIdle,
		log:    log.Silent(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, option := range options {
		option(p)
	}
	p.log = p.log.WithField("component", "pump")
	go p.run(ctx)
	return p
}

func (p *Pump) run(ctx context.Context) {
	defer close(p.done)
	p.log.Debug("started")
	for {
		select {
		case <-ctx.Done():
			p.drain()
			p.log.Debug("stopped")
			return
		default:
		}
		p.graph.Iterate(p.idle)
		if fatal := p.drain(); fatal && p.failFast {
			p.log.Debug("stopped on error")
			return
		}
	}
}

// drain dispatches all pending messages. It reports whether an
// unrecoverable error was among them.
func (p *Pump) drain() bool {
	fatal := false
	b := p.graph.Bus()
	for {
		m, ok := b.Pop()
		if !ok {
			return fatal
		}
		ev := p.handle(m)
		if e, ok := ev.(bus.Error); ok && !e.Recoverable {
			fatal = true
		}
		p.dispatch(ev)
	}
}

func (p *Pump) dispatch(ev bus.Event) {
	if p.callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("event", ev.String()).Error(fmt.Sprintf("callback panic: %v", r))
		}
	}()
	p.callback(ev)
}

// Done is closed when pump goroutine exits.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}

// Stop signals pump to exit and waits until it does. It's safe to call
// multiple times.
func (p *Pump) Stop() {
	p.once.Do(p.cancel)
	<-p.done
}
