package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"pipelined.dev/pipeline/bus"
	"pipelined.dev/pipeline/caps"
	"pipelined.dev/pipeline/description"
	"pipelined.dev/pipeline/engine"
	"pipelined.dev/pipeline/engine/mem"
	"pipelined.dev/pipeline/frame"
	"pipelined.dev/pipeline/internal/pump"
	"pipelined.dev/pipeline/internal/session"
	"pipelined.dev/pipeline/internal/shared"
	"pipelined.dev/pipeline/log"
	"pipelined.dev/pipeline/metric"
)

// State is the lifecycle state of pipeline.
type State = session.State

// Pipeline states.
const (
	Null    = session.Null
	Ready   = session.Ready
	Paused  = session.Paused
	Playing = session.Playing
	Error   = session.Error
	Stopped = session.Stopped
)

// DefaultEngine is used by pipelines opened without WithEngine.
var DefaultEngine engine.Engine = mem.New()

// Pipeline is a running graph built from a description. Push and Pop
// are safe to call from multiple goroutines, Close must not be called
// concurrently with them.
type Pipeline struct {
	uid  string
	text string

	engine            engine.Engine
	shared            bool
	busTimeout        time.Duration
	popTimeout        time.Duration
	pushTimeout       time.Duration
	transitionTimeout time.Duration
	teardownTimeout   time.Duration
	queueSize         int
	leaky             bool
	failFast          bool
	producer          string
	consumers         []string
	onMessage         bus.Handler
	log               logrus.FieldLogger
	metrics           *metric.Metrics
	meter             *metric.Meter
	cache             *caps.Cache

	spec    *description.Pipeline
	session *session.Session
	pump    *pump.Pump
	release shared.ReleaseFunc

	// mu serializes lifecycle calls.
	mu     sync.Mutex
	closed bool
}

// Open parses description, builds the graph and brings it to playing
// state. Pipeline must be closed after use.
func Open(ctx context.Context, text string, options ...Option) (*Pipeline, error) {
	p := &Pipeline{
		uid:               xid.New().String(),
		text:              text,
		engine:            DefaultEngine,
		busTimeout:        DefaultBusTimeout,
		popTimeout:        DefaultPopTimeout,
		pushTimeout:       DefaultPushTimeout,
		transitionTimeout: DefaultTransitionTimeout,
		teardownTimeout:   DefaultTeardownTimeout,
		queueSize:         DefaultQueueSize,
		log:               log.Silent(),
	}
	for _, option := range options {
		if err := option(p); err != nil {
			return nil, err
		}
	}
	p.log = p.log.WithFields(logrus.Fields{"pipeline": p.uid, "engine": p.engine.Name()})
	p.meter = p.metrics.Meter(p.uid)
	if err := p.metrics.Cache(p.cache); err != nil {
		p.log.WithError(err).Warn("caps cache is not exported")
	}

	parseOptions := []description.Option{}
	if p.producer != "" {
		parseOptions = append(parseOptions, description.WithProducer(p.producer))
	}
	if len(p.consumers) > 0 {
		parseOptions = append(parseOptions, description.WithConsumers(p.consumers...))
	}
	spec, err := description.Parse(text, parseOptions...)
	if err != nil {
		return nil, err
	}
	p.spec = spec

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.open(ctx); err != nil {
		if cerr := p.teardown(); cerr != nil {
			p.log.WithError(cerr).Warn("teardown after failed open")
		}
		p.closed = true
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) open(ctx context.Context) error {
	ectx, err := p.context()
	if err != nil {
		return err
	}
	s, err := session.Build(ectx, p.boundaryDefaults(p.spec), session.Config{
		Codec:             frame.NewCodec(p.cache),
		Logger:            p.log,
		TransitionTimeout: p.transitionTimeout,
	})
	if err != nil {
		return err
	}
	p.session = s
	p.pump = pump.Start(s.Graph(), p.handle,
		pump.WithIdle(p.busTimeout),
		pump.WithCallback(p.onMessage),
		pump.WithFailFast(p.failFast),
		pump.WithLogger(p.log.WithField("session", s.ID())),
	)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.SetState(session.Playing); err != nil {
		return err
	}
	p.log.Debug("playing")
	return nil
}

// context acquires engine context.
func (p *Pipeline) context() (engine.Context, error) {
	if p.shared {
		ectx, release, err := shared.Acquire(p.engine)
		if err != nil {
			return nil, err
		}
		p.release = release
		return ectx, nil
	}
	ectx, err := p.engine.NewContext()
	if err != nil {
		return nil, err
	}
	var once sync.Once
	p.release = func() error {
		var err error
		once.Do(func() { err = ectx.Close() })
		return err
	}
	return ectx, nil
}

// boundaryDefaults sets queue and blocking behavior of boundaries unless
// description sets them explicitly.
func (p *Pipeline) boundaryDefaults(spec *description.Pipeline) *description.Pipeline {
	for _, name := range spec.Consumers {
		spec = spec.WithDefaults(name,
			description.Property{Key: "max-buffers", Value: description.NewValue(strconv.Itoa(p.queueSize), false)},
			description.Property{Key: "drop", Value: description.NewValue(strconv.FormatBool(p.leaky), false)},
		)
	}
	if spec.Producer != "" {
		timeout := p.pushTimeout.Microseconds()
		spec = spec.WithDefaults(spec.Producer,
			description.Property{Key: "block", Value: description.NewValue("true", false)},
			description.Property{Key: "block-timeout", Value: description.NewValue(strconv.FormatInt(timeout, 10), false)},
		)
	}
	return spec
}

// handle updates session with bus message on the pump goroutine.
func (p *Pipeline) handle(m engine.Message) bus.Event {
	ev := p.session.Handle(m)
	p.meter.Event(ev)
	return ev
}

// ID returns unique pipeline id.
func (p *Pipeline) ID() string {
	return p.uid
}

// Spec returns parsed description.
func (p *Pipeline) Spec() *description.Pipeline {
	return p.spec
}

// Push encodes array with producer caps and submits it to the producer.
// ErrNotAccepting means producer is full and push can be retried.
func (p *Pipeline) Push(a frame.Array) error {
	if p.isClosed() {
		return ErrClosed
	}
	if err := p.session.Push(a); err != nil {
		return err
	}
	p.meter.Pushed(a.Size())
	return nil
}

// Pop waits up to timeout for the next frame of the primary consumer.
// Zero timeout means pop timeout of the pipeline. Nil frame without
// error is returned at the end of stream.
func (p *Pipeline) Pop(timeout time.Duration) (*frame.Frame, error) {
	return p.PopFrom("", timeout)
}

// PopFrom is like Pop for the named consumer.
func (p *Pipeline) PopFrom(consumer string, timeout time.Duration) (*frame.Frame, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	if timeout == 0 {
		timeout = p.popTimeout
	}
	f, err := p.session.Pop(consumer, timeout)
	if f != nil {
		p.meter.Popped(f.Size())
	}
	return f, err
}

// Frames iterates over frames of the primary consumer until the end of
// stream, an error or context cancellation. Timeouts are retried while
// the pipeline is alive.
func (p *Pipeline) Frames(ctx context.Context) iter.Seq2[*frame.Frame, error] {
	return func(yield func(*frame.Frame, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			f, err := p.Pop(0)
			switch {
			case errors.Is(err, ErrTimeout) && p.Alive():
				continue
			case err != nil:
				yield(nil, err)
				return
			case f == nil:
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

// Alive reports whether pipeline is playing without errors and either
// stream goes on or there are frames left to pop.
func (p *Pipeline) Alive() bool {
	if p.isClosed() {
		return false
	}
	return p.session.Alive()
}

// State returns current state.
func (p *Pipeline) State() State {
	if p.session == nil {
		return Null
	}
	return p.session.State()
}

// Err returns error recorded from the bus.
func (p *Pipeline) Err() error {
	if p.session == nil {
		return nil
	}
	return p.session.Err()
}

// EndOfStream tells producer that no more frames will be pushed.
func (p *Pipeline) EndOfStream() error {
	if p.isClosed() {
		return ErrClosed
	}
	return p.session.EndOfStream()
}

// SetProducerCaps sets caps of pushed frames if producer has none.
func (p *Pipeline) SetProducerCaps(c caps.Caps) error {
	if p.isClosed() {
		return ErrClosed
	}
	return p.session.SetProducerCaps(c)
}

func (p *Pipeline) String() string {
	return fmt.Sprintf("pipeline(%s, %v): %s", p.uid, p.State(), p.text)
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close ends the stream, brings graph down to null state, stops the
// pump and releases the graph. Consequent calls do nothing.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.teardown()
}

// teardown executes every step even if previous ones failed.
func (p *Pipeline) teardown() error {
	var errs teardownErrors
	if s := p.session; s != nil {
		if s.HasProducer() && s.State() == Playing && s.Err() == nil {
			if err := s.EndOfStream(); err != nil {
				errs.add(fmt.Errorf("end of stream: %w", err))
			} else if !s.WaitEOS(p.teardownTimeout) {
				p.log.WithField("timeout", p.teardownTimeout).Debug("end of stream didn't arrive")
			}
		}
		errs.add(s.SetState(Null))
	}
	if p.pump != nil {
		p.pump.Stop()
	}
	if p.session != nil {
		errs.add(p.session.Close())
	}
	if p.release != nil {
		errs.add(p.release())
	}
	p.metrics.Delete(p.uid)
	p.log.Debug("closed")
	return errs.ret()
}

// Run opens pipeline, calls fn with it and closes pipeline whatever fn
// does. Error of fn takes precedence over teardown error and panics are
// propagated after teardown.
func Run(ctx context.Context, text string, fn func(*Pipeline) error, options ...Option) (err error) {
	p, err := Open(ctx, text, options...)
	if err != nil {
		return err
	}
	defer func() {
		r := recover()
		cerr := p.Close()
		switch {
		case r != nil:
			if cerr != nil {
				p.log.WithError(cerr).Warn("teardown after panic")
			}
			panic(r)
		case err == nil:
			err = cerr
		case cerr != nil:
			p.log.WithError(cerr).Warn("teardown after error")
		}
	}()
	return fn(p)
}
