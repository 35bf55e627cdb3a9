// Package session owns a single instantiated graph: its lifecycle, the
// boundary elements and the fields updated from the bus.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"pipelined.dev/pipeline/bus"
	"pipelined.dev/pipeline/caps"
	"pipelined.dev/pipeline/description"
	"pipelined.dev/pipeline/engine"
	"pipelined.dev/pipeline/frame"
	"pipelined.dev/pipeline/log"
)

var (
	// ErrNoProducer is returned by push when pipeline has no producer.
	ErrNoProducer = errors.New("pipeline has no producer")
	// ErrNoConsumer is returned by pop when pipeline has no consumer.
	ErrNoConsumer = errors.New("pipeline has no consumer")
	// ErrNotAccepting is returned when producer didn't accept a buffer in
	// time. It's safe to retry.
	ErrNotAccepting = errors.New("producer is not accepting")
	// ErrTimeout is returned when consumer had nothing in time. It's safe
	// to retry.
	ErrTimeout = errors.New("pop timeout")
	// ErrEndOfStream is returned by push after producer has ended.
	ErrEndOfStream = errors.New("producer has ended")
	// ErrNotPlaying is returned when data exchange is requested in a
	// state other than playing.
	ErrNotPlaying = errors.New("pipeline is not playing")
	// ErrTransitionTimeout is returned when engine didn't confirm state
	// change in time.
	ErrTransitionTimeout = errors.New("state transition timeout")
	// ErrInvalidState is returned when requested state is not reachable.
	ErrInvalidState = errors.New("invalid state")
)

// pollInterval bounds single pull from consumer, so recorded errors are
// noticed while caller waits.
const pollInterval = 50 * time.Millisecond

// DefaultTransitionTimeout is used if config has no timeout.
const DefaultTransitionTimeout = 5 * time.Second

// State is the lifecycle state of session.
type State int

// Session states. Error is entered on unrecoverable bus error and left
// only by teardown. Stopped is final.
const (
	Null State = iota
	Ready
	Paused
	Playing
	Error
	Stopped
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
	case Error:
		return "error"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// BuildError is returned when engine failed to instantiate the graph.
type BuildError struct {
	Description string
	Err         error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %q: %v", e.Description, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// StateError is returned when state transition failed.
type StateError struct {
	From, To State
	Err      error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%v -> %v: %v", e.From, e.To, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// Config of the session.
type Config struct {
	Codec             *frame.Codec
	Logger            logrus.FieldLogger
	TransitionTimeout time.Duration
}

// Session is an instantiated graph with its boundaries.
type Session struct {
	id         string
	spec       *description.Pipeline
	graph      engine.Graph
	codec      *frame.Codec
	log        logrus.FieldLogger
	transition time.Duration

	producer  engine.Producer
	consumers map[string]engine.Consumer
	primary   string

	mu        sync.Mutex
	state     State
	current   engine.State
	pending   engine.State
	waiting   bool
	changed   chan struct{}
	pushMu    sync.Mutex
	pts       time.Duration
	offset    uint64
	err       atomic.Pointer[bus.Error]
	recovered atomic.Pointer[bus.Error]
	eos       atomic.Bool
	drained   atomic.Bool
	finished  atomic.Bool
}

// Build instantiates graph from spec and resolves its boundaries.
func Build(ctx engine.Context, spec *description.Pipeline, cfg Config) (*Session, error) {
	if cfg.Codec == nil {
		cfg.Codec = frame.NewCodec(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Silent()
	}
	if cfg.TransitionTimeout <= 0 {
		cfg.TransitionTimeout = DefaultTransitionTimeout
	}
	g, err := ctx.Instantiate(spec)
	if err != nil {
		return nil, &BuildError{Description: spec.Text, Err: err}
	}
	s := &Session{
		id:         xid.New().String(),
		spec:       spec,
		graph:      g,
		codec:      cfg.Codec,
		transition: cfg.TransitionTimeout,
		consumers:  make(map[string]engine.Consumer, len(spec.Consumers)),
		primary:    spec.Consumer(),
		changed:    make(chan struct{}),
	}
	s.log = cfg.Logger.WithFields(logrus.Fields{"session": s.id, "component": "session"})
	if err := s.resolve(); err != nil {
		g.Close()
		return nil, &BuildError{Description: spec.Text, Err: err}
	}
	s.log.WithFields(logrus.Fields{
		"producer":  spec.Producer,
		"consumers": spec.Consumers,
	}).Debug("graph built")
	return s, nil
}

func (s *Session) resolve() error {
	if s.spec.Producer != "" {
		p, err := s.graph.Producer(s.spec.Producer)
		if err != nil {
			return err
		}
		if s.spec.ProducerCaps != "" && p.Caps() == "" {
			if err := p.SetCaps(s.spec.ProducerCaps); err != nil {
				return err
			}
		}
		s.producer = p
	}
	for _, name := range s.spec.Consumers {
		c, err := s.graph.Consumer(name)
		if err != nil {
			return err
		}
		s.consumers[name] = c
	}
	return nil
}

// ID returns unique session id.
func (s *Session) ID() string {
	return s.id
}

// Spec returns parsed description the session was built from.
func (s *Session) Spec() *description.Pipeline {
	return s.spec
}

// Graph returns engine graph.
func (s *Session) Graph() engine.Graph {
	return s.graph
}

// State returns current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns recorded bus error.
func (s *Session) Err() error {
	if e := s.err.Load(); e != nil {
		return e
	}
	return nil
}

// Recovered returns the last recoverable bus error. Such errors don't
// stop data exchange.
func (s *Session) Recovered() error {
	if e := s.recovered.Load(); e != nil {
		return e
	}
	return nil
}

// broadcast wakes up waiters. Must be called with lock held.
func (s *Session) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// SetState walks the graph one adjacent state at a time until target is
// reached. Asynchronous changes are awaited until the bus confirms them
// or transition timeout elapses. Failure moves session into error state.
// Walking down never stops half way: failed steps are collected and the
// graph is still brought to the target.
func (s *Session) SetState(target State) error {
	if target > Playing {
		return fmt.Errorf("%w: %v", ErrInvalidState, target)
	}
	s.mu.Lock()
	from := s.state
	if from == Stopped {
		s.mu.Unlock()
		return fmt.Errorf("%w: session stopped", ErrInvalidState)
	}
	if from == Error && target > Null && target >= State(s.current) {
		s.mu.Unlock()
		return &StateError{From: from, To: target, Err: s.Err()}
	}
	s.mu.Unlock()

	want := engine.State(target)
	var errs []error
	for {
		s.mu.Lock()
		cur := s.current
		s.mu.Unlock()
		if cur == want {
			break
		}
		if want > cur {
			if err := s.step(cur+1, false); err != nil {
				s.fail(nil)
				return &StateError{From: from, To: target, Err: err}
			}
			continue
		}
		if err := s.step(cur-1, true); err != nil {
			s.abandon(cur - 1)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		s.fail(nil)
		return &StateError{From: from, To: target, Err: errors.Join(errs...)}
	}
	return nil
}

// step requests next state and waits for confirmation if the change is
// asynchronous. Once an error is recorded, steps down aren't awaited.
func (s *Session) step(next engine.State, down bool) error {
	s.mu.Lock()
	s.pending = next
	s.waiting = true
	s.mu.Unlock()

	l := s.log.WithField("state", next)
	result, err := s.graph.SetState(next)
	if err != nil {
		s.mu.Lock()
		s.waiting = false
		s.mu.Unlock()
		l.WithError(err).Debug("state change failed")
		return err
	}
	if result != engine.Async {
		s.confirm(next)
		l.Debug("state changed")
		return nil
	}

	timer := time.NewTimer(s.transition)
	defer timer.Stop()
	for {
		s.mu.Lock()
		done := !s.waiting
		changed := s.changed
		s.mu.Unlock()
		if done {
			l.Debug("state change confirmed")
			return nil
		}
		if err := s.Err(); err != nil {
			if down {
				s.abandon(next)
				l.Debug("state change not awaited")
				return nil
			}
			if next > engine.Ready {
				s.abandon(next)
				return err
			}
		}
		select {
		case <-changed:
		case <-timer.C:
			s.abandon(next)
			return fmt.Errorf("%w: %v after %v", ErrTransitionTimeout, next, s.transition)
		}
	}
}

// abandon stops waiting for confirmation and takes next as the current
// state, so teardown walks down from it.
func (s *Session) abandon(next engine.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting = false
	s.current = next
	if s.state != Error {
		s.state = State(next)
	}
}

func (s *Session) confirm(st engine.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.waiting || s.pending != st {
		return
	}
	s.waiting = false
	s.current = st
	if s.state != Error {
		s.state = State(st)
	}
	s.broadcast()
}

func (s *Session) fail(e *bus.Error) {
	if e != nil {
		s.err.CompareAndSwap(nil, e)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Stopped {
		s.state = Error
	}
	s.broadcast()
}

// Handle updates session from bus message and returns the event it
// represents. It's called from the pump goroutine.
func (s *Session) Handle(m engine.Message) bus.Event {
	ev := bus.FromMessage(m)
	switch e := ev.(type) {
	case bus.EndOfStream:
		s.eos.Store(true)
		s.mu.Lock()
		s.broadcast()
		s.mu.Unlock()
		s.log.Debug("end of stream")
	case bus.Error:
		l := s.log.WithFields(logrus.Fields{"source": e.Source, "debug": e.Debug}).WithError(e.Err)
		if e.Recoverable {
			l.Warn("recoverable bus error")
			s.recovered.Store(&e)
			break
		}
		l.Error("bus error")
		s.fail(&e)
	case bus.Warning:
		s.log.WithField("source", e.Source).WithError(e.Err).Warn("bus warning")
	case bus.StateChanged:
		if e.Pipeline {
			s.confirm(e.New)
		}
	}
	return ev
}

// Push encodes array with producer caps and submits it. Buffers get
// timestamps derived from caps, so stream time advances by the duration
// of every accepted buffer.
func (s *Session) Push(a frame.Array) error {
	if s.producer == nil {
		return ErrNoProducer
	}
	if err := s.exchangeErr(); err != nil {
		return err
	}
	if s.finished.Load() {
		return ErrEndOfStream
	}
	c, err := s.codec.Caps(s.producer.Caps())
	if err != nil {
		return err
	}
	b, err := s.codec.Encode(a, c)
	if err != nil {
		return err
	}

	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	b.PTS = s.pts
	b.Duration = c.Duration(b.Size())
	b.Offset = s.offset
	err = s.producer.Push(b)
	switch {
	case err == nil:
		s.pts += b.Duration
		s.offset++
		return nil
	case errors.Is(err, engine.ErrBusy):
		err = ErrNotAccepting
	case errors.Is(err, engine.ErrEOS):
		s.finished.Store(true)
		err = ErrEndOfStream
	case errors.Is(err, engine.ErrFlushing):
		err = ErrNotPlaying
	}
	b.Release()
	return err
}

// exchangeErr returns error if buffers cannot be exchanged right now.
func (s *Session) exchangeErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	if st := s.State(); st != Playing {
		return fmt.Errorf("%w: %v", ErrNotPlaying, st)
	}
	return nil
}

// Pop waits up to timeout for a buffer of the named consumer, empty name
// means the primary one. It returns nil frame at the end of stream.
func (s *Session) Pop(name string, timeout time.Duration) (*frame.Frame, error) {
	if name == "" {
		name = s.primary
	}
	c, ok := s.consumers[name]
	if !ok {
		if name == "" {
			return nil, ErrNoConsumer
		}
		return nil, fmt.Errorf("%w: %q", ErrNoConsumer, name)
	}
	if err := s.exchangeErr(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		wait := min(time.Until(deadline), pollInterval)
		if wait < 0 {
			wait = 0
		}
		b, err := c.Pull(wait)
		switch {
		case err == nil:
			f, err := s.codec.Decode(b)
			if err != nil {
				b.Release()
				return nil, err
			}
			return f, nil
		case errors.Is(err, engine.ErrEOS):
			if name == s.primary {
				s.drained.Store(true)
			}
			return nil, nil
		case errors.Is(err, engine.ErrFlushing):
			return nil, ErrNotPlaying
		case !errors.Is(err, engine.ErrTimeout):
			return nil, err
		}
		if err := s.Err(); err != nil {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, ErrTimeout
		}
	}
}

// EndOfStream ends the producer. Consequent calls do nothing.
func (s *Session) EndOfStream() error {
	if s.producer == nil {
		return ErrNoProducer
	}
	if s.finished.Swap(true) {
		return nil
	}
	s.log.Debug("producer end of stream")
	return s.producer.EndOfStream()
}

// SetProducerCaps sets caps of pushed buffers if producer has none.
func (s *Session) SetProducerCaps(c caps.Caps) error {
	if s.producer == nil {
		return ErrNoProducer
	}
	if s.producer.Caps() != "" {
		return nil
	}
	return s.producer.SetCaps(c.Raw)
}

// ProducerCaps returns caps of the producer.
func (s *Session) ProducerCaps() string {
	if s.producer == nil {
		return ""
	}
	return s.producer.Caps()
}

// HasProducer reports whether session has a producer.
func (s *Session) HasProducer() bool {
	return s.producer != nil
}

// Consumers returns names of consumers, primary one first.
func (s *Session) Consumers() []string {
	names := make([]string, 0, len(s.spec.Consumers))
	if s.primary != "" {
		names = append(names, s.primary)
	}
	for _, n := range s.spec.Consumers {
		if n != s.primary {
			names = append(names, n)
		}
	}
	return names
}

// EOS reports whether end of stream was observed on the bus.
func (s *Session) EOS() bool {
	return s.eos.Load()
}

// Alive reports whether session can still deliver data: it's playing,
// no error is recorded and the stream either goes on or the primary
// consumer still has buffers to pop.
func (s *Session) Alive() bool {
	if s.State() != Playing || s.Err() != nil {
		return false
	}
	if s.drained.Load() {
		return false
	}
	if !s.eos.Load() {
		return true
	}
	c, ok := s.consumers[s.primary]
	return ok && c.Queued() > 0
}

// WaitEOS blocks until end of stream or error is observed or timeout
// elapses. It reports whether end of stream was observed.
func (s *Session) WaitEOS(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if s.eos.Load() {
			return true
		}
		if s.Err() != nil {
			return false
		}
		s.mu.Lock()
		changed := s.changed
		s.mu.Unlock()
		select {
		case <-changed:
		case <-timer.C:
			return s.eos.Load()
		}
	}
}

// Close releases graph. Session must be brought to null state first.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if err := s.graph.Close(); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = Stopped
	s.broadcast()
	s.mu.Unlock()
	s.log.Debug("session closed")
	return nil
}
