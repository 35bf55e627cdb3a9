package session_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pipelined.dev/pipeline/caps"
	"pipelined.dev/pipeline/description"
	"pipelined.dev/pipeline/engine"
	"pipelined.dev/pipeline/engine/mem"
	"pipelined.dev/pipeline/frame"
	"pipelined.dev/pipeline/internal/pump"
	"pipelined.dev/pipeline/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const gray = "video/x-raw,format=GRAY8,width=2,height=2,framerate=10/1"

func build(t *testing.T, text string, cfg session.Config, options ...description.Option) *session.Session {
	t.Helper()
	spec, err := description.Parse(text, options...)
	require.Nil(t, err)
	ctx, err := mem.New().NewContext()
	require.Nil(t, err)
	s, err := session.Build(ctx, spec, cfg)
	require.Nil(t, err)
	return s
}

// play builds session and brings it to playing with a running pump.
func play(t *testing.T, text string, options ...description.Option) (*session.Session, *pump.Pump) {
	t.Helper()
	s := build(t, text, session.Config{}, options...)
	p := pump.Start(s.Graph(), s.Handle, pump.WithIdle(time.Millisecond))
	require.Nil(t, s.SetState(session.Playing))
	return s, p
}

func teardown(t *testing.T, s *session.Session, p *pump.Pump) {
	t.Helper()
	assert.Nil(t, s.SetState(session.Null))
	p.Stop()
	assert.Nil(t, s.Close())
	assert.Equal(t, session.Stopped, s.State())
}

func grayArray(v uint8) frame.Array {
	a, _ := frame.Of([]int{2, 2}, []uint8{v, v, v, v})
	return a
}

func TestBuild(t *testing.T) {
	var tests = []struct {
		text    string
		options []description.Option
		err     error
	}{
		{text: "nosuchsrc ! appsink", err: engine.ErrUnknownElement},
		{text: "videotestsrc ! fakesink", options: []description.Option{description.WithConsumers("fakesink0")}, err: engine.ErrNotBoundary},
		{text: "videotestsrc ! appsink", options: []description.Option{description.WithProducer("videotestsrc0")}, err: engine.ErrNotBoundary},
		{text: "appsrc ! video/x-raw,format=NOPE ! appsink", err: frame.ErrMalformedFormat},
	}
	for _, c := range tests {
		t.Run(c.text, func(t *testing.T) {
			spec, err := description.Parse(c.text, c.options...)
			require.Nil(t, err)
			ctx, _ := mem.New().NewContext()
			_, err = session.Build(ctx, spec, session.Config{})
			var berr *session.BuildError
			assert.True(t, errors.As(err, &berr))
			assert.Equal(t, c.text, berr.Description)
			assert.True(t, errors.Is(err, c.err), "expected %v, got %v", c.err, err)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	s, p := play(t, "appsrc caps="+gray+" ! queue ! appsink")
	assert.Equal(t, session.Playing, s.State())
	assert.True(t, s.HasProducer())
	assert.Equal(t, gray, s.ProducerCaps())
	assert.Equal(t, []string{"appsink0"}, s.Consumers())
	assert.True(t, s.Alive())

	for i := 0; i < 3; i++ {
		assert.Nil(t, s.Push(grayArray(uint8(i))))
	}
	for i := 0; i < 3; i++ {
		f, err := s.Pop("", time.Second)
		require.Nil(t, err)
		require.NotNil(t, f)
		assert.Equal(t, []int{2, 2}, f.Shape)
		assert.Equal(t, []byte{byte(i), byte(i), byte(i), byte(i)}, f.Bytes())
		assert.Equal(t, time.Duration(i)*100*time.Millisecond, f.PTS)
		assert.Equal(t, 100*time.Millisecond, f.Duration)
		assert.Equal(t, uint64(i), f.Offset)
		f.Release()
	}

	assert.Nil(t, s.EndOfStream())
	assert.Nil(t, s.EndOfStream())
	assert.Equal(t, session.ErrEndOfStream, s.Push(grayArray(0)))
	assert.True(t, s.WaitEOS(time.Second))
	assert.True(t, s.EOS())

	f, err := s.Pop("appsink0", time.Second)
	assert.Nil(t, err)
	assert.Nil(t, f)
	assert.False(t, s.Alive())
	teardown(t, s, p)

	assert.True(t, errors.Is(s.SetState(session.Playing), session.ErrInvalidState))
	assert.Nil(t, s.Close())
}

func TestProducerCaps(t *testing.T) {
	s, p := play(t, "appsrc ! appsink")
	assert.Equal(t, "", s.ProducerCaps())
	assert.True(t, errors.Is(s.Push(grayArray(1)), frame.ErrUnknownFormat))

	assert.Nil(t, s.SetProducerCaps(caps.MustParse(gray)))
	assert.Equal(t, gray, s.ProducerCaps())
	// caps are set once
	assert.Nil(t, s.SetProducerCaps(caps.MustParse("video/x-raw,format=RGB,width=1,height=1")))
	assert.Equal(t, gray, s.ProducerCaps())

	assert.Nil(t, s.Push(grayArray(1)))
	f, err := s.Pop("", time.Second)
	assert.Nil(t, err)
	assert.NotNil(t, f)
	f.Release()

	rgb, _ := frame.Of([]int{3}, []uint16{1, 2, 3})
	assert.True(t, errors.Is(s.Push(rgb), frame.ErrTypeMismatch))
	teardown(t, s, p)
}

func TestExchangeErrors(t *testing.T) {
	s, p := play(t, "videotestsrc num-buffers=1 ! fakesink")
	assert.Equal(t, session.ErrNoProducer, s.Push(grayArray(0)))
	assert.Equal(t, session.ErrNoProducer, s.EndOfStream())
	assert.Equal(t, session.ErrNoProducer, s.SetProducerCaps(caps.MustParse(gray)))
	_, err := s.Pop("", time.Millisecond)
	assert.Equal(t, session.ErrNoConsumer, err)
	_, err = s.Pop("fakesink0", time.Millisecond)
	assert.True(t, errors.Is(err, session.ErrNoConsumer))
	teardown(t, s, p)

	s = build(t, "appsrc caps="+gray+" ! appsink", session.Config{})
	assert.True(t, errors.Is(s.Push(grayArray(0)), session.ErrNotPlaying))
	_, err = s.Pop("", time.Millisecond)
	assert.True(t, errors.Is(err, session.ErrNotPlaying))
	assert.Nil(t, s.Close())
}

func TestNotAccepting(t *testing.T) {
	s, p := play(t, "appsrc caps="+gray+" block=true max-buffers=1 block-timeout=1000 ! appsink max-buffers=1")
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = s.Push(grayArray(uint8(i)))
	}
	assert.Equal(t, session.ErrNotAccepting, err)
	assert.Nil(t, s.Err())

	// popping frees space
	f, perr := s.Pop("", time.Second)
	assert.Nil(t, perr)
	f.Release()
	assert.Eventually(t, func() bool {
		return s.Push(grayArray(0)) == nil
	}, time.Second, time.Millisecond)
	teardown(t, s, p)
}

func TestPopTimeout(t *testing.T) {
	s, p := play(t, "videotestsrc is-live=true ! valve drop=true ! appsink")
	for _, timeout := range []time.Duration{10 * time.Millisecond, 120 * time.Millisecond} {
		start := time.Now()
		f, err := s.Pop("", timeout)
		elapsed := time.Since(start)
		assert.Nil(t, f)
		assert.Equal(t, session.ErrTimeout, err)
		assert.True(t, elapsed >= timeout, "%v < %v", elapsed, timeout)
		assert.True(t, elapsed < timeout+200*time.Millisecond, "%v", elapsed)
	}
	assert.True(t, s.Alive())
	teardown(t, s, p)
}

func TestBusError(t *testing.T) {
	s, p := play(t, "source ! identity error-after=2 ! appsink")
	assert.Eventually(t, func() bool {
		return s.Err() != nil
	}, time.Second, time.Millisecond)
	assert.True(t, errors.Is(s.Err(), mem.ErrInjected))
	assert.Equal(t, session.Error, s.State())
	assert.False(t, s.Alive())
	assert.False(t, s.WaitEOS(time.Second))

	_, err := s.Pop("", time.Second)
	assert.True(t, errors.Is(err, mem.ErrInjected))

	err = s.SetState(session.Playing)
	var serr *session.StateError
	assert.True(t, errors.As(err, &serr))
	assert.Equal(t, session.Error, serr.From)
	assert.True(t, errors.Is(err, mem.ErrInjected))
	teardown(t, s, p)
}

func TestTransitionTimeout(t *testing.T) {
	// nobody iterates the graph, so asynchronous change is never confirmed
	s := build(t, "videotestsrc ! fakesink", session.Config{TransitionTimeout: 20 * time.Millisecond})
	err := s.SetState(session.Playing)
	var serr *session.StateError
	assert.True(t, errors.As(err, &serr))
	assert.Equal(t, session.Null, serr.From)
	assert.Equal(t, session.Playing, serr.To)
	assert.True(t, errors.Is(err, session.ErrTransitionTimeout))
	assert.Equal(t, session.Error, s.State())

	assert.Nil(t, s.SetState(session.Null))
	assert.Nil(t, s.Close())
	assert.True(t, errors.Is(s.SetState(session.Stopped), session.ErrInvalidState))
}

// asyncGraph confirms every change except to null with a bus message,
// the way GStreamer pipelines do. A stuck graph accepts changes but
// never confirms them.
type asyncGraph struct {
	mu      sync.Mutex
	state   engine.State
	stuck   bool
	history []engine.State
	queue   []engine.Message
}

func (g *asyncGraph) Instantiate(*description.Pipeline) (engine.Graph, error) { return g, nil }
func (g *asyncGraph) Producer(string) (engine.Producer, error)                { return nil, engine.ErrNotBoundary }
func (g *asyncGraph) Consumer(string) (engine.Consumer, error)                { return nil, engine.ErrNotBoundary }
func (g *asyncGraph) Bus() engine.Bus                                         { return g }

func (g *asyncGraph) SetState(next engine.State) (engine.StateChange, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	old := g.state
	g.state = next
	g.history = append(g.history, next)
	if next == engine.Null {
		return engine.Success, nil
	}
	if !g.stuck {
		g.queue = append(g.queue, engine.Message{Type: engine.MessageStateChanged, Source: "pipeline0", Graph: true, Old: old, New: next})
	}
	return engine.Async, nil
}

func (g *asyncGraph) Iterate(wait time.Duration) bool {
	time.Sleep(wait)
	return false
}

func (g *asyncGraph) Pop() (engine.Message, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.queue) == 0 {
		return engine.Message{}, false
	}
	m := g.queue[0]
	g.queue = g.queue[1:]
	return m, true
}

// fail posts error and stops confirming state changes.
func (g *asyncGraph) fail(m engine.Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stuck = true
	g.queue = append(g.queue, m)
}

func (g *asyncGraph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != engine.Null {
		return errors.New("graph is not in null state")
	}
	return nil
}

func (g *asyncGraph) snapshot() (engine.State, []engine.State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state, append([]engine.State(nil), g.history...)
}

func TestTeardownAfterError(t *testing.T) {
	errBroken := errors.New("broken")
	var tests = []struct {
		name    string
		message *engine.Message
		err     error
	}{
		{
			name:    "bus error",
			message: &engine.Message{Type: engine.MessageError, Source: "identity0", Err: errBroken},
		},
		{
			name: "unconfirmed",
			err:  session.ErrTransitionTimeout,
		},
	}
	for _, c := range tests {
		t.Run(c.name, func(t *testing.T) {
			g := &asyncGraph{}
			spec, err := description.Parse("videotestsrc ! fakesink")
			require.Nil(t, err)
			s, err := session.Build(g, spec, session.Config{TransitionTimeout: 50 * time.Millisecond})
			require.Nil(t, err)
			p := pump.Start(g, s.Handle, pump.WithIdle(time.Millisecond))
			require.Nil(t, s.SetState(session.Playing))

			if c.message != nil {
				g.fail(*c.message)
				assert.Eventually(t, func() bool {
					return s.State() == session.Error
				}, time.Second, time.Millisecond)
			} else {
				g.fail(engine.Message{Type: engine.MessageWarning, Source: "identity0", Err: errBroken})
			}

			err = s.SetState(session.Null)
			if c.err != nil {
				var serr *session.StateError
				assert.True(t, errors.As(err, &serr))
				assert.True(t, errors.Is(err, c.err), "expected %v, got %v", c.err, err)
				assert.Equal(t, session.Error, s.State())
			} else {
				assert.Nil(t, err)
			}
			state, history := g.snapshot()
			assert.Equal(t, engine.Null, state)
			assert.Equal(t, []engine.State{
				engine.Ready, engine.Paused, engine.Playing,
				engine.Paused, engine.Ready, engine.Null,
			}, history)

			p.Stop()
			assert.Nil(t, s.Close())
			assert.Equal(t, session.Stopped, s.State())
		})
	}
}

func TestRecoverableError(t *testing.T) {
	s, p := play(t, "appsrc caps="+gray+" ! identity error-after=1 recoverable=true ! appsink")
	for i := 0; i < 3; i++ {
		assert.Nil(t, s.Push(grayArray(uint8(i))))
	}
	assert.Eventually(t, func() bool {
		return s.Recovered() != nil
	}, time.Second, time.Millisecond)
	assert.True(t, errors.Is(s.Recovered(), mem.ErrInjected))
	assert.Nil(t, s.Err())
	assert.Equal(t, session.Playing, s.State())
	assert.True(t, s.Alive())

	// second buffer is dropped
	for _, v := range []byte{0, 2} {
		f, err := s.Pop("", time.Second)
		require.Nil(t, err)
		require.NotNil(t, f)
		assert.Equal(t, []byte{v, v, v, v}, f.Bytes())
		f.Release()
	}
	teardown(t, s, p)
}

func TestStateString(t *testing.T) {
	var tests = map[session.State]string{
		session.Null:    "null",
		session.Ready:   "ready",
		session.Paused:  "paused",
		session.Playing: "playing",
		session.Error:   "error",
		session.Stopped: "stopped",
	}
	for state, s := range tests {
		assert.Equal(t, s, state.String())
	}
}
