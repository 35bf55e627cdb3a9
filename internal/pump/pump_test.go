package pump_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"pipelined.dev/pipeline/bus"
	"pipelined.dev/pipeline/engine"
	"pipelined.dev/pipeline/internal/pump"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// graph is a scripted graph which posts one message per iteration.
type graph struct {
	mu       sync.Mutex
	script   []engine.Message
	queue    []engine.Message
	iterated int
}

func (g *graph) SetState(engine.State) (engine.StateChange, error) { return engine.Success, nil }
func (g *graph) Producer(string) (engine.Producer, error)          { return nil, engine.ErrNotBoundary }
func (g *graph) Consumer(string) (engine.Consumer, error)          { return nil, engine.ErrNotBoundary }
func (g *graph) Close() error                                      { return nil }
func (g *graph) Bus() engine.Bus                                   { return g }

func (g *graph) Iterate(wait time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.iterated++
	if len(g.script) == 0 {
		return false
	}
	g.queue = append(g.queue, g.script[0])
	g.script = g.script[1:]
	return true
}

func (g *graph) Pop() (engine.Message, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.queue) == 0 {
		return engine.Message{}, false
	}
	m := g.queue[0]
	g.queue = g.queue[1:]
	return m, true
}

var errBroken = errors.New("broken")

func script() []engine.Message {
	return []engine.Message{
		{Type: engine.MessageStateChanged, Source: "pipeline0", Graph: true, Old: engine.Paused, New: engine.Playing},
		{Type: engine.MessageElement, Source: "appsink0", Name: "new-sample"},
		{Type: engine.MessageError, Source: "identity0", Err: errBroken},
		{Type: engine.MessageWarning, Source: "identity0", Err: errBroken},
		{Type: engine.MessageEOS, Source: "pipeline0", Graph: true},
	}
}

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) handle(m engine.Message) bus.Event {
	ev := bus.FromMessage(m)
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return ev
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestPump(t *testing.T) {
	var tests = []struct {
		failFast    bool
		recoverable bool
		handled     int
	}{
		{failFast: false, handled: 5},
		{failFast: true, handled: 3},
		{failFast: true, recoverable: true, handled: 5},
	}
	for _, c := range tests {
		g := &graph{script: script()}
		g.script[2].Recoverable = c.recoverable
		var r recorder
		var mu sync.Mutex
		var called []string
		p := pump.Start(g, r.handle,
			pump.WithIdle(time.Millisecond),
			pump.WithFailFast(c.failFast),
			pump.WithCallback(func(ev bus.Event) {
				mu.Lock()
				called = append(called, ev.String())
				mu.Unlock()
			}),
		)
		assert.Eventually(t, func() bool {
			return r.len() == c.handled
		}, time.Second, time.Millisecond)
		if c.failFast && !c.recoverable {
			select {
			case <-p.Done():
			case <-time.After(time.Second):
				t.Fatal("pump didn't stop on error")
			}
		}
		p.Stop()
		p.Stop()

		assert.Equal(t, c.handled, r.len())
		mu.Lock()
		assert.Equal(t, c.handled, len(called))
		mu.Unlock()
		_, ok := r.events[0].(bus.StateChanged)
		assert.True(t, ok)
		e, ok := r.events[2].(bus.Error)
		assert.True(t, ok)
		assert.True(t, errors.Is(e, errBroken))
		assert.Equal(t, c.recoverable, e.Recoverable)
	}
}

func TestCallbackPanic(t *testing.T) {
	g := &graph{script: script()}
	var r recorder
	p := pump.Start(g, r.handle,
		pump.WithIdle(time.Millisecond),
		pump.WithCallback(func(ev bus.Event) {
			if _, ok := ev.(bus.Custom); ok {
				panic("callback failed")
			}
		}),
	)
	assert.Eventually(t, func() bool {
		return r.len() == 5
	}, time.Second, time.Millisecond)
	p.Stop()
}

func TestStopDrains(t *testing.T) {
	g := &graph{queue: script()}
	var r recorder
	p := pump.Start(g, r.handle, pump.WithIdle(time.Hour))
	p.Stop()
	assert.Equal(t, 5, r.len())
}
