package mem

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pipelined.dev/pipeline/caps"
	"pipelined.dev/pipeline/description"
	"pipelined.dev/pipeline/engine"
	"pipelined.dev/pipeline/frame"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func build(t *testing.T, e *Engine, text string) *Graph {
	t.Helper()
	p, err := description.Parse(text)
	require.Nil(t, err)
	ctx, err := e.NewContext()
	require.Nil(t, err)
	g, err := ctx.Instantiate(p)
	require.Nil(t, err)
	return g.(*Graph)
}

func play(t *testing.T, g *Graph) {
	t.Helper()
	for _, s := range []engine.State{engine.Ready, engine.Paused, engine.Playing} {
		_, err := g.SetState(s)
		require.Nil(t, err)
	}
}

func stop(t *testing.T, g *Graph) {
	t.Helper()
	for _, s := range []engine.State{engine.Paused, engine.Ready, engine.Null} {
		_, err := g.SetState(s)
		assert.Nil(t, err)
	}
	assert.Nil(t, g.Close())
}

// iterate runs scheduler until message of provided type is posted.
func iterate(t *testing.T, g *Graph, until engine.MessageType) []engine.Message {
	t.Helper()
	var msgs []engine.Message
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		g.Iterate(time.Millisecond)
		for {
			m, ok := g.Bus().Pop()
			if !ok {
				break
			}
			msgs = append(msgs, m)
			if m.Type == until {
				return msgs
			}
		}
	}
	t.Fatalf("%v message didn't arrive, got %v", until, msgs)
	return nil
}

func pullAll(t *testing.T, g *Graph, name string) []*engine.Buffer {
	t.Helper()
	c, err := g.Consumer(name)
	require.Nil(t, err)
	var buffers []*engine.Buffer
	for {
		b, err := c.Pull(time.Second)
		if errors.Is(err, engine.ErrEOS) {
			return buffers
		}
		require.Nil(t, err)
		buffers = append(buffers, b)
	}
}

func TestVideoTestSrc(t *testing.T) {
	var tests = []struct {
		text   string
		n      int
		caps   string
		size   int
		frames time.Duration
	}{
		{
			text:   "videotestsrc num-buffers=10 ! appsink",
			n:      10,
			caps:   "video/x-raw,format=I420,width=320,height=240,framerate=30/1",
			size:   320 * 240 * 3 / 2,
			frames: time.Second / 30,
		},
		{
			text:   "videotestsrc num-buffers=3 pattern=white ! video/x-raw,format=RGB,width=3,height=2,framerate=10/1 ! appsink",
			n:      3,
			caps:   "video/x-raw,format=RGB,width=3,height=2,framerate=10/1",
			size:   24,
			frames: 100 * time.Millisecond,
		},
		{
			text:   "videotestsrc num-buffers=2 ! queue ! videoconvert ! appsink caps=video/x-raw,format={GRAY8,RGB},width=4,height=4",
			n:      2,
			caps:   "video/x-raw,format=GRAY8,width=4,height=4,framerate=30/1",
			size:   16,
			frames: time.Second / 30,
		},
	}
	for _, c := range tests {
		t.Run(c.text, func(t *testing.T) {
			g := build(t, New(), c.text)
			play(t, g)
			iterate(t, g, engine.MessageEOS)

			buffers := pullAll(t, g, "appsink0")
			assert.Equal(t, c.n, len(buffers))
			for i, b := range buffers {
				assert.Equal(t, c.caps, b.Caps())
				assert.Equal(t, c.size, b.Size())
				assert.Equal(t, uint64(i), b.Offset)
				assert.Equal(t, time.Duration(i)*c.frames, b.PTS)
				b.Release()
			}
			stop(t, g)
		})
	}
}

func TestNegotiationFailure(t *testing.T) {
	var tests = []string{
		"videotestsrc ! tee name=t ! video/x-raw,width=8 ! fakesink t. ! video/x-raw,width=16 ! fakesink",
		"videotestsrc ! audio/x-raw ! fakesink",
		"videotestsrc ! video/x-raw,format=HEVC ! fakesink",
		"audiotestsrc ! video/x-raw ! fakesink",
	}
	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			g := build(t, New(), text)
			_, err := g.SetState(engine.Ready)
			require.Nil(t, err)
			_, err = g.SetState(engine.Paused)
			assert.True(t, errors.Is(err, engine.ErrStateChange))
			assert.True(t, errors.Is(err, ErrNotNegotiated))

			posted := false
			for m, ok := g.Bus().Pop(); ok; m, ok = g.Bus().Pop() {
				posted = posted || m.Type == engine.MessageError
			}
			assert.True(t, posted)
			assert.Equal(t, engine.Ready, g.State())

			_, err = g.SetState(engine.Null)
			assert.Nil(t, err)
			assert.Nil(t, g.Close())
		})
	}
}

func TestBuildErrors(t *testing.T) {
	var tests = []struct {
		text string
		err  error
	}{
		{text: "nosuchsrc ! appsink", err: engine.ErrUnknownElement},
		{text: "videotestsrc colour=red ! appsink", err: engine.ErrUnknownProperty},
		{text: "videotestsrc num-buffers=many ! appsink", err: engine.ErrPropertyKind},
		{text: "videotestsrc pattern=checkers ! appsink", err: engine.ErrPropertyKind},
		{text: "audiotestsrc wave=saw ! appsink", err: engine.ErrPropertyKind},
		{text: "appsrc caps=video/x-raw,width=x ! appsink", err: frame.ErrMalformedFormat},
		{text: "videotestsrc ! appsink ! fakesink", err: engine.ErrNotLinked},
		{text: "fakesink ! videotestsrc", err: engine.ErrNotLinked},
		{text: "videotestsrc name=a ! fakesink a. ! fakesink", err: engine.ErrNotLinked},
		{text: "videotestsrc ! fakesink name=s videotestsrc ! s.", err: engine.ErrNotLinked},
		{text: "videotestsrc ! queue videotestsrc ! fakesink", err: engine.ErrNotLinked},
		{text: "fakesink", err: engine.ErrNotLinked},
		{text: "videotestsrc ! filesink", err: ErrNoLocation},
	}
	for _, c := range tests {
		t.Run(c.text, func(t *testing.T) {
			p, err := description.Parse(c.text)
			require.Nil(t, err)
			ctx, _ := New().NewContext()
			_, err = ctx.Instantiate(p)
			assert.True(t, errors.Is(err, c.err), "expected %v, got %v", c.err, err)
		})
	}
}

func TestStates(t *testing.T) {
	e := New()
	ctx, err := e.NewContext()
	require.Nil(t, err)
	p, _ := description.Parse("videotestsrc is-live=true ! fakesink")
	g, err := ctx.Instantiate(p)
	require.Nil(t, err)
	assert.Equal(t, 1, ctx.(*Context).Graphs())

	_, err = g.SetState(engine.Playing)
	assert.True(t, errors.Is(err, engine.ErrStateChange))

	result, err := g.SetState(engine.Ready)
	assert.Nil(t, err)
	assert.Equal(t, engine.Success, result)
	result, err = g.SetState(engine.Paused)
	assert.Nil(t, err)
	assert.Equal(t, engine.NoPreroll, result)
	result, err = g.SetState(engine.Playing)
	assert.Nil(t, err)
	assert.Equal(t, engine.Async, result)

	// async transition is confirmed by the scheduler
	var states []engine.State
	for len(states) < 3 {
		m := iterate(t, g.(*Graph), engine.MessageStateChanged)
		last := m[len(m)-1]
		assert.True(t, last.Graph)
		states = append(states, last.New)
	}
	assert.Equal(t, []engine.State{engine.Ready, engine.Paused, engine.Playing}, states)

	assert.NotNil(t, g.Close())
	stop(t, g.(*Graph))
	assert.Equal(t, 0, ctx.(*Context).Graphs())

	_, err = g.SetState(engine.Ready)
	assert.True(t, errors.Is(err, engine.ErrStateChange))

	assert.Nil(t, ctx.Close())
	_, err = ctx.Instantiate(p)
	assert.Equal(t, ErrClosed, err)
}

func TestBoundaries(t *testing.T) {
	g := build(t, New(), "appsrc caps=application/octet-stream block=true max-buffers=1 block-timeout=1000 ! identity ! appsink")
	_, err := g.Producer("appsink0")
	assert.True(t, errors.Is(err, engine.ErrNotBoundary))
	_, err = g.Consumer("identity0")
	assert.True(t, errors.Is(err, engine.ErrNotBoundary))
	_, err = g.Consumer("nope")
	assert.True(t, errors.Is(err, engine.ErrUnknownElement))

	play(t, g)
	src, err := g.Producer("appsrc0")
	require.Nil(t, err)
	assert.Equal(t, OctetStream, src.Caps())

	var released int
	assert.Nil(t, src.Push(numbered(0, &released)))
	// queue is full and nobody iterates
	assert.Equal(t, engine.ErrBusy, src.Push(numbered(1, &released)))
	msgs := iterate(t, g, engine.MessageElement)
	assert.Equal(t, "enough-data", msgs[len(msgs)-1].Name)

	assert.Nil(t, src.EndOfStream())
	iterate(t, g, engine.MessageEOS)
	buffers := pullAll(t, g, "appsink0")
	require.Equal(t, 1, len(buffers))
	assert.Equal(t, OctetStream, buffers[0].Caps())
	buffers[0].Release()
	assert.Equal(t, 1, released)

	sink, _ := g.Consumer("appsink0")
	assert.Equal(t, OctetStream, sink.Caps())
	assert.Equal(t, engine.ErrEOS, src.Push(numbered(2, &released)))
	stop(t, g)
}

func TestAppSrcNumBuffers(t *testing.T) {
	g := build(t, New(), "appsrc caps=application/octet-stream num-buffers=2 ! sink")
	play(t, g)
	src, _ := g.Producer("appsrc0")
	var released int
	assert.Nil(t, src.Push(numbered(0, &released)))
	assert.Nil(t, src.Push(numbered(1, &released)))
	assert.Equal(t, engine.ErrEOS, src.Push(numbered(2, &released)))

	iterate(t, g, engine.MessageEOS)
	buffers := pullAll(t, g, "sink0")
	assert.Equal(t, 2, len(buffers))
	for _, b := range buffers {
		b.Release()
	}
	assert.Equal(t, 2, released)
	stop(t, g)
}

func TestSource(t *testing.T) {
	g := build(t, New(), "source num-items=60 item-size=2 ! sink")
	play(t, g)
	iterate(t, g, engine.MessageEOS)
	buffers := pullAll(t, g, "sink0")
	require.Equal(t, 60, len(buffers))
	for i, b := range buffers {
		assert.Equal(t, []byte{byte(i), byte(i)}, b.Bytes())
		b.Release()
	}
	c, _ := g.Consumer("sink0")
	_, err := c.Pull(0)
	assert.Equal(t, engine.ErrEOS, err)
	stop(t, g)
}

func TestTee(t *testing.T) {
	location := filepath.Join(t.TempDir(), "out.raw")
	g := build(t, New(), "videotestsrc num-buffers=5 ! video/x-raw,format=GRAY8,width=4,height=4 ! tee name=t t. ! queue ! appsink t. ! queue ! filesink location="+location)
	play(t, g)
	msgs := iterate(t, g, engine.MessageEOS)
	for _, m := range msgs {
		assert.NotEqual(t, engine.MessageError, m.Type, "%v", m.Err)
	}
	buffers := pullAll(t, g, "appsink0")
	assert.Equal(t, 5, len(buffers))
	for _, b := range buffers {
		b.Release()
	}
	stop(t, g)

	info, err := os.Stat(location)
	require.Nil(t, err)
	assert.Equal(t, int64(5*16), info.Size())
}

func TestFunnel(t *testing.T) {
	g := build(t, New(), "source num-items=3 ! funnel name=f ! appsink source num-items=4 ! f.")
	play(t, g)
	msgs := iterate(t, g, engine.MessageEOS)
	eos := 0
	for _, m := range msgs {
		if m.Type == engine.MessageEOS {
			eos++
		}
	}
	assert.Equal(t, 1, eos)
	buffers := pullAll(t, g, "appsink0")
	assert.Equal(t, 7, len(buffers))
	for _, b := range buffers {
		b.Release()
	}
	stop(t, g)
}

func TestErrors(t *testing.T) {
	dir := t.TempDir()
	var tests = []struct {
		text   string
		source string
		err    error
	}{
		{
			text:   "source ! identity error-after=3 ! fakesink",
			source: "identity0",
			err:    ErrInjected,
		},
		{
			text:   "source num-items=1 ! appsink caps=video/x-raw",
			source: "appsink0",
			err:    ErrNotNegotiated,
		},
		{
			text:   "source num-items=1 ! audio/x-raw ! fakesink",
			source: "capsfilter0",
			err:    ErrNotNegotiated,
		},
		{
			text:   "source num-items=1 ! wavsink location=" + filepath.Join(dir, "error.wav"),
			source: "wavsink0",
			err:    ErrNotNegotiated,
		},
	}
	for _, c := range tests {
		t.Run(c.text, func(t *testing.T) {
			g := build(t, New(), c.text)
			play(t, g)
			msgs := iterate(t, g, engine.MessageError)
			m := msgs[len(msgs)-1]
			assert.Equal(t, c.source, m.Source)
			assert.False(t, m.Graph)
			assert.True(t, errors.Is(m.Err, c.err), "expected %v, got %v", c.err, m.Err)
			stop(t, g)
		})
	}
}

func TestRecoverableError(t *testing.T) {
	g := build(t, New(), "source num-items=4 ! identity error-after=1 recoverable=true ! appsink")
	play(t, g)
	msgs := iterate(t, g, engine.MessageEOS)
	var errs []engine.Message
	for _, m := range msgs {
		if m.Type == engine.MessageError {
			errs = append(errs, m)
		}
	}
	require.Equal(t, 1, len(errs))
	assert.True(t, errs[0].Recoverable)
	assert.Equal(t, "identity0", errs[0].Source)
	assert.True(t, errors.Is(errs[0].Err, ErrInjected))
	assert.True(t, errors.Is(errs[0].Err, engine.ErrRecoverable))

	// failed buffer is dropped, the rest flows
	buffers := pullAll(t, g, "appsink0")
	assert.Equal(t, 3, len(buffers))
	for _, b := range buffers {
		b.Release()
	}
	stop(t, g)
}

func TestMessages(t *testing.T) {
	g := build(t, New(), "source num-items=2 ! identity silent=false ! fakesink silent=false")
	play(t, g)
	msgs := iterate(t, g, engine.MessageEOS)
	handoffs := map[string]int{}
	for _, m := range msgs {
		if m.Type == engine.MessageElement && m.Name == "handoff" {
			handoffs[m.Source]++
		}
	}
	assert.Equal(t, map[string]int{"identity0": 2, "fakesink0": 2}, handoffs)
	stop(t, g)
}

func TestValve(t *testing.T) {
	g := build(t, New(), "videotestsrc is-live=true framerate=1000/1 width=2 height=2 ! valve drop=true ! appsink")
	play(t, g)
	for i := 0; i < 20; i++ {
		g.Iterate(time.Millisecond)
	}
	c, _ := g.Consumer("appsink0")
	_, err := c.Pull(10 * time.Millisecond)
	assert.Equal(t, engine.ErrTimeout, err)
	assert.Equal(t, 0, c.Queued())
	stop(t, g)
}

func TestLeakySink(t *testing.T) {
	g := build(t, New(), "source num-items=10 ! appsink max-buffers=3 drop=true")
	play(t, g)
	iterate(t, g, engine.MessageEOS)
	buffers := pullAll(t, g, "appsink0")
	require.Equal(t, 3, len(buffers))
	for i, b := range buffers {
		assert.Equal(t, uint64(7+i), b.Offset)
		b.Release()
	}
	c, _ := g.Consumer("appsink0")
	assert.Equal(t, uint64(7), c.(*AppSink).Dropped())
	stop(t, g)
}

// Blocked sink must not prevent graph from going down.
func TestStopBlockedSink(t *testing.T) {
	g := build(t, New(), "source ! appsink max-buffers=1")
	play(t, g)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			g.Iterate(time.Millisecond)
		}
	}()
	time.Sleep(20 * time.Millisecond)
	stop(t, g)
	<-done
}

func TestWav(t *testing.T) {
	location := filepath.Join(t.TempDir(), "sine.wav")
	g := build(t, New(), "audiotestsrc num-buffers=4 samplesperbuffer=256 rate=8000 channels=2 ! audioconvert ! wavsink location="+location)
	play(t, g)
	iterate(t, g, engine.MessageEOS)
	stop(t, g)

	g = build(t, New(), "wavsrc samplesperbuffer=100 location="+location+" ! appsink")
	play(t, g)
	msgs := iterate(t, g, engine.MessageEOS)
	for _, m := range msgs {
		assert.NotEqual(t, engine.MessageError, m.Type, "%v", m.Err)
	}
	buffers := pullAll(t, g, "appsink0")
	size := 0
	for _, b := range buffers {
		assert.Equal(t, "audio/x-raw,format=S16LE,layout=interleaved,rate=8000,channels=2", b.Caps())
		size += b.Size()
		b.Release()
	}
	assert.Equal(t, 4*256*2*2, size)
	assert.Equal(t, 11, len(buffers))
	stop(t, g)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	factories := r.Factories()
	assert.Equal(t, len(builtins()), len(factories))
	for i := 1; i < len(factories); i++ {
		assert.True(t, factories[i-1].Name < factories[i].Name)
	}

	invert := &Factory{
		Name:  "invert",
		Class: FilterClass,
		New: func(Env, Props) (Element, error) {
			return invertFilter{}, nil
		},
	}
	r.Register(invert)
	f, ok := r.Lookup("invert")
	assert.True(t, ok)
	assert.Equal(t, FilterClass, f.Class)

	e := New(WithRegistry(r))
	assert.True(t, e.Registry() == r)
	g := build(t, e, "source num-items=2 ! invert ! appsink")
	play(t, g)
	iterate(t, g, engine.MessageEOS)
	buffers := pullAll(t, g, "appsink0")
	require.Equal(t, 2, len(buffers))
	assert.Equal(t, []byte{0xff}, buffers[0].Bytes())
	assert.Equal(t, []byte{0xfe}, buffers[1].Bytes())
	for _, b := range buffers {
		b.Release()
	}
	stop(t, g)
}

type invertFilter struct{}

func (invertFilter) Start() error { return nil }
func (invertFilter) Stop() error  { return nil }

func (invertFilter) Process(b *engine.Buffer) (*engine.Buffer, error) {
	for _, r := range b.Regions {
		for i := range r {
			r[i] = ^r[i]
		}
	}
	return b, nil
}

func TestMatchCaps(t *testing.T) {
	var tests = []struct {
		filter string
		caps   string
		err    bool
	}{
		{filter: "", caps: "anything/at-all"},
		{filter: "video/x-raw", caps: "video/x-raw,format=RGB"},
		{filter: "video/x-raw,format=(string)RGB", caps: "video/x-raw,format=RGB,width=2"},
		{filter: "video/x-raw,format={GRAY8,RGB}", caps: "video/x-raw,format=RGB"},
		{filter: "video/x-raw,format={ GRAY8, RGB },width=2", caps: "video/x-raw,format=GRAY8,width=2"},
		{filter: "video/x-raw,format=(string){GRAY8,RGB},width=2", caps: "video/x-raw,width=2,format=RGB"},
		{filter: "video/x-raw,format={GRAY8,RGB},width=2", caps: "video/x-raw,format=I420,width=2", err: true},
		{filter: "video/x-raw,format={GRAY8,RGB},width=4", caps: "video/x-raw,format=RGB,width=2", err: true},
		{filter: "video/x-raw,format=RGB", caps: "video/x-raw,format=GRAY8", err: true},
		{filter: "video/x-raw,width=4", caps: "video/x-raw,format=GRAY8", err: true},
		{filter: "audio/x-raw", caps: "video/x-raw", err: true},
	}
	for _, c := range tests {
		t.Run(c.filter+" "+c.caps, func(t *testing.T) {
			err := matchCaps(c.filter, c.caps)
			if c.err {
				assert.True(t, errors.Is(err, ErrNotNegotiated))
				return
			}
			assert.Nil(t, err)
		})
	}
}

func TestParseFields(t *testing.T) {
	c, err := parseFields("video/x-raw, format=(string){ GRAY8, RGB }, width=[ 1, 10 ], height=2")
	require.Nil(t, err)
	assert.Equal(t, "video/x-raw", c.Media)
	assert.Equal(t, map[string]string{
		"format": "{ GRAY8, RGB }",
		"width":  "[ 1, 10 ]",
		"height": "2",
	}, c.Fields)
	assert.Equal(t, "GRAY8", fixate(c.Fields["format"]))

	_, err = parseFields("video/x-raw,format={GRAY8")
	assert.True(t, errors.Is(err, caps.ErrMalformed))
	_, err = parseFields("video/x-raw,width")
	assert.True(t, errors.Is(err, caps.ErrMalformed))
}
