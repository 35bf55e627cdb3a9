package mem

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"pipelined.dev/pipeline/caps"
	"pipelined.dev/pipeline/description"
	"pipelined.dev/pipeline/engine"
	"pipelined.dev/pipeline/frame"
	"pipelined.dev/pipeline/internal/pool"
)

// ErrNoLocation is returned by file elements without location.
var ErrNoLocation = errors.New("location is not set")

// codec is shared by elements which build buffers from arrays.
var codec = frame.NewCodec(nil)

// clock paces live sources.
type clock struct {
	live  bool
	start time.Time
}

func (c *clock) reset() {
	c.start = time.Now()
}

// due reports whether buffer with pts can be produced already.
func (c *clock) due(pts time.Duration) bool {
	return !c.live || time.Since(c.start) >= pts
}

// counter counts produced buffers, negative limit means infinite.
type counter struct {
	limit int64
	n     int64
}

func (c *counter) done() bool {
	return c.limit >= 0 && c.n >= c.limit
}

var videotestsrcFactory = &Factory{
	Name:        "videotestsrc",
	Description: "Produces raw video test patterns",
	Class:       SourceClass,
	Props: []PropSpec{
		{Name: "num-buffers", Kind: description.Int, Default: "-1", Blurb: "Number of buffers to output before EOS, -1 for infinite"},
		{Name: "is-live", Kind: description.Bool, Default: "false", Blurb: "Produce buffers in real time"},
		{Name: "pattern", Kind: description.String, Default: "smpte", Blurb: "Pattern: smpte, black, white, snow"},
		{Name: "width", Kind: description.Int, Default: "320", Blurb: "Frame width"},
		{Name: "height", Kind: description.Int, Default: "240", Blurb: "Frame height"},
		{Name: "format", Kind: description.String, Default: "I420", Blurb: "Raw video format"},
		{Name: "framerate", Kind: description.String, Default: "30/1", Blurb: "Frame rate fraction"},
	},
	New: newVideoTestSrc,
}

type videoTestSrc struct {
	env     Env
	pattern string
	width   int
	height  int
	format  string
	rate    caps.Fraction
	clock   clock
	counter counter
	caps    caps.Caps
	rnd     *rand.Rand
}

func newVideoTestSrc(env Env, p Props) (Element, error) {
	rate, err := caps.ParseFraction(p.String("framerate"))
	if err != nil {
		return nil, fmt.Errorf("%w: framerate: %v", engine.ErrPropertyKind, err)
	}
	switch p.String("pattern") {
	case "smpte", "black", "white", "snow":
	default:
		return nil, fmt.Errorf("%w: pattern %q", engine.ErrPropertyKind, p.String("pattern"))
	}
	return &videoTestSrc{
		env:     env,
		pattern: p.String("pattern"),
		width:   int(p.Int("width")),
		height:  int(p.Int("height")),
		format:  p.String("format"),
		rate:    rate,
		clock:   clock{live: p.Bool("is-live")},
		counter: counter{limit: p.Int("num-buffers")},
		rnd:     rand.New(rand.NewSource(1)),
	}, nil
}

// Negotiate fixates output caps using downstream constraints.
func (s *videoTestSrc) Negotiate(c map[string]string) error {
	if m, ok := c["media"]; ok && m != caps.VideoRaw {
		return fmt.Errorf("cannot produce %s", m)
	}
	format, width, height, rate := s.format, s.width, s.height, s.rate
	if v, ok := c["format"]; ok {
		format = v
	}
	var err error
	if v, ok := c["width"]; ok {
		if width, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("width %q", v)
		}
	}
	if v, ok := c["height"]; ok {
		if height, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("height %q", v)
		}
	}
	if v, ok := c["framerate"]; ok {
		if rate, err = caps.ParseFraction(v); err != nil {
			return err
		}
	}
	cp, err := caps.NewVideo(format, width, height, rate)
	if err != nil {
		return err
	}
	s.caps = cp
	return nil
}

func (s *videoTestSrc) IsLive() bool {
	return s.clock.live
}

func (s *videoTestSrc) Start() error {
	if s.caps.Raw == "" {
		if err := s.Negotiate(nil); err != nil {
			return err
		}
	}
	s.counter.n = 0
	s.clock.reset()
	return nil
}

func (s *videoTestSrc) Stop() error {
	return nil
}

func (s *videoTestSrc) Produce() (*engine.Buffer, error) {
	if s.counter.done() {
		return nil, engine.ErrEOS
	}
	d := s.caps.Duration(0)
	pts := time.Duration(s.counter.n) * d
	if !s.clock.due(pts) {
		return nil, nil
	}
	p := pool.Get(s.caps.FrameSize())
	data := p.Alloc()
	s.fill(data)
	b := engine.NewBuffer(s.caps.Raw, func() { p.Free(data) }, data)
	b.PTS = pts
	b.Duration = d
	b.Offset = uint64(s.counter.n)
	s.counter.n++
	return b, nil
}

func (s *videoTestSrc) fill(data []byte) {
	for i := range data {
		data[i] = 0
	}
	for _, pl := range s.caps.Planes {
		for row := 0; row < pl.Rows; row++ {
			line := data[pl.Offset+row*pl.Stride : pl.Offset+row*pl.Stride+pl.RowBytes]
			switch s.pattern {
			case "white":
				for i := range line {
					line[i] = 0xff
				}
			case "snow":
				s.rnd.Read(line)
			case "smpte":
				// vertical bars
				for i := range line {
					line[i] = byte((i * 8 / len(line)) * 32)
				}
			}
		}
	}
}

var audiotestsrcFactory = &Factory{
	Name:        "audiotestsrc",
	Description: "Produces raw audio test signals",
	Class:       SourceClass,
	Props: []PropSpec{
		{Name: "num-buffers", Kind: description.Int, Default: "-1", Blurb: "Number of buffers to output before EOS, -1 for infinite"},
		{Name: "samplesperbuffer", Kind: description.Int, Default: "1024", Blurb: "Number of samples per channel in each buffer"},
		{Name: "rate", Kind: description.Int, Default: "44100", Blurb: "Sample rate"},
		{Name: "channels", Kind: description.Int, Default: "1", Blurb: "Number of channels"},
		{Name: "format", Kind: description.String, Default: "S16LE", Blurb: "Raw audio format"},
		{Name: "freq", Kind: description.Float, Default: "440", Blurb: "Frequency of the test signal"},
		{Name: "volume", Kind: description.Float, Default: "0.8", Blurb: "Volume of the test signal"},
		{Name: "wave", Kind: description.String, Default: "sine", Blurb: "Waveform: sine, square, silence"},
		{Name: "is-live", Kind: description.Bool, Default: "false", Blurb: "Produce buffers in real time"},
	},
	New: newAudioTestSrc,
}

type audioTestSrc struct {
	samples  int
	rate     int
	channels int
	format   string
	freq     float64
	volume   float64
	wave     string
	clock    clock
	counter  counter
	caps     caps.Caps
	buf      *audio.FloatBuffer
}

func newAudioTestSrc(_ Env, p Props) (Element, error) {
	switch p.String("wave") {
	case "sine", "square", "silence":
	default:
		return nil, fmt.Errorf("%w: wave %q", engine.ErrPropertyKind, p.String("wave"))
	}
	if p.Int("samplesperbuffer") <= 0 {
		return nil, fmt.Errorf("%w: samplesperbuffer must be positive", engine.ErrPropertyKind)
	}
	return &audioTestSrc{
		samples:  int(p.Int("samplesperbuffer")),
		rate:     int(p.Int("rate")),
		channels: int(p.Int("channels")),
		format:   p.String("format"),
		freq:     p.Float("freq"),
		volume:   p.Float("volume"),
		wave:     p.String("wave"),
		clock:    clock{live: p.Bool("is-live")},
		counter:  counter{limit: p.Int("num-buffers")},
	}, nil
}

func (s *audioTestSrc) Negotiate(c map[string]string) error {
	if m, ok := c["media"]; ok && m != caps.AudioRaw {
		return fmt.Errorf("cannot produce %s", m)
	}
	format, rate, channels := s.format, s.rate, s.channels
	if v, ok := c["format"]; ok {
		format = v
	}
	var err error
	if v, ok := c["rate"]; ok {
		if rate, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("rate %q", v)
		}
	}
	if v, ok := c["channels"]; ok {
		if channels, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("channels %q", v)
		}
	}
	cp, err := caps.NewAudio(format, rate, channels)
	if err != nil {
		return err
	}
	s.caps = cp
	return nil
}

func (s *audioTestSrc) IsLive() bool {
	return s.clock.live
}

func (s *audioTestSrc) Start() error {
	if s.caps.Raw == "" {
		if err := s.Negotiate(nil); err != nil {
			return err
		}
	}
	s.buf = &audio.FloatBuffer{
		Format: &audio.Format{NumChannels: s.caps.Channels, SampleRate: s.caps.Rate},
		Data:   make([]float64, s.samples*s.caps.Channels),
	}
	s.counter.n = 0
	s.clock.reset()
	return nil
}

func (s *audioTestSrc) Stop() error {
	return nil
}

func (s *audioTestSrc) Produce() (*engine.Buffer, error) {
	if s.counter.done() {
		return nil, engine.ErrEOS
	}
	offset := s.counter.n * int64(s.samples)
	pts := time.Duration(offset * int64(time.Second) / int64(s.caps.Rate))
	if !s.clock.due(pts) {
		return nil, nil
	}
	s.generate(offset)
	a, err := samplesArray(s.buf, s.caps.DType)
	if err != nil {
		return nil, err
	}
	b, err := codec.Encode(a, s.caps)
	if err != nil {
		return nil, err
	}
	b.PTS = pts
	b.Duration = s.caps.Duration(b.Size())
	b.Offset = uint64(offset)
	s.counter.n++
	return b, nil
}

// generate fills float buffer with signal starting at sample offset.
func (s *audioTestSrc) generate(offset int64) {
	ch := s.buf.Format.NumChannels
	step := 2 * math.Pi * s.freq / float64(s.buf.Format.SampleRate)
	for i := 0; i < len(s.buf.Data)/ch; i++ {
		var v float64
		phase := step * float64(offset+int64(i))
		switch s.wave {
		case "sine":
			v = math.Sin(phase)
		case "square":
			if math.Sin(phase) >= 0 {
				v = 1
			} else {
				v = -1
			}
		}
		v *= s.volume
		for c := 0; c < ch; c++ {
			s.buf.Data[i*ch+c] = v
		}
	}
}

// samplesArray converts float samples in [-1, 1] into array of dtype.
func samplesArray(b *audio.FloatBuffer, dtype caps.DType) (frame.Array, error) {
	shape := []int{len(b.Data) / b.Format.NumChannels, b.Format.NumChannels}
	switch dtype {
	case caps.Int8:
		return frame.Of(shape, scale[int8](b.Data, math.MaxInt8, 0))
	case caps.Uint8:
		return frame.Of(shape, scale[uint8](b.Data, math.MaxInt8, 128))
	case caps.Int16:
		return frame.Of(shape, scale[int16](b.Data, math.MaxInt16, 0))
	case caps.Uint16:
		return frame.Of(shape, scale[uint16](b.Data, math.MaxInt16, 32768))
	case caps.Int32:
		return frame.Of(shape, scale[int32](b.Data, math.MaxInt32, 0))
	case caps.Float32:
		return frame.Of(shape, scale[float32](b.Data, 1, 0))
	case caps.Float64:
		return frame.Of(shape, b.Data)
	}
	return frame.Array{}, fmt.Errorf("%w: %v", frame.ErrUnknownFormat, dtype)
}

func scale[T frame.Number](data []float64, max, bias float64) []T {
	out := make([]T, len(data))
	for i, v := range data {
		out[i] = T(v*max + bias)
	}
	return out
}

var sourceFactory = &Factory{
	Name:        "source",
	Description: "Produces numbered byte items",
	Class:       SourceClass,
	Props: []PropSpec{
		{Name: "num-items", Kind: description.Int, Default: "-1", Blurb: "Number of items to output before EOS, -1 for infinite"},
		{Name: "item-size", Kind: description.Int, Default: "1", Blurb: "Size of item in bytes"},
	},
	New: func(_ Env, p Props) (Element, error) {
		if p.Int("item-size") <= 0 {
			return nil, fmt.Errorf("%w: item-size must be positive", engine.ErrPropertyKind)
		}
		return &itemSource{
			size:    int(p.Int("item-size")),
			counter: counter{limit: p.Int("num-items")},
		}, nil
	},
}

// OctetStream is the caps of items produced by source element.
const OctetStream = "application/octet-stream"

type itemSource struct {
	size    int
	counter counter
}

func (s *itemSource) Start() error {
	s.counter.n = 0
	return nil
}

func (s *itemSource) Stop() error {
	return nil
}

func (s *itemSource) Produce() (*engine.Buffer, error) {
	if s.counter.done() {
		return nil, engine.ErrEOS
	}
	p := pool.Get(s.size)
	data := p.Alloc()
	for i := range data {
		data[i] = byte(s.counter.n)
	}
	b := engine.NewBuffer(OctetStream, func() { p.Free(data) }, data)
	b.Offset = uint64(s.counter.n)
	s.counter.n++
	return b, nil
}

var appsrcFactory = &Factory{
	Name:        "appsrc",
	Description: "Takes buffers pushed by application",
	Class:       SourceClass,
	Props: []PropSpec{
		{Name: "caps", Kind: description.String, Blurb: "Caps of pushed buffers"},
		{Name: "num-buffers", Kind: description.Int, Default: "-1", Blurb: "Number of buffers to accept before EOS, -1 for infinite"},
		{Name: "block", Kind: description.Bool, Default: "false", Blurb: "Block push when queue is full"},
		{Name: "max-buffers", Kind: description.Int, Default: "200", Blurb: "Queue size"},
		{Name: "block-timeout", Kind: description.Int, Default: "-1", Blurb: "Limit of blocked push in microseconds, -1 for infinite"},
		{Name: "format", Kind: description.String, Default: "time", Blurb: "Format of segment events"},
		{Name: "is-live", Kind: description.Bool, Default: "false", Blurb: "Act as a live source"},
		{Name: "emit-signals", Kind: description.Bool, Default: "true", Blurb: "Post enough-data messages"},
	},
	New: newAppSrc,
}

// AppSrc is the producer boundary of the reference engine.
type AppSrc struct {
	env     Env
	queue   *bufferQueue
	block   bool
	timeout time.Duration
	live    bool
	signals bool

	mu      sync.Mutex
	caps    string
	counter counter
}

func newAppSrc(env Env, p Props) (Element, error) {
	s := &AppSrc{
		env:     env,
		block:   p.Bool("block"),
		timeout: -1,
		live:    p.Bool("is-live"),
		signals: p.Bool("emit-signals"),
		counter: counter{limit: p.Int("num-buffers")},
	}
	if t := p.Int("block-timeout"); t >= 0 {
		s.timeout = p.Duration("block-timeout")
	}
	limit := int(p.Int("max-buffers"))
	if !s.block {
		limit = 0
	}
	s.queue = newBufferQueue(limit)
	if c := p.String("caps"); c != "" {
		if err := s.SetCaps(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *AppSrc) IsLive() bool {
	return s.live
}

// Push queues buffer. Buffers without caps get caps of the element.
// Blocking element waits up to block-timeout for free space and then
// returns engine.ErrBusy.
func (s *AppSrc) Push(b *engine.Buffer) error {
	s.mu.Lock()
	if s.counter.done() {
		s.mu.Unlock()
		return engine.ErrEOS
	}
	if b.CapsStr == "" {
		b.CapsStr = s.caps
	}
	s.mu.Unlock()

	if err := s.queue.put(b, false, s.timeout); err != nil {
		if errors.Is(err, engine.ErrBusy) && s.signals {
			s.env.Post(engine.Message{Type: engine.MessageElement, Source: s.env.Name, Name: "enough-data"})
		}
		return err
	}
	s.env.Wake()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter.n++
	if s.counter.done() {
		s.queue.setEOS()
	}
	return nil
}

// EndOfStream makes element finish once queued buffers are produced.
func (s *AppSrc) EndOfStream() error {
	s.queue.setEOS()
	s.env.Wake()
	return nil
}

func (s *AppSrc) Caps() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// SetCaps sets caps of pushed buffers.
func (s *AppSrc) SetCaps(c string) error {
	if _, err := codec.Caps(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps = c
	return nil
}

func (s *AppSrc) Start() error {
	s.queue.reset()
	s.mu.Lock()
	s.counter.n = 0
	s.mu.Unlock()
	return nil
}

func (s *AppSrc) Stop() error {
	return nil
}

func (s *AppSrc) Flush() {
	s.queue.flush()
}

func (s *AppSrc) Produce() (*engine.Buffer, error) {
	b, err := s.queue.get(0)
	if errors.Is(err, engine.ErrTimeout) {
		return nil, nil
	}
	return b, err
}

var wavsrcFactory = &Factory{
	Name:        "wavsrc",
	Description: "Reads PCM samples from a wav file",
	Class:       SourceClass,
	Props: []PropSpec{
		{Name: "location", Kind: description.String, Blurb: "Path of the wav file"},
		{Name: "samplesperbuffer", Kind: description.Int, Default: "1024", Blurb: "Number of samples per channel in each buffer"},
	},
	New: func(_ Env, p Props) (Element, error) {
		if p.String("location") == "" {
			return nil, ErrNoLocation
		}
		return &wavSrc{location: p.String("location"), samples: int(p.Int("samplesperbuffer"))}, nil
	},
}

type wavSrc struct {
	location string
	samples  int
	file     *os.File
	decoder  *wav.Decoder
	buf      *audio.IntBuffer
	read     int64
}

func (s *wavSrc) Start() error {
	f, err := os.Open(s.location)
	if err != nil {
		return err
	}
	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		f.Close()
		return fmt.Errorf("%s: %w: not a valid wav file", s.location, frame.ErrUnknownFormat)
	}
	format := d.Format()
	s.file = f
	s.decoder = d
	s.read = 0
	s.buf = &audio.IntBuffer{
		Format:         format,
		Data:           make([]int, s.samples*format.NumChannels),
		SourceBitDepth: int(d.BitDepth),
	}
	return nil
}

func (s *wavSrc) Stop() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *wavSrc) Produce() (*engine.Buffer, error) {
	s.buf.Data = s.buf.Data[:cap(s.buf.Data)]
	n, err := s.decoder.PCMBuffer(s.buf)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, engine.ErrEOS
	}
	s.buf.Data = s.buf.Data[:n]
	a, cp, err := frame.FromIntBuffer(s.buf)
	if err != nil {
		return nil, err
	}
	b, err := codec.Encode(a, cp)
	if err != nil {
		return nil, err
	}
	samples := int64(n / s.buf.Format.NumChannels)
	b.PTS = time.Duration(s.read * int64(time.Second) / int64(cp.Rate))
	b.Duration = cp.Duration(b.Size())
	b.Offset = uint64(s.read)
	s.read += samples
	return b, nil
}
