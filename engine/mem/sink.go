package mem

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/wav"

	"pipelined.dev/pipeline/caps"
	"pipelined.dev/pipeline/description"
	"pipelined.dev/pipeline/engine"
)

func appsinkFactory(name, blurb string) *Factory {
	return &Factory{
		Name:        name,
		Description: blurb,
		Class:       SinkClass,
		Props: []PropSpec{
			{Name: "caps", Kind: description.String, Blurb: "Caps accepted by the sink"},
			{Name: "max-buffers", Kind: description.Int, Default: "0", Blurb: "Queue size, 0 for unlimited"},
			{Name: "drop", Kind: description.Bool, Default: "false", Blurb: "Drop old buffers when queue is full"},
			{Name: "emit-signals", Kind: description.Bool, Default: "false", Blurb: "Post new-sample messages"},
			{Name: "sync", Kind: description.Bool, Default: "true", Blurb: "Accepted for compatibility, buffers are never synchronized"},
		},
		New: newAppSink,
	}
}

// AppSink is the consumer boundary of the reference engine.
type AppSink struct {
	env     Env
	queue   *bufferQueue
	filter  string
	drop    bool
	signals bool

	mu       sync.Mutex
	accepted string
}

func newAppSink(env Env, p Props) (Element, error) {
	s := &AppSink{
		env:     env,
		queue:   newBufferQueue(int(p.Int("max-buffers"))),
		filter:  p.String("caps"),
		drop:    p.Bool("drop"),
		signals: p.Bool("emit-signals"),
	}
	if s.filter != "" {
		if _, err := codec.Caps(s.filter); err != nil {
			return nil, fmt.Errorf("%w: caps: %v", engine.ErrPropertyKind, err)
		}
	}
	return s, nil
}

// Constraint returns caps set on the sink.
func (s *AppSink) Constraint() string {
	return s.filter
}

// Render queues buffer. If queue is full, it either drops the oldest
// buffer or blocks until application pulls or sink is flushed.
func (s *AppSink) Render(b *engine.Buffer) error {
	if err := s.accept(b.Caps()); err != nil {
		return err
	}
	if err := s.queue.put(b, s.drop, -1); err != nil {
		return err
	}
	if s.signals {
		s.env.Post(engine.Message{
			Type:   engine.MessageElement,
			Source: s.env.Name,
			Name:   "new-sample",
			Fields: map[string]string{"size": strconv.Itoa(b.Size())},
		})
	}
	return nil
}

func (s *AppSink) accept(c string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c == s.accepted {
		return nil
	}
	if err := matchCaps(s.filter, c); err != nil {
		return err
	}
	s.accepted = c
	return nil
}

func (s *AppSink) EndOfStream() error {
	s.queue.setEOS()
	return nil
}

// Pull returns the next buffer. Zero or negative timeout makes a single
// attempt.
func (s *AppSink) Pull(timeout time.Duration) (*engine.Buffer, error) {
	if timeout < 0 {
		timeout = 0
	}
	return s.queue.get(timeout)
}

func (s *AppSink) Queued() int {
	return s.queue.len()
}

// Dropped returns number of buffers dropped by the leaky queue.
func (s *AppSink) Dropped() uint64 {
	s.queue.mu.Lock()
	defer s.queue.mu.Unlock()
	return s.queue.dropped
}

// Caps returns caps of the last accepted buffer or caps set on the sink.
func (s *AppSink) Caps() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accepted != "" {
		return s.accepted
	}
	return s.filter
}

func (s *AppSink) Start() error {
	s.queue.reset()
	s.mu.Lock()
	s.accepted = ""
	s.mu.Unlock()
	return nil
}

func (s *AppSink) Stop() error {
	return nil
}

func (s *AppSink) Flush() {
	s.queue.flush()
}

// matchCaps checks that every field of filter is present in c with the
// same value. Empty filter matches everything.
func matchCaps(filter, c string) error {
	if filter == "" {
		return nil
	}
	want, err := parseFields(filter)
	if err != nil {
		return err
	}
	got, err := parseFields(c)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotNegotiated, err)
	}
	if want.Media != got.Media {
		return fmt.Errorf("%w: %s is not %s", ErrNotNegotiated, got.Media, want.Media)
	}
	for k, v := range want.Fields {
		if g := got.Fields[k]; g != fixate(v) && !contains(v, g) {
			return fmt.Errorf("%w: %s=%s, want %s", ErrNotNegotiated, k, g, v)
		}
	}
	return nil
}

// contains reports whether list value holds v.
func contains(list, v string) bool {
	if !strings.HasPrefix(list, "{") {
		return false
	}
	for _, item := range strings.Split(strings.Trim(list, "{}"), ",") {
		if strings.TrimSpace(item) == v {
			return true
		}
	}
	return false
}

type fakeSink struct {
	env      Env
	silent   bool
	rendered uint64
}

func fakesinkFactory(name, blurb string) *Factory {
	return &Factory{
		Name:        name,
		Description: blurb,
		Class:       SinkClass,
		Props: []PropSpec{
			{Name: "sync", Kind: description.Bool, Default: "false", Blurb: "Accepted for compatibility"},
			{Name: "silent", Kind: description.Bool, Default: "true", Blurb: "Don't post handoff messages"},
		},
		New: func(env Env, p Props) (Element, error) {
			return &fakeSink{env: env, silent: p.Bool("silent")}, nil
		},
	}
}

func (s *fakeSink) Render(b *engine.Buffer) error {
	s.rendered++
	if !s.silent {
		s.env.Post(engine.Message{
			Type:   engine.MessageElement,
			Source: s.env.Name,
			Name:   "handoff",
			Fields: map[string]string{"offset": strconv.FormatUint(b.Offset, 10)},
		})
	}
	b.Release()
	return nil
}

func (s *fakeSink) EndOfStream() error { return nil }
func (s *fakeSink) Start() error       { s.rendered = 0; return nil }
func (s *fakeSink) Stop() error        { return nil }

var filesinkFactory = &Factory{
	Name:        "filesink",
	Description: "Writes buffers to a file",
	Class:       SinkClass,
	Props: []PropSpec{
		{Name: "location", Kind: description.String, Blurb: "Path of the file"},
		{Name: "append", Kind: description.Bool, Default: "false", Blurb: "Append to existing file"},
		{Name: "sync", Kind: description.Bool, Default: "false", Blurb: "Accepted for compatibility"},
	},
	New: func(_ Env, p Props) (Element, error) {
		if p.String("location") == "" {
			return nil, ErrNoLocation
		}
		return &fileSink{location: p.String("location"), append: p.Bool("append")}, nil
	},
}

type fileSink struct {
	location string
	append   bool
	file     *os.File
	w        *bufio.Writer
}

func (s *fileSink) Start() error {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if s.append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(s.location, flags, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	s.w = bufio.NewWriter(f)
	return nil
}

func (s *fileSink) Render(b *engine.Buffer) error {
	defer b.Release()
	for _, r := range b.Regions {
		if _, err := s.w.Write(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *fileSink) EndOfStream() error {
	return s.w.Flush()
}

func (s *fileSink) Stop() error {
	if s.file == nil {
		return nil
	}
	err := errors.Join(s.w.Flush(), s.file.Close())
	s.file, s.w = nil, nil
	return err
}

var wavsinkFactory = &Factory{
	Name:        "wavsink",
	Description: "Writes raw integer audio into a wav file",
	Class:       SinkClass,
	Props: []PropSpec{
		{Name: "location", Kind: description.String, Blurb: "Path of the wav file"},
	},
	New: func(_ Env, p Props) (Element, error) {
		if p.String("location") == "" {
			return nil, ErrNoLocation
		}
		return &wavSink{location: p.String("location")}, nil
	},
}

type wavSink struct {
	location string
	file     *os.File
	encoder  *wav.Encoder
	caps     string
}

func (s *wavSink) Start() error {
	f, err := os.Create(s.location)
	if err != nil {
		return err
	}
	s.file = f
	s.encoder = nil
	s.caps = ""
	return nil
}

func (s *wavSink) Render(b *engine.Buffer) error {
	fr, err := codec.Decode(b)
	if err != nil {
		return err
	}
	defer fr.Release()
	if fr.Caps.Kind != caps.Audio {
		return fmt.Errorf("%w: %s is not audio", ErrNotNegotiated, fr.Caps.Media)
	}
	if s.encoder == nil {
		s.encoder = wav.NewEncoder(s.file, fr.Caps.Rate, fr.Caps.DType.Size()*8, fr.Caps.Channels, 1)
		s.caps = fr.Caps.Raw
	} else if fr.Caps.Raw != s.caps {
		return fmt.Errorf("%w: format changed to %s", ErrNotNegotiated, fr.Caps.Raw)
	}
	ib, err := fr.IntBuffer()
	if err != nil {
		return err
	}
	return s.encoder.Write(ib)
}

func (s *wavSink) EndOfStream() error {
	if s.encoder == nil {
		return nil
	}
	err := s.encoder.Close()
	s.encoder = nil
	return err
}

func (s *wavSink) Stop() error {
	if s.file == nil {
		return nil
	}
	var err error
	if s.encoder != nil {
		err = s.encoder.Close()
		s.encoder = nil
	}
	err = errors.Join(err, s.file.Close())
	s.file = nil
	return err
}
