package mem

import (
	"errors"
	"fmt"
	"sync/atomic"

	"pipelined.dev/pipeline/description"
	"pipelined.dev/pipeline/engine"
)

// ErrInjected is posted by identity element configured to fail.
var ErrInjected = errors.New("injected failure")

// passFilter forwards buffers as is.
type passFilter struct{}

func (passFilter) Start() error { return nil }
func (passFilter) Stop() error  { return nil }

func (passFilter) Process(b *engine.Buffer) (*engine.Buffer, error) {
	return b, nil
}

func passFactory(name, blurb string, props ...PropSpec) *Factory {
	return &Factory{
		Name:        name,
		Description: blurb,
		Class:       FilterClass,
		Props:       props,
		New: func(Env, Props) (Element, error) {
			return passFilter{}, nil
		},
	}
}

var teeFactory = &Factory{
	Name:        "tee",
	Description: "Sends buffers to every linked branch",
	Class:       FilterClass,
	Fanout:      true,
	New: func(Env, Props) (Element, error) {
		return passFilter{}, nil
	},
}

var funnelFactory = &Factory{
	Name:        "funnel",
	Description: "Merges buffers of every linked branch",
	Class:       FilterClass,
	Fanin:       true,
	New: func(Env, Props) (Element, error) {
		return passFilter{}, nil
	},
}

var capsfilterFactory = &Factory{
	Name:        "capsfilter",
	Description: "Restricts format of passing buffers",
	Class:       FilterClass,
	Props: []PropSpec{
		{Name: "caps", Kind: description.String, Blurb: "Allowed caps"},
	},
	New: func(_ Env, p Props) (Element, error) {
		f := &capsFilter{filter: p.String("caps")}
		if f.filter != "" {
			if _, err := parseFields(f.filter); err != nil {
				return nil, fmt.Errorf("%w: caps: %v", engine.ErrPropertyKind, err)
			}
		}
		return f, nil
	},
}

type capsFilter struct {
	filter   string
	accepted string
}

func (f *capsFilter) Constraint() string {
	return f.filter
}

func (f *capsFilter) Start() error {
	f.accepted = ""
	return nil
}

func (f *capsFilter) Stop() error { return nil }

func (f *capsFilter) Process(b *engine.Buffer) (*engine.Buffer, error) {
	if b.Caps() == f.accepted {
		return b, nil
	}
	if err := matchCaps(f.filter, b.Caps()); err != nil {
		return nil, err
	}
	f.accepted = b.Caps()
	return b, nil
}

var identityFactory = &Factory{
	Name:        "identity",
	Description: "Forwards buffers, optionally failing after a number of them",
	Class:       FilterClass,
	Props: []PropSpec{
		{Name: "error-after", Kind: description.Int, Default: "-1", Blurb: "Fail after this many buffers, -1 to never fail"},
		{Name: "recoverable", Kind: description.Bool, Default: "false", Blurb: "Drop the failed buffer and keep running"},
		{Name: "silent", Kind: description.Bool, Default: "true", Blurb: "Don't post handoff messages"},
		{Name: "drop-probability", Kind: description.Float, Default: "0", Blurb: "Accepted for compatibility"},
	},
	New: func(env Env, p Props) (Element, error) {
		return &identity{
			env:         env,
			errorAfter:  p.Int("error-after"),
			recoverable: p.Bool("recoverable"),
			silent:      p.Bool("silent"),
		}, nil
	},
}

type identity struct {
	env         Env
	errorAfter  int64
	recoverable bool
	silent      bool
	seen        int64
}

func (i *identity) Start() error {
	i.seen = 0
	return nil
}

func (i *identity) Stop() error { return nil }

func (i *identity) Process(b *engine.Buffer) (*engine.Buffer, error) {
	if i.errorAfter >= 0 && i.seen == i.errorAfter {
		i.seen++
		if i.recoverable {
			return nil, fmt.Errorf("%w after %d buffers: %w", ErrInjected, i.errorAfter, engine.ErrRecoverable)
		}
		return nil, fmt.Errorf("%w after %d buffers", ErrInjected, i.errorAfter)
	}
	i.seen++
	if !i.silent {
		i.env.Post(engine.Message{Type: engine.MessageElement, Source: i.env.Name, Name: "handoff"})
	}
	return b, nil
}

var valveFactory = &Factory{
	Name:        "valve",
	Description: "Drops buffers while closed",
	Class:       FilterClass,
	Props: []PropSpec{
		{Name: "drop", Kind: description.Bool, Default: "false", Blurb: "Drop all buffers"},
	},
	New: func(_ Env, p Props) (Element, error) {
		v := &valve{}
		v.drop.Store(p.Bool("drop"))
		return v, nil
	},
}

type valve struct {
	drop atomic.Bool
}

func (v *valve) Start() error { return nil }
func (v *valve) Stop() error  { return nil }

func (v *valve) Process(b *engine.Buffer) (*engine.Buffer, error) {
	if v.drop.Load() {
		b.Release()
		return nil, nil
	}
	return b, nil
}

func builtins() []*Factory {
	return []*Factory{
		videotestsrcFactory,
		audiotestsrcFactory,
		sourceFactory,
		appsrcFactory,
		wavsrcFactory,
		appsinkFactory("appsink", "Hands buffers to application"),
		appsinkFactory("sink", "Hands buffers to application"),
		fakesinkFactory("fakesink", "Discards buffers"),
		fakesinkFactory("fakevideosink", "Discards video buffers"),
		filesinkFactory,
		wavsinkFactory,
		passFactory("queue", "Decouples branches",
			PropSpec{Name: "max-size-buffers", Kind: description.Int, Default: "200", Blurb: "Accepted for compatibility"},
			PropSpec{Name: "leaky", Kind: description.String, Default: "no", Blurb: "Accepted for compatibility"},
		),
		passFactory("videoconvert", "Converts video, formats must already agree"),
		passFactory("audioconvert", "Converts audio, formats must already agree"),
		teeFactory,
		funnelFactory,
		capsfilterFactory,
		identityFactory,
		valveFactory,
	}
}
