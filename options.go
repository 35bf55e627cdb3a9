package pipeline

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"pipelined.dev/pipeline/bus"
	"pipelined.dev/pipeline/caps"
	"pipelined.dev/pipeline/engine"
	"pipelined.dev/pipeline/metric"
)

// Default values of options.
const (
	DefaultBusTimeout        = 10 * time.Millisecond
	DefaultPopTimeout        = time.Second
	DefaultPushTimeout       = time.Second
	DefaultTransitionTimeout = 5 * time.Second
	DefaultTeardownTimeout   = 2 * time.Second
	DefaultQueueSize         = 100
)

// Option configures pipeline on Open.
type Option func(p *Pipeline) error

func positive(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidOption, name, d)
	}
	return nil
}

// WithSharedContext makes pipeline use engine context shared with other
// pipelines of the same engine instead of its own one.
func WithSharedContext(shared bool) Option {
	return func(p *Pipeline) error {
		p.shared = shared
		return nil
	}
}

// WithBusTimeout sets how long the pump waits for work before it checks
// the bus again.
func WithBusTimeout(d time.Duration) Option {
	return func(p *Pipeline) error {
		p.busTimeout = d
		return positive("bus timeout", d)
	}
}

// WithPopTimeout sets timeout of Pop called with zero timeout.
func WithPopTimeout(d time.Duration) Option {
	return func(p *Pipeline) error {
		p.popTimeout = d
		return positive("pop timeout", d)
	}
}

// WithPushTimeout sets how long Push waits for producer to accept a
// buffer. Producer property block-timeout takes precedence.
func WithPushTimeout(d time.Duration) Option {
	return func(p *Pipeline) error {
		p.pushTimeout = d
		return positive("push timeout", d)
	}
}

// WithOnMessage sets handler which is called for every bus event. It runs
// on the pump goroutine, so it must not block or close the pipeline.
func WithOnMessage(h bus.Handler) Option {
	return func(p *Pipeline) error {
		p.onMessage = h
		return nil
	}
}

// WithEngine sets engine. Reference in-memory engine is used by default.
func WithEngine(e engine.Engine) Option {
	return func(p *Pipeline) error {
		if e == nil {
			return fmt.Errorf("%w: nil engine", ErrInvalidOption)
		}
		p.engine = e
		return nil
	}
}

// WithLogger sets logger. If this option is not provided, silent logger
// is used.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Pipeline) error {
		p.log = l
		return nil
	}
}

// WithQueueSize sets number of buffers consumers hold before they block
// or drop. Consumer property max-buffers takes precedence.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) error {
		if n < 0 {
			return fmt.Errorf("%w: queue size %d", ErrInvalidOption, n)
		}
		p.queueSize = n
		return nil
	}
}

// WithLeaky makes consumers drop the oldest buffers when their queue is
// full instead of blocking the graph.
func WithLeaky(leaky bool) Option {
	return func(p *Pipeline) error {
		p.leaky = leaky
		return nil
	}
}

// WithTransitionTimeout sets how long state change waits for engine
// confirmation.
func WithTransitionTimeout(d time.Duration) Option {
	return func(p *Pipeline) error {
		p.transitionTimeout = d
		return positive("transition timeout", d)
	}
}

// WithTeardownTimeout sets how long Close waits for the end of stream to
// reach consumers before the graph is forced down.
func WithTeardownTimeout(d time.Duration) Option {
	return func(p *Pipeline) error {
		p.teardownTimeout = d
		return positive("teardown timeout", d)
	}
}

// WithFailFast makes pump stop servicing the graph on the first
// unrecoverable error.
func WithFailFast(failFast bool) Option {
	return func(p *Pipeline) error {
		p.failFast = failFast
		return nil
	}
}

// WithProducer designates producer element by name.
func WithProducer(name string) Option {
	return func(p *Pipeline) error {
		p.producer = name
		return nil
	}
}

// WithConsumers designates consumer elements by name. The first one is
// the primary consumer Pop reads from.
func WithConsumers(names ...string) Option {
	return func(p *Pipeline) error {
		p.consumers = names
		return nil
	}
}

// WithMetrics makes pipeline report its counters.
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Pipeline) error {
		p.metrics = m
		return nil
	}
}

// WithCapsCache sets caps cache, so multiple pipelines can share parsed
// formats.
func WithCapsCache(c *caps.Cache) Option {
	return func(p *Pipeline) error {
		p.cache = c
		return nil
	}
}
