//go:build gst

package gst

import (
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"pipelined.dev/pipeline/engine"
)

// pollInterval is how often full producer is checked for free space.
const pollInterval = time.Millisecond

type producer struct {
	src     *app.Source
	timeout time.Duration
	mu      sync.Mutex
}

func newProducer(src *app.Source, timeout time.Duration) *producer {
	return &producer{src: src, timeout: timeout}
}

// full reports whether appsrc queue has reached its limit.
func (p *producer) full() bool {
	limit := p.src.GetMaxBytes()
	return limit > 0 && p.src.GetCurrentLevelBytes() >= limit
}

// Push waits up to block timeout for free space and pushes a copy of
// buffer data.
func (p *producer) Push(b *engine.Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timeout >= 0 {
		deadline := time.Now().Add(p.timeout)
		for p.full() {
			if !time.Now().Before(deadline) {
				return engine.ErrBusy
			}
			time.Sleep(pollInterval)
		}
	}
	buf := gst.NewBufferFromBytes(b.Bytes())
	if b.PTS != engine.None {
		buf.SetPresentationTimestamp(b.PTS)
	}
	if b.Duration != engine.None {
		buf.SetDuration(b.Duration)
	}
	ret := p.src.PushBuffer(buf)
	b.Release()
	return flowErr(ret)
}

func (p *producer) EndOfStream() error {
	return flowErr(p.src.EndStream())
}

func (p *producer) Caps() string {
	c := p.src.GetCaps()
	if c == nil {
		return ""
	}
	return c.String()
}

func (p *producer) SetCaps(s string) error {
	p.src.SetCaps(gst.NewCapsFromString(s))
	return nil
}

func flowErr(ret gst.FlowReturn) error {
	switch ret {
	case gst.FlowOK:
		return nil
	case gst.FlowEOS:
		return engine.ErrEOS
	case gst.FlowFlushing:
		return engine.ErrFlushing
	}
	return engine.ErrBusy
}

// consumer keeps at most one sample pulled ahead to report whether
// anything is queued.
type consumer struct {
	sink *app.Sink
	mu   sync.Mutex
	next *gst.Sample
}

func newConsumer(sink *app.Sink) *consumer {
	return &consumer{sink: sink}
}

func (c *consumer) Pull(timeout time.Duration) (*engine.Buffer, error) {
	c.mu.Lock()
	sample := c.next
	c.next = nil
	c.mu.Unlock()
	if sample == nil {
		sample = c.sink.TryPullSample(timeout)
	}
	if sample == nil {
		if c.sink.IsEOS() {
			return nil, engine.ErrEOS
		}
		return nil, engine.ErrTimeout
	}
	return toBuffer(sample), nil
}

// toBuffer maps sample memory. Buffer is unmapped on release.
func toBuffer(sample *gst.Sample) *engine.Buffer {
	buf := sample.GetBuffer()
	caps := ""
	if c := sample.GetCaps(); c != nil {
		caps = c.String()
	}
	info := buf.Map(gst.MapRead)
	b := engine.NewBuffer(caps, func() { buf.Unmap() }, info.Bytes())
	b.PTS = buf.PresentationTimestamp()
	b.Duration = buf.Duration()
	return b
}

func (c *consumer) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next == nil {
		c.next = c.sink.TryPullSample(0)
	}
	if c.next == nil {
		return 0
	}
	return 1
}

func (c *consumer) Caps() string {
	c.mu.Lock()
	next := c.next
	c.mu.Unlock()
	if next != nil {
		if caps := next.GetCaps(); caps != nil {
			return caps.String()
		}
	}
	if caps := c.sink.GetCaps(); caps != nil {
		return caps.String()
	}
	return ""
}
