// Package metric exposes pipeline counters to prometheus.
package metric

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pipelined.dev/pipeline/bus"
	"pipelined.dev/pipeline/caps"
)

const (
	namespace     = "pipeline"
	pipelineLabel = "pipeline"
)

// Metrics holds collectors of all pipelines which use it.
type Metrics struct {
	pushed  *prometheus.CounterVec
	popped  *prometheus.CounterVec
	bytes   *prometheus.CounterVec
	events  *prometheus.CounterVec
	latency *prometheus.GaugeVec

	reg   prometheus.Registerer
	mu    sync.Mutex
	cache *caps.Cache
}

// New creates collectors and registers them. Nil registerer skips
// registration.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		pushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_pushed_total",
			Help:      "Frames pushed into producer",
		}, []string{pipelineLabel}),
		popped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_popped_total",
			Help:      "Frames popped from consumers",
		}, []string{pipelineLabel}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes exchanged with boundaries",
		}, []string{pipelineLabel, "direction"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_total",
			Help:      "Events received from the bus",
		}, []string{pipelineLabel, "type"}),
		latency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pop_interval_seconds",
			Help:      "Time between the last two popped frames",
		}, []string{pipelineLabel}),
	}
	if reg == nil {
		return m, nil
	}
	m.reg = reg
	for _, c := range []prometheus.Collector{m.pushed, m.popped, m.bytes, m.events, m.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Cache exports counters of caps cache. Only one cache is exported, the
// call with another one returns prometheus.AlreadyRegisteredError.
func (m *Metrics) Cache(c *caps.Cache) error {
	if m == nil || m.reg == nil || c == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache == c {
		return nil
	}
	if err := m.reg.Register(NewCacheCollector(c)); err != nil {
		return err
	}
	m.cache = c
	return nil
}

// Meter measures a single pipeline.
type Meter struct {
	pushed   prometheus.Counter
	popped   prometheus.Counter
	in, out  prometheus.Counter
	latency  prometheus.Gauge
	events   *prometheus.CounterVec
	mu       sync.Mutex
	poppedAt time.Time
}

// Meter returns meter for the pipeline. Nil metrics return nil meter,
// which is safe to use.
func (m *Metrics) Meter(pipeline string) *Meter {
	if m == nil {
		return nil
	}
	return &Meter{
		pushed:  m.pushed.WithLabelValues(pipeline),
		popped:  m.popped.WithLabelValues(pipeline),
		in:      m.bytes.WithLabelValues(pipeline, "in"),
		out:     m.bytes.WithLabelValues(pipeline, "out"),
		latency: m.latency.WithLabelValues(pipeline),
		events:  m.events.MustCurryWith(prometheus.Labels{pipelineLabel: pipeline}),
	}
}

// Delete removes series of the pipeline.
func (m *Metrics) Delete(pipeline string) {
	if m == nil {
		return
	}
	l := prometheus.Labels{pipelineLabel: pipeline}
	m.pushed.Delete(l)
	m.popped.Delete(l)
	m.latency.Delete(l)
	m.bytes.DeletePartialMatch(l)
	m.events.DeletePartialMatch(l)
}

// Pushed captures pushed frame.
func (m *Meter) Pushed(size int) {
	if m == nil {
		return
	}
	m.pushed.Inc()
	m.in.Add(float64(size))
}

// Popped captures popped frame.
func (m *Meter) Popped(size int) {
	if m == nil {
		return
	}
	now := time.Now()
	m.mu.Lock()
	if !m.poppedAt.IsZero() {
		m.latency.Set(now.Sub(m.poppedAt).Seconds())
	}
	m.poppedAt = now
	m.mu.Unlock()
	m.popped.Inc()
	m.out.Add(float64(size))
}

// Event captures bus event.
func (m *Meter) Event(ev bus.Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(EventType(ev)).Inc()
}

// EventType returns label value of the event.
func EventType(ev bus.Event) string {
	switch ev.(type) {
	case bus.EndOfStream:
		return "eos"
	case bus.Error:
		return "error"
	case bus.Warning:
		return "warning"
	case bus.StateChanged:
		return "state_changed"
	}
	return "custom"
}

// CacheCollector exports caps cache counters.
type CacheCollector struct {
	cache  *caps.Cache
	hits   *prometheus.Desc
	misses *prometheus.Desc
	size   *prometheus.Desc
}

// NewCacheCollector returns collector of the cache.
func NewCacheCollector(c *caps.Cache) *CacheCollector {
	return &CacheCollector{
		cache:  c,
		hits:   prometheus.NewDesc(namespace+"_caps_cache_hits_total", "Caps cache hits", nil, nil),
		misses: prometheus.NewDesc(namespace+"_caps_cache_misses_total", "Caps cache misses, each one is a parse", nil, nil),
		size:   prometheus.NewDesc(namespace+"_caps_cache_entries", "Caps cache entries", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.size
}

// Collect implements prometheus.Collector.
func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	hits, misses := c.cache.Stats()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(misses))
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(c.cache.Len()))
}
