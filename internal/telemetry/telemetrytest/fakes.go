// Package telemetrytest provides in-memory sinks for tests.
package telemetrytest

import (
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Ongy/conntracker/internal/event"
	"github.com/Ongy/conntracker/internal/telemetry"
)

// Metrics records every call made to it.
type Metrics struct {
	mu          sync.Mutex
	counters    map[string]int64
	counterAttr map[string][]attribute.Set
	gauges      map[string][]int64
	histograms  map[string][]int64
}

var _ telemetry.MetricsSink = (*Metrics)(nil)

// NewMetrics creates an empty metrics recorder.
func NewMetrics() *Metrics {
	return &Metrics{
		counters:    make(map[string]int64),
		counterAttr: make(map[string][]attribute.Set),
		gauges:      make(map[string][]int64),
		histograms:  make(map[string][]int64),
	}
}

func (m *Metrics) IncrementCounter(name string, attrs ...attribute.KeyValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
	m.counterAttr[name] = append(m.counterAttr[name], attribute.NewSet(attrs...))
}

func (m *Metrics) AddToGauge(name string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = append(m.gauges[name], delta)
}

func (m *Metrics) RecordHistogram(name string, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms[name] = append(m.histograms[name], value)
}

// Counter returns the number of increments of the named counter.
func (m *Metrics) Counter(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// CounterWith returns the number of increments of the named counter that carried kv.
func (m *Metrics) CounterWith(name string, kv attribute.KeyValue) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, set := range m.counterAttr[name] {
		if v, ok := set.Value(kv.Key); ok && v == kv.Value {
			n++
		}
	}
	return n
}

// GaugeDeltas returns the deltas added to the named gauge in call order.
func (m *Metrics) GaugeDeltas(name string) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.gauges[name]...)
}

// Gauge returns the sum of all deltas added to the named gauge.
func (m *Metrics) Gauge(name string) int64 {
	var sum int64
	for _, d := range m.GaugeDeltas(name) {
		sum += d
	}
	return sum
}

// Histogram returns the values recorded on the named histogram in call order.
func (m *Metrics) Histogram(name string) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.histograms[name]...)
}

// Accounted returns the sum of the four per-event decision counters.
func (m *Metrics) Accounted() int64 {
	return m.Counter(telemetry.CounterDirect) +
		m.Counter(telemetry.CounterDelayed) +
		m.Counter(telemetry.CounterSkipped) +
		m.Counter(telemetry.CounterInClose)
}

// Span is a span recorded by Traces.
type Span struct {
	Name   string
	Parent *Span
	Start  time.Time
	End    time.Time
	Ended  bool
	Attrs  []attribute.KeyValue
}

// Attr returns the value of the last attribute with the given key.
func (s *Span) Attr(key string) (attribute.Value, bool) {
	var (
		v  attribute.Value
		ok bool
	)
	for _, kv := range s.Attrs {
		if string(kv.Key) == key {
			v, ok = kv.Value, true
		}
	}
	return v, ok
}

// Traces records spans started and ended through it.
type Traces struct {
	mu    sync.Mutex
	spans []*Span
}

var _ telemetry.TraceSink = (*Traces)(nil)

// NewTraces creates an empty span recorder.
func NewTraces() *Traces {
	return &Traces{}
}

func (t *Traces) StartSpan(name string, parent telemetry.SpanHandle, at time.Time, attrs ...attribute.KeyValue) telemetry.SpanHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &Span{Name: name, Start: at, Attrs: attrs}
	if p, ok := parent.(*Span); ok {
		s.Parent = p
	}
	t.spans = append(t.spans, s)
	return s
}

func (t *Traces) EndSpan(span telemetry.SpanHandle, at time.Time, attrs ...attribute.KeyValue) {
	s, ok := span.(*Span)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s.End = at
	s.Ended = true
	s.Attrs = append(s.Attrs, attrs...)
}

// Named returns the spans with the given name in start order.
func (t *Traces) Named(name string) []*Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Span
	for _, s := range t.spans {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Open returns the number of spans that were started but not ended.
func (t *Traces) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.spans {
		if !s.Ended {
			n++
		}
	}
	return n
}

// Static is an AttributeSource returning the same attributes for every event.
type Static []attribute.KeyValue

func (s Static) Attributes(_ event.Event) []attribute.KeyValue {
	return s
}
