package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Ongy/conntracker/internal/telemetry"
)

const instrumentationName = "github.com/Ongy/conntracker"

// Sink implements telemetry.MetricsSink and telemetry.TraceSink on top of the
// OpenTelemetry API. Instruments are created once up front; writes to unknown
// names are reported through the global error handler and dropped.
type Sink struct {
	meter      metric.Meter
	tracer     trace.Tracer
	counters   map[string]metric.Int64Counter
	gauges     map[string]metric.Int64UpDownCounter
	histograms map[string]metric.Int64Histogram
}

var (
	_ telemetry.MetricsSink = (*Sink)(nil)
	_ telemetry.TraceSink   = (*Sink)(nil)
)

// NewSink creates every instrument the emitter writes to.
func NewSink(mp metric.MeterProvider, tp trace.TracerProvider) (*Sink, error) {
	meter := mp.Meter(instrumentationName)
	s := &Sink{
		meter:      meter,
		tracer:     tp.Tracer(instrumentationName),
		counters:   make(map[string]metric.Int64Counter),
		gauges:     make(map[string]metric.Int64UpDownCounter),
		histograms: make(map[string]metric.Int64Histogram),
	}

	counters := map[string]string{
		telemetry.CounterDirect:   "Connections first seen through an ordinary creation event",
		telemetry.CounterDelayed:  "Significant updates observed while a connection was closing",
		telemetry.CounterSkipped:  "Events that did not produce a creation",
		telemetry.CounterInClose:  "Connections first seen already closing",
		telemetry.CounterObserved: "Events read from the conntrack source",
		telemetry.CounterErrors:   "Errors absorbed while processing events",
	}
	for name, desc := range counters {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			return nil, fmt.Errorf("creating counter %s: %w", name, err)
		}
		s.counters[name] = c
	}

	active, err := meter.Int64UpDownCounter(telemetry.GaugeActive,
		metric.WithDescription("Connections currently open"))
	if err != nil {
		return nil, fmt.Errorf("creating gauge %s: %w", telemetry.GaugeActive, err)
	}
	s.gauges[telemetry.GaugeActive] = active

	batch, err := meter.Int64Histogram(telemetry.HistogramBatchSize,
		metric.WithDescription("Events processed per drain cycle"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("creating histogram %s: %w", telemetry.HistogramBatchSize, err)
	}
	s.histograms[telemetry.HistogramBatchSize] = batch

	return s, nil
}

// RegisterTrackedGauge exports the store size as an observable gauge. snapshot
// is called from the metric reader's goroutine and must be safe for that.
func (s *Sink) RegisterTrackedGauge(snapshot func() int64) error {
	_, err := s.meter.Int64ObservableGauge(telemetry.GaugeTracked,
		metric.WithDescription("Connections held in the tracking store"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(snapshot())
			return nil
		}))
	if err != nil {
		return fmt.Errorf("creating gauge %s: %w", telemetry.GaugeTracked, err)
	}
	return nil
}

func (s *Sink) IncrementCounter(name string, attrs ...attribute.KeyValue) {
	c, ok := s.counters[name]
	if !ok {
		otel.Handle(fmt.Errorf("unknown counter %q", name))
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (s *Sink) AddToGauge(name string, delta int64) {
	g, ok := s.gauges[name]
	if !ok {
		otel.Handle(fmt.Errorf("unknown gauge %q", name))
		return
	}
	g.Add(context.Background(), delta)
}

func (s *Sink) RecordHistogram(name string, value int64) {
	h, ok := s.histograms[name]
	if !ok {
		otel.Handle(fmt.Errorf("unknown histogram %q", name))
		return
	}
	h.Record(context.Background(), value)
}

// StartSpan opens a span at the given time. A parent that is not a span started
// by this sink is ignored and a new trace begins.
func (s *Sink) StartSpan(name string, parent telemetry.SpanHandle, at time.Time, attrs ...attribute.KeyValue) telemetry.SpanHandle {
	ctx := context.Background()
	if p, ok := parent.(trace.Span); ok {
		ctx = trace.ContextWithSpan(ctx, p)
	}
	_, span := s.tracer.Start(ctx, name,
		trace.WithTimestamp(at),
		trace.WithAttributes(attrs...),
	)
	return span
}

func (s *Sink) EndSpan(handle telemetry.SpanHandle, at time.Time, attrs ...attribute.KeyValue) {
	span, ok := handle.(trace.Span)
	if !ok {
		return
	}
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	span.End(trace.WithTimestamp(at))
}
