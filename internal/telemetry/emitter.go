// Package telemetry turns classifier decisions into metrics and spans.
//
// The Emitter only ever writes to its sinks. It never reads instrument state back,
// so a slow or failing exporter cannot stall classification: dropping data is the
// sink's business.
package telemetry

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/Ongy/conntracker/internal/classifier"
	"github.com/Ongy/conntracker/internal/event"
	"github.com/Ongy/conntracker/internal/tracker"
)

// SpanHandle is an open span owned by whoever started it.
type SpanHandle = tracker.SpanHandle

// MetricsSink receives counter, gauge and histogram updates by instrument name.
type MetricsSink interface {
	IncrementCounter(name string, attrs ...attribute.KeyValue)
	AddToGauge(name string, delta int64)
	RecordHistogram(name string, value int64)
}

// TraceSink starts and ends spans at explicit timestamps.
type TraceSink interface {
	// StartSpan opens a span. A nil parent starts a new trace.
	StartSpan(name string, parent SpanHandle, at time.Time, attrs ...attribute.KeyValue) SpanHandle
	EndSpan(span SpanHandle, at time.Time, attrs ...attribute.KeyValue)
}

// AttributeSource contributes extra attributes to connection spans.
type AttributeSource interface {
	Attributes(ev event.Event) []attribute.KeyValue
}

// Emitter translates classifier decisions into sink calls.
type Emitter struct {
	metrics MetricsSink
	traces  TraceSink
	custom  AttributeSource
}

// NewEmitter creates an Emitter. custom may be nil.
func NewEmitter(metrics MetricsSink, traces TraceSink, custom AttributeSource) *Emitter {
	return &Emitter{
		metrics: metrics,
		traces:  traces,
		custom:  custom,
	}
}

// Emit records the telemetry for one classified event.
//
// rec is the connection's record after the store applied the decision: the new record
// for NewConnection, the removed record for a tracked ConnectionClosed, nil when the
// tuple was never tracked. The creation span is returned when the decision starts one;
// the caller hands it to the store.
func (e *Emitter) Emit(d classifier.Decision, ev event.Event, rec *tracker.Record, at time.Time) SpanHandle {
	proto := attribute.String(string(semconv.NetworkTransportKey), ev.Tuple.ProtocolName())
	e.metrics.IncrementCounter(counterFor(d.Action), proto)

	if d.GaugeDelta != 0 {
		e.metrics.AddToGauge(GaugeActive, d.GaugeDelta)
	}

	var created SpanHandle
	if d.StartSpan {
		attrs := connectionAttributes(ev, rec)
		if e.custom != nil {
			attrs = append(attrs, e.custom.Attributes(ev)...)
		}
		created = e.traces.StartSpan(SpanConnection, nil, at, attrs...)
	}

	if d.CloseSpan {
		e.emitClosure(ev, rec, at, attribute.Bool(AttrInClose, d.InClose))
	}

	return created
}

// CloseStale reports a connection the kernel no longer has but whose DESTROY was
// never observed: the tuple was reused by a new flow, or the connection was missing
// from a table dump. It emits the closure span and the gauge step, but no decision
// counter, since no event of the connection's own is being classified.
func (e *Emitter) CloseStale(rec tracker.Record, at time.Time) {
	e.RecordError(ErrorKindStale)
	if !rec.InClose {
		e.metrics.AddToGauge(GaugeActive, -1)
	}

	last := event.Event{
		Kind:  event.KindDestroy,
		Tuple: rec.Tuple,
		Reply: rec.Reply,
		Payload: event.Payload{
			TCPState: rec.TCPState,
			Status:   rec.Status,
			KernelID: rec.KernelID,
		},
	}
	e.emitClosure(last, &rec, at,
		attribute.Bool(AttrInClose, rec.InClose),
		attribute.Bool(AttrStale, true),
	)
}

func (e *Emitter) emitClosure(ev event.Event, rec *tracker.Record, at time.Time, extra ...attribute.KeyValue) {
	attrs := connectionAttributes(ev, rec)
	attrs = append(attrs, extra...)

	var parent SpanHandle
	if rec != nil {
		parent = rec.Span
		attrs = append(attrs,
			//nolint:gosec // update counts stay far below MaxInt64
			attribute.Int64(AttrUpdateCount, int64(rec.UpdateCount)),
			attribute.Int64(AttrLifetime, rec.Lifetime(at).Nanoseconds()),
		)
	}

	closed := e.traces.StartSpan(SpanConnectionClosed, parent, at, attrs...)
	e.traces.EndSpan(closed, at)

	if parent != nil {
		e.traces.EndSpan(parent, at,
			attribute.String(AttrFinalState, ev.Payload.TCPState.String()),
			attribute.String(AttrStatus, ev.Payload.Status.String()),
			//nolint:gosec // update counts stay far below MaxInt64
			attribute.Int64(AttrUpdateCount, int64(rec.UpdateCount)),
		)
	}
}

// ObserveEvent counts one event taken from the source.
func (e *Emitter) ObserveEvent() {
	e.metrics.IncrementCounter(CounterObserved)
}

// RecordBatch records the number of events processed in one drain cycle.
func (e *Emitter) RecordBatch(n int) {
	e.metrics.RecordHistogram(HistogramBatchSize, int64(n))
}

// RecordError counts an absorbed error of the given kind.
func (e *Emitter) RecordError(kind string) {
	e.metrics.IncrementCounter(CounterErrors, attribute.String(AttrErrorKind, kind))
}

func counterFor(a classifier.Action) string {
	switch a {
	case classifier.ActionDirect:
		return CounterDirect
	case classifier.ActionDelayed:
		return CounterDelayed
	case classifier.ActionCreatedInClose:
		return CounterInClose
	default:
		return CounterSkipped
	}
}

// connectionAttributes describes the connection of ev. Untracked connections carry
// id 0, which the store never assigns.
func connectionAttributes(ev event.Event, rec *tracker.Record) []attribute.KeyValue {
	var id tracker.ConnectionID
	if rec != nil {
		id = rec.ID
	}

	t := ev.Tuple
	attrs := []attribute.KeyValue{
		semconv.NetworkTransportKey.String(t.ProtocolName()),
		semconv.SourceAddress(t.Src.Addr().String()),
		semconv.SourcePort(int(t.Src.Port())),
		semconv.DestinationAddress(t.Dst.Addr().String()),
		semconv.DestinationPort(int(t.Dst.Port())),
		//nolint:gosec // ids are handed out sequentially from 1
		attribute.Int64(AttrConnectionID, int64(id)),
		attribute.Int64(AttrKernelID, int64(ev.Payload.KernelID)),
		attribute.Int(AttrZone, int(ev.Payload.Zone)),
		attribute.Bool(AttrNAT, ev.NATed()),
	}

	if t.Src.Addr().Is6() {
		attrs = append(attrs, semconv.NetworkTypeIpv6)
	} else if t.Src.Addr().Is4() {
		attrs = append(attrs, semconv.NetworkTypeIpv4)
	}
	if ev.Payload.Mark != 0 {
		attrs = append(attrs, attribute.Int64(AttrMark, int64(ev.Payload.Mark)))
	}
	if t.Protocol == event.ProtoTCP {
		attrs = append(attrs, attribute.String(AttrTCPState, ev.Payload.TCPState.String()))
	}
	if ev.NATed() {
		attrs = append(attrs,
			attribute.String(AttrReplySrc, ev.Reply.Src.String()),
			attribute.String(AttrReplyDst, ev.Reply.Dst.String()),
		)
	}
	return attrs
}
