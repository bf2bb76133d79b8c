package telemetry

// Instrument names. Dashboards depend on these; renaming one is a breaking change.
const (
	CounterDirect   = "connections.created.direct"
	CounterDelayed  = "connections.created.delayed"
	CounterSkipped  = "connections.created.skipped"
	CounterInClose  = "connections.created.in_close"
	CounterObserved = "events.observed"
	CounterErrors   = "events.errors"

	GaugeActive  = "connections.active"
	GaugeTracked = "connections.tracked"

	HistogramBatchSize = "batch.size"
)

// Span names.
const (
	SpanConnection       = "conntrack.connection"
	SpanConnectionClosed = "conntrack.connection.closed"
)

// Values of the kind attribute on CounterErrors.
const (
	ErrorKindDuplicateTuple  = "duplicate_tuple"
	ErrorKindUnknownID       = "unknown_id"
	ErrorKindSinkUnavailable = "sink_unavailable"
	ErrorKindSource          = "source"
	ErrorKindStale           = "stale_record"
)

// Attribute keys set on connection spans and counters.
const (
	AttrConnectionID = "conntrack.id"
	AttrKernelID     = "conntrack.kernel_id"
	AttrZone         = "conntrack.zone"
	AttrMark         = "conntrack.mark"
	AttrTCPState     = "conntrack.tcp_state"
	AttrStatus       = "conntrack.status"
	AttrNAT          = "conntrack.nat"
	AttrReplySrc     = "conntrack.reply.source"
	AttrReplyDst     = "conntrack.reply.destination"
	AttrInClose      = "conntrack.in_close"
	AttrUpdateCount  = "conntrack.update_count"
	AttrLifetime     = "conntrack.lifetime_ns"
	AttrFinalState   = "conntrack.final_state"
	AttrStale        = "conntrack.stale"
	AttrErrorKind    = "kind"
)
