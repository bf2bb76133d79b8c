// Package eventprocessor applies classifier decisions to the connection store and
// routes them to the telemetry emitter.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│      ctnetlink conntrack events         │
//	└─────────────────┬───────────────────────┘
//	                  │
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   eventstream                           │  ← Batch loop
//	│   - Drains up to N events per cycle     │
//	│   - Records batch.size                  │
//	└─────────────────┬───────────────────────┘
//	                  │
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   eventprocessor                        │  ← Per-event glue
//	│   - Looks up the tuple                  │
//	│   - Applies the decision to the store   │
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ Lookup/Get ────→ tracker.Store
//	          │                      - Arena of records by id
//	          │                      - Tuple index
//	          │
//	          ├──→ Classify ──────→ classifier
//	          │                      - Outcome + action
//	          │                      - Gauge delta, span plan
//	          │
//	          ├──→ Create/Touch/ ─→ tracker.Store
//	          │    Transition/       - Single writer
//	          │    Remove
//	          │
//	          └──→ Emit ──────────→ telemetry.Emitter
//	                                - Counters, gauge, spans
//	                                - Creation span stored in record
//
// Errors from the store are absorbed here: they are counted on events.errors and
// the event still produces its decision counter.
package eventprocessor
