// Package tracker holds the live connection records of the conntrack table.
//
// Store keeps every record in an arena keyed by ConnectionID and a secondary
// index from the original-direction tuple to that id. Both maps are only ever
// changed together inside Store methods, so a tuple resolves to an id if and
// only if that id holds a live record.
//
// Queries (read-only):
//   - Lookup(tuple) - Resolve a tuple to its connection id
//   - Get(id) - Copy of a live record
//   - Size() - Number of live records
//
// Commands (mutations):
//   - Create(tuple, reply, now) - Assign an id to an unseen tuple
//   - Touch(id, now) - Record activity on a connection
//   - Transition(id, state, tcpState, status) - Apply a lifecycle transition
//   - AttachSpan(id, span) - Hand a span to the record it belongs to
//   - Remove(tuple) - Drop a connection, returning its final record
//
// Store is not safe for concurrent mutation: a single goroutine owns it. Snapshot
// is the one method other goroutines may call.
package tracker
