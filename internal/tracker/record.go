package tracker

import (
	"fmt"
	"time"

	"github.com/Ongy/conntracker/internal/event"
)

// ConnectionID identifies a connection for as long as it is live. IDs are handed out
// in increasing order and never reused by a Store.
type ConnectionID uint64

// State is the lifecycle state of a tracked connection.
type State uint8

// Connection lifecycle states.
const (
	StateCreating State = iota
	StateTracked
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateTracked:
		return "tracked"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// SpanHandle is the opaque per-connection span a record owns until it is removed.
type SpanHandle any

// Record is the tracker's view of one connection.
type Record struct {
	ID    ConnectionID
	Tuple event.Tuple
	Reply event.Tuple
	State State

	TCPState event.TCPState
	Status   event.Status

	// KernelID is the kernel's conntrack id for the flow. The kernel may reuse a
	// tuple for a new flow after the old one is destroyed; the id tells them apart.
	// Zero when unknown.
	KernelID uint32
	// InClose marks a connection first seen already closing. It never had a
	// creation span and was never counted as active.
	InClose bool

	CreatedAt   time.Time
	LastSeenAt  time.Time
	UpdateCount uint64

	Span SpanHandle
}

// Lifetime returns how long the connection has been tracked as of at.
func (r *Record) Lifetime(at time.Time) time.Duration {
	if r.CreatedAt.IsZero() || at.Before(r.CreatedAt) {
		return 0
	}
	return at.Sub(r.CreatedAt)
}
