// Package event defines the connection lifecycle events consumed by the tracker.
//
// Events are decoded from the kernel's connection-tracking table by the
// ctnetlink package and carry only the fields the classifier inspects.
package event

import (
	"fmt"
	"net/netip"
	"time"
)

// Kind is the conntrack message kind of an event.
type Kind uint8

// Event kinds matching the ctnetlink multicast groups, plus KindSync for table
// snapshots taken by the event source.
const (
	KindUnknown Kind = iota
	KindNew
	KindUpdate
	KindDestroy
	KindSync
)

// String returns the string representation of the event kind.
func (k Kind) String() string {
	switch k {
	case KindNew:
		return "NEW"
	case KindUpdate:
		return "UPDATE"
	case KindDestroy:
		return "DESTROY"
	case KindSync:
		return "SYNC"
	default:
		return "UNKNOWN"
	}
}

// IP protocol numbers the tracker names explicitly.
const (
	ProtoICMP    uint8 = 1
	ProtoTCP     uint8 = 6
	ProtoUDP     uint8 = 17
	ProtoDCCP    uint8 = 33
	ProtoICMPv6  uint8 = 58
	ProtoSCTP    uint8 = 132
	ProtoUDPLite uint8 = 136
)

// Tuple is one direction of a tracked flow. It is comparable and used as a map key.
// For protocols without ports (ICMP) the ports are zero.
type Tuple struct {
	Protocol uint8
	Src      netip.AddrPort
	Dst      netip.AddrPort
}

// ProtocolName returns the lower-case transport name for the tuple's protocol.
func (t Tuple) ProtocolName() string {
	switch t.Protocol {
	case ProtoICMP:
		return "icmp"
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoDCCP:
		return "dccp"
	case ProtoICMPv6:
		return "icmpv6"
	case ProtoSCTP:
		return "sctp"
	case ProtoUDPLite:
		return "udplite"
	default:
		return fmt.Sprintf("proto_%d", t.Protocol)
	}
}

// Mirror returns the tuple with source and destination swapped. A reply tuple equal to
// the mirror of the original tuple means the flow is not translated.
func (t Tuple) Mirror() Tuple {
	return Tuple{Protocol: t.Protocol, Src: t.Dst, Dst: t.Src}
}

// IsZero reports whether the tuple carries no addresses.
func (t Tuple) IsZero() bool {
	return !t.Src.Addr().IsValid() && !t.Dst.Addr().IsValid()
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s %s -> %s", t.ProtocolName(), t.Src, t.Dst)
}

// Payload holds the conntrack fields the classifier inspects.
type Payload struct {
	TCPState TCPState
	Status   Status
	Zone     uint16
	Mark     uint32
	// Timeout is the remaining lifetime of the kernel entry in seconds.
	Timeout uint32
	// KernelID is the conntrack id assigned by the kernel. It may be reused by the
	// kernel after the entry is destroyed.
	KernelID uint32
}

// Terminal reports whether the payload describes a connection that is already
// finished from the kernel's point of view.
func (p Payload) Terminal() bool {
	return p.TCPState.Terminal() || p.Status.Has(StatusDying)
}

// Event is a single decoded conntrack lifecycle message.
type Event struct {
	Kind    Kind
	Tuple   Tuple // original direction, the lookup key
	Reply   Tuple
	Payload Payload
	// Observed is the kernel timestamp of the event when conntrack timestamping is
	// enabled. Zero means the receiver should use its own clock.
	Observed time.Time
	// Snapshot is set on KindSync events only.
	Snapshot *Snapshot
}

// Snapshot is the set of flows present in the kernel table when it was dumped. A
// KindSync event carrying it is delivered after the events that preceded the dump, so
// a tracked connection missing from it ended without a DESTROY reaching us.
type Snapshot struct {
	tuples map[Tuple]struct{}
}

// NewSnapshot builds a snapshot from the original-direction tuples of the dumped flows.
func NewSnapshot(tuples []Tuple) *Snapshot {
	s := &Snapshot{tuples: make(map[Tuple]struct{}, len(tuples))}
	for _, t := range tuples {
		s.tuples[t] = struct{}{}
	}
	return s
}

// Contains reports whether the flow was in the table. A nil snapshot contains nothing.
func (s *Snapshot) Contains(t Tuple) bool {
	if s == nil {
		return false
	}
	_, ok := s.tuples[t]
	return ok
}

// Len returns the number of distinct flows in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tuples)
}

// NATed reports whether the reply direction differs from the mirrored original.
func (e Event) NATed() bool {
	return !e.Reply.IsZero() && e.Reply != e.Tuple.Mirror()
}
