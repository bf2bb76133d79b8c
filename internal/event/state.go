package event

import "strings"

// TCPState is the conntrack TCP state (enum tcp_conntrack in the kernel).
type TCPState uint8

// TCP conntrack states.
//
//nolint:revive // names follow the kernel's TCP_CONNTRACK_* enum
const (
	TCPStateNone TCPState = iota
	TCPStateSynSent
	TCPStateSynRecv
	TCPStateEstablished
	TCPStateFinWait
	TCPStateCloseWait
	TCPStateLastAck
	TCPStateTimeWait
	TCPStateClose
	TCPStateSynSent2
)

var tcpStateNames = [...]string{
	"NONE", "SYN_SENT", "SYN_RECV", "ESTABLISHED", "FIN_WAIT",
	"CLOSE_WAIT", "LAST_ACK", "TIME_WAIT", "CLOSE", "SYN_SENT2",
}

func (s TCPState) String() string {
	if int(s) < len(tcpStateNames) {
		return tcpStateNames[s]
	}
	return "UNKNOWN"
}

// Phase groups TCP states into the lifecycle phases the tracker reports on.
type Phase uint8

// Connection phases.
const (
	PhaseUnknown Phase = iota
	PhaseHandshake
	PhaseEstablished
	PhaseClosing
)

// Phase returns the lifecycle phase of the TCP state.
func (s TCPState) Phase() Phase {
	switch s {
	case TCPStateSynSent, TCPStateSynRecv, TCPStateSynSent2:
		return PhaseHandshake
	case TCPStateEstablished:
		return PhaseEstablished
	case TCPStateFinWait, TCPStateCloseWait, TCPStateLastAck, TCPStateTimeWait, TCPStateClose:
		return PhaseClosing
	default:
		return PhaseUnknown
	}
}

// Terminal reports whether no further data can flow in this state.
func (s TCPState) Terminal() bool {
	return s == TCPStateTimeWait || s == TCPStateClose
}

// Status is the conntrack status bitfield (IPS_* in the kernel).
type Status uint32

// Status bits.
const (
	StatusExpected Status = 1 << iota
	StatusSeenReply
	StatusAssured
	StatusConfirmed
	StatusSrcNAT
	StatusDstNAT
	StatusSeqAdjust
	StatusSrcNATDone
	StatusDstNATDone
	StatusDying
	StatusFixedTimeout
	StatusTemplate
	StatusUntracked
	StatusHelper
	StatusOffload
)

var statusNames = [...]string{
	"EXPECTED", "SEEN_REPLY", "ASSURED", "CONFIRMED", "SRC_NAT", "DST_NAT",
	"SEQ_ADJUST", "SRC_NAT_DONE", "DST_NAT_DONE", "DYING", "FIXED_TIMEOUT",
	"TEMPLATE", "UNTRACKED", "HELPER", "OFFLOAD",
}

// Has reports whether all bits of flag are set.
func (s Status) Has(flag Status) bool {
	return s&flag == flag
}

// Added returns the bits set in s that were not set in prev.
func (s Status) Added(prev Status) Status {
	return s &^ prev
}

// Names returns the names of the set bits in ascending bit order.
func (s Status) Names() []string {
	var names []string
	for i, name := range statusNames {
		if s&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return names
}

func (s Status) String() string {
	if s == 0 {
		return "NONE"
	}
	return strings.Join(s.Names(), "|")
}
