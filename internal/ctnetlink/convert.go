package ctnetlink

import (
	"net/netip"

	"github.com/ti-mo/conntrack"

	"github.com/Ongy/conntracker/internal/event"
)

// Convert decodes a conntrack event. Expectation events and events without a flow
// report false.
func Convert(ev conntrack.Event) (event.Event, bool) {
	kind := kindOf(ev)
	if kind == event.KindUnknown || ev.Flow == nil {
		return event.Event{}, false
	}
	return convertFlow(kind, ev.Flow), true
}

// SyncEvent turns a table dump into a KindSync event.
func SyncEvent(flows []conntrack.Flow) event.Event {
	tuples := make([]event.Tuple, 0, len(flows))
	for i := range flows {
		tuples = append(tuples, convertTuple(flows[i].TupleOrig))
	}
	return event.Event{Kind: event.KindSync, Snapshot: event.NewSnapshot(tuples)}
}

func kindOf(ev conntrack.Event) event.Kind {
	switch ev.Type {
	case conntrack.EventNew:
		return event.KindNew
	case conntrack.EventUpdate:
		return event.KindUpdate
	case conntrack.EventDestroy:
		return event.KindDestroy
	default:
		return event.KindUnknown
	}
}

func convertFlow(kind event.Kind, f *conntrack.Flow) event.Event {
	ev := event.Event{
		Kind:  kind,
		Tuple: convertTuple(f.TupleOrig),
		Reply: convertTuple(f.TupleReply),
		Payload: event.Payload{
			Status:   event.Status(f.Status.Value),
			Zone:     f.Zone,
			Mark:     f.Mark,
			Timeout:  f.Timeout,
			KernelID: f.ID,
		},
	}
	if f.ProtoInfo.TCP != nil {
		ev.Payload.TCPState = event.TCPState(f.ProtoInfo.TCP.State)
	}

	// Kernel timestamps are only present with net.netfilter.nf_conntrack_timestamp=1.
	switch kind {
	case event.KindNew:
		ev.Observed = f.Timestamp.Start
	case event.KindDestroy:
		ev.Observed = f.Timestamp.Stop
	}
	return ev
}

func convertTuple(t conntrack.Tuple) event.Tuple {
	var sport, dport uint16
	if !t.Proto.ICMPv4 && !t.Proto.ICMPv6 {
		sport, dport = t.Proto.SourcePort, t.Proto.DestinationPort
	}
	return event.Tuple{
		Protocol: t.Proto.Protocol,
		Src:      addrPort(t.IP.SourceAddress, sport),
		Dst:      addrPort(t.IP.DestinationAddress, dport),
	}
}

// addrPort unmaps IPv4-mapped addresses so v4 flows compare equal however the kernel
// encoded them.
func addrPort(addr netip.Addr, port uint16) netip.AddrPort {
	if !addr.IsValid() {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addr.Unmap(), port)
}
