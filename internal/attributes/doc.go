// Package attributes provides expression evaluation for custom span attributes.
//
// Expressions are written in the expr language and evaluated against each
// connection event. Available variables:
//
//	kind                   NEW, UPDATE or DESTROY
//	proto                  transport name (tcp, udp, icmp, ...)
//	src, dst               original direction addresses
//	sport, dport           original direction ports
//	reply_src, reply_dst   reply direction addresses
//	reply_sport, reply_dport
//	zone, mark             conntrack zone and mark
//	tcp_state              conntrack TCP state name
//	status                 list of set status flags (ASSURED, SEEN_REPLY, ...)
//	nat                    true when the reply tuple is translated
//
// A map result expands into one attribute per key. Expressions that fail at runtime
// are reported as _tracing_warning_N attributes instead of aborting the span.
package attributes
