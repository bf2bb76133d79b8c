// Package ctnetlink subscribes to the kernel's conntrack event multicast groups and
// decodes the messages into event.Event values.
//
// Events of one subscription are delivered in kernel order on a single channel. When
// the netlink socket fails mid-stream (typically ENOBUFS after the receive buffer
// overflowed) the listener counts a source error and resubscribes with exponential
// backoff. Events lost while resubscribing are not replayed. Once resubscribed, the
// listener dumps the table and delivers it as a single SYNC event ahead of the new
// subscription's events; connections missing from it are retired by the tracker.
package ctnetlink
