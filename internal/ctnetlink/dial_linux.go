//go:build linux

package ctnetlink

import (
	"fmt"

	"github.com/mdlayher/netlink"
	"github.com/ti-mo/conntrack"
	"github.com/ti-mo/netfilter"
	"github.com/vishvananda/netns"
)

var groups = []netfilter.NetlinkGroup{
	netfilter.GroupCTNew,
	netfilter.GroupCTUpdate,
	netfilter.GroupCTDestroy,
}

// dialKernel opens a ctnetlink socket and joins the conntrack event groups. A
// single worker keeps events in kernel order.
func dialKernel(opts Options) (*subscription, error) {
	conn, err := dialConn(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadBuffer(readBufferSize); err != nil {
		_ = conn.Close() //nolint:errcheck // Best-effort cleanup in error path
		return nil, fmt.Errorf("setting receive buffer: %w", err)
	}

	events := make(chan conntrack.Event, eventBuffer)
	errs, err := conn.Listen(events, 1, groups)
	if err != nil {
		_ = conn.Close() //nolint:errcheck // Best-effort cleanup in error path
		return nil, fmt.Errorf("joining conntrack groups: %w", err)
	}

	return &subscription{
		events: events,
		errs:   errs,
		close:  conn.Close,
	}, nil
}

// dumpKernel lists the conntrack table on a socket of its own; a socket that has
// joined multicast groups cannot also serve dump requests.
func dumpKernel(opts Options) ([]conntrack.Flow, error) {
	conn, err := dialConn(opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = conn.Close() //nolint:errcheck // read-only socket
	}()

	flows, err := conn.Dump(nil)
	if err != nil {
		return nil, fmt.Errorf("dumping conntrack table: %w", err)
	}
	return flows, nil
}

func dialConn(opts Options) (*conntrack.Conn, error) {
	cfg := &netlink.Config{}
	if opts.NetNS != "" {
		ns, err := netns.GetFromPath(opts.NetNS)
		if err != nil {
			return nil, fmt.Errorf("opening network namespace %s: %w", opts.NetNS, err)
		}
		defer func() {
			_ = ns.Close() //nolint:errcheck // the socket keeps its own reference
		}()
		cfg.NetNS = int(ns)
	}

	conn, err := conntrack.Dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("dialing conntrack: %w", err)
	}
	return conn, nil
}
