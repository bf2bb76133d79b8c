//go:build !linux

package ctnetlink

import "github.com/ti-mo/conntrack"

func dialKernel(Options) (*subscription, error) {
	return nil, ErrNotSupported
}

func dumpKernel(Options) ([]conntrack.Flow, error) {
	return nil, ErrNotSupported
}
