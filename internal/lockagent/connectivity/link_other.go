//go:build !linux

package connectivity

import "context"

// LinkProber is a no-op without netlink.
type LinkProber struct {
	Names []string
}

func (p *LinkProber) Probe(context.Context) error { return nil }
