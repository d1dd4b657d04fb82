//go:build linux

package connectivity

import (
	"context"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// LinkProber passes when at least one of the named interfaces is up with
// carrier. It needs no network round trip.
type LinkProber struct {
	Names []string
}

func (p *LinkProber) Probe(context.Context) error {
	for _, name := range p.Names {
		link, err := netlink.LinkByName(name)
		if err != nil {
			continue
		}
		if linkUp(link.Attrs()) {
			return nil
		}
	}
	return fmt.Errorf("none of links %v is up", p.Names)
}

func linkUp(attrs *netlink.LinkAttrs) bool {
	if attrs.OperState == netlink.OperUp {
		return true
	}
	// Some drivers never report an operational state.
	return attrs.OperState == netlink.OperUnknown &&
		attrs.Flags&net.FlagUp != 0 &&
		attrs.RawFlags&rawFlagLowerUp != 0
}

// IFF_LOWER_UP from linux/if.h.
const rawFlagLowerUp = 1 << 16
