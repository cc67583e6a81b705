package transport

import (
	"errors"
	"net/netip"
	"slices"

	psnet "github.com/shirou/gopsutil/v4/net"
)

var ErrNoAddress = errors.New("no usable IPv4 interface address")

// LocalIPv4 returns the first unicast IPv4 address of an up, non-loopback
// interface. It is used when no local address is configured.
func LocalIPv4() (netip.Addr, error) {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return netip.Addr{}, err
	}
	return pickIPv4(ifaces)
}

func pickIPv4(ifaces psnet.InterfaceStatList) (netip.Addr, error) {
	for _, iface := range ifaces {
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		for _, a := range iface.Addrs {
			p, err := netip.ParsePrefix(a.Addr)
			if err != nil {
				continue
			}
			ip := p.Addr().Unmap()
			if usable(ip) {
				return ip, nil
			}
		}
	}
	return netip.Addr{}, ErrNoAddress
}

func usable(ip netip.Addr) bool {
	return ip.Is4() && !ip.IsLoopback() && !ip.IsMulticast() && !ip.IsUnspecified() && !ip.IsLinkLocalUnicast()
}
