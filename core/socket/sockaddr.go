//go:build linux

package socket

import (
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

func toSockaddr(address netip.AddrPort) (unix.Sockaddr, error) {
	ip := address.Addr()
	switch {
	case ip.Is4():
		return &unix.SockaddrInet4{Port: int(address.Port()), Addr: ip.As4()}, nil
	case ip.Is6():
		sa := &unix.SockaddrInet6{Port: int(address.Port()), Addr: ip.As16()}
		if zone := ip.Zone(); zone != "" {
			if n, err := strconv.ParseUint(zone, 10, 32); err == nil {
				sa.ZoneId = uint32(n)
			} else {
				ifi, err := net.InterfaceByName(zone)
				if err != nil {
					return nil, err
				}
				sa.ZoneId = uint32(ifi.Index)
			}
		}
		return sa, nil
	default:
		return nil, unix.EAFNOSUPPORT
	}
}

func fromSockaddr(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(addr.Addr), uint16(addr.Port)), nil
	case *unix.SockaddrInet6:
		ip := netip.AddrFrom16(addr.Addr)
		if addr.ZoneId != 0 {
			ip = ip.WithZone(strconv.FormatUint(uint64(addr.ZoneId), 10))
		}
		return netip.AddrPortFrom(ip, uint16(addr.Port)), nil
	default:
		return netip.AddrPort{}, unix.EAFNOSUPPORT
	}
}
