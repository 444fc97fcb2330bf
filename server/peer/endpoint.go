package peer

import "net/netip"

type Endpoint interface {
	ID() string
	Role() Role
	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort
	Status() string
}
