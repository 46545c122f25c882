package routing

import (
	"net"
	"net/netip"
)

// Key derives the routing key for a client connection from its source
// address. Only the IP is used, so repeat connections from the same client
// map to the same backend regardless of ephemeral port. IPv4-mapped IPv6
// addresses (an IPv4 client arriving on the IPv6 socket) are unmapped so the
// client hashes identically on either listening socket.
func Key(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		host, _, splitErr := net.SplitHostPort(addr.String())
		if splitErr != nil {
			return addr.String()
		}
		return host
	}
	return ap.Addr().Unmap().String()
}
