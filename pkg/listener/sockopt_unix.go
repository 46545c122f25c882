//go:build linux || darwin || freebsd

package listener

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// v6OnlyControl sets IPV6_V6ONLY before bind so the IPv6 socket never
// captures the port's IPv4 traffic; the separate tcp4 socket handles that.
func v6OnlyControl(network, address string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		ctrlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}
