//go:build !linux && !darwin && !freebsd

package listener

import "syscall"

// On platforms without the sockopt helper, rely on the Go runtime's
// v6-only behavior for "tcp6" listeners.
func v6OnlyControl(network, address string, c syscall.RawConn) error {
	return nil
}
