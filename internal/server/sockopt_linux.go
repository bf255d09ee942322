//go:build linux

package server

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// listenControl returns the ListenConfig control function applying the
// engine's socket options: SO_REUSEADDR for fast restarts, IPV6_V6ONLY
// so the two family listeners stay independent, and SO_BINDTODEVICE
// when a device is configured.
func listenControl(device string) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, rc syscall.RawConn) error {
		var optErr error
		err := rc.Control(func(fd uintptr) {
			optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			if optErr != nil {
				return
			}
			if network == "tcp6" {
				optErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
				if optErr != nil {
					return
				}
			}
			if device != "" {
				optErr = unix.BindToDevice(int(fd), device)
			}
		})
		if err != nil {
			return err
		}
		return optErr
	}
}
