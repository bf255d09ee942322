//go:build !linux

package server

import (
	"errors"
	"syscall"
)

// ErrDeviceNotSupported is returned when a bind device is configured on
// a platform without SO_BINDTODEVICE.
var ErrDeviceNotSupported = errors.New("server: bind device is only supported on linux")

// listenControl returns the ListenConfig control function. Device
// binding is a Linux-only feature; everywhere else a configured device
// fails the bind.
func listenControl(device string) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, rc syscall.RawConn) error {
		if device != "" {
			return ErrDeviceNotSupported
		}
		return nil
	}
}
