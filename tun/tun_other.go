//go:build !linux

package tun

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("TUN devices are only supported on Linux")

// CreateTUN is not supported on this platform.
func CreateTUN(name string, mtu int) (Device, error) {
	return nil, errUnsupported
}

// CreateTUNFromFile is not supported on this platform.
func CreateTUNFromFile(file *os.File, mtu int) (Device, error) {
	return nil, errUnsupported
}
