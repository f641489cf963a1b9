//go:build !linux

package conn

import (
	"errors"
	"net"
)

func listenConfig() *net.ListenConfig {
	return &net.ListenConfig{}
}

func setMark(*net.UDPConn, uint32) error {
	return errors.New("SO_MARK is only supported on Linux")
}
