//go:build linux

package conn

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// socketBufferSize is requested for both directions. SO_RCVBUFFORCE
// needs CAP_NET_ADMIN, so the unprivileged option is tried after it.
const socketBufferSize = 7 << 20

func listenConfig() *net.ListenConfig {
	return &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				if unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, socketBufferSize) != nil {
					_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferSize)
				}
				if unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUFFORCE, socketBufferSize) != nil {
					_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferSize)
				}
			})
		},
	}
}

func setMark(conn *net.UDPConn, mark uint32) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var operr error
	err = rawConn.Control(func(fd uintptr) {
		operr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark))
	})
	if err == nil {
		err = operr
	}
	return err
}
