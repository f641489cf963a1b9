// Package conn is the UDP transport used by the reference host.
package conn

import (
	"errors"
	"net/netip"
)

// BatchSize is the number of datagrams read or written in one system call.
const BatchSize = 128

var ErrBindAlreadyOpen = errors.New("bind is already open")

// A ReceiveFunc receives at most len(bufs) datagrams, filling sizes and
// eps for each. It returns net.ErrClosed once the Bind is closed.
type ReceiveFunc func(bufs [][]byte, sizes []int, eps []netip.AddrPort) (n int, err error)

// A Bind listens on a port for both IPv4 and IPv6 UDP traffic.
type Bind interface {
	// Open puts the Bind into a listening state on a given port and reports
	// the actual port that it bound to. Passing zero results in a random
	// selection. fns is the set of functions that will be called to
	// receive packets.
	Open(port uint16) (fns []ReceiveFunc, actualPort uint16, err error)

	// Close closes the Bind listener.
	// All fns returned by Open must return net.ErrClosed after a call to Close.
	Close() error

	// SetMark sets the mark for each packet sent through this Bind.
	// This mark is passed to the kernel as the socket option SO_MARK.
	SetMark(mark uint32) error

	// Send writes one or more packets in bufs to address ep.
	Send(bufs [][]byte, ep netip.AddrPort) error

	// BatchSize is the number of buffers expected to be passed to
	// the ReceiveFuncs, and the maximum expected to be passed to Send.
	BatchSize() int
}
