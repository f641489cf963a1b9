// Package bindtest provides in-memory conn.Bind pairs for tests.
package bindtest

import (
	"errors"
	"net"
	"net/netip"
	"sync"

	"github.com/muhtutorials/abstracttun/conn"
)

var _ conn.Bind = (*ChannelBind)(nil)

// ChannelBind delivers datagrams sent to its peer's address into the
// peer's receive channel. Datagrams to any other address are dropped.
type ChannelBind struct {
	mu          sync.Mutex
	rx          chan []byte
	peer        *ChannelBind
	source      netip.AddrPort
	closeSignal chan struct{}
	open        bool
}

// NewChannelBinds returns two binds wired to each other, listening on
// 127.0.0.1 ports a and b.
func NewChannelBinds(a, b uint16) [2]*ChannelBind {
	arx4 := make(chan []byte, conn.BatchSize)
	brx4 := make(chan []byte, conn.BatchSize)
	binds := [2]*ChannelBind{
		{rx: arx4, source: netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), a)},
		{rx: brx4, source: netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), b)},
	}
	binds[0].peer = binds[1]
	binds[1].peer = binds[0]
	return binds
}

// Addr is the address the bind receives on.
func (c *ChannelBind) Addr() netip.AddrPort {
	return c.source
}

func (c *ChannelBind) BatchSize() int { return 1 }

func (c *ChannelBind) SetMark(mark uint32) error { return nil }

func (c *ChannelBind) Open(port uint16) (fns []conn.ReceiveFunc, actualPort uint16, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return nil, 0, conn.ErrBindAlreadyOpen
	}
	if port != 0 && port != c.source.Port() {
		return nil, 0, errors.New("bindtest: port does not match the pair")
	}
	c.open = true
	c.closeSignal = make(chan struct{})
	closed := c.closeSignal
	fn := func(bufs [][]byte, sizes []int, eps []netip.AddrPort) (n int, err error) {
		select {
		case <-closed:
			return 0, net.ErrClosed
		case b := <-c.rx:
			sizes[0] = copy(bufs[0], b)
			eps[0] = c.peer.source
			return 1, nil
		}
	}
	return []conn.ReceiveFunc{fn}, c.source.Port(), nil
}

func (c *ChannelBind) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		close(c.closeSignal)
		c.open = false
	}
	return nil
}

func (c *ChannelBind) Send(bufs [][]byte, ep netip.AddrPort) error {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		return net.ErrClosed
	}
	if ep != c.peer.source {
		return nil
	}
	for _, b := range bufs {
		select {
		case c.peer.rx <- append([]byte(nil), b...):
		default:
			// queue full, drop like a congested link
		}
	}
	return nil
}
