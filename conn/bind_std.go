package conn

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

var (
	_ Bind = (*StdNetBind)(nil)
	// If compilation fails here these are no longer the same underlying type.
	_ ipv6.Message = ipv4.Message{}
)

// StdNetBind is a Bind over a pair of net.UDPConn, using recvmmsg and
// sendmmsg through golang.org/x/net where the platform has them.
type StdNetBind struct {
	mu     sync.Mutex // protects all fields except as specified
	ipv4   *net.UDPConn
	ipv6   *net.UDPConn
	ipv4PC *ipv4.PacketConn
	ipv6PC *ipv6.PacketConn
	mark   uint32

	// these two fields are not guarded by mu
	udpAddrPool sync.Pool
	msgsPool    sync.Pool
}

func NewStdNetBind() *StdNetBind {
	return &StdNetBind{
		udpAddrPool: sync.Pool{
			New: func() any {
				return &net.UDPAddr{
					IP: make([]byte, 16),
				}
			},
		},
		msgsPool: sync.Pool{
			New: func() any {
				// ipv6.Message and ipv4.Message are interchangeable as they are
				// both aliases for x/net/internal/socket.Message.
				msgs := make([]ipv6.Message, BatchSize)
				for i := range msgs {
					msgs[i].Buffers = make(net.Buffers, 1)
				}
				return &msgs
			},
		},
	}
}

func listenNet(network string, port int) (*net.UDPConn, int, error) {
	conn, err := listenConfig().ListenPacket(context.Background(), network, ":"+strconv.Itoa(port))
	if err != nil {
		return nil, 0, err
	}
	// retrieve port
	laddr := conn.LocalAddr()
	uaddr, err := net.ResolveUDPAddr(
		laddr.Network(),
		laddr.String(),
	)
	if err != nil {
		return nil, 0, err
	}
	return conn.(*net.UDPConn), uaddr.Port, nil
}

func (b *StdNetBind) Open(uport uint16) ([]ReceiveFunc, uint16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	var tries int
	if b.ipv4 != nil || b.ipv6 != nil {
		return nil, 0, ErrBindAlreadyOpen
	}
	// Attempt to open ipv4 and ipv6 listeners on the same port.
	// If uport is 0, we can retry on failure.
	for {
		port := int(uport)
		var v4conn, v6conn *net.UDPConn
		v4conn, port, err = listenNet("udp4", port)
		if err != nil && !errors.Is(err, syscall.EAFNOSUPPORT) {
			return nil, 0, err
		}
		// Listen on the same port as we're using for ipv4.
		v6conn, port, err = listenNet("udp6", port)
		if uport == 0 && errors.Is(err, syscall.EADDRINUSE) && tries < 100 {
			if v4conn != nil {
				v4conn.Close()
			}
			tries++
			continue
		}
		if err != nil && !errors.Is(err, syscall.EAFNOSUPPORT) {
			if v4conn != nil {
				v4conn.Close()
			}
			return nil, 0, err
		}
		var fns []ReceiveFunc
		if v4conn != nil {
			b.ipv4 = v4conn
			b.ipv4PC = ipv4.NewPacketConn(v4conn)
			fns = append(fns, b.makeReceive(b.ipv4PC))
		}
		if v6conn != nil {
			b.ipv6 = v6conn
			b.ipv6PC = ipv6.NewPacketConn(v6conn)
			fns = append(fns, b.makeReceive(b.ipv6PC))
		}
		if len(fns) == 0 {
			return nil, 0, syscall.EAFNOSUPPORT
		}
		if b.mark != 0 {
			if err := b.setMarkLocked(b.mark); err != nil {
				b.closeLocked()
				return nil, 0, err
			}
		}
		return fns, uint16(port), nil
	}
}

func (b *StdNetBind) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked()
}

func (b *StdNetBind) closeLocked() error {
	var err1, err2 error
	if b.ipv4 != nil {
		err1 = b.ipv4.Close()
		b.ipv4 = nil
		b.ipv4PC = nil
	}
	if b.ipv6 != nil {
		err2 = b.ipv6.Close()
		b.ipv6 = nil
		b.ipv6PC = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// SetMark records mark and applies it to the open sockets, if any.
// A mark set before Open is applied when the sockets are created.
func (b *StdNetBind) SetMark(mark uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mark = mark
	return b.setMarkLocked(mark)
}

func (b *StdNetBind) setMarkLocked(mark uint32) error {
	for _, conn := range []*net.UDPConn{b.ipv4, b.ipv6} {
		if conn == nil {
			continue
		}
		if err := setMark(conn, mark); err != nil {
			return err
		}
	}
	return nil
}

// LocalPort reports the bound port, or zero when closed.
func (b *StdNetBind) LocalPort() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, conn := range []*net.UDPConn{b.ipv4, b.ipv6} {
		if conn != nil {
			return uint16(conn.LocalAddr().(*net.UDPAddr).Port)
		}
	}
	return 0
}

func (b *StdNetBind) BatchSize() int {
	return BatchSize
}

type batchReader interface {
	ReadBatch([]ipv6.Message, int) (int, error)
}

type batchWriter interface {
	WriteBatch([]ipv6.Message, int) (int, error)
}

func (b *StdNetBind) Send(bufs [][]byte, ep netip.AddrPort) error {
	if len(bufs) > BatchSize {
		return errors.New("too many buffers for one batch")
	}
	addr := ep.Addr().Unmap()
	b.mu.Lock()
	is6 := addr.Is6()
	conn := b.ipv4
	var bw batchWriter = b.ipv4PC
	if is6 {
		conn = b.ipv6
		bw = b.ipv6PC
	}
	b.mu.Unlock()
	if conn == nil {
		return syscall.EAFNOSUPPORT
	}
	msgs := b.getMessages()
	defer b.putMessages(msgs)
	udpAddr := b.udpAddrPool.Get().(*net.UDPAddr)
	defer b.udpAddrPool.Put(udpAddr)
	if is6 {
		as16 := addr.As16()
		udpAddr.IP = udpAddr.IP[:16]
		copy(udpAddr.IP, as16[:])
	} else {
		as4 := addr.As4()
		udpAddr.IP = udpAddr.IP[:4]
		copy(udpAddr.IP, as4[:])
	}
	udpAddr.Port = int(ep.Port())
	for i := range bufs {
		(*msgs)[i].Addr = udpAddr
		(*msgs)[i].Buffers[0] = bufs[i]
	}
	return send(bw, (*msgs)[:len(bufs)])
}

func send(bw batchWriter, msgs []ipv6.Message) error {
	var (
		n      int
		err    error
		offset int
	)
	for {
		n, err = bw.WriteBatch(msgs[offset:], 0)
		if err != nil || n == len(msgs[offset:]) {
			break
		}
		offset += n
	}
	return err
}

func (b *StdNetBind) makeReceive(br batchReader) ReceiveFunc {
	return func(bufs [][]byte, sizes []int, eps []netip.AddrPort) (n int, err error) {
		return b.receiveIP(br, bufs, sizes, eps)
	}
}

func (b *StdNetBind) getMessages() *[]ipv6.Message {
	return b.msgsPool.Get().(*[]ipv6.Message)
}

func (b *StdNetBind) putMessages(msgs *[]ipv6.Message) {
	for i := range *msgs {
		// drop the references to caller buffers, keep the slices
		(*msgs)[i].Buffers[0] = nil
		(*msgs)[i] = ipv6.Message{Buffers: (*msgs)[i].Buffers}
	}
	b.msgsPool.Put(msgs)
}

func (b *StdNetBind) receiveIP(
	br batchReader,
	bufs [][]byte,
	sizes []int,
	eps []netip.AddrPort,
) (n int, err error) {
	msgs := b.getMessages()
	defer b.putMessages(msgs)
	count := min(len(bufs), len(*msgs))
	for i := 0; i < count; i++ {
		(*msgs)[i].Buffers[0] = bufs[i]
	}
	numMsgs, err := br.ReadBatch((*msgs)[:count], 0)
	if err != nil {
		return 0, err
	}
	for i := 0; i < numMsgs; i++ {
		msg := &(*msgs)[i]
		sizes[i] = msg.N
		if sizes[i] == 0 {
			continue
		}
		if ua, ok := msg.Addr.(*net.UDPAddr); ok {
			ap := ua.AddrPort()
			eps[i] = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
		}
	}
	return numMsgs, nil
}
