package device

import (
	"fmt"
	"net/netip"
)

// Host is implemented by the platform that owns the UDP socket and the
// TUN interface. The device calls it synchronously from its entry points.
// Buffers are only valid for the duration of the call, and
// implementations must not call back into the Device.
type Host interface {
	SendUDPv4(addr [4]byte, port uint16, packet []byte)
	SendUDPv6(addr [16]byte, port uint16, packet []byte)
	DeliverTunV4(packet []byte)
	DeliverTunV6(packet []byte)
}

// Callbacks is a Host made of plain function values sharing one opaque
// context, the shape expected by foreign callers. Nil functions drop the
// packet.
type Callbacks struct {
	Ctx   any
	UDPv4 func(ctx any, addr [4]byte, port uint16, packet []byte)
	UDPv6 func(ctx any, addr [16]byte, port uint16, packet []byte)
	TunV4 func(ctx any, packet []byte)
	TunV6 func(ctx any, packet []byte)
}

var _ Host = (*Callbacks)(nil)

func (c *Callbacks) SendUDPv4(addr [4]byte, port uint16, packet []byte) {
	if c.UDPv4 != nil {
		c.UDPv4(c.Ctx, addr, port, packet)
	}
}

func (c *Callbacks) SendUDPv6(addr [16]byte, port uint16, packet []byte) {
	if c.UDPv6 != nil {
		c.UDPv6(c.Ctx, addr, port, packet)
	}
}

func (c *Callbacks) DeliverTunV4(packet []byte) {
	if c.TunV4 != nil {
		c.TunV4(c.Ctx, packet)
	}
}

func (c *Callbacks) DeliverTunV6(packet []byte) {
	if c.TunV6 != nil {
		c.TunV6(c.Ctx, packet)
	}
}

// AddressFamily tags the peer endpoint address.
type AddressFamily uint8

const (
	FamilyIPv4 AddressFamily = 0
	FamilyIPv6 AddressFamily = 1
)

// Endpoint is the UDP address of the peer. IPv4 addresses occupy the
// first 4 bytes of Addr.
type Endpoint struct {
	Family AddressFamily
	Addr   [16]byte
	Port   uint16
}

// EndpointFromAddrPort converts ap, unmapping IPv4-in-IPv6 addresses.
func EndpointFromAddrPort(ap netip.AddrPort) Endpoint {
	ep := Endpoint{Port: ap.Port()}
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		ep.Family = FamilyIPv4
		a4 := addr.As4()
		copy(ep.Addr[:], a4[:])
	} else {
		ep.Family = FamilyIPv6
		ep.Addr = addr.As16()
	}
	return ep
}

func (ep Endpoint) validate() error {
	switch ep.Family {
	case FamilyIPv4, FamilyIPv6:
		return nil
	default:
		return fmt.Errorf("invalid endpoint address family %d", ep.Family)
	}
}

// AddrPort returns the endpoint as a netip.AddrPort.
func (ep Endpoint) AddrPort() netip.AddrPort {
	if ep.Family == FamilyIPv4 {
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte(ep.Addr[:4])), ep.Port)
	}
	return netip.AddrPortFrom(netip.AddrFrom16(ep.Addr), ep.Port)
}

func (ep Endpoint) String() string {
	return ep.AddrPort().String()
}

// sendTo writes packet to the endpoint through the UDP callback of its family.
func (h *hostWriter) sendTo(ep Endpoint, packet []byte) {
	if ep.Family == FamilyIPv4 {
		h.host.SendUDPv4([4]byte(ep.Addr[:4]), ep.Port, packet)
	} else {
		h.host.SendUDPv6(ep.Addr, ep.Port, packet)
	}
}

// hostWriter wraps the Host so every outgoing datagram is counted.
type hostWriter struct {
	host  Host
	stats *stats
}

func (h *hostWriter) send(ep Endpoint, packet []byte) {
	h.stats.txDatagrams.Add(1)
	h.stats.txBytes.Add(uint64(len(packet)))
	h.sendTo(ep, packet)
}

func (h *hostWriter) deliver(v6 bool, packet []byte) {
	h.stats.tunPackets.Add(1)
	h.stats.tunBytes.Add(uint64(len(packet)))
	if v6 {
		h.host.DeliverTunV6(packet)
	} else {
		h.host.DeliverTunV4(packet)
	}
}
