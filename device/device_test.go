package device

import (
	"bytes"
	crand "crypto/rand"
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Duration
}

func (c *fakeClock) Now() time.Duration {
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.now += d
}

type datagram struct {
	v6   bool
	addr [16]byte
	port uint16
	data []byte
}

func (d datagram) msgType() uint32 {
	return binary.LittleEndian.Uint32(d.data[:4])
}

func (d datagram) counter() uint64 {
	return binary.LittleEndian.Uint64(d.data[MessageTransportOffsetCounter:MessageTransportOffsetContent])
}

// recordingHost copies everything the device hands it.
type recordingHost struct {
	udp  []datagram
	tun4 [][]byte
	tun6 [][]byte
}

func (h *recordingHost) SendUDPv4(addr [4]byte, port uint16, packet []byte) {
	dg := datagram{port: port, data: append([]byte(nil), packet...)}
	copy(dg.addr[:], addr[:])
	h.udp = append(h.udp, dg)
}

func (h *recordingHost) SendUDPv6(addr [16]byte, port uint16, packet []byte) {
	h.udp = append(h.udp, datagram{v6: true, addr: addr, port: port, data: append([]byte(nil), packet...)})
}

func (h *recordingHost) DeliverTunV4(packet []byte) {
	h.tun4 = append(h.tun4, append([]byte(nil), packet...))
}

func (h *recordingHost) DeliverTunV6(packet []byte) {
	h.tun6 = append(h.tun6, append([]byte(nil), packet...))
}

func (h *recordingHost) take() []datagram {
	out := h.udp
	h.udp = nil
	return out
}

func (h *recordingHost) ofType(msgType uint32) []datagram {
	var out []datagram
	for _, dg := range h.udp {
		if dg.msgType() == msgType {
			out = append(out, dg)
		}
	}
	return out
}

var testEpoch = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

type testPair struct {
	clock        *fakeClock
	a, b         *Device
	hostA, hostB *recordingHost
}

func newKey(t *testing.T) NoisePrivateKey {
	t.Helper()
	key, err := NewPrivateKey(crand.Reader)
	require.NoError(t, err)
	return key
}

func newTestPair(t *testing.T) *testPair {
	t.Helper()
	skA, skB := newKey(t), newKey(t)
	p := &testPair{
		clock: &fakeClock{},
		hostA: &recordingHost{},
		hostB: &recordingHost{},
	}
	var err error
	p.a, err = NewDevice(Params{
		PrivateKey:    skA,
		PeerPublicKey: skB.PublicKey(),
		Endpoint:      EndpointFromAddrPort(netip.MustParseAddrPort("192.0.2.2:51820")),
		Host:          p.hostA,
		Clock:         p.clock,
		Epoch:         testEpoch,
	})
	require.NoError(t, err)
	p.b, err = NewDevice(Params{
		PrivateKey:    skB,
		PeerPublicKey: skA.PublicKey(),
		Endpoint:      EndpointFromAddrPort(netip.MustParseAddrPort("192.0.2.1:51821")),
		Host:          p.hostB,
		Clock:         p.clock,
		Epoch:         testEpoch,
	})
	require.NoError(t, err)
	return p
}

// initiate starts a new handshake attempt on d regardless of its timers.
func initiate(d *Device, now time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peer.timers.handshakeAttempt = instant{}
	d.peer.timers.handshakeSent = instant{}
	d.peer.SendHandshakeInitiation(now, false)
}

func forward(from *recordingHost, to *Device) {
	for _, dg := range from.take() {
		to.HandleTunnelTraffic(dg.data)
	}
}

// handshake runs a full exchange with a as the initiator.
func (p *testPair) handshake(t *testing.T) {
	t.Helper()
	initiate(p.a, p.clock.now)
	initiation := p.hostA.take()
	require.Len(t, initiation, 1)
	require.EqualValues(t, MessageInitiationType, initiation[0].msgType())
	p.b.HandleTunnelTraffic(initiation[0].data)
	response := p.hostB.take()
	require.Len(t, response, 1)
	require.EqualValues(t, MessageResponseType, response[0].msgType())
	p.a.HandleTunnelTraffic(response[0].data)
	require.Equal(t, StatusEstablished, p.a.Status())
	require.Equal(t, StatusPendingTraffic, p.b.Status())
}

func ipv4Packet(t *testing.T, payloadLen int) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP{10, 0, 0, 1},
		DstIP:    net.IP{10, 0, 0, 2},
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, payloadLen, ip, udp)
}

func ipv6Packet(t *testing.T, payloadLen int) []byte {
	t.Helper()
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      net.ParseIP("fd00::1"),
		DstIP:      net.ParseIP("fd00::2"),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, payloadLen, ip, udp)
}

func serialize(t *testing.T, payloadLen int, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	payload := make([]byte, payloadLen)
	for i := range payload {
		payload[i] = byte(i)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, append(ls, gopacket.Payload(payload))...))
	return append([]byte(nil), buf.Bytes()...)
}

func TestNewDeviceValidation(t *testing.T) {
	sk, peer := newKey(t), newKey(t).PublicKey()
	ep := EndpointFromAddrPort(netip.MustParseAddrPort("192.0.2.2:51820"))
	host := &recordingHost{}
	var lowOrder NoisePublicKey
	lowOrder[0] = 1

	tests := []struct {
		name   string
		params Params
	}{
		{"zero private key", Params{PeerPublicKey: peer, Endpoint: ep, Host: host}},
		{"zero peer key", Params{PrivateKey: sk, Endpoint: ep, Host: host}},
		{"nil host", Params{PrivateKey: sk, PeerPublicKey: peer, Endpoint: ep}},
		{"bad family", Params{PrivateKey: sk, PeerPublicKey: peer, Endpoint: Endpoint{Family: 2}, Host: host}},
		{"own key", Params{PrivateKey: sk, PeerPublicKey: sk.PublicKey(), Endpoint: ep, Host: host}},
		{"low order peer key", Params{PrivateKey: sk, PeerPublicKey: lowOrder, Endpoint: ep, Host: host}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDevice(tt.params)
			require.Error(t, err)
		})
	}

	d, err := NewDevice(Params{PrivateKey: sk, PeerPublicKey: peer, Endpoint: ep, Host: host})
	require.NoError(t, err)
	require.Equal(t, sk.PublicKey(), d.PublicKey())
	require.Equal(t, StatusIdle, d.Status())
}

func TestTickSendsInitiation(t *testing.T) {
	p := newTestPair(t)
	p.a.HandleTimerEvent()
	sent := p.hostA.take()
	require.Len(t, sent, 1)
	dg := sent[0]
	require.False(t, dg.v6)
	require.Len(t, dg.data, MessageInitiationSize)
	require.EqualValues(t, MessageInitiationType, dg.msgType())
	require.Equal(t, [4]byte{192, 0, 2, 2}, [4]byte(dg.addr[:4]))
	require.EqualValues(t, 51820, dg.port)
	require.Equal(t, StatusInitiationSent, p.a.Status())
	require.EqualValues(t, 1, p.a.Stats().InitiationsSent)
}

func TestHandshakeThenData(t *testing.T) {
	p := newTestPair(t)
	p.handshake(t)

	packet := ipv4Packet(t, 32)
	require.Len(t, packet, 60)
	p.a.HandleHostTraffic(packet)
	sent := p.hostA.take()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].data, 60+32)
	require.EqualValues(t, MessageTransportType, sent[0].msgType())
	require.Zero(t, sent[0].counter())

	p.b.HandleTunnelTraffic(sent[0].data)
	require.Equal(t, [][]byte{packet}, p.hostB.tun4)
	require.Equal(t, StatusEstablished, p.b.Status())
	require.EqualValues(t, 1, p.b.Stats().HandshakesCompleted)
}

func TestRoundTrip(t *testing.T) {
	p := newTestPair(t)
	p.handshake(t)

	var sent4, sent6 [][]byte
	for i := 0; i < 20; i++ {
		v4 := ipv4Packet(t, i*37)
		v6 := ipv6Packet(t, i*53)
		sent4 = append(sent4, v4)
		sent6 = append(sent6, v6)
		p.a.HandleHostTraffic(v4)
		p.a.HandleHostTraffic(v6)
	}
	forward(p.hostA, p.b)
	require.Equal(t, sent4, p.hostB.tun4)
	require.Equal(t, sent6, p.hostB.tun6)

	// the responder is confirmed now and can answer
	reply := ipv6Packet(t, 100)
	p.b.HandleHostTraffic(reply)
	forward(p.hostB, p.a)
	require.Equal(t, [][]byte{reply}, p.hostA.tun6)
}

func TestNonceMonotonic(t *testing.T) {
	p := newTestPair(t)
	p.handshake(t)
	for i := 0; i < 100; i++ {
		p.a.HandleHostTraffic(ipv4Packet(t, 10))
	}
	sent := p.hostA.take()
	require.Len(t, sent, 100)
	for i, dg := range sent {
		require.EqualValues(t, i, dg.counter())
	}
}

func TestTransportReplay(t *testing.T) {
	p := newTestPair(t)
	p.handshake(t)
	p.a.HandleHostTraffic(ipv4Packet(t, 20))
	sent := p.hostA.take()
	require.Len(t, sent, 1)

	p.b.HandleTunnelTraffic(sent[0].data)
	p.b.HandleTunnelTraffic(sent[0].data)
	require.Len(t, p.hostB.tun4, 1)
	require.EqualValues(t, 1, p.b.Stats().Dropped(DropReplay))
}

func TestOutOfOrderWithinWindow(t *testing.T) {
	p := newTestPair(t)
	p.handshake(t)
	for i := 0; i < 64; i++ {
		p.a.HandleHostTraffic(ipv4Packet(t, i))
	}
	sent := p.hostA.take()
	for i := len(sent) - 1; i >= 0; i-- {
		p.b.HandleTunnelTraffic(sent[i].data)
	}
	require.Len(t, p.hostB.tun4, 64)
	for _, dg := range sent {
		p.b.HandleTunnelTraffic(dg.data)
	}
	require.Len(t, p.hostB.tun4, 64)
}

func TestTamperedTransportDropped(t *testing.T) {
	p := newTestPair(t)
	p.handshake(t)
	p.a.HandleHostTraffic(ipv4Packet(t, 20))
	sent := p.hostA.take()
	tampered := append([]byte(nil), sent[0].data...)
	tampered[len(tampered)-1] ^= 1

	p.b.HandleTunnelTraffic(tampered)
	require.Empty(t, p.hostB.tun4)
	require.EqualValues(t, 1, p.b.Stats().Dropped(DropDecrypt))

	// a failed decryption must leave the counter usable
	p.b.HandleTunnelTraffic(sent[0].data)
	require.Len(t, p.hostB.tun4, 1)
}

func TestPaddingTrimmed(t *testing.T) {
	p := newTestPair(t)
	p.handshake(t)
	packet := ipv4Packet(t, 11)
	padded := append(append([]byte(nil), packet...), make([]byte, 5)...)
	p.a.HandleHostTraffic(padded)
	forward(p.hostA, p.b)
	require.Equal(t, [][]byte{packet}, p.hostB.tun4)

	// declared length beyond the payload
	bad := append([]byte(nil), packet...)
	binary.BigEndian.PutUint16(bad[2:4], uint16(len(bad)+1))
	p.a.HandleHostTraffic(bad)
	forward(p.hostA, p.b)
	require.Len(t, p.hostB.tun4, 1)
	require.EqualValues(t, 1, p.b.Stats().Dropped(DropMalformed))
}

func TestSendLimitRekey(t *testing.T) {
	p := newTestPair(t)
	p.handshake(t)
	p.clock.advance(RekeyTimeout)
	p.a.peer.keypairs.current.sendNonce.Store(RekeyAfterMessages - 1)

	p.a.HandleHostTraffic(ipv4Packet(t, 20))
	sent := p.hostA.take()
	require.Len(t, sent, 2)
	require.EqualValues(t, MessageInitiationType, sent[0].msgType())
	require.EqualValues(t, MessageTransportType, sent[1].msgType())
	require.EqualValues(t, RekeyAfterMessages-1, sent[1].counter())

	p.b.HandleTunnelTraffic(sent[1].data)
	require.Len(t, p.hostB.tun4, 1)
}

func TestSendExhaustion(t *testing.T) {
	p := newTestPair(t)
	p.handshake(t)
	p.clock.advance(RekeyTimeout)
	kp := p.a.peer.keypairs.current
	kp.sendNonce.Store(RejectAfterMessages)

	p.a.HandleHostTraffic(ipv4Packet(t, 20))
	require.Empty(t, p.hostA.ofType(MessageTransportType))
	require.Len(t, p.hostA.ofType(MessageInitiationType), 1)
	require.True(t, kp.retired)
	require.Equal(t, uint64(RejectAfterMessages), kp.sendNonce.Load())
	require.EqualValues(t, 1, p.a.Stats().Dropped(DropRekeyRequired))

	// no further sends on the retired session
	p.hostA.take()
	p.a.HandleHostTraffic(ipv4Packet(t, 20))
	require.Empty(t, p.hostA.ofType(MessageTransportType))
	require.EqualValues(t, 1, p.a.Stats().Dropped(DropNoSession))
}

func TestResponderWaitsForConfirmation(t *testing.T) {
	p := newTestPair(t)
	p.handshake(t)

	p.b.HandleHostTraffic(ipv4Packet(t, 20))
	p.b.HandleTimerEvent()
	require.Empty(t, p.hostB.take(), "no data and no competing initiation")
	require.EqualValues(t, 1, p.b.Stats().Dropped(DropNoSession))
	require.Equal(t, StatusPendingTraffic, p.b.Status())

	// the initiator confirms with a keepalive on its next tick
	p.a.HandleTimerEvent()
	sent := p.hostA.take()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].data, MessageKeepaliveSize)
	p.b.HandleTunnelTraffic(sent[0].data)
	require.Equal(t, StatusEstablished, p.b.Status())
	require.EqualValues(t, 1, p.b.Stats().KeepalivesReceived)
	require.Empty(t, p.hostB.tun4)

	p.hostB.take()
	p.b.HandleHostTraffic(ipv4Packet(t, 20))
	require.Len(t, p.hostB.ofType(MessageTransportType), 1)
}

func TestResponderInitiatesAfterRekeyTimeout(t *testing.T) {
	p := newTestPair(t)
	p.handshake(t)

	p.clock.advance(RekeyTimeout - time.Millisecond)
	p.b.HandleHostTraffic(ipv4Packet(t, 40))
	require.Empty(t, p.hostB.ofType(MessageInitiationType))

	p.clock.advance(time.Millisecond)
	p.b.HandleHostTraffic(ipv4Packet(t, 40))
	require.Len(t, p.hostB.ofType(MessageInitiationType), 1)
	require.Equal(t, StatusInitiationSent, p.b.Status())
}

func TestSessionBound(t *testing.T) {
	p := newTestPair(t)
	for i := 0; i < 6; i++ {
		p.handshake(t)
		p.a.HandleHostTraffic(ipv4Packet(t, 8))
		forward(p.hostA, p.b)
		require.LessOrEqual(t, p.a.peer.keypairs.count(), 2)
		require.LessOrEqual(t, p.b.peer.keypairs.count(), 2)
		require.LessOrEqual(t, p.a.indexTable.Len(), 2)
		require.LessOrEqual(t, p.b.indexTable.Len(), 2)
		p.clock.advance(time.Second)
	}
	require.Len(t, p.hostB.tun4, 6)
}

func TestUnconfirmedSessionReplaced(t *testing.T) {
	p := newTestPair(t)
	p.handshake(t)
	p.a.HandleHostTraffic(ipv4Packet(t, 8))
	forward(p.hostA, p.b)
	confirmed := p.b.peer.keypairs.current

	// two handshakes that b never sees traffic on
	for i := 0; i < 2; i++ {
		p.clock.advance(time.Second)
		p.handshake(t)
	}
	require.Same(t, confirmed, p.b.peer.keypairs.previous)
	require.False(t, p.b.peer.keypairs.current.confirmed)
	require.Equal(t, 2, p.b.peer.keypairs.count())
}

func TestInitiationReplayAndFlood(t *testing.T) {
	p := newTestPair(t)
	initiate(p.a, p.clock.now)
	first := p.hostA.take()[0]
	initiate(p.a, p.clock.now)
	second := p.hostA.take()[0]

	p.b.HandleTunnelTraffic(first.data)
	require.Len(t, p.hostB.take(), 1)

	// fresh, but inside the flood interval
	p.clock.advance(HandshakeInitationRate - time.Millisecond)
	p.b.HandleTunnelTraffic(second.data)
	require.Empty(t, p.hostB.take())
	require.EqualValues(t, 1, p.b.Stats().Dropped(DropHandshake))

	p.clock.advance(time.Second)
	p.b.HandleTunnelTraffic(first.data)
	require.Empty(t, p.hostB.take())
	require.EqualValues(t, 2, p.b.Stats().Dropped(DropHandshake))

	// the flood drop left the timestamp untouched
	p.b.HandleTunnelTraffic(second.data)
	require.Len(t, p.hostB.take(), 1)
}

func TestInvalidMAC1Dropped(t *testing.T) {
	p := newTestPair(t)
	initiate(p.a, p.clock.now)
	dg := p.hostA.take()[0]
	dg.data[MessageInitiationSize-2*16] ^= 0xff

	p.b.HandleTunnelTraffic(dg.data)
	require.Empty(t, p.hostB.take())
	require.EqualValues(t, 1, p.b.Stats().Dropped(DropInvalidMAC))
	require.Equal(t, StatusIdle, p.b.Status())
}

func TestMalformedTunnelTraffic(t *testing.T) {
	p := newTestPair(t)
	initiate(p.a, p.clock.now)
	initiation := p.hostA.take()[0].data

	reserved := append([]byte(nil), initiation...)
	reserved[1] = 1
	tests := []struct {
		name   string
		packet []byte
		reason DropReason
	}{
		{"empty", nil, DropMalformed},
		{"short", []byte{4, 0, 0}, DropMalformed},
		{"unknown type", []byte{5, 0, 0, 0, 0, 0, 0, 0}, DropMalformed},
		{"reserved bytes", reserved, DropMalformed},
		{"truncated initiation", initiation[:100], DropMalformed},
		{"short transport", make([]byte, MessageTransportSize-1), DropMalformed},
		{"unknown index", append([]byte{4, 0, 0, 0, 9, 9, 9, 9}, make([]byte, 24)...), DropNoSession},
	}
	tests[5].packet[0] = MessageTransportType
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := p.b.Stats().Dropped(tt.reason)
			p.b.HandleTunnelTraffic(tt.packet)
			require.Equal(t, before+1, p.b.Stats().Dropped(tt.reason))
			require.Empty(t, p.hostB.take())
		})
	}
}

func TestMalformedHostTraffic(t *testing.T) {
	p := newTestPair(t)
	p.handshake(t)
	tooLarge := make([]byte, MaxContentSize+1)
	tooLarge[0] = 0x45
	tests := []struct {
		name   string
		packet []byte
	}{
		{"short", ipv4Packet(t, 0)[:19]},
		{"bad version", append([]byte{0x55}, make([]byte, 30)...)},
		{"too large", tooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p.a.HandleHostTraffic(tt.packet)
			require.Empty(t, p.hostA.take())
		})
	}
	require.EqualValues(t, 3, p.a.Stats().Dropped(DropMalformed))
}

func TestIPv6Endpoint(t *testing.T) {
	skA, skB := newKey(t), newKey(t)
	host := &recordingHost{}
	d, err := NewDevice(Params{
		PrivateKey:    skA,
		PeerPublicKey: skB.PublicKey(),
		Endpoint:      EndpointFromAddrPort(netip.MustParseAddrPort("[2001:db8::1]:51820")),
		Host:          host,
		Clock:         &fakeClock{},
	})
	require.NoError(t, err)
	d.HandleTimerEvent()
	require.Len(t, host.udp, 1)
	require.True(t, host.udp[0].v6)
	require.Equal(t, netip.MustParseAddr("2001:db8::1").As16(), host.udp[0].addr)
}

func TestCallbacksHost(t *testing.T) {
	type ctx struct{ sent int }
	c := &ctx{}
	cb := &Callbacks{
		Ctx: c,
		UDPv4: func(v any, addr [4]byte, port uint16, packet []byte) {
			v.(*ctx).sent++
		},
	}
	skA, skB := newKey(t), newKey(t)
	d, err := NewDevice(Params{
		PrivateKey:    skA,
		PeerPublicKey: skB.PublicKey(),
		Endpoint:      EndpointFromAddrPort(netip.MustParseAddrPort("192.0.2.2:51820")),
		Host:          cb,
		Clock:         &fakeClock{},
	})
	require.NoError(t, err)
	d.HandleTimerEvent()
	require.Equal(t, 1, c.sent)
	// nil callbacks drop silently
	cb.DeliverTunV6([]byte{0x60})
}

func TestClose(t *testing.T) {
	p := newTestPair(t)
	p.handshake(t)
	p.a.Close()
	p.a.Close()
	require.True(t, p.a.keys.privateKey.IsZero())
	require.Zero(t, p.a.peer.keypairs.count())

	p.a.HandleHostTraffic(ipv4Packet(t, 20))
	p.a.HandleTimerEvent()
	p.clock.advance(time.Hour)
	p.a.HandleTimerEvent()
	require.Empty(t, p.hostA.take())
}

func TestSizeOf(t *testing.T) {
	require.Greater(t, SizeOf(), 2*MaxMessageSize)
}

func TestEndpoint(t *testing.T) {
	ap := netip.MustParseAddrPort("[::ffff:10.1.2.3]:9")
	ep := EndpointFromAddrPort(ap)
	require.Equal(t, FamilyIPv4, ep.Family)
	require.Equal(t, "10.1.2.3:9", ep.String())
	require.NoError(t, ep.validate())
}

func TestCrossingInitiations(t *testing.T) {
	p := newTestPair(t)
	p.a.HandleTimerEvent()
	p.b.HandleTimerEvent()
	fromA := p.hostA.take()
	fromB := p.hostB.take()
	require.Len(t, fromA, 1)
	require.Len(t, fromB, 1)

	winner, loser := p.a, p.b
	winnerHost, loserHost := p.hostA, p.hostB
	keyA, keyB := p.a.PublicKey(), p.b.PublicKey()
	if bytes.Compare(keyA[:], keyB[:]) < 0 {
		winner, loser = p.b, p.a
		winnerHost, loserHost = p.hostB, p.hostA
		fromA, fromB = fromB, fromA
	}
	// fromA now holds the winner's initiation
	loser.HandleTunnelTraffic(fromA[0].data)
	winner.HandleTunnelTraffic(fromB[0].data)
	require.EqualValues(t, 1, winner.Stats().Dropped(DropHandshake))
	require.Empty(t, winnerHost.take())

	response := loserHost.ofType(MessageResponseType)
	require.Len(t, response, 1)
	winner.HandleTunnelTraffic(response[0].data)
	require.Equal(t, StatusEstablished, winner.Status())

	winner.HandleTimerEvent()
	forward(winnerHost, loser)
	require.Equal(t, StatusEstablished, loser.Status())
}
