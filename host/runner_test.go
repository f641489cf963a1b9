package host

import (
	"context"
	"crypto/rand"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/muhtutorials/abstracttun/conn/bindtest"
	"github.com/muhtutorials/abstracttun/device"
	"github.com/muhtutorials/abstracttun/tun"
)

// chanTUN is a tun.Device backed by channels. Packets pushed to in are
// read by the runner, packets the runner writes appear on out.
type chanTUN struct {
	in     chan []byte
	out    chan []byte
	events chan tun.Event
	closed chan struct{}
	once   sync.Once

	mu    sync.Mutex
	addrs []netip.Prefix
	up    bool
}

var (
	_ tun.Device     = (*chanTUN)(nil)
	_ tun.Configurer = (*chanTUN)(nil)
)

func newChanTUN() *chanTUN {
	return &chanTUN{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		events: make(chan tun.Event, 1),
		closed: make(chan struct{}),
	}
}

func (c *chanTUN) File() *os.File { return nil }

func (c *chanTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	select {
	case p := <-c.in:
		sizes[0] = copy(bufs[0][offset:], p)
		return 1, nil
	case <-c.closed:
		return 0, os.ErrClosed
	}
}

func (c *chanTUN) Write(bufs [][]byte, offset int) (int, error) {
	for i, b := range bufs {
		select {
		case c.out <- append([]byte(nil), b[offset:]...):
		case <-c.closed:
			return i, os.ErrClosed
		}
	}
	return len(bufs), nil
}

func (c *chanTUN) MTU() (int, error) { return 1420, nil }
func (c *chanTUN) Name() (string, error) { return "chantun", nil }
func (c *chanTUN) Events() <-chan tun.Event { return c.events }
func (c *chanTUN) BatchSize() int { return 1 }

func (c *chanTUN) Close() error {
	c.once.Do(func() {
		close(c.closed)
		close(c.events)
	})
	return nil
}

func (c *chanTUN) SetUp() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.up = true
	return nil
}

func (c *chanTUN) AddAddress(prefix netip.Prefix) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addrs = append(c.addrs, prefix)
	return nil
}

func udpPacket(t *testing.T, v6 bool, payload string) []byte {
	t.Helper()
	var network gopacket.NetworkLayer
	var ipLayer gopacket.SerializableLayer
	if v6 {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      net.ParseIP("fd00::1"),
			DstIP:      net.ParseIP("fd00::2"),
		}
		network, ipLayer = ip, ip
	} else {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(10, 0, 0, 1),
			DstIP:    net.IPv4(10, 0, 0, 2),
		}
		network, ipLayer = ip, ip
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 7}
	require.NoError(t, udp.SetNetworkLayerForChecksum(network))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ipLayer, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

type runnerPair struct {
	a, b       *Runner
	tunA, tunB *chanTUN
}

func newRunnerPair(t *testing.T) *runnerPair {
	t.Helper()
	skA, err := device.NewPrivateKey(rand.Reader)
	require.NoError(t, err)
	skB, err := device.NewPrivateKey(rand.Reader)
	require.NoError(t, err)
	logger, err := NewLogger(io.Discard, "debug", "text")
	require.NoError(t, err)

	binds := bindtest.NewChannelBinds(51820, 51821)
	p := &runnerPair{tunA: newChanTUN(), tunB: newChanTUN()}
	p.a, err = New(Config{
		Params: device.Params{
			PrivateKey:    skA,
			PeerPublicKey: skB.PublicKey(),
			Endpoint:      device.EndpointFromAddrPort(binds[1].Addr()),
		},
		Bind:         binds[0],
		ListenPort:   51820,
		TUN:          p.tunA,
		Addresses:    []netip.Prefix{netip.MustParsePrefix("10.0.0.1/24")},
		TickInterval: 10 * time.Millisecond,
		Logger:       logger,
	})
	require.NoError(t, err)
	p.b, err = New(Config{
		Params: device.Params{
			PrivateKey:    skB,
			PeerPublicKey: skA.PublicKey(),
			Endpoint:      device.EndpointFromAddrPort(binds[0].Addr()),
		},
		Bind:         binds[1],
		TUN:          p.tunB,
		TickInterval: 10 * time.Millisecond,
		Logger:       logger,
	})
	require.NoError(t, err)
	return p
}

func receive(t *testing.T, c *chanTUN) []byte {
	t.Helper()
	select {
	case p := <-c.out:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no packet delivered")
		return nil
	}
}

func TestRunnerEndToEnd(t *testing.T) {
	p := newRunnerPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := make(chan error, 2)
	go func() { errs <- p.a.Run(ctx) }()
	go func() { errs <- p.b.Run(ctx) }()

	require.Eventually(t, func() bool {
		return p.a.Device().Status() == device.StatusEstablished &&
			p.b.Device().Status() == device.StatusEstablished
	}, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 51820, p.a.LocalPort())
	require.EqualValues(t, 51821, p.b.LocalPort())

	p.tunA.mu.Lock()
	require.Equal(t, []netip.Prefix{netip.MustParsePrefix("10.0.0.1/24")}, p.tunA.addrs)
	require.True(t, p.tunA.up)
	p.tunA.mu.Unlock()

	v4 := udpPacket(t, false, "hello over ipv4")
	p.tunA.in <- v4
	require.Equal(t, v4, receive(t, p.tunB))

	v6 := udpPacket(t, true, "hello over ipv6")
	p.tunB.in <- v6
	require.Equal(t, v6, receive(t, p.tunA))

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("runner did not stop")
		}
	}
	stats := p.a.Device().Stats()
	require.EqualValues(t, 1, stats.TunPackets)
	require.NotZero(t, stats.TxDatagrams)

	// closed engines ignore traffic
	p.a.Device().HandleHostTraffic(v4)
	require.Equal(t, stats.TxDatagrams, p.a.Device().Stats().TxDatagrams)
	require.Error(t, p.a.Run(context.Background()))
}

func TestRunnerRateLimitsInitiations(t *testing.T) {
	p := newRunnerPair(t)
	r := p.a
	frozen := time.Unix(1700000000, 0)
	r.limiter.Init(func() time.Time { return frozen })
	defer r.limiter.Close()

	from := netip.MustParseAddrPort("192.0.2.9:4000")
	send := func(size int, msgType byte) {
		buf := r.pool.Get().(*buffer)
		for i := range buf[:size] {
			buf[i] = 0
		}
		buf[0] = msgType
		r.dispatch(inbound{source: sourceUDP, buf: buf, n: size, from: from})
	}
	for i := 0; i < 10; i++ {
		send(device.MessageInitiationSize, device.MessageInitiationType)
	}
	// only the burst reaches the engine, where mac1 fails
	require.EqualValues(t, 4, r.Device().Stats().Dropped(device.DropInvalidMAC))

	for i := 0; i < 10; i++ {
		send(device.MessageKeepaliveSize, device.MessageTransportType)
	}
	require.EqualValues(t, 10, r.Device().Stats().Dropped(device.DropNoSession))
}

func TestNewRunnerValidation(t *testing.T) {
	binds := bindtest.NewChannelBinds(1, 2)
	_, err := New(Config{TUN: newChanTUN()})
	require.Error(t, err)
	_, err = New(Config{Bind: binds[0]})
	require.Error(t, err)
	_, err = New(Config{Bind: binds[0], TUN: newChanTUN()})
	require.Error(t, err, "missing keys")
}
