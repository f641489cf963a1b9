package device

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
	"unsafe"
)

// Params configures a Device. Only the keys, the endpoint and the host
// are required.
type Params struct {
	PrivateKey    NoisePrivateKey
	PeerPublicKey NoisePublicKey
	PresharedKey  NoisePresharedKey
	Endpoint      Endpoint
	Host          Host
	// Zero disables persistent keepalives.
	PersistentKeepalive time.Duration
	// Defaults to NewMonotonicClock.
	Clock Clock
	// Wall clock time at logical time zero, used only to label handshake
	// initiations. Defaults to the time NewDevice is called.
	Epoch time.Time
	// Defaults to crypto/rand.
	Rand   io.Reader
	Logger *Logger
}

// Device is a WireGuard engine talking to exactly one peer. It owns no
// goroutines and no sockets: the host feeds it through the three
// Handle methods and receives its output through the Host callbacks.
//
// The Handle methods are safe to call from several goroutines, but a
// Host callback must never call back into the Device.
type Device struct {
	mu     sync.Mutex
	closed bool

	// static identity
	keys          keys
	peer          *Peer
	indexTable    IndexTable
	cookieChecker CookieChecker

	clock Clock
	epoch time.Time
	rand  io.Reader
	out   hostWriter
	log   *Logger
	stats stats

	// scratch space, so that the data path does not allocate
	sendBuf      *[MaxMessageSize]byte
	recvBuf      *[MaxMessageSize]byte
	handshakeBuf [MessageHandshakeSize]byte
}

type keys struct {
	privateKey NoisePrivateKey
	publicKey  NoisePublicKey
}

func NewDevice(p Params) (*Device, error) {
	if p.PrivateKey.IsZero() {
		return nil, errors.New("private key is required")
	}
	if p.PeerPublicKey.IsZero() {
		return nil, errors.New("peer public key is required")
	}
	if p.Host == nil {
		return nil, errors.New("host is required")
	}
	if err := p.Endpoint.validate(); err != nil {
		return nil, err
	}
	d := &Device{
		clock:   p.Clock,
		epoch:   p.Epoch,
		rand:    p.Rand,
		log:     p.Logger.orDiscard(),
		sendBuf: new([MaxMessageSize]byte),
		recvBuf: new([MaxMessageSize]byte),
	}
	if d.clock == nil {
		d.clock = NewMonotonicClock()
	}
	if d.epoch.IsZero() {
		d.epoch = time.Now()
	}
	if d.rand == nil {
		d.rand = rand.Reader
	}
	d.out = hostWriter{host: p.Host, stats: &d.stats}
	d.indexTable.Init()

	d.keys.privateKey = p.PrivateKey
	d.keys.privateKey.clamp()
	d.keys.publicKey = d.keys.privateKey.publicKey()
	if d.keys.publicKey.Equals(p.PeerPublicKey) {
		return nil, errors.New("peer public key equals the local public key")
	}
	d.cookieChecker.Init(d.keys.publicKey)

	d.peer = newPeer(d, p.PeerPublicKey, p.PresharedKey, p.Endpoint)
	d.peer.persistentKeepalive = p.PersistentKeepalive
	shared, err := d.keys.privateKey.sharedSecret(p.PeerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("peer public key: %w", err)
	}
	d.peer.handshake.precomputedSharedSecret = shared
	d.log.Verbosef("%v - Created for endpoint %v", d.peer, p.Endpoint)
	return d, nil
}

// PublicKey returns the local static public key.
func (d *Device) PublicKey() NoisePublicKey {
	return d.keys.publicKey
}

// HandleTunnelTraffic processes one datagram received from the peer's
// UDP endpoint.
func (d *Device) HandleTunnelTraffic(buf []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	now := d.clock.Now()
	if err := d.receive(buf, now); err != nil {
		d.drop(err)
	}
}

// HandleHostTraffic encrypts one IP packet read from the TUN interface
// and sends it to the peer.
func (d *Device) HandleHostTraffic(buf []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	now := d.clock.Now()
	if err := d.peer.sendPacket(buf, now); err != nil {
		d.drop(err)
	}
}

// HandleTimerEvent runs the periodic maintenance. Hosts should call it at
// least every 250ms.
func (d *Device) HandleTimerEvent() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.peer.tick(d.clock.Now())
}

// Close erases the key material. The Handle methods do nothing afterwards.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.peer.ZeroAndFlushAll()
	setZero(d.peer.handshake.precomputedSharedSecret[:])
	setZero(d.keys.privateKey[:])
	d.log.Verbosef("%v - Closed", d.peer)
}

// Stats returns a snapshot of the counters. It may be called concurrently
// with the Handle methods.
func (d *Device) Stats() Stats {
	return d.stats.snapshot()
}

func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peer.status
}

// SizeOf reports the memory a Device holds, scratch buffers included.
func SizeOf() int {
	return int(unsafe.Sizeof(Device{})+unsafe.Sizeof(Peer{})) + 2*MaxMessageSize
}

func (d *Device) drop(err error) {
	reason := dropReason(err)
	d.stats.drops[reason].Add(1)
	d.log.Verbosef("%v - Dropping packet (%v): %v", d.peer, reason, err)
}

func (d *Device) receive(buf []byte, now time.Duration) error {
	if len(buf) < 4 {
		return errShortPacket
	}
	// the 3 reserved bytes must be zero, so read them with the type
	msgType := binary.LittleEndian.Uint32(buf[:4])
	peer := d.peer
	switch msgType {
	case MessageInitiationType:
		if len(buf) != MessageInitiationSize {
			return errMessageLenMismatch
		}
		if !d.cookieChecker.CheckMAC1(buf) {
			return errInvalidMAC1
		}
		return peer.receiveHandshakeInitiation(buf, now)
	case MessageResponseType:
		if len(buf) != MessageResponseSize {
			return errMessageLenMismatch
		}
		if !d.cookieChecker.CheckMAC1(buf) {
			return errInvalidMAC1
		}
		return peer.receiveHandshakeResponse(buf, now)
	case MessageCookieReplyType:
		if len(buf) != MessageCookieReplySize {
			return errMessageLenMismatch
		}
		return peer.receiveCookieReply(buf, now)
	case MessageTransportType:
		if len(buf) < MessageTransportSize {
			return errShortPacket
		}
		return peer.receiveTransport(buf, now)
	default:
		return errUnknownMessageType
	}
}
