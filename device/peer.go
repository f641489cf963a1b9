package device

import (
	"fmt"
	"time"
)

// Status is the handshake state of the peer as seen from outside.
type Status int

const (
	StatusIdle Status = iota
	StatusInitiationSent
	StatusInitiationReceived
	StatusPendingTraffic // responder session installed, waiting for the first packet
	StatusEstablished
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusInitiationSent:
		return "initiation-sent"
	case StatusInitiationReceived:
		return "initiation-received"
	case StatusPendingTraffic:
		return "established-pending-traffic"
	case StatusEstablished:
		return "established"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown status: %d", int(s))
	}
}

type Peer struct {
	device              *Device
	handshake           Handshake
	keypairs            Keypairs
	cookieGenerator     CookieGenerator
	endpoint            Endpoint
	persistentKeepalive time.Duration
	status              Status
	timers              timers
}

// timers holds the logical instants the tick logic is driven by.
type timers struct {
	handshakeAttempt   instant // start of the in-flight attempt, unset when none
	handshakeSent      instant // last initiation sent
	handshakeCompleted instant
	handshakeFailed    instant
	lastSent           instant // any authenticated packet
	lastReceived       instant
	lastKeepaliveSent  instant
	newHandshake       instant // first data sent without an answer
	sendKeepalive      instant // first data received without an answer
	zeroKeyMaterial    instant // last session derivation
	confirmPending     bool    // initiator has not sent on the new session yet
}

func newPeer(d *Device, pk NoisePublicKey, psk NoisePresharedKey, ep Endpoint) *Peer {
	peer := &Peer{
		device:   d,
		endpoint: ep,
	}
	peer.handshake.remoteStatic = pk
	peer.handshake.presharedKey = psk
	peer.cookieGenerator.Init(pk)
	return peer
}

func (peer *Peer) String() string {
	key := peer.handshake.remoteStatic.String()
	return "peer(" + key[0:4] + "…" + key[39:43] + ")"
}

// attempting reports whether a handshake initiated by this side is in flight.
func (peer *Peer) attempting() bool {
	return peer.timers.handshakeAttempt.set
}

// settle picks the status once no handshake is in flight.
func (peer *Peer) settle() {
	switch kp := peer.keypairs.current; {
	case kp == nil:
		peer.status = StatusIdle
	case kp.confirmed:
		peer.status = StatusEstablished
	default:
		peer.status = StatusPendingTraffic
	}
}

// ZeroAndFlushAll erases every session and the handshake state.
func (peer *Peer) ZeroAndFlushAll() {
	d := peer.device
	peer.keypairs.clear(d)
	d.indexTable.Delete(peer.handshake.localIndex)
	peer.handshake.Clear()
	peer.timers.handshakeAttempt = instant{}
	peer.timers.confirmPending = false
}
