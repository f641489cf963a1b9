package device

import (
	"encoding/binary"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

/* Outbound flow
 *
 * 1. Packet from the host (HandleHostTraffic)
 * 2. Validation of the IP version and size
 * 3. Session selection, handshake kick-off if there is none
 * 4. Nonce assignment
 * 5. Encryption into the send buffer
 * 6. Transmission through the UDP callback
 *
 * Everything runs on the caller's goroutine under the device mutex.
 * Packets that cannot be sent right away are dropped, not queued.
 */

// SendHandshakeInitiation sends a new initiation. Unless isRetry is set it
// starts a new attempt, and does nothing if one is already in flight, if a
// handshake failed less than HandshakeFailureBackoff ago or if an
// initiation went out less than RekeyTimeout ago.
func (peer *Peer) SendHandshakeInitiation(now time.Duration, isRetry bool) {
	d := peer.device
	if !isRetry {
		if peer.attempting() || peer.status == StatusFailed {
			return
		}
		if !peer.timers.handshakeSent.elapsed(now, RekeyTimeout) {
			return
		}
		peer.timers.handshakeAttempt = at(now)
	}
	d.log.Verbosef("%v - Sending handshake initiation", peer)

	msg, err := d.CreateMessageInitiation(now)
	if err != nil {
		d.log.Errorf("%v - Failed to create initiation message: %v", peer, err)
		return
	}
	packet := d.handshakeBuf[:MessageInitiationSize]
	_ = msg.marshal(packet)
	peer.cookieGenerator.AddMacs(packet, now)

	peer.timersAnyAuthenticatedPacketSent(now)
	peer.timersHandshakeInitiated(now)
	peer.status = StatusInitiationSent
	d.stats.initiationsSent.Add(1)
	d.out.send(peer.endpoint, packet)
}

func (peer *Peer) sendHandshakeResponse(now time.Duration) error {
	d := peer.device
	d.log.Verbosef("%v - Sending handshake response", peer)

	response, err := d.CreateMessageResponse()
	if err != nil {
		d.log.Errorf("%v - Failed to create response message: %v", peer, err)
		return err
	}
	packet := d.handshakeBuf[:MessageResponseSize]
	_ = response.marshal(packet)
	peer.cookieGenerator.AddMacs(packet, now)

	if _, err := peer.BeginSymmetricSession(now); err != nil {
		d.log.Errorf("%v - Failed to derive keypair: %v", peer, err)
		return err
	}
	peer.timersSessionDerived(now)
	peer.timersAnyAuthenticatedPacketSent(now)
	// a response counts as a handshake sent, so the responder waits
	// RekeyTimeout for confirmation before initiating on its own
	peer.timers.handshakeSent = at(now)
	peer.status = StatusPendingTraffic
	d.stats.responsesSent.Add(1)
	d.out.send(peer.endpoint, packet)
	return nil
}

// SendKeepalive sends an empty transport message on the session in use,
// if there is one.
func (peer *Peer) SendKeepalive(now time.Duration) {
	d := peer.device
	keypair := peer.keypairs.sendable(now)
	if keypair == nil {
		return
	}
	d.log.Verbosef("%v - Sending keepalive packet", peer)
	if err := peer.sendTransport(keypair, nil, now); err != nil {
		d.drop(err)
		return
	}
	peer.timers.lastKeepaliveSent = at(now)
	d.stats.keepalivesSent.Add(1)
}

// sendPacket encrypts an IP packet from the host.
func (peer *Peer) sendPacket(packet []byte, now time.Duration) error {
	if len(packet) < MinHostPacketSize {
		return errShortPacket
	}
	switch packet[0] >> 4 {
	case ipv4.Version, ipv6.Version:
	default:
		return errInvalidIPPacket
	}
	if len(packet) > MaxContentSize {
		return errPacketTooLarge
	}
	keypair := peer.keypairs.sendable(now)
	if keypair == nil {
		peer.SendHandshakeInitiation(now, false)
		return errNoSession
	}
	if err := peer.sendTransport(keypair, packet, now); err != nil {
		return err
	}
	peer.timersDataSent(now)
	return nil
}

// sendTransport seals payload with the next nonce of keypair and hands the
// datagram to the host.
func (peer *Peer) sendTransport(keypair *Keypair, payload []byte, now time.Duration) error {
	d := peer.device
	nonce := keypair.sendNonce.Add(1) - 1
	if nonce >= RejectAfterMessages {
		keypair.sendNonce.Store(RejectAfterMessages)
		keypair.retired = true
		peer.SendHandshakeInitiation(now, false)
		return ErrRekeyRequired
	}
	peer.keepKeyFreshSending(keypair, nonce, now)

	buf := d.sendBuf[:]
	header := buf[:MessageTransportHeaderSize]
	binary.LittleEndian.PutUint32(header[0:4], MessageTransportType)
	binary.LittleEndian.PutUint32(header[4:8], keypair.remoteIndex)
	binary.LittleEndian.PutUint64(header[8:16], nonce)

	var nonceBytes [12]byte
	binary.LittleEndian.PutUint64(nonceBytes[4:], nonce)
	packet := keypair.send.Seal(header, nonceBytes[:], payload, nil)

	peer.timersAnyAuthenticatedPacketSent(now)
	d.out.send(peer.endpoint, packet)
	return nil
}

// keepKeyFreshSending starts a handshake ahead of the send that needs it.
func (peer *Peer) keepKeyFreshSending(keypair *Keypair, nonce uint64, now time.Duration) {
	if nonce+1 >= RekeyAfterMessages || (keypair.isInitiator && keypair.age(now) >= RekeyAfterTime) {
		peer.SendHandshakeInitiation(now, false)
	}
}
