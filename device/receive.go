package device

import (
	"bytes"
	"encoding/binary"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

func (peer *Peer) receiveHandshakeInitiation(buf []byte, now time.Duration) error {
	d := peer.device
	var msg MessageInitiation
	if err := msg.unmarshal(buf); err != nil {
		return err
	}
	// Both sides initiated at once. The side with the greater static key
	// keeps its own initiation so that exactly one exchange completes.
	if peer.handshake.state == handshakeInitiationCreated &&
		bytes.Compare(d.keys.publicKey[:], peer.handshake.remoteStatic[:]) > 0 {
		return errHandshakeCrossed
	}
	if err := d.ConsumeMessageInitiation(&msg, now); err != nil {
		return err
	}
	d.log.Verbosef("%v - Received handshake initiation", peer)
	peer.status = StatusInitiationReceived
	peer.timersAnyAuthenticatedPacketReceived(now)
	d.stats.countRx(len(buf))
	return peer.sendHandshakeResponse(now)
}

func (peer *Peer) receiveHandshakeResponse(buf []byte, now time.Duration) error {
	d := peer.device
	var msg MessageResponse
	if err := msg.unmarshal(buf); err != nil {
		return err
	}
	if err := d.ConsumeMessageResponse(&msg); err != nil {
		return err
	}
	d.log.Verbosef("%v - Received handshake response", peer)
	if _, err := peer.BeginSymmetricSession(now); err != nil {
		d.log.Errorf("%v - Failed to derive keypair: %v", peer, err)
		return err
	}
	peer.timersSessionDerived(now)
	peer.timersHandshakeComplete(now)
	peer.timersAnyAuthenticatedPacketReceived(now)
	// the responder cannot send on this session until it hears from us
	peer.timers.confirmPending = true
	peer.status = StatusEstablished
	d.stats.countRx(len(buf))
	d.stats.handshakesCompleted.Add(1)
	return nil
}

func (peer *Peer) receiveCookieReply(buf []byte, now time.Duration) error {
	d := peer.device
	var msg MessageCookieReply
	if err := msg.unmarshal(buf); err != nil {
		return err
	}
	hs := &peer.handshake
	if hs.state != handshakeInitiationCreated || msg.Receiver != hs.localIndex {
		return errUnknownIndex
	}
	if err := peer.cookieGenerator.ConsumeReply(&msg, now); err != nil {
		return err
	}
	d.log.Verbosef("%v - Received cookie reply", peer)
	d.stats.cookieRepliesAccepted.Add(1)
	return nil
}

func (peer *Peer) receiveTransport(buf []byte, now time.Duration) error {
	d := peer.device
	receiver := binary.LittleEndian.Uint32(buf[MessageTransportOffsetReceiver:MessageTransportOffsetCounter])
	counter := binary.LittleEndian.Uint64(buf[MessageTransportOffsetCounter:MessageTransportOffsetContent])

	keypair := peer.keypairs.lookup(receiver)
	if keypair == nil {
		return errUnknownIndex
	}
	if keypair.expired(now) {
		return errExpired
	}
	if !keypair.replayFilter.Check(counter, RejectAfterMessages) {
		return errReplayCounter
	}
	var nonce [12]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	content, err := keypair.receive.Open(d.recvBuf[:0], nonce[:], buf[MessageTransportOffsetContent:], nil)
	if err != nil {
		return errDecrypt
	}
	keypair.replayFilter.Accept(counter)
	d.stats.countRx(len(buf))
	peer.timersAnyAuthenticatedPacketReceived(now)

	if !keypair.confirmed {
		d.log.Verbosef("%v - Received first packet on new session", peer)
		keypair.confirmed = true
		peer.timersHandshakeComplete(now)
		peer.status = StatusEstablished
		d.stats.handshakesCompleted.Add(1)
	}

	if len(content) == 0 {
		d.log.Verbosef("%v - Receiving keepalive packet", peer)
		d.stats.keepalivesReceived.Add(1)
		return nil
	}
	peer.timersDataReceived(now)

	length, isV6, err := ipPacketLength(content)
	if err != nil {
		return err
	}
	d.out.deliver(isV6, content[:length])
	return nil
}

// ipPacketLength returns the length the IP header declares, which drops
// any padding after the packet.
func ipPacketLength(packet []byte) (int, bool, error) {
	switch packet[0] >> 4 {
	case ipv4.Version:
		if len(packet) < ipv4.HeaderLen {
			return 0, false, errInvalidIPPacket
		}
		length := int(binary.BigEndian.Uint16(packet[2:4]))
		if length < ipv4.HeaderLen || length > len(packet) {
			return 0, false, errInvalidIPPacket
		}
		return length, false, nil
	case ipv6.Version:
		if len(packet) < ipv6.HeaderLen {
			return 0, true, errInvalidIPPacket
		}
		length := ipv6.HeaderLen + int(binary.BigEndian.Uint16(packet[4:6]))
		if length > len(packet) {
			return 0, true, errInvalidIPPacket
		}
		return length, true, nil
	default:
		return 0, false, errInvalidIPPacket
	}
}
