package device

import "errors"

// Errors produced while processing traffic. None of them leave the
// device: every one ends in a silent drop that is logged and counted.
var (
	// decode errors
	errShortPacket        = errors.New("packet too short")
	errUnknownMessageType = errors.New("unknown message type")
	errMessageLenMismatch = errors.New("message length mismatch")
	errInvalidMAC1        = errors.New("invalid mac1")
	errInvalidIPPacket    = errors.New("invalid ip packet")
	errPacketTooLarge     = errors.New("packet too large")

	// handshake errors
	errUnknownPeer      = errors.New("initiation from unknown static key")
	errHandshakeReplay  = errors.New("handshake replay")
	errHandshakeFlood   = errors.New("handshake flood")
	errHandshakeState   = errors.New("unexpected handshake state")
	errHandshakeAuth    = errors.New("handshake authentication failed")
	errHandshakeTimeout = errors.New("handshake did not complete")
	errHandshakeCrossed = errors.New("initiation crossed our own")
	errNoLastMAC1       = errors.New("cookie reply without prior mac1")

	// transport errors
	errUnknownIndex  = errors.New("unknown receiver index")
	errNoSession     = errors.New("no established session")
	errReplayCounter = errors.New("replayed or out of window counter")
	errDecrypt       = errors.New("decryption failed")
	errExpired       = errors.New("session expired")

	// ErrRekeyRequired is reported when a session ran out of nonces.
	ErrRekeyRequired = errors.New("rekey required")
)

func dropReason(err error) DropReason {
	switch {
	case errors.Is(err, errInvalidMAC1):
		return DropInvalidMAC
	case errors.Is(err, errUnknownPeer),
		errors.Is(err, errHandshakeReplay),
		errors.Is(err, errHandshakeFlood),
		errors.Is(err, errHandshakeState),
		errors.Is(err, errHandshakeAuth),
		errors.Is(err, errHandshakeCrossed),
		errors.Is(err, errNoLastMAC1),
		errors.Is(err, errInvalidPublicKey):
		return DropHandshake
	case errors.Is(err, errUnknownIndex), errors.Is(err, errNoSession):
		return DropNoSession
	case errors.Is(err, errReplayCounter):
		return DropReplay
	case errors.Is(err, errDecrypt):
		return DropDecrypt
	case errors.Is(err, errExpired):
		return DropExpired
	case errors.Is(err, ErrRekeyRequired):
		return DropRekeyRequired
	default:
		return DropMalformed
	}
}
