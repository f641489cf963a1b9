package device

import (
	"time"

	"golang.org/x/net/ipv4"
)

/* Specification constants */
const (
	RekeyAfterMessages      = (1 << 60)
	RejectAfterMessages     = (1 << 64) - (1 << 4)
	RekeyAfterTime          = time.Second * 120
	RekeyAttemptTime        = time.Second * 90
	RekeyTimeout            = time.Second * 5
	RejectAfterTime         = time.Second * 180
	KeepaliveTimeout        = time.Second * 10
	CookieRefreshTime       = time.Second * 120
	HandshakeInitationRate  = time.Second / 50
	HandshakeFailureBackoff = RekeyTimeout
	// A responder rekeys this long after the session was created so that
	// it does not race the initiator, which rekeys at RekeyAfterTime.
	ResponderRekeyAfterTime = RejectAfterTime - KeepaliveTimeout - RekeyTimeout
	// Key material left over from a failed or abandoned exchange is
	// erased after this long without a new session.
	ZeroKeyMaterialTime = RejectAfterTime * 3
)

const (
	// largest possible UDP datagram
	MaxSegmentSize = (1 << 16) - 1
	// minimum size of transport message (keepalive)
	MinMessageSize = MessageKeepaliveSize
	// maximum size of transport message
	MaxMessageSize = MaxSegmentSize
	// maximum size of transport message content
	MaxContentSize = MaxSegmentSize - MessageTransportSize
	// smallest packet accepted from the host interface
	MinHostPacketSize = ipv4.HeaderLen
)
