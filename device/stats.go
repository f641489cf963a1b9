package device

import (
	"fmt"
	"sync/atomic"
)

// DropReason classifies silently discarded input.
type DropReason int

const (
	DropMalformed DropReason = iota
	DropInvalidMAC
	DropHandshake
	DropNoSession
	DropReplay
	DropDecrypt
	DropExpired
	DropRekeyRequired
	dropReasonCount
)

func (r DropReason) String() string {
	switch r {
	case DropMalformed:
		return "malformed"
	case DropInvalidMAC:
		return "invalid_mac"
	case DropHandshake:
		return "handshake"
	case DropNoSession:
		return "no_session"
	case DropReplay:
		return "replay"
	case DropDecrypt:
		return "decrypt"
	case DropExpired:
		return "expired"
	case DropRekeyRequired:
		return "rekey_required"
	default:
		return fmt.Sprintf("unknown drop reason: %d", int(r))
	}
}

// DropReasons lists every reason in order, for exporters.
func DropReasons() []DropReason {
	reasons := make([]DropReason, dropReasonCount)
	for i := range reasons {
		reasons[i] = DropReason(i)
	}
	return reasons
}

// Stats is a point in time copy of the device counters.
type Stats struct {
	TxDatagrams           uint64 // datagrams handed to the UDP callbacks
	TxBytes               uint64
	RxDatagrams           uint64 // authenticated datagrams
	RxBytes               uint64
	TunPackets            uint64 // decrypted packets delivered to the TUN callbacks
	TunBytes              uint64
	InitiationsSent       uint64
	ResponsesSent         uint64
	HandshakesCompleted   uint64
	HandshakeFailures     uint64
	KeepalivesSent        uint64
	KeepalivesReceived    uint64
	CookieRepliesAccepted uint64
	Drops                 [dropReasonCount]uint64
}

// Dropped returns the drop count for reason.
func (s Stats) Dropped(reason DropReason) uint64 {
	if reason < 0 || reason >= dropReasonCount {
		return 0
	}
	return s.Drops[reason]
}

// stats is updated by the entry points and may be read concurrently.
type stats struct {
	txDatagrams           atomic.Uint64
	txBytes               atomic.Uint64
	rxDatagrams           atomic.Uint64
	rxBytes               atomic.Uint64
	tunPackets            atomic.Uint64
	tunBytes              atomic.Uint64
	initiationsSent       atomic.Uint64
	responsesSent         atomic.Uint64
	handshakesCompleted   atomic.Uint64
	handshakeFailures     atomic.Uint64
	keepalivesSent        atomic.Uint64
	keepalivesReceived    atomic.Uint64
	cookieRepliesAccepted atomic.Uint64
	drops                 [dropReasonCount]atomic.Uint64
}

func (s *stats) snapshot() Stats {
	out := Stats{
		TxDatagrams:           s.txDatagrams.Load(),
		TxBytes:               s.txBytes.Load(),
		RxDatagrams:           s.rxDatagrams.Load(),
		RxBytes:               s.rxBytes.Load(),
		TunPackets:            s.tunPackets.Load(),
		TunBytes:              s.tunBytes.Load(),
		InitiationsSent:       s.initiationsSent.Load(),
		ResponsesSent:         s.responsesSent.Load(),
		HandshakesCompleted:   s.handshakesCompleted.Load(),
		HandshakeFailures:     s.handshakeFailures.Load(),
		KeepalivesSent:        s.keepalivesSent.Load(),
		KeepalivesReceived:    s.keepalivesReceived.Load(),
		CookieRepliesAccepted: s.cookieRepliesAccepted.Load(),
	}
	for i := range s.drops {
		out.Drops[i] = s.drops[i].Load()
	}
	return out
}

func (s *stats) countRx(n int) {
	s.rxDatagrams.Add(1)
	s.rxBytes.Add(uint64(n))
}
