package device

import "time"

// The timer state machine runs entirely on logical time. Events on the
// data path record instants through the timers* hooks below, and tick
// turns elapsed instants into actions. Nothing here sleeps or spawns.

// Should be called after an authenticated data packet is sent.
func (peer *Peer) timersDataSent(now time.Duration) {
	if !peer.timers.newHandshake.set {
		peer.timers.newHandshake = at(now)
	}
}

// Should be called after an authenticated data packet is received.
func (peer *Peer) timersDataReceived(now time.Duration) {
	if !peer.timers.sendKeepalive.set {
		peer.timers.sendKeepalive = at(now)
	}
}

// Should be called after any type of authenticated
// packet is sent (keepalive, data, or handshake).
func (peer *Peer) timersAnyAuthenticatedPacketSent(now time.Duration) {
	peer.timers.sendKeepalive = instant{}
	peer.timers.confirmPending = false
	peer.timers.lastSent = at(now)
}

// Should be called after any type of authenticated
// packet is received (keepalive, data, or handshake).
func (peer *Peer) timersAnyAuthenticatedPacketReceived(now time.Duration) {
	peer.timers.newHandshake = instant{}
	peer.timers.lastReceived = at(now)
}

// Should be called after a handshake initiation message is sent.
func (peer *Peer) timersHandshakeInitiated(now time.Duration) {
	peer.timers.handshakeSent = at(now)
}

// Should be called after a handshake response message is received and processed
// or when getting key confirmation via the first data message.
func (peer *Peer) timersHandshakeComplete(now time.Duration) {
	peer.timers.handshakeAttempt = instant{}
	peer.timers.handshakeFailed = instant{}
	peer.timers.handshakeCompleted = at(now)
}

// Should be called after an ephemeral key is created, which is before
// sending a handshake response or after receiving a handshake response.
func (peer *Peer) timersSessionDerived(now time.Duration) {
	peer.timers.zeroKeyMaterial = at(now)
}

// tick evaluates every timer rule once. It sends at most one initiation
// and at most one keepalive.
func (peer *Peer) tick(now time.Duration) {
	peer.expireSessions(now)
	peer.expireFailure(now)

	if reason := peer.handshakeReason(now); reason != "" {
		peer.device.log.Verbosef("%v - Starting handshake: %s", peer, reason)
		peer.SendHandshakeInitiation(now, false)
	} else if peer.attempting() {
		peer.retransmitHandshake(now)
	}

	switch {
	case peer.timers.confirmPending:
		peer.timers.confirmPending = false
		peer.SendKeepalive(now)
	case peer.timers.sendKeepalive.set && peer.timers.sendKeepalive.elapsed(now, KeepaliveTimeout):
		peer.timers.sendKeepalive = instant{}
		peer.SendKeepalive(now)
	case peer.persistentKeepalive > 0 && peer.timers.lastSent.elapsed(now, peer.persistentKeepalive):
		peer.SendKeepalive(now)
	}

	peer.expireKeyMaterial(now)
}

func (peer *Peer) expireSessions(now time.Duration) {
	d := peer.device
	if kp := peer.keypairs.current; kp != nil && kp.expired(now) {
		d.log.Verbosef(
			"%v - Removing all keys, since the current session is older than %d seconds",
			peer,
			int(RejectAfterTime.Seconds()),
		)
		peer.ZeroAndFlushAll()
		if peer.status != StatusFailed {
			peer.status = StatusIdle
		}
		return
	}
	if kp := peer.keypairs.previous; kp != nil && kp.expired(now) {
		peer.keypairs.dropPrevious(d)
	}
}

func (peer *Peer) expireFailure(now time.Duration) {
	if peer.status == StatusFailed && peer.timers.handshakeFailed.elapsed(now, HandshakeFailureBackoff) {
		peer.timers.handshakeFailed = instant{}
		peer.settle()
	}
}

// handshakeReason explains why a new handshake is due, or returns "".
func (peer *Peer) handshakeReason(now time.Duration) string {
	if peer.attempting() || peer.status == StatusFailed {
		return ""
	}
	kp := peer.keypairs.current
	switch {
	case kp == nil:
		return "no session"
	case kp.needsRekey(now):
		return "session is due for rekey"
	case peer.timers.newHandshake.set && peer.timers.newHandshake.elapsed(now, KeepaliveTimeout+RekeyTimeout):
		return "no reply to data for " + (KeepaliveTimeout + RekeyTimeout).String()
	}
	return ""
}

func (peer *Peer) retransmitHandshake(now time.Duration) {
	d := peer.device
	if peer.timers.handshakeAttempt.elapsed(now, RekeyAttemptTime) {
		d.log.Verbosef(
			"%v - %v after %d seconds, giving up",
			peer,
			errHandshakeTimeout,
			int(RekeyAttemptTime.Seconds()),
		)
		d.indexTable.Delete(peer.handshake.localIndex)
		peer.handshake.Clear()
		peer.timers.handshakeAttempt = instant{}
		peer.timers.handshakeFailed = at(now)
		peer.timers.sendKeepalive = instant{}
		// We set a timer for destroying any residue that might be left
		// of a partial exchange.
		if !peer.timers.zeroKeyMaterial.set {
			peer.timers.zeroKeyMaterial = at(now)
		}
		peer.status = StatusFailed
		d.stats.handshakeFailures.Add(1)
		return
	}
	if peer.timers.handshakeSent.elapsed(now, RekeyTimeout) {
		d.log.Verbosef(
			"%v - Handshake did not complete after %d seconds, retrying",
			peer,
			int(RekeyTimeout.Seconds()),
		)
		peer.SendHandshakeInitiation(now, true)
	}
}

func (peer *Peer) expireKeyMaterial(now time.Duration) {
	if !peer.timers.zeroKeyMaterial.set || !peer.timers.zeroKeyMaterial.elapsed(now, ZeroKeyMaterialTime) {
		return
	}
	peer.device.log.Verbosef(
		"%v - Removing all keys, since we haven't received a new one in %d seconds",
		peer,
		int(ZeroKeyMaterialTime.Seconds()),
	)
	peer.timers.zeroKeyMaterial = instant{}
	peer.ZeroAndFlushAll()
	if peer.status != StatusFailed {
		peer.settle()
	}
}
