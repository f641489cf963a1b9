package device

import (
	"crypto/cipher"
	"sync/atomic"
	"time"

	"github.com/muhtutorials/abstracttun/replay"
)

/* Due to limitations in Go and /x/crypto there is currently
 * no way to ensure that key material is securely erased in memory.
 *
 * Since this may harm the forward secrecy property,
 * we plan to resolve this issue; whenever Go allows us to do so.
 */

type Keypair struct {
	sendNonce    atomic.Uint64
	send         cipher.AEAD
	receive      cipher.AEAD
	replayFilter replay.Filter
	isInitiator  bool
	confirmed    bool          // responder sessions start unconfirmed
	retired      bool          // send nonces exhausted
	created      time.Duration // logical
	localIndex   uint32
	remoteIndex  uint32
}

func (kp *Keypair) age(now time.Duration) time.Duration {
	return now - kp.created
}

func (kp *Keypair) expired(now time.Duration) bool {
	return kp.age(now) >= RejectAfterTime
}

// needsRekey reports whether the session has reached the point where the
// side that owns it should start a new handshake.
func (kp *Keypair) needsRekey(now time.Duration) bool {
	if kp.retired || kp.sendNonce.Load() >= RekeyAfterMessages {
		return true
	}
	if kp.isInitiator {
		return kp.age(now) >= RekeyAfterTime
	}
	return kp.age(now) >= ResponderRekeyAfterTime
}

// Keypairs holds the two transport sessions a peer may have at once.
type Keypairs struct {
	current  *Keypair
	previous *Keypair
}

func (k *Keypairs) Current() *Keypair {
	return k.current
}

// install makes kp the current session. A current session the peer never
// confirmed is discarded instead of being demoted.
func (k *Keypairs) install(d *Device, kp *Keypair) {
	if k.current != nil && !k.current.confirmed {
		d.DeleteKeypair(k.current)
	} else {
		d.DeleteKeypair(k.previous)
		k.previous = k.current
	}
	k.current = kp
}

// lookup finds the session an inbound transport message is addressed to.
func (k *Keypairs) lookup(index uint32) *Keypair {
	if k.current != nil && k.current.localIndex == index {
		return k.current
	}
	if k.previous != nil && k.previous.localIndex == index {
		return k.previous
	}
	return nil
}

// sendable returns the session outbound traffic should use, or nil.
func (k *Keypairs) sendable(now time.Duration) *Keypair {
	if kp := k.current; kp != nil && kp.confirmed && !kp.retired && !kp.expired(now) {
		return kp
	}
	if kp := k.previous; kp != nil && !kp.retired && !kp.expired(now) {
		return kp
	}
	return nil
}

func (k *Keypairs) count() int {
	n := 0
	if k.current != nil {
		n++
	}
	if k.previous != nil {
		n++
	}
	return n
}

func (k *Keypairs) clear(d *Device) {
	d.DeleteKeypair(k.current)
	d.DeleteKeypair(k.previous)
	k.current = nil
	k.previous = nil
}

func (k *Keypairs) dropPrevious(d *Device) {
	d.DeleteKeypair(k.previous)
	k.previous = nil
}

func (d *Device) DeleteKeypair(key *Keypair) {
	if key != nil {
		d.indexTable.Delete(key.localIndex)
	}
}
