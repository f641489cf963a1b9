package device

import (
	"crypto/hmac"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// CookieChecker verifies MAC1 on messages addressed to the local static key.
// MAC2 is never checked and no cookie replies are sent: a single-peer
// client has no load to shed.
type CookieChecker struct {
	mac1 struct {
		key [blake2s.Size]byte
	}
}

// CookieGenerator computes MAC1 and MAC2 for messages sent to the peer
// and keeps the cookie delivered by the peer's cookie replies.
type CookieGenerator struct {
	mac1 struct {
		key [blake2s.Size]byte
	}
	mac2 struct {
		cookie        [blake2s.Size128]byte
		cookieSet     instant
		hasLastMAC1   bool
		lastMAC1      [blake2s.Size128]byte
		encryptionKey [chacha20poly1305.KeySize]byte
	}
}

func labelHash(dst *[blake2s.Size]byte, label string, pk NoisePublicKey) {
	hash, _ := blake2s.New256(nil)
	hash.Write([]byte(label))
	hash.Write(pk[:])
	hash.Sum(dst[:0])
}

// Init derives the MAC1 key from the local public key.
func (cc *CookieChecker) Init(pk NoisePublicKey) {
	labelHash(&cc.mac1.key, WGLabelMAC1, pk)
}

// CheckMAC1 verifies the MAC1 field of a handshake message.
func (cc *CookieChecker) CheckMAC1(msg []byte) bool {
	size := len(msg)
	if size < blake2s.Size128*2 {
		return false
	}
	smac2 := size - blake2s.Size128
	smac1 := smac2 - blake2s.Size128
	var mac1 [blake2s.Size128]byte
	mac, _ := blake2s.New128(cc.mac1.key[:])
	mac.Write(msg[:smac1])
	mac.Sum(mac1[:0])
	return hmac.Equal(mac1[:], msg[smac1:smac2])
}

// Init derives the MAC1 and cookie keys from the peer's public key.
func (cg *CookieGenerator) Init(pk NoisePublicKey) {
	labelHash(&cg.mac1.key, WGLabelMAC1, pk)
	var key [blake2s.Size]byte
	labelHash(&key, WGLabelCookie, pk)
	cg.mac2.encryptionKey = key
	cg.mac2.cookieSet = instant{}
	cg.mac2.hasLastMAC1 = false
}

// ConsumeReply decrypts the cookie of a reply to the last message sent.
func (cg *CookieGenerator) ConsumeReply(msg *MessageCookieReply, now time.Duration) error {
	if !cg.mac2.hasLastMAC1 {
		return errNoLastMAC1
	}
	var cookie [blake2s.Size128]byte
	xchapoly, _ := chacha20poly1305.NewX(cg.mac2.encryptionKey[:])
	_, err := xchapoly.Open(cookie[:0], msg.Nonce[:], msg.Cookie[:], cg.mac2.lastMAC1[:])
	if err != nil {
		return errHandshakeAuth
	}
	cg.mac2.cookieSet = at(now)
	cg.mac2.cookie = cookie
	return nil
}

// AddMacs fills in the two trailing MAC fields of msg.
func (cg *CookieGenerator) AddMacs(msg []byte, now time.Duration) {
	size := len(msg)
	smac2 := size - blake2s.Size128
	smac1 := smac2 - blake2s.Size128
	mac1 := msg[smac1:smac2]
	mac2 := msg[smac2:]
	func() {
		mac, _ := blake2s.New128(cg.mac1.key[:])
		mac.Write(msg[:smac1])
		mac.Sum(mac1[:0])
	}()
	copy(cg.mac2.lastMAC1[:], mac1)
	cg.mac2.hasLastMAC1 = true
	if cg.mac2.cookieSet.elapsed(now, CookieRefreshTime) {
		setZero(mac2)
		return
	}
	func() {
		mac, _ := blake2s.New128(cg.mac2.cookie[:])
		mac.Write(msg[:smac2])
		mac.Sum(mac2[:0])
	}()
}
