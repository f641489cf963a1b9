package device

import (
	crand "crypto/rand"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// cookieReply builds the reply a peer under load would send for a
// handshake message.
func cookieReply(t *testing.T, responder NoisePublicKey, handshake []byte, cookie [blake2s.Size128]byte) []byte {
	t.Helper()
	var key [blake2s.Size]byte
	labelHash(&key, WGLabelCookie, responder)
	aead, err := chacha20poly1305.NewX(key[:])
	require.NoError(t, err)

	msg := MessageCookieReply{
		Type:     MessageCookieReplyType,
		Receiver: binary.LittleEndian.Uint32(handshake[4:8]),
	}
	_, err = crand.Read(msg.Nonce[:])
	require.NoError(t, err)
	mac1 := handshake[len(handshake)-2*blake2s.Size128 : len(handshake)-blake2s.Size128]
	aead.Seal(msg.Cookie[:0], msg.Nonce[:], cookie[:], mac1)

	packet := make([]byte, MessageCookieReplySize)
	require.NoError(t, msg.marshal(packet))
	return packet
}

func TestCookieMAC1(t *testing.T) {
	var checker CookieChecker
	var generator CookieGenerator
	pk := newKey(t).PublicKey()
	checker.Init(pk)
	generator.Init(pk)

	msg := make([]byte, MessageResponseSize)
	for i := range msg {
		msg[i] = byte(i)
	}
	generator.AddMacs(msg, 0)
	require.True(t, checker.CheckMAC1(msg))
	require.Equal(t, make([]byte, blake2s.Size128), msg[MessageResponseSize-blake2s.Size128:])

	msg[5] ^= 1
	require.False(t, checker.CheckMAC1(msg))
	require.False(t, checker.CheckMAC1(msg[:20]))
}

func TestCookieReply(t *testing.T) {
	p := newTestPair(t)
	initiate(p.a, p.clock.now)
	first := p.hostA.take()[0].data

	var cookie [blake2s.Size128]byte
	copy(cookie[:], "sixteen byte key")
	p.a.HandleTunnelTraffic(cookieReply(t, p.b.PublicKey(), first, cookie))
	require.EqualValues(t, 1, p.a.Stats().CookieRepliesAccepted)

	// the retry carries a mac2 keyed with the cookie
	p.clock.advance(RekeyTimeout)
	p.a.HandleTimerEvent()
	sent := p.hostA.ofType(MessageInitiationType)
	require.Len(t, sent, 1)
	retry := sent[0].data
	var want [blake2s.Size128]byte
	mac, _ := blake2s.New128(cookie[:])
	mac.Write(retry[:MessageInitiationSize-blake2s.Size128])
	mac.Sum(want[:0])
	require.Equal(t, want[:], retry[MessageInitiationSize-blake2s.Size128:])

	// mac2 is not checked on the way in
	p.b.HandleTunnelTraffic(retry)
	require.Len(t, p.hostB.take(), 1)

	// the cookie goes stale
	p.hostA.take()
	p.clock.advance(CookieRefreshTime)
	initiate(p.a, p.clock.now)
	stale := p.hostA.take()[0].data
	require.Equal(t, make([]byte, blake2s.Size128), stale[MessageInitiationSize-blake2s.Size128:])
}

func TestCookieReplyRejected(t *testing.T) {
	p := newTestPair(t)
	initiate(p.a, p.clock.now)
	initiation := p.hostA.take()[0].data

	wrongIndex := cookieReply(t, p.b.PublicKey(), initiation, [blake2s.Size128]byte{})
	binary.LittleEndian.PutUint32(wrongIndex[4:8], binary.LittleEndian.Uint32(initiation[4:8])+1)
	p.a.HandleTunnelTraffic(wrongIndex)
	require.EqualValues(t, 1, p.a.Stats().Dropped(DropNoSession))

	wrongKey := cookieReply(t, p.a.PublicKey(), initiation, [blake2s.Size128]byte{})
	p.a.HandleTunnelTraffic(wrongKey)
	require.EqualValues(t, 1, p.a.Stats().Dropped(DropHandshake))
	require.Zero(t, p.a.Stats().CookieRepliesAccepted)

	// no mac1 has been sent yet
	var generator CookieGenerator
	generator.Init(p.b.PublicKey())
	var msg MessageCookieReply
	require.ErrorIs(t, generator.ConsumeReply(&msg, time.Second), errNoLastMAC1)
}

func TestCookieReplyToResponseDropped(t *testing.T) {
	p := newTestPair(t)
	initiate(p.a, p.clock.now)
	p.b.HandleTunnelTraffic(p.hostA.take()[0].data)
	response := p.hostB.take()
	require.Len(t, response, 1)
	require.EqualValues(t, MessageResponseType, response[0].msgType())

	p.b.HandleTunnelTraffic(cookieReply(t, p.a.PublicKey(), response[0].data, [blake2s.Size128]byte{}))
	require.Zero(t, p.b.Stats().CookieRepliesAccepted)
	require.EqualValues(t, 1, p.b.Stats().Dropped(DropNoSession))
	require.Equal(t, StatusPendingTraffic, p.b.Status())
}
