// Package tai64n encodes the 12-byte TAI64N labels carried inside
// handshake initiations.
package tai64n

import (
	"bytes"
	"encoding/binary"
	"time"
)

const (
	TimestampSize = 12
	// TAI64 labels start at 2^62. The extra 10 seconds is the
	// TAI-UTC offset at 1970, which WireGuard keeps for compatibility.
	base = uint64(0x400000000000000a)
	// The low 24 bits of the nanoseconds are cleared so that
	// timestamps only have ~16ms resolution and do not fingerprint
	// the local clock.
	whitenerMask = uint32(0xffffff)
)

// First 8 bytes are seconds, last 4 bytes nanoseconds.
// Values encoded in big-endian order.
type Timestamp [TimestampSize]byte

// New returns the whitened label for t.
func New(t time.Time) Timestamp {
	secs := base + uint64(t.Unix())
	nano := uint32(t.Nanosecond()) &^ whitenerMask
	var timestamp Timestamp
	binary.BigEndian.PutUint64(timestamp[:], secs)
	binary.BigEndian.PutUint32(timestamp[8:], nano)
	return timestamp
}

// After reports whether t is later than other.
func (t Timestamp) After(other Timestamp) bool {
	return bytes.Compare(t[:], other[:]) > 0
}

// Next returns the smallest label strictly greater than t that
// still respects the whitening granularity.
func (t Timestamp) Next() Timestamp {
	secs := binary.BigEndian.Uint64(t[:8])
	nano := binary.BigEndian.Uint32(t[8:]) + whitenerMask + 1
	if nano >= uint32(time.Second) {
		secs++
		nano = 0
	}
	var next Timestamp
	binary.BigEndian.PutUint64(next[:], secs)
	binary.BigEndian.PutUint32(next[8:], nano)
	return next
}

func (t Timestamp) String() string {
	secs := int64(binary.BigEndian.Uint64(t[:8]) - base)
	nano := int64(binary.BigEndian.Uint32(t[8:12]))
	return time.Unix(secs, nano).String()
}
