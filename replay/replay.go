// Package replay implements the anti-replay bitmap described in RFC 6479,
// sized for a 2048 message window.
package replay

const (
	// used for division by 64
	blockBitShift = 6
	// Number of bits in a block. Must be power of 2.
	nBits = 1 << blockBitShift // 64
	// Number of blocks in the ring buffer. Must be power of 2 and hold
	// WindowSize bits plus the partially filled block at the head.
	nBlocks   = 1 << 6    // 64 x 64 = 4096 bits
	bitMask   = nBits - 1 // 0b0011_1111
	blockMask = nBlocks - 1
)

// WindowSize is the number of counter values, ending at the highest
// accepted one, that are still eligible for acceptance.
const WindowSize = 2048

type block uint64

// Filter rejects replayed messages by checking if message counter value is
// within the sliding window of previously accepted messages.
//
// Checking and accepting are split so that a counter is only recorded
// once the message carrying it has been authenticated.
//
// The zero value for Filter is an empty filter ready for use.
// Filters are unsafe for concurrent use.
type Filter struct {
	// highest value accepted so far
	last uint64
	// Bit field ring buffer.
	// Each bit represents a counter value.
	ring [nBlocks]block
}

// Check reports whether value may be accepted. It does not modify the
// filter. Out of limit values (>= limit) are always rejected.
func (f *Filter) Check(value, limit uint64) bool {
	if value >= limit {
		return false
	}
	if value > f.last {
		return true
	}
	if f.last-value >= WindowSize {
		return false
	}
	return f.ring[(value>>blockBitShift)&blockMask]&(1<<(value&bitMask)) == 0
}

// Accept records value as received, moving the window forward when value
// is the new highest counter. Callers must have passed value through
// Check first.
func (f *Filter) Accept(value uint64) {
	blockIndex := value >> blockBitShift
	if value > f.last { // move window forward
		currentIndex := f.last >> blockBitShift
		diff := blockIndex - currentIndex
		// cap diff to clear the whole ring at most once
		diff = min(diff, nBlocks)
		for i := currentIndex + 1; i <= currentIndex+diff; i++ {
			f.ring[i&blockMask] = 0
		}
		f.last = value
	}
	f.ring[blockIndex&blockMask] |= 1 << (value & bitMask)
}

// Validate checks and accepts value in one step.
func (f *Filter) Validate(value, limit uint64) bool {
	if !f.Check(value, limit) {
		return false
	}
	f.Accept(value)
	return true
}

// Last returns the highest accepted counter.
func (f *Filter) Last() uint64 {
	return f.last
}

// Reset resets the filter to empty state.
func (f *Filter) Reset() {
	f.last = 0
	f.ring = [nBlocks]block{}
}
