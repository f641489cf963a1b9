package device

import (
	"encoding/binary"
	"io"
)

type Index struct {
	handshake *Handshake
	keypair   *Keypair
}

// IndexTable maps local session indices to the handshake or keypair
// that owns them. Index 0 is never handed out.
type IndexTable struct {
	table map[uint32]Index
}

func (t *IndexTable) Init() {
	t.table = make(map[uint32]Index)
}

func (t *IndexTable) Get(id uint32) Index {
	return t.table[id]
}

func (t *IndexTable) Delete(id uint32) {
	delete(t.table, id)
}

func (t *IndexTable) Len() int {
	return len(t.table)
}

func (t *IndexTable) SwapIndexForKeypair(index uint32, keypair *Keypair) {
	if _, ok := t.table[index]; !ok {
		return
	}
	t.table[index] = Index{
		keypair: keypair,
	}
}

// NewIndexForHandshake draws random indices from rand until it finds one
// that is neither zero nor in use.
func (t *IndexTable) NewIndexForHandshake(rand io.Reader, handshake *Handshake) (uint32, error) {
	for {
		index, err := randUint32(rand)
		if err != nil {
			return 0, err
		}
		if index == 0 {
			continue
		}
		if _, ok := t.table[index]; ok {
			continue
		}
		t.table[index] = Index{
			handshake: handshake,
		}
		return index, nil
	}
}

func randUint32(rand io.Reader) (uint32, error) {
	var buf [4]byte
	_, err := io.ReadFull(rand, buf[:])
	// Arbitrary endianness; both are intrinsified by the Go compiler.
	return binary.LittleEndian.Uint32(buf[:]), err
}
