package core

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

const GenesisHashSeed = "LendLedger:genesis:v1"

// GenesisHash is the prev_hash of sequence 1.
func GenesisHash() [32]byte {
	return blake3.Sum256([]byte(GenesisHashSeed))
}

// ChainHash calculates state_hash[N] = BLAKE3(prev_hash || sequence || state_digest)
func ChainHash(prev [32]byte, sequence int64, stateDigest []byte) [32]byte {
	hasher := blake3.New()

	hasher.Write(prev[:])

	// Sequence as 8 bytes LE
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// StateHasher keeps the tip of the state hash chain.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: GenesisHash()}
}

// ComputeHash extends the chain by one event and returns the new tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hash := ChainHash(h.prevHash, sequence, stateDigest)
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash moves the tip, used when restoring from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}
