package privacy

import (
	crand "crypto/rand"
	"math/rand/v2"
)

// RandomSource is the only source of randomness used by training: batch
// subsampling and Gaussian noise both draw from it. It has the same method set
// as math/rand/v2.Source, so it plugs into gonum distributions directly.
type RandomSource interface {
	Uint64() uint64
}

// NewSecureSource returns a ChaCha8 stream seeded from crypto/rand. Each call
// yields an independent stream; it is not safe for concurrent use.
func NewSecureSource() RandomSource {
	var seed [32]byte
	_, _ = crand.Read(seed[:])
	return rand.NewChaCha8(seed)
}

// NewSeededSource returns a deterministic source for replay in tests.
// It must not be used for production training.
func NewSeededSource(seed uint64) RandomSource {
	return rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
}
