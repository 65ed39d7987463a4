// Package rngstream assigns PCG stream selectors to the random consumers
// of a training run.
//
// Every consumer derives its generator from the run seed and a stream
// selector. The top two bits of the selector name the consumer, so two
// consumers never share a generator state whatever indices they use.
package rngstream

import "math/rand/v2"

const (
	domainShift = 62
	fieldMask   = 1<<30 - 1

	domainItem    uint64 = 1 << domainShift
	domainShuffle uint64 = 2 << domainShift
	domainModel   uint64 = 3 << domainShift
)

// Item selects the stream for example idx in epoch: its subsample,
// timestep and noise draws. Epochs wrap at 2^30 and indices at 2^32.
func Item(idx, epoch int) uint64 {
	return domainItem | (uint64(epoch)&fieldMask)<<32 | uint64(uint32(idx))
}

// Shuffle selects the stream for epoch's index permutation.
func Shuffle(epoch int) uint64 {
	return domainShuffle | uint64(uint32(epoch))
}

// ModelInit selects the stream for parameter initialization.
func ModelInit() uint64 { return domainModel }

// New returns a generator for seed on stream.
func New(seed, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, stream))
}
