package order

import "math/rand"

// SlippageModel simulates MARKET-order execution slippage off an injectable
// PRNG.
type SlippageModel struct {
	rng *rand.Rand
}

// NewSlippageModel wraps rng. Pass rand.New(rand.NewSource(seed)) in tests
// for determinism.
func NewSlippageModel(rng *rand.Rand) *SlippageModel {
	return &SlippageModel{rng: rng}
}

// Simulate returns the actual fill price and the slippage percentage applied,
// for a MARKET order. BUY/SHORT slip the price up; SELL/COVER slip it down
//. maxSlippagePct==0 always returns (price, 0) with no PRNG
// draw, satisfying the zero-slippage round-trip law.
func (m *SlippageModel) Simulate(side Side, price, maxSlippagePct float64) (actual, slippagePct float64) {
	if maxSlippagePct <= 0 {
		return price, 0
	}
	slippagePct = m.rng.Float64() * maxSlippagePct
	if side == SideBuy || side == SideShort {
		return price * (1 + slippagePct/100), slippagePct
	}
	return price * (1 - slippagePct/100), slippagePct
}
