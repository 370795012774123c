package originctl

import (
	"math"
	"math/rand"
)

// sampleBeta draws one sample from Beta(a, b) using the Gamma-ratio method
// (X ~ Gamma(a,1), Y ~ Gamma(b,1), Beta sample = X/(X+Y)). No pack dependency
// provides Beta/Gamma sampling, so this is implemented directly against
// math/rand — the one deliberately stdlib-only piece of the origin
// controller (see DESIGN.md).
func sampleBeta(rng *rand.Rand, a, b float64) float64 {
	x := sampleGamma(rng, a)
	y := sampleGamma(rng, b)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws one sample from Gamma(shape, 1) via Marsaglia & Tsang's
// method. Callers only ever pass shape >= 1 (alpha/beta posteriors seeded at
// 1 and only incremented), which is exactly the regime this method covers.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		// Boost: Gamma(shape) = Gamma(shape+1) * U^(1/shape)
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// selectStrategy picks a strategy bucket index by sampling each posterior
// and taking the argmax.
func selectStrategy(rng *rand.Rand, strategies [strategyCount]beta) int {
	best := -1
	bestSample := -1.0
	for i, s := range strategies {
		sample := sampleBeta(rng, s.Alpha+1, s.Beta+1)
		if sample > bestSample {
			bestSample = sample
			best = i
		}
	}
	return best
}

// recordStrategyOutcome updates the chosen bucket's posterior: success
// increments alpha, non-success increments beta.
func recordStrategyOutcome(strategies *[strategyCount]beta, idx int, success bool) {
	if idx < 0 || idx >= strategyCount {
		return
	}
	if success {
		strategies[idx].Alpha++
	} else {
		strategies[idx].Beta++
	}
}
