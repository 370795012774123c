// Package originctl implements the per-origin adaptive controller: outcome
// learning via exponential moving averages, Thompson sampling for strategy
// selection, and a token-bucket rate limiter.
package originctl

import (
	"sort"
	"time"
)

// strategy buckets for the adaptive Thompson-sampling selector.
const (
	strategyConservative = iota
	strategyBalanced
	strategyAggressive
	strategyCount
)

// maxLatencySamples bounds the latency tail kept per origin.
const maxLatencySamples = 100

// beta holds a Thompson-sampling posterior for one strategy bucket.
type beta struct {
	Alpha float64
	Beta  float64
}

// profile is the mutable per-origin state held by Controller. All fields are only ever touched while the Controller's mutex
// is held.
type profile struct {
	Origin string

	SuccessCount int64
	FailureCount int64
	TimeoutCount int64

	latencySamples []float64 // ring buffer, oldest overwritten past maxLatencySamples
	latencyNext    int

	EMASuccess float64
	EMALatency float64

	Timeout     time.Duration
	Concurrency int
	Delay       time.Duration

	TimeoutConfidence     float64
	ConcurrencyConfidence float64
	DelayConfidence       float64

	// RenderRequired flips once a direct
	// fetch of this origin has proven insufficient; prefer the browser path.
	RenderRequired bool

	bucket tokenBucket

	strategies      [strategyCount]beta
	lastStrategyIdx int
}

func newProfile(origin string, baseTimeout time.Duration, baseConcurrency int, baseDelay time.Duration, rate, burst float64) *profile {
	p := &profile{
		Origin:          origin,
		Timeout:         baseTimeout,
		Concurrency:     baseConcurrency,
		Delay:           baseDelay,
		bucket:          newTokenBucket(rate, burst),
		lastStrategyIdx: -1,
	}
	for i := range p.strategies {
		p.strategies[i] = beta{Alpha: 1, Beta: 1}
	}
	return p
}

func (p *profile) totalObservations() int64 {
	return p.SuccessCount + p.FailureCount + p.TimeoutCount
}

func (p *profile) recordLatency(d time.Duration) {
	sample := d.Seconds()
	if len(p.latencySamples) < maxLatencySamples {
		p.latencySamples = append(p.latencySamples, sample)
		return
	}
	p.latencySamples[p.latencyNext] = sample
	p.latencyNext = (p.latencyNext + 1) % maxLatencySamples
}

// p95Latency returns the 95th percentile of the retained latency tail.
func (p *profile) p95Latency() time.Duration {
	if len(p.latencySamples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), p.latencySamples...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)-1) * 0.95)
	return time.Duration(sorted[idx] * float64(time.Second))
}

func (p *profile) successRate() float64 {
	total := p.totalObservations()
	if total == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(total)
}

func (p *profile) timeoutRate() float64 {
	total := p.totalObservations()
	if total == 0 {
		return 0
	}
	return float64(p.TimeoutCount) / float64(total)
}
