package originctl

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/fairyhunter13/zenscraper/internal/domain"
)

// Strategy is the optimiser's final modifier.
type Strategy string

// Recognised strategies.
const (
	StrategyConservative Strategy = "conservative"
	StrategyBalanced     Strategy = "balanced"
	StrategyAggressive   Strategy = "aggressive"
	StrategyAdaptive     Strategy = "adaptive"
)

// Config configures a Controller.
type Config struct {
	Strategy        Strategy
	LearningRate    float64
	MinSamples      int
	BaseTimeout     time.Duration
	BaseConcurrency int
	DelayMin        time.Duration
	DelayMax        time.Duration
	DefaultRate     float64
	DefaultBurst    float64
	// PerOriginRate/PerOriginBurst allow overriding the default bucket for
	// specific origins.
	PerOriginRate  map[string]float64
	PerOriginBurst map[string]float64
}

func (c Config) withDefaults() Config {
	if c.LearningRate <= 0 {
		c.LearningRate = 0.1
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 10
	}
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = 45 * time.Second
	}
	if c.BaseConcurrency <= 0 {
		c.BaseConcurrency = 3
	}
	if c.DelayMax <= 0 {
		c.DelayMax = 5 * time.Second
	}
	if c.DefaultRate <= 0 {
		c.DefaultRate = 10
	}
	if c.DefaultBurst <= 0 {
		c.DefaultBurst = 20
	}
	if c.Strategy == "" {
		c.Strategy = StrategyAdaptive
	}
	return c
}

// Recommendation is the output of Recommend.
type Recommendation struct {
	Timeout     time.Duration
	Concurrency int
	Delay       time.Duration
	UseProxy    bool
	Extras      map[string]any
}

// Controller keeps one mutable profile per origin, guarded by a single
// mutex. It keeps no global profile aggregating all origins.
type Controller struct {
	mu       sync.Mutex
	cfg      Config
	profiles map[string]*profile
	rng      *rand.Rand
}

// New constructs a Controller. Pass a seeded rng for replayable tests; nil uses a random seed.
func New(cfg Config, rng *rand.Rand) *Controller {
	cfg = cfg.withDefaults()
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Controller{cfg: cfg, profiles: make(map[string]*profile), rng: rng}
}

func (c *Controller) getOrCreate(origin string) *profile {
	if p, ok := c.profiles[origin]; ok {
		return p
	}
	rate, burst := c.cfg.DefaultRate, c.cfg.DefaultBurst
	if r, ok := c.cfg.PerOriginRate[origin]; ok {
		rate = r
	}
	if b, ok := c.cfg.PerOriginBurst[origin]; ok {
		burst = b
	}
	p := newProfile(origin, c.cfg.BaseTimeout, c.cfg.BaseConcurrency, (c.cfg.DelayMin+c.cfg.DelayMax)/2, rate, burst)
	c.profiles[origin] = p
	return p
}

// Record updates counts, latency samples, and EMAs for one outcome, then
// triggers optimisation once the origin has enough samples.
func (c *Controller) Record(origin string, outcome domain.Outcome, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.getOrCreate(origin)
	switch outcome {
	case domain.OutcomeSuccess:
		p.SuccessCount++
	case domain.OutcomeTimeout:
		p.TimeoutCount++
	default:
		p.FailureCount++
	}
	p.recordLatency(latency)

	successSample := 0.0
	if outcome == domain.OutcomeSuccess {
		successSample = 1.0
	}
	alpha := c.cfg.LearningRate
	if p.totalObservations() == 1 {
		p.EMASuccess = successSample
		p.EMALatency = latency.Seconds()
	} else {
		p.EMASuccess = alpha*successSample + (1-alpha)*p.EMASuccess
		p.EMALatency = alpha*latency.Seconds() + (1-alpha)*p.EMALatency
	}

	if c.cfg.Strategy == StrategyAdaptive {
		// Credit whichever strategy bucket produced this fetch's
		// recommendation; recordStrategyOutcome is a no-op if none was chosen.
		recordStrategyOutcome(&p.strategies, p.lastStrategyIdx, outcome == domain.OutcomeSuccess)
	}

	if p.totalObservations() >= int64(c.cfg.MinSamples) {
		c.optimize(p)
	}
}

// optimize recomputes the learned timeout, concurrency, and delay from the
// profile's current counters. Caller must hold c.mu.
func (c *Controller) optimize(p *profile) {
	total := p.totalObservations()
	confidence := float64(total) / 100
	if confidence > 1 {
		confidence = 1
	}
	// Concurrency and delay converge from far fewer samples than the p95
	// timeout estimate does, so their confidence ramps on min_samples.
	fastConfidence := float64(total) / float64(2*c.cfg.MinSamples)
	if fastConfidence > 1 {
		fastConfidence = 1
	}

	p95 := p.p95Latency()
	optTimeout := time.Duration(float64(p95) * 1.5)
	const minTimeout, maxTimeout = 30 * time.Second, 300 * time.Second
	if optTimeout < minTimeout {
		optTimeout = minTimeout
	}
	if optTimeout > maxTimeout {
		optTimeout = maxTimeout
	}
	p.Timeout = optTimeout
	p.TimeoutConfidence = confidence

	switch {
	case p.EMASuccess >= 0.9:
		if p.Concurrency+1 <= 10 {
			p.Concurrency++
		}
	case p.EMASuccess < 0.7:
		if p.Concurrency-1 >= 1 {
			p.Concurrency--
		}
	}
	p.ConcurrencyConfidence = fastConfidence

	failureRate := 1 - p.successRate()
	switch {
	case failureRate > 0.3:
		p.Delay = time.Duration(float64(c.cfg.DelayMax) * 1.5)
	case failureRate < 0.1:
		p.Delay = c.cfg.DelayMin
	default:
		p.Delay = (c.cfg.DelayMin + c.cfg.DelayMax) / 2
	}
	p.DelayConfidence = fastConfidence
}

// Recommend returns the learned (or default) timeout/concurrency/delay for
// an origin, with the final strategy modifier applied.
func (c *Controller) Recommend(origin string) Recommendation {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.getOrCreate(origin)

	timeout := c.cfg.BaseTimeout
	if p.TimeoutConfidence > 0.5 {
		timeout = p.Timeout
	}
	concurrency := c.cfg.BaseConcurrency
	if p.ConcurrencyConfidence > 0.5 {
		concurrency = p.Concurrency
	}
	delay := (c.cfg.DelayMin + c.cfg.DelayMax) / 2
	if p.DelayConfidence > 0.5 {
		delay = p.Delay
	}

	strategy := c.cfg.Strategy
	switch strategy {
	case StrategyConservative:
		timeout = time.Duration(float64(timeout) * 1.5)
		delay = time.Duration(float64(delay) * 1.5)
		concurrency = maxInt(concurrency-1, 1)
	case StrategyAggressive:
		timeout = time.Duration(float64(timeout) * 0.8)
		delay = time.Duration(float64(delay) * 0.5)
		if concurrency+2 <= 10 {
			concurrency += 2
		} else {
			concurrency = 10
		}
	case StrategyAdaptive:
		// Thompson-sample a bucket per call; the sampled pick only nudges
		// the delay, the bucket's reward feedback arrives via Record.
		idx := selectStrategy(c.rng, p.strategies)
		p.lastStrategyIdx = idx
		switch idx {
		case strategyConservative:
			strategy = StrategyConservative
			delay = time.Duration(float64(delay) * 1.2)
		case strategyAggressive:
			strategy = StrategyAggressive
			delay = time.Duration(float64(delay) * 0.8)
		default:
			strategy = StrategyBalanced
		}
	}

	return Recommendation{
		Timeout:     timeout,
		Concurrency: concurrency,
		Delay:       delay,
		UseProxy:    c.shouldUseProxyLocked(p),
		Extras: map[string]any{
			"render_required": p.RenderRequired,
			"strategy":        string(strategy),
		},
	}
}

// ShouldUseProxy reports whether an origin's observed failure/timeout rates
// warrant routing through a proxy.
func (c *Controller) ShouldUseProxy(origin string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldUseProxyLocked(c.getOrCreate(origin))
}

func (c *Controller) shouldUseProxyLocked(p *profile) bool {
	if p.totalObservations() < int64(c.cfg.MinSamples) {
		return false
	}
	return p.successRate() < 0.5 || p.timeoutRate() > 0.2
}

// MarkRenderRequired records that a direct fetch of
// this origin proved insufficient; subsequent fetches prefer the browser path.
func (c *Controller) MarkRenderRequired(origin string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(origin).RenderRequired = true
}

// Acquire waits until the origin's token bucket has `tokens` available, then
// decrements it. It respects ctx cancellation while waiting.
func (c *Controller) Acquire(ctx context.Context, origin string, tokens float64) error {
	if tokens <= 0 {
		tokens = 1
	}
	for {
		c.mu.Lock()
		p := c.getOrCreate(origin)
		now := time.Now()
		wait := p.bucket.waitFor(now, tokens)
		if wait == 0 {
			p.bucket.refill(now)
			p.bucket.take(tokens)
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		if err := acquireWait(ctx, wait); err != nil {
			return err
		}
		// Loop: re-check under lock since other callers may have consumed
		// tokens while we slept.
	}
}

// OriginSummary is a read-only view of one origin's learned state, for the
// admin surface.
type OriginSummary struct {
	Origin         string        `json:"origin"`
	Success        int64         `json:"success"`
	Failure        int64         `json:"failure"`
	Timeout        int64         `json:"timeout"`
	EMASuccess     float64       `json:"ema_success"`
	EMALatency     float64       `json:"ema_latency_seconds"`
	LearnedTimeout time.Duration `json:"learned_timeout_ns"`
	Concurrency    int           `json:"concurrency"`
	Delay          time.Duration `json:"delay_ns"`
	RenderRequired bool          `json:"render_required"`
}

// Summaries returns a snapshot view of every known origin profile.
func (c *Controller) Summaries() []OriginSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]OriginSummary, 0, len(c.profiles))
	for _, p := range c.profiles {
		out = append(out, OriginSummary{
			Origin:         p.Origin,
			Success:        p.SuccessCount,
			Failure:        p.FailureCount,
			Timeout:        p.TimeoutCount,
			EMASuccess:     p.EMASuccess,
			EMALatency:     p.EMALatency,
			LearnedTimeout: p.Timeout,
			Concurrency:    p.Concurrency,
			Delay:          p.Delay,
			RenderRequired: p.RenderRequired,
		})
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
