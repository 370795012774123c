package originctl

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// snapshotProfile is the JSON-serialisable form of one origin's profile
//.
type snapshotProfile struct {
	Origin                string    `json:"origin"`
	SuccessCount          int64     `json:"success_count"`
	FailureCount          int64     `json:"failure_count"`
	TimeoutCount          int64     `json:"timeout_count"`
	LatencySamples        []float64 `json:"latency_samples"`
	EMASuccess            float64   `json:"ema_success"`
	EMALatency            float64   `json:"ema_latency"`
	TimeoutNanos          int64     `json:"timeout_ns"`
	Concurrency           int       `json:"concurrency"`
	DelayNanos            int64     `json:"delay_ns"`
	TimeoutConfidence     float64   `json:"timeout_confidence"`
	ConcurrencyConfidence float64   `json:"concurrency_confidence"`
	DelayConfidence       float64   `json:"delay_confidence"`
	RenderRequired        bool      `json:"render_required"`
	BucketTokens          float64   `json:"bucket_tokens"`
	Strategies            [3]beta   `json:"strategies"`
}

// Snapshot is the top-level persisted document.
type Snapshot struct {
	SavedAt  time.Time                  `json:"saved_at"`
	Profiles map[string]snapshotProfile `json:"profiles"`
}

// Save writes the controller's current state to path, atomically (temp file
// + rename). Errors are the caller's to log-and-
// ignore; the snapshot is an optimisation, not a source of truth.
func (c *Controller) Save(path string) error {
	if path == "" {
		return nil
	}
	c.mu.Lock()
	snap := Snapshot{SavedAt: time.Now().UTC(), Profiles: make(map[string]snapshotProfile, len(c.profiles))}
	for origin, p := range c.profiles {
		snap.Profiles[origin] = snapshotProfile{
			Origin:                origin,
			SuccessCount:          p.SuccessCount,
			FailureCount:          p.FailureCount,
			TimeoutCount:          p.TimeoutCount,
			LatencySamples:        append([]float64(nil), p.latencySamples...),
			EMASuccess:            p.EMASuccess,
			EMALatency:            p.EMALatency,
			TimeoutNanos:          int64(p.Timeout),
			Concurrency:           p.Concurrency,
			DelayNanos:            int64(p.Delay),
			TimeoutConfidence:     p.TimeoutConfidence,
			ConcurrencyConfidence: p.ConcurrencyConfidence,
			DelayConfidence:       p.DelayConfidence,
			RenderRequired:        p.RenderRequired,
			BucketTokens:          p.bucket.tokens,
			Strategies:            p.strategies,
		}
	}
	c.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".origin-snapshot-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Load restores a previously saved snapshot into the controller. A missing
// file or corrupt snapshot degrades learning quality but is never fatal
//.
func (c *Controller) Load(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Warn("origin snapshot corrupt, ignoring", slog.Any("error", err))
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for origin, sp := range snap.Profiles {
		p := c.getOrCreate(origin)
		p.SuccessCount = sp.SuccessCount
		p.FailureCount = sp.FailureCount
		p.TimeoutCount = sp.TimeoutCount
		p.latencySamples = append([]float64(nil), sp.LatencySamples...)
		p.EMASuccess = sp.EMASuccess
		p.EMALatency = sp.EMALatency
		p.Timeout = time.Duration(sp.TimeoutNanos)
		p.Concurrency = sp.Concurrency
		p.Delay = time.Duration(sp.DelayNanos)
		p.TimeoutConfidence = sp.TimeoutConfidence
		p.ConcurrencyConfidence = sp.ConcurrencyConfidence
		p.DelayConfidence = sp.DelayConfidence
		p.RenderRequired = sp.RenderRequired
		p.bucket.tokens = sp.BucketTokens
		p.bucket.lastRefill = snap.SavedAt
		p.strategies = sp.Strategies
	}
	return nil
}
