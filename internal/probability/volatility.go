package probability

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PriceObservation is one timestamped oracle price sample.
type PriceObservation struct {
	Price      float64
	ObservedAt time.Time
}

// HistoryReader supplies the oracle price history a volatility
// estimate is built from. internal/pricefeeds.Service satisfies this
// once adapted by the orchestrator.
type HistoryReader interface {
	History(symbol string, since time.Time) []PriceObservation
}

// VolatilityConfig controls lookback windows and cache behavior.
type VolatilityConfig struct {
	ShortTermLookback time.Duration
	LongTermLookback  time.Duration
	FallbackSigma     float64
	CacheExpiry       time.Duration
	HighThreshold     float64
	LowThreshold      float64
}

// DefaultVolatilityConfig returns the spec's defaults.
func DefaultVolatilityConfig() VolatilityConfig {
	return VolatilityConfig{
		ShortTermLookback: 15 * time.Minute,
		LongTermLookback:  6 * time.Hour,
		FallbackSigma:     0.5,
		CacheExpiry:       60 * time.Second,
		HighThreshold:     1.5,
		LowThreshold:      0.67,
	}
}

type lookbackKind int

const (
	kindShort lookbackKind = iota
	kindLong
)

type volEntry struct {
	sigma      float64
	computedAt time.Time
	valid      bool
}

// VolatilityCache maintains a per-symbol, per-lookback realized
// volatility estimate. The hot path (Evaluate) never blocks on an I/O
// call: a stale or missing entry triggers a background refresh and
// returns the last known value (or the fallback) immediately.
type VolatilityCache struct {
	cfg    VolatilityConfig
	reader HistoryReader
	logger *zap.Logger

	mu    sync.RWMutex
	short map[string]volEntry
	long  map[string]volEntry

	refreshing sync.Map // symbol+kind key -> struct{}
}

// NewVolatilityCache builds a cache over reader.
func NewVolatilityCache(cfg VolatilityConfig, reader HistoryReader, logger *zap.Logger) *VolatilityCache {
	return &VolatilityCache{
		cfg:    cfg,
		reader: reader,
		logger: logger.Named("probability.volatility"),
		short:  make(map[string]volEntry),
		long:   make(map[string]volEntry),
	}
}

// SigmaResult is the outcome of evaluating realized volatility for a
// symbol and window length.
type SigmaResult struct {
	Sigma     float64
	Surprise  bool
	ShortTerm *float64
	LongTerm  *float64
}

// Evaluate returns the sigma to use for a window of the given
// duration, plus whether a volatility surprise is in effect. Windows
// shorter than 30 minutes use the short-term lookback; longer windows
// use the long-term lookback.
func (c *VolatilityCache) Evaluate(symbol string, windowDuration time.Duration) SigmaResult {
	short := c.getOrRefresh(symbol, kindShort)
	long := c.getOrRefresh(symbol, kindLong)

	active := short
	if windowDuration >= 30*time.Minute {
		active = long
	}

	sigma := c.cfg.FallbackSigma
	if active != nil {
		sigma = *active
	}

	surprise := false
	if short != nil && long != nil && *long != 0 {
		ratio := *short / *long
		surprise = ratio > c.cfg.HighThreshold || ratio < c.cfg.LowThreshold
	}

	return SigmaResult{Sigma: sigma, Surprise: surprise, ShortTerm: short, LongTerm: long}
}

func (c *VolatilityCache) getOrRefresh(symbol string, kind lookbackKind) *float64 {
	table, lookback := c.tableFor(kind)

	c.mu.RLock()
	entry, ok := table[symbol]
	c.mu.RUnlock()

	fresh := ok && time.Since(entry.computedAt) < c.cfg.CacheExpiry
	if !fresh {
		c.triggerRefresh(symbol, kind, lookback)
	}

	if ok && entry.valid {
		sigma := entry.sigma
		return &sigma
	}
	return nil
}

func (c *VolatilityCache) tableFor(kind lookbackKind) (map[string]volEntry, time.Duration) {
	if kind == kindShort {
		return c.short, c.cfg.ShortTermLookback
	}
	return c.long, c.cfg.LongTermLookback
}

func (c *VolatilityCache) triggerRefresh(symbol string, kind lookbackKind, lookback time.Duration) {
	key := refreshKey(symbol, kind)
	if _, already := c.refreshing.LoadOrStore(key, struct{}{}); already {
		return
	}

	go func() {
		defer c.refreshing.Delete(key)

		since := time.Now().Add(-lookback)
		observations := c.reader.History(symbol, since)
		sigma, ok := RealizedVolatility(observations)

		table, _ := c.tableFor(kind)
		c.mu.Lock()
		table[symbol] = volEntry{sigma: sigma, computedAt: time.Now(), valid: ok}
		c.mu.Unlock()

		if !ok {
			c.logger.Debug("volatility refresh yielded no estimate, falling back",
				zap.String("symbol", symbol))
		}
	}()
}

func refreshKey(symbol string, kind lookbackKind) string {
	if kind == kindShort {
		return symbol + "|short"
	}
	return symbol + "|long"
}

// RealizedVolatility computes the annualized standard deviation of log
// returns across a sequence of price observations. Fewer than two
// valid returns (including non-positive prices, which are skipped)
// yields ok=false.
func RealizedVolatility(observations []PriceObservation) (sigma float64, ok bool) {
	if len(observations) < 2 {
		return 0, false
	}

	var returns []float64
	var firstAt, lastAt time.Time
	for i := 1; i < len(observations); i++ {
		prev, cur := observations[i-1], observations[i]
		if prev.Price <= 0 || cur.Price <= 0 {
			continue
		}
		if firstAt.IsZero() {
			firstAt = prev.ObservedAt
		}
		lastAt = cur.ObservedAt
		returns = append(returns, math.Log(cur.Price/prev.Price))
	}

	if len(returns) < 2 {
		return 0, false
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var sumSq float64
	for _, r := range returns {
		d := r - mean
		sumSq += d * d
	}
	stdev := math.Sqrt(sumSq / float64(len(returns)-1))

	totalDuration := lastAt.Sub(firstAt)
	if totalDuration <= 0 {
		return 0, false
	}
	avgDtYears := (totalDuration.Seconds() / float64(len(returns))) / secondsPerYear
	if avgDtYears <= 0 {
		return 0, false
	}

	return stdev / math.Sqrt(avgDtYears), true
}

const secondsPerYear = 365.25 * 24 * 60 * 60
