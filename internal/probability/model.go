package probability

import (
	"time"

	"go.uber.org/zap"
)

// Config bundles the volatility and calibration sub-configs.
type Config struct {
	Volatility  VolatilityConfig
	Calibration CalibrationConfig
}

// DefaultConfig returns the spec's defaults for both sub-configs.
func DefaultConfig() Config {
	return Config{Volatility: DefaultVolatilityConfig(), Calibration: DefaultCalibrationConfig()}
}

// PredictionInput describes one probability query.
type PredictionInput struct {
	Symbol         string
	Spot           float64
	Strike         float64
	TimeToExpiryMs int64
	WindowDuration time.Duration
}

// PredictionOutput is the model's answer for one query.
type PredictionOutput struct {
	PUp      float64
	Sigma    float64
	Surprise bool
	Bucket   string
}

// Model is the composer-facing entry point: Black-Scholes N(d2) fed by
// a background-refreshed realized-volatility cache.
type Model struct {
	volCache *VolatilityCache
	logger   *zap.Logger
}

// NewModel builds a probability model over a volatility cache.
func NewModel(volCache *VolatilityCache, logger *zap.Logger) *Model {
	return &Model{volCache: volCache, logger: logger.Named("probability")}
}

// Predict returns the probability of the underlying finishing above
// strike, plus the sigma used and whether a volatility surprise is in
// effect. Never blocks: the volatility cache serves a cached or
// fallback value while any refresh happens in the background.
func (m *Model) Predict(in PredictionInput) PredictionOutput {
	tYears := float64(in.TimeToExpiryMs) / 1000 / secondsPerYear
	vol := m.volCache.Evaluate(in.Symbol, in.WindowDuration)
	pUp := PUp(in.Spot, in.Strike, tYears, vol.Sigma, 0)

	return PredictionOutput{
		PUp:      pUp,
		Sigma:    vol.Sigma,
		Surprise: vol.Surprise,
		Bucket:   BucketFor(pUp),
	}
}
