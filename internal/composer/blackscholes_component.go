package composer

import (
	"context"

	"github.com/atlas-desktop/windowtrader/internal/probability"
)

// BlackScholesComponent adapts internal/probability.Model to the
// composer's Component contract, filling the "probability" slot every
// strategy needs. Grounded on the same registry/component split the
// teacher uses for internal/strategy's pluggable signal generators:
// the heavy math lives in its own package, the registry only sees a
// thin adapter.
type BlackScholesComponent struct {
	meta  Metadata
	model *probability.Model
}

// NewBlackScholesComponent wraps model as a versioned probability
// component. version is the component's declared version string (not
// a model parameter); the model itself is swapped out wholesale when
// a new version is registered.
func NewBlackScholesComponent(version string, model *probability.Model) *BlackScholesComponent {
	return &BlackScholesComponent{
		meta:  Metadata{Name: "black-scholes", Version: version, Type: TypeProbability},
		model: model,
	}
}

func (c *BlackScholesComponent) Metadata() Metadata { return c.meta }

// Evaluate prices wctx's window: spot is the live oracle price, strike
// is the window's reference price (the strike parsed from the market
// question), time to expiry comes
// straight from the scheduler's clock. The model's own volatility
// cache supplies sigma; this component carries no volatility state of
// its own.
func (c *BlackScholesComponent) Evaluate(ctx context.Context, wctx WindowContext, config map[string]interface{}) (EvaluateResult, error) {
	spot, _ := wctx.OraclePrice.Float64()
	strike, _ := wctx.ReferencePrice.Float64()

	out := c.model.Predict(probability.PredictionInput{
		Symbol:         wctx.Symbol,
		Spot:           spot,
		Strike:         strike,
		TimeToExpiryMs: wctx.TimeToExpiry.Milliseconds(),
		WindowDuration: wctx.TimeToExpiry,
	})

	pUp := out.PUp
	return EvaluateResult{
		Probability: &pUp,
		Extra: map[string]interface{}{
			"sigma":    out.Sigma,
			"surprise": out.Surprise,
			"bucket":   out.Bucket,
		},
	}, nil
}

// ValidateConfig accepts any strategy config: the model's own
// volatility/calibration parameters are fixed at construction time,
// not threaded through per-strategy config maps.
func (c *BlackScholesComponent) ValidateConfig(config map[string]interface{}) (bool, []string) {
	return true, nil
}
