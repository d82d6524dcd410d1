// Package probability prices the chance of the underlying crossing its
// strike before a window closes, using a Black-Scholes N(d2) model fed
// by a rolling realized-volatility estimate. Math style (float64
// throughout, no decimal.Decimal) mirrors the teacher's own
// probabilistic model packages (internal/regime, internal/montecarlo),
// which keep decimal types at the money boundary and drop to float64
// for anything statistical.
package probability

import "math"

// D2 computes the Black-Scholes d2 term for spot S, strike K, time to
// expiry T (years), volatility sigma (annualized), and risk-free rate
// r. The engine always calls this with r=0.
func D2(spot, strike, timeToExpiryYears, sigma, r float64) float64 {
	return (math.Log(spot/strike) + (r-sigma*sigma/2)*timeToExpiryYears) / (sigma * math.Sqrt(timeToExpiryYears))
}

// PUp returns the probability the underlying finishes above strike at
// expiry. T<=0 or sigma<=0 degenerate to a step function on spot vs
// strike rather than evaluating d2 (which would divide by zero).
func PUp(spot, strike, timeToExpiryYears, sigma, r float64) float64 {
	if timeToExpiryYears <= 0 || sigma <= 0 {
		switch {
		case spot > strike:
			return 1
		case spot < strike:
			return 0
		default:
			return 0.5
		}
	}
	return Phi(D2(spot, strike, timeToExpiryYears, sigma, r))
}

// Phi is the standard normal CDF, evaluated via the Abramowitz-Stegun
// rational approximation (formula 7.1.26). Accurate to about 7.5e-8
// for finite x, comfortably inside the spec's +/-1e-4 target.
func Phi(x float64) float64 {
	if math.IsNaN(x) {
		return math.NaN()
	}
	if math.IsInf(x, 1) {
		return 1
	}
	if math.IsInf(x, -1) {
		return 0
	}

	const (
		a1 = 0.254829592
		a2 = -0.284496736
		a3 = 1.421413741
		a4 = -1.453152027
		a5 = 1.061405429
		p  = 0.3275911
	)

	sign := 1.0
	z := x / math.Sqrt2
	if z < 0 {
		sign = -1
		z = -z
	}

	t := 1 / (1 + p*z)
	y := 1 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-z*z)

	return 0.5 * (1 + sign*y)
}
