// Package sizing determines how many dollars to commit to a binary
// window-market entry. Every trade here settles to exactly one of two
// outcomes — the token pays out $1/share on a win, $0 on a loss — so
// the payout odds the Kelly Criterion needs are not estimated from a
// stop-loss/take-profit price band (there isn't one, as there would be
// for a continuous-price stock) but read directly off the entry price
// itself: buying a token at price p risks p to win (1-p) per share.
// Based on research: "Kelly Criterion, fractional Kelly, and
// empirically blended sizing."
package sizing

import (
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PositionSizer calculates optimal entry sizes for binary window
// markets and tracks realized trade outcomes to blend in empirical
// win-rate/payoff statistics once enough history exists.
type PositionSizer struct {
	logger *zap.Logger
	config *SizingConfig

	mu           sync.RWMutex
	tradeHistory []*TradeResult
}

// SizingConfig configures position sizing.
type SizingConfig struct {
	MaxPositionPct        float64 // Maximum position as % of MaxExposure (default 10%)
	KellyFraction         float64 // Fraction of Kelly to use (default 0.25)
	MinPositionPct        float64 // Minimum position size as % of MaxExposure (default 0.5%)
	UseEmpiricalBlend     bool    // Blend in realized win-rate/payoff once MinTradesForEmpirical trades exist
	MinTradesForEmpirical int     // Trade count before the empirical blend kicks in
	LookbackTrades        int     // Number of trades retained for statistics
}

// DefaultSizingConfig returns conservative defaults.
func DefaultSizingConfig() *SizingConfig {
	return &SizingConfig{
		MaxPositionPct:        0.10,  // 10% max per position
		KellyFraction:         0.25,  // Quarter Kelly
		MinPositionPct:        0.005, // 0.5% min
		UseEmpiricalBlend:     true,
		MinTradesForEmpirical: 20,
		LookbackTrades:        100,
	}
}

// AggressiveSizingConfig sizes more aggressively for operators who
// have validated a strategy and want faster compounding.
func AggressiveSizingConfig() *SizingConfig {
	return &SizingConfig{
		MaxPositionPct:        0.20, // 20% max
		KellyFraction:         0.50, // Half Kelly
		MinPositionPct:        0.01, // 1% min
		UseEmpiricalBlend:     true,
		MinTradesForEmpirical: 10,
		LookbackTrades:        50,
	}
}

// TradeResult is a settled trade outcome, used to blend empirical
// win-rate/payoff statistics into future sizing decisions.
type TradeResult struct {
	WindowID  string
	TokenID   string
	Cost      decimal.Decimal
	NetPnL    decimal.Decimal
	ReturnPct float64 // NetPnL / Cost
	IsWin     bool
}

// NewPositionSizer creates a new position sizer.
func NewPositionSizer(logger *zap.Logger, config *SizingConfig) *PositionSizer {
	if config == nil {
		config = DefaultSizingConfig()
	}

	return &PositionSizer{
		logger:       logger,
		config:       config,
		tradeHistory: make([]*TradeResult, 0, config.LookbackTrades*2),
	}
}

// SizingRequest contains inputs for sizing one binary-market entry.
type SizingRequest struct {
	WindowID         string
	TokenID          string
	ModelProbability decimal.Decimal // model's p(win) for this token
	EntryPrice       decimal.Decimal // price the shares would be bought at (0,1)
	MaxExposure      decimal.Decimal // operator's total dollar risk budget for this engine
	ExistingExposure decimal.Decimal // dollars already committed across open positions
	Confidence       decimal.Decimal // signal confidence (0-1)
}

// SizingResult contains the calculated entry size.
type SizingResult struct {
	PositionSize   decimal.Decimal `json:"position_size"`   // Dollar amount to commit
	PositionShares decimal.Decimal `json:"position_shares"` // Shares at EntryPrice
	PositionPct    float64         `json:"position_pct"`    // As % of MaxExposure
	PayoutOdds     float64         `json:"payout_odds"`     // b = (1-price)/price
	KellyOptimal   float64         `json:"kelly_optimal"`   // Full Kelly %, price-implied
	KellyUsed      float64         `json:"kelly_used"`      // Actual Kelly % used after adjustments
	Adjustments    []string        `json:"adjustments"`     // Applied adjustments
	LimitingFactor string          `json:"limiting_factor"` // What limited size
}

// CalculateSize determines the dollar size of a binary-market entry.
// The payout odds are implied directly by the entry price: a token
// bought at price p pays out (1-p) per share on a win and loses p per
// share on a loss, so b = (1-p)/p feeds straight into the classic
// Kelly formula f* = p_win - (1-p_win)/b, with no separate stop-loss
// distance to estimate it from.
func (ps *PositionSizer) CalculateSize(req *SizingRequest) *SizingResult {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	result := &SizingResult{Adjustments: make([]string, 0)}

	price, _ := req.EntryPrice.Float64()
	if price <= 0 || price >= 1 {
		result.LimitingFactor = "invalid_entry_price"
		return result
	}
	payoutOdds := (1 - price) / price
	result.PayoutOdds = payoutOdds

	winProb, _ := req.ModelProbability.Float64()
	kellyOptimal := ps.calculateKelly(winProb, payoutOdds)
	result.KellyOptimal = kellyOptimal

	kellyUsed := kellyOptimal * ps.config.KellyFraction
	result.Adjustments = append(result.Adjustments, "fractional_kelly: "+formatPct(ps.config.KellyFraction))

	if ps.config.UseEmpiricalBlend {
		if stats := ps.computeStatisticsLocked(); stats.TotalTrades >= ps.config.MinTradesForEmpirical && stats.PayoffRatio > 0 {
			empiricalKelly := ps.calculateKelly(stats.WinRate, stats.PayoffRatio) * ps.config.KellyFraction
			kellyUsed = (kellyUsed + empiricalKelly) / 2
			result.Adjustments = append(result.Adjustments, "empirical_blend: "+formatPct(stats.WinRate))
		}
	}

	confidence, _ := req.Confidence.Float64()
	if confidence > 0 && confidence < 1 {
		kellyUsed *= confidence
		result.Adjustments = append(result.Adjustments, "confidence: "+formatPct(confidence))
	}

	positionPct := kellyUsed
	result.LimitingFactor = "kelly"

	if positionPct > ps.config.MaxPositionPct {
		positionPct = ps.config.MaxPositionPct
		result.LimitingFactor = "max_position"
		result.Adjustments = append(result.Adjustments, "capped_max_position")
	}
	if positionPct < ps.config.MinPositionPct {
		positionPct = ps.config.MinPositionPct
		result.Adjustments = append(result.Adjustments, "min_position")
	}
	result.KellyUsed = kellyUsed
	result.PositionPct = positionPct

	available := req.MaxExposure.Sub(req.ExistingExposure)
	if !available.IsPositive() {
		result.LimitingFactor = "exposure_exhausted"
		result.PositionSize = decimal.Zero
		return result
	}

	positionSize := req.MaxExposure.Mul(decimal.NewFromFloat(positionPct))
	if positionSize.GreaterThan(available) {
		positionSize = available
		result.LimitingFactor = "available_exposure"
	}
	result.PositionSize = positionSize
	result.PositionShares = positionSize.Div(req.EntryPrice)

	return result
}

// calculateKelly implements the Kelly Criterion for a binary bet:
// f* = (p*b - q) / b = p - q/b
// where p = win probability, q = 1-p, b = payout odds (won per $1 risked).
func (ps *PositionSizer) calculateKelly(winProb, payoutOdds float64) float64 {
	if winProb <= 0 || winProb >= 1 || payoutOdds <= 0 {
		return 0
	}

	p := winProb
	q := 1 - p
	kelly := p - q/payoutOdds

	if kelly < 0 {
		return 0
	}
	if kelly > 1 {
		kelly = 1
	}
	return kelly
}

// AddTradeResult records a settled trade outcome for future empirical
// blending.
func (ps *PositionSizer) AddTradeResult(result *TradeResult) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.tradeHistory = append(ps.tradeHistory, result)

	if len(ps.tradeHistory) > ps.config.LookbackTrades*2 {
		ps.tradeHistory = ps.tradeHistory[len(ps.tradeHistory)-ps.config.LookbackTrades:]
	}
}

// GetTradeStatistics returns statistics from trade history.
func (ps *PositionSizer) GetTradeStatistics() *TradeStatistics {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.computeStatisticsLocked()
}

// computeStatisticsLocked computes trade statistics assuming the
// caller already holds ps.mu for reading — used both by
// GetTradeStatistics and by CalculateSize's empirical blend, which
// already holds the read lock and would deadlock taking it again.
func (ps *PositionSizer) computeStatisticsLocked() *TradeStatistics {
	stats := &TradeStatistics{}
	if len(ps.tradeHistory) == 0 {
		return stats
	}

	stats.TotalTrades = len(ps.tradeHistory)

	var totalWins, totalLosses int
	var sumWinReturn, sumLossReturn float64

	for _, trade := range ps.tradeHistory {
		if trade.IsWin {
			totalWins++
			sumWinReturn += trade.ReturnPct
		} else {
			totalLosses++
			sumLossReturn += -trade.ReturnPct
		}
	}

	stats.Wins = totalWins
	stats.Losses = totalLosses
	stats.WinRate = float64(totalWins) / float64(stats.TotalTrades)

	if totalWins > 0 {
		stats.AvgWin = sumWinReturn / float64(totalWins)
	}
	if totalLosses > 0 {
		stats.AvgLoss = sumLossReturn / float64(totalLosses)
	}
	if stats.AvgLoss > 0 {
		stats.PayoffRatio = stats.AvgWin / stats.AvgLoss
	}

	stats.Expectancy = stats.WinRate*stats.AvgWin - (1-stats.WinRate)*stats.AvgLoss
	stats.KellyOptimal = ps.calculateKelly(stats.WinRate, stats.PayoffRatio)
	stats.KellyRecommended = stats.KellyOptimal * ps.config.KellyFraction

	return stats
}

// TradeStatistics contains trading statistics derived from history.
type TradeStatistics struct {
	TotalTrades      int     `json:"total_trades"`
	Wins             int     `json:"wins"`
	Losses           int     `json:"losses"`
	WinRate          float64 `json:"win_rate"`
	AvgWin           float64 `json:"avg_win"`
	AvgLoss          float64 `json:"avg_loss"`
	PayoffRatio      float64 `json:"payoff_ratio"`
	Expectancy       float64 `json:"expectancy"`
	KellyOptimal     float64 `json:"kelly_optimal"`
	KellyRecommended float64 `json:"kelly_recommended"`
}

// formatPct renders a fraction as a one-decimal percentage string for
// the Adjustments trail.
func formatPct(pct float64) string {
	return decimal.NewFromFloat(pct*100).StringFixed(1) + "%"
}
