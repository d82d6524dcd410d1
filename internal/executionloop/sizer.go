package executionloop

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/windowtrader/internal/persistence"
	"github.com/atlas-desktop/windowtrader/internal/sizing"
	"github.com/atlas-desktop/windowtrader/pkg/types"
)

// KellySizer adapts the binary-outcome fractional-Kelly sizer to the
// Sizer interface. The entry price itself fixes the payout odds a
// binary window market offers (buy at p, win (1-p)/share or lose
// p/share), so — unlike a continuous-price instrument — there is no
// separate stop-loss/take-profit distance to derive avg-win/avg-loss
// from; the model's own probability estimate and the book's ask price
// are the only inputs Kelly needs.
type KellySizer struct {
	sizer       *sizing.PositionSizer
	maxExposure decimal.Decimal
	baseWinRate decimal.Decimal
}

// NewKellySizer builds a KellySizer. maxExposure is the operator's
// total dollar risk budget (the manifest's MaxExposureDollars);
// baseWinRate seeds sizing for a signal whose ModelProbability wasn't
// populated by the probability model.
func NewKellySizer(sizer *sizing.PositionSizer, maxExposure decimal.Decimal, baseWinRate decimal.Decimal) *KellySizer {
	return &KellySizer{
		sizer:       sizer,
		maxExposure: maxExposure,
		baseWinRate: baseWinRate,
	}
}

// Size implements Sizer.
func (k *KellySizer) Size(ctx context.Context, window *types.Window, sig types.Signal, book types.BookSnapshot, openExposure decimal.Decimal) (decimal.Decimal, error) {
	if book.BestAsk.IsZero() {
		return decimal.Zero, fmt.Errorf("executionloop: no ask price to size %s against", sig.TokenID)
	}

	winProb := sig.ModelProbability
	if winProb.IsZero() {
		winProb = k.baseWinRate
	}

	result := k.sizer.CalculateSize(&sizing.SizingRequest{
		WindowID:         window.ID,
		TokenID:          sig.TokenID,
		ModelProbability: winProb,
		EntryPrice:       book.BestAsk,
		MaxExposure:      k.maxExposure,
		ExistingExposure: openExposure,
		Confidence:       sig.Confidence,
	})

	return result.PositionSize, nil
}

// RecordOutcome feeds a settled trade's realized return back into the
// sizer so future sizing decisions can blend in empirical win-rate and
// payoff statistics, not just the price-implied Kelly estimate.
func (k *KellySizer) RecordOutcome(result sizing.TradeResult) {
	k.sizer.AddTradeResult(&result)
}

// StoreSignalRecorder persists signals through the persistence.Store
// contract, ordinal-parameterised per the store's convention.
type StoreSignalRecorder struct {
	store persistence.Store
}

// NewStoreSignalRecorder builds a StoreSignalRecorder.
func NewStoreSignalRecorder(store persistence.Store) *StoreSignalRecorder {
	return &StoreSignalRecorder{store: store}
}

// RecordSignal implements SignalRecorder.
func (r *StoreSignalRecorder) RecordSignal(ctx context.Context, sig types.Signal) error {
	_, err := r.store.Run(ctx,
		`INSERT INTO signals (id, window_id, strategy_id, token_id, direction, model_probability, market_price, edge, confidence, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		sig.ID, sig.WindowID, sig.StrategyID, sig.TokenID, sig.Direction,
		sig.ModelProbability.String(), sig.MarketPrice.String(), sig.Edge.String(), sig.Confidence.String(), sig.CreatedAt,
	)
	return err
}
