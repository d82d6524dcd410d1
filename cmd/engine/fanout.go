package main

import (
	"context"

	"github.com/atlas-desktop/windowtrader/internal/scheduler"
	"github.com/atlas-desktop/windowtrader/pkg/types"
)

// fanoutEvaluator lets more than one scheduler.SignalEvaluator run off
// the single Signals slot in scheduler.Deps — here, the live execution
// loop and the paper-trader sweep both need every signal offset.
type fanoutEvaluator []scheduler.SignalEvaluator

func (f fanoutEvaluator) EvaluateSignals(ctx context.Context, window *types.Window, offsetSec int) {
	for _, e := range f {
		e.EvaluateSignals(ctx, window, offsetSec)
	}
}

// fanoutObserver is the settlement-side counterpart of fanoutEvaluator,
// letting the calibration ledger and the paper-trader settlement both
// hang off scheduler.Deps' single Observer slot.
type fanoutObserver []scheduler.SettlementObserver

func (f fanoutObserver) WindowSettled(ctx context.Context, window *types.Window) {
	for _, o := range f {
		o.WindowSettled(ctx, window)
	}
}
