// Package verifier reconciles locally tracked positions against the
// exchange's own account state — the "broker-as-truth" check described
// in other_examples/billygk-alpha-trading's watcher.checkRisk, adapted
// from a stagnation alert to a position-existence reconciliation run
// once per execution-loop tick (spec stage 9).
package verifier

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/atlas-desktop/windowtrader/internal/positions"
)

// ExchangePosition is the minimal shape of a position as reported by
// the exchange.
type ExchangePosition struct {
	TokenID string
}

// ExchangeLister reports the positions the exchange currently holds
// for this account.
type ExchangeLister interface {
	ListPositions(ctx context.Context) ([]ExchangePosition, error)
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	// Missing holds local position IDs that the exchange no longer
	// (or never did) report — the dangerous case, since it means
	// stop-loss/take-profit are flying blind against a position that
	// may not exist or may have already been closed on the exchange.
	Missing []string
	// Orphans holds exchange token ids with no matching local
	// position — logged, but not fatal.
	Orphans []string
}

// HasMissing reports whether any local position is unaccounted for on
// the exchange.
func (r Report) HasMissing() bool { return len(r.Missing) > 0 }

// Verifier runs the reconciliation.
type Verifier struct {
	logger   *zap.Logger
	exchange ExchangeLister
}

// New builds a Verifier. A nil exchange lister makes Verify a no-op
// that always reports a clean reconciliation — the expected wiring in
// PAPER mode, where there is no real exchange account to check.
func New(exchange ExchangeLister, logger *zap.Logger) *Verifier {
	return &Verifier{exchange: exchange, logger: logger.Named("verifier")}
}

// Verify compares the tracker's open positions against the exchange's
// reported positions, keyed by token id.
func (v *Verifier) Verify(ctx context.Context, tracker *positions.Tracker) (Report, error) {
	if v.exchange == nil {
		return Report{}, nil
	}

	exchangePositions, err := v.exchange.ListPositions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("verifier: list exchange positions: %w", err)
	}

	onExchange := make(map[string]bool, len(exchangePositions))
	for _, ep := range exchangePositions {
		onExchange[ep.TokenID] = true
	}

	local := tracker.All()
	localTokens := make(map[string]bool, len(local))

	var report Report
	for _, p := range local {
		localTokens[p.TokenID] = true
		if !onExchange[p.TokenID] {
			report.Missing = append(report.Missing, p.ID)
		}
	}
	for _, ep := range exchangePositions {
		if !localTokens[ep.TokenID] {
			report.Orphans = append(report.Orphans, ep.TokenID)
		}
	}

	if report.HasMissing() {
		v.logger.Error("local positions missing on exchange", zap.Strings("positionIds", report.Missing))
	}
	for _, orphan := range report.Orphans {
		v.logger.Warn("exchange position has no local record", zap.String("tokenId", orphan))
	}

	return report, nil
}
