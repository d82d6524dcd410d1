// Package positions tracks open positions, their running PnL, and
// peak-price high-water marks. A position is always long the token it
// holds (UP or DOWN), so peakPrice is a simple non-decreasing
// high-water mark regardless of side. Map+mutex ownership and the
// price-update-drives-derived-fields idiom are grounded on the
// teacher's internal/execution.OrderManager.updatePosition.
package positions

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/windowtrader/pkg/types"
)

// Tracker owns the set of currently open positions.
type Tracker struct {
	logger *zap.Logger

	mu   sync.RWMutex
	open map[string]*types.Position // keyed by position id
}

// New builds an empty position tracker.
func New(logger *zap.Logger) *Tracker {
	return &Tracker{
		logger: logger.Named("positions"),
		open:   make(map[string]*types.Position),
	}
}

// Open records a newly filled position.
func (t *Tracker) Open(p *types.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open[p.ID] = p
}

// Get returns an open position by id.
func (t *Tracker) Get(id string) (*types.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.open[id]
	return p, ok
}

// All returns every currently open position.
func (t *Tracker) All() []*types.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*types.Position, 0, len(t.open))
	for _, p := range t.open {
		out = append(out, p)
	}
	return out
}

// ForWindow returns every open position on a given window.
func (t *Tracker) ForWindow(windowID string) []*types.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*types.Position
	for _, p := range t.open {
		if p.WindowID == windowID {
			out = append(out, p)
		}
	}
	return out
}

// UpdatePrice applies a new current price to a position, maintaining
// the peak-price high-water mark. A position is always long the token
// it holds (UP or DOWN token), so peakPrice is a plain non-decreasing
// high-water mark of currentPrice regardless of side.
func (t *Tracker) UpdatePrice(id string, currentPrice decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.open[id]
	if !ok {
		return fmt.Errorf("positions: unknown position %s", id)
	}

	p.CurrentPrice = currentPrice
	if currentPrice.GreaterThan(p.PeakPrice) {
		p.PeakPrice = currentPrice
	}

	return nil
}

// Close removes a position from the open set and returns it.
func (t *Tracker) Close(id string) (*types.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.open[id]
	if !ok {
		return nil, false
	}
	delete(t.open, id)
	return p, true
}

// Count returns the number of currently open positions.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.open)
}

// NewPosition builds a Position in its initial, just-filled state.
func NewPosition(id, windowID, strategyID, tokenID string, side types.Side, sizeShares, entryPrice decimal.Decimal) *types.Position {
	return &types.Position{
		ID:           id,
		WindowID:     windowID,
		StrategyID:   strategyID,
		TokenID:      tokenID,
		Side:         side,
		SizeShares:   sizeShares,
		EntryPrice:   entryPrice,
		CurrentPrice: entryPrice,
		PeakPrice:    entryPrice,
		OpenedAt:     time.Now().UTC(),
	}
}
