// Package exits implements the position exit evaluators: stop-loss,
// take-profit with trailing, window-expiry, and an optional
// thesis-degradation monitor. The stop-loss/take-profit/expiry checks
// are pure functions called once per tick from the execution loop;
// the thesis monitor runs its own background loop, grounded on
// other_examples/billygk-alpha-trading's checkRisk structure and the
// teacher's internal/execution/risk_manager.go violation idiom.
package exits

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/windowtrader/internal/positions"
	"github.com/atlas-desktop/windowtrader/pkg/types"
)

// Reason names why a position was closed by an evaluator.
type Reason string

const (
	ReasonStopLoss       Reason = "stop_loss"
	ReasonTakeProfit     Reason = "take_profit"
	ReasonTrailingStop   Reason = "trailing_stop"
	ReasonWindowExpiry   Reason = "window_expiry"
	ReasonThesisDegraded Reason = "thesis_degradation"
)

// Config controls the fixed thresholds used by the evaluators.
type Config struct {
	StopLossPct             decimal.Decimal
	TakeProfitPct           decimal.Decimal
	TrailingActivationPct   decimal.Decimal
	TrailingGapPct          decimal.Decimal
	MinHoldForThesisExit    time.Duration
	ThesisCheckInterval     time.Duration
	ThesisStrengthThreshold float64
}

// DefaultConfig returns conservative defaults for a 15-minute window:
// a position that has lost 30% of entry value stops out, a position up
// 50% takes profit outright, and once a position has been up at least
// 25% a 10% giveback from peak locks in the trailing stop.
func DefaultConfig() Config {
	return Config{
		StopLossPct:             decimal.NewFromFloat(0.30),
		TakeProfitPct:           decimal.NewFromFloat(0.50),
		TrailingActivationPct:   decimal.NewFromFloat(0.25),
		TrailingGapPct:          decimal.NewFromFloat(0.10),
		MinHoldForThesisExit:    60 * time.Second,
		ThesisCheckInterval:     750 * time.Millisecond,
		ThesisStrengthThreshold: 0,
	}
}

// Verdict is the outcome of a triggered exit check.
type Verdict struct {
	Reason     Reason
	Emergency  bool
	ClosePrice decimal.Decimal
}

// Evaluator runs the per-tick stop-loss/take-profit/expiry checks.
type Evaluator struct {
	cfg    Config
	logger *zap.Logger
}

// NewEvaluator builds an Evaluator.
func NewEvaluator(cfg Config, logger *zap.Logger) *Evaluator {
	return &Evaluator{cfg: cfg, logger: logger.Named("exits")}
}

// CheckStopLoss reports whether the position's current price has
// fallen far enough below entry to trigger an emergency close.
func (e *Evaluator) CheckStopLoss(p *types.Position) (Verdict, bool) {
	if p.EntryPrice.IsZero() {
		return Verdict{}, false
	}
	pct := p.CurrentPrice.Sub(p.EntryPrice).Div(p.EntryPrice)
	if pct.LessThanOrEqual(e.cfg.StopLossPct.Neg()) {
		return Verdict{Reason: ReasonStopLoss, Emergency: true, ClosePrice: p.CurrentPrice}, true
	}
	return Verdict{}, false
}

// CheckTakeProfit evaluates the fixed take-profit threshold first,
// then the trailing-stop condition derived from the position's peak
// price. Callers must update PeakPrice for the current tick (via
// positions.Tracker.UpdatePrice) before calling this.
func (e *Evaluator) CheckTakeProfit(p *types.Position) (Verdict, bool) {
	if p.EntryPrice.IsZero() {
		return Verdict{}, false
	}

	pnlPct := p.CurrentPrice.Sub(p.EntryPrice).Div(p.EntryPrice)
	if pnlPct.GreaterThanOrEqual(e.cfg.TakeProfitPct) {
		return Verdict{Reason: ReasonTakeProfit, ClosePrice: p.CurrentPrice}, true
	}

	peakPct := p.PeakPnLPct()
	if peakPct.GreaterThanOrEqual(e.cfg.TrailingActivationPct) && !p.PeakPrice.IsZero() {
		giveback := p.PeakPrice.Sub(p.CurrentPrice).Div(p.PeakPrice)
		if giveback.GreaterThanOrEqual(e.cfg.TrailingGapPct) {
			return Verdict{Reason: ReasonTrailingStop, ClosePrice: p.CurrentPrice}, true
		}
	}

	return Verdict{}, false
}

// CheckWindowExpiry reports whether a position's window has settled
// and should be closed at the resolution price regardless of SL/TP
// state.
func (e *Evaluator) CheckWindowExpiry(p *types.Position, w *types.Window) (Verdict, bool) {
	if w == nil || !w.Settled {
		return Verdict{}, false
	}
	return Verdict{Reason: ReasonWindowExpiry, ClosePrice: w.ResolutionPrice}, true
}

// ThesisSource computes a signed thesis strength for a live position.
// A non-positive value (at or below the configured threshold) means
// the original entry rationale has decayed.
type ThesisSource interface {
	ThesisStrength(ctx context.Context, p *types.Position) (float64, error)
}

// ExitFunc performs the actual exit for a position triggered by thesis
// degradation. The wired exit closes at the position's current price
// without running the fill simulator; in LIVE mode it places an
// immediate-or-cancel sell, not a fill-or-kill order.
type ExitFunc func(ctx context.Context, p *types.Position, reason Reason)

// ThesisMonitor periodically recomputes thesis strength for every open
// position and triggers an asynchronous exit once it decays below
// threshold, past a minimum hold time. Double-fire is prevented two
// ways: a position is removed from the monitoring scan the instant its
// exit is initiated, and a separate in-flight guard blocks re-entry
// until that async exit completes.
type ThesisMonitor struct {
	cfg     Config
	logger  *zap.Logger
	source  ThesisSource
	tracker *positions.Tracker
	exit    ExitFunc

	mu       sync.Mutex
	excluded map[string]bool
	inFlight map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewThesisMonitor builds a ThesisMonitor.
func NewThesisMonitor(cfg Config, source ThesisSource, tracker *positions.Tracker, exit ExitFunc, logger *zap.Logger) *ThesisMonitor {
	return &ThesisMonitor{
		cfg:      cfg,
		logger:   logger.Named("thesis-monitor"),
		source:   source,
		tracker:  tracker,
		exit:     exit,
		excluded: make(map[string]bool),
		inFlight: make(map[string]bool),
	}
}

// Start launches the background scan loop.
func (m *ThesisMonitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop cancels the scan loop and waits for any in-flight exits.
func (m *ThesisMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *ThesisMonitor) loop(ctx context.Context) {
	defer m.wg.Done()
	defer m.recoverAndLog()

	ticker := time.NewTicker(m.cfg.ThesisCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scanOnce(ctx)
		}
	}
}

func (m *ThesisMonitor) scanOnce(ctx context.Context) {
	for _, p := range m.tracker.All() {
		if time.Since(p.OpenedAt) < m.cfg.MinHoldForThesisExit {
			continue
		}

		m.mu.Lock()
		if m.excluded[p.ID] || m.inFlight[p.ID] {
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()

		strength, err := m.source.ThesisStrength(ctx, p)
		if err != nil {
			m.logger.Warn("thesis strength lookup failed",
				zap.String("position", p.ID), zap.Error(err))
			continue
		}
		if strength > m.cfg.ThesisStrengthThreshold {
			continue
		}

		m.mu.Lock()
		m.excluded[p.ID] = true
		m.inFlight[p.ID] = true
		m.mu.Unlock()

		m.wg.Add(1)
		go m.runExit(ctx, p)
	}
}

func (m *ThesisMonitor) runExit(ctx context.Context, p *types.Position) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.inFlight, p.ID)
		m.mu.Unlock()
	}()
	m.exit(ctx, p, ReasonThesisDegraded)
}

func (m *ThesisMonitor) recoverAndLog() {
	if r := recover(); r != nil {
		m.logger.Error("thesis monitor panic recovered", zap.Any("panic", r))
	}
}
