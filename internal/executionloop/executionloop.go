// Package executionloop wires signal evaluation into sized, safeguarded
// entries and runs the continuous position-safety sweep (stale order
// cleanup, exchange verification, stop-loss, take-profit, window-expiry
// resolution). The entry path is driven by the window scheduler's
// per-offset timer tree (Loop implements scheduler.SignalEvaluator), the
// same timing mechanism the teacher's market-creation loop in
// other_examples/NevzatMmc-updown uses for its own lifecycle hooks; the
// position-safety sweep runs on its own ticker, serialized and
// non-reentrant like the teacher's internal/execution.Executor tick,
// since it owns capital-at-risk decisions independent of any one
// window's clock.
package executionloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/windowtrader/internal/breaker"
	"github.com/atlas-desktop/windowtrader/internal/composer"
	"github.com/atlas-desktop/windowtrader/internal/exits"
	"github.com/atlas-desktop/windowtrader/internal/fillsim"
	"github.com/atlas-desktop/windowtrader/internal/positions"
	"github.com/atlas-desktop/windowtrader/internal/probability"
	"github.com/atlas-desktop/windowtrader/internal/safeguards"
	"github.com/atlas-desktop/windowtrader/internal/sizing"
	"github.com/atlas-desktop/windowtrader/internal/verifier"
	"github.com/atlas-desktop/windowtrader/pkg/types"
)

// OrderAction distinguishes a buy (entry) from a sell (exit) on the
// order gateway.
type OrderAction string

const (
	ActionBuy  OrderAction = "BUY"
	ActionSell OrderAction = "SELL"
)

// ErrRejected is returned by OrderGateway.PlaceIOC when the exchange
// rejected the order before it could have affected the account — the
// caller may safely release its reservation. Any other error is
// ambiguous about whether the exchange received the order and must be
// treated as an UNCERTAINTY-HALT condition instead.
var ErrRejected = errors.New("executionloop: order rejected by exchange")

// OrderRequest describes one immediate-or-cancel order.
type OrderRequest struct {
	TokenID    string
	Action     OrderAction
	MaxPrice   decimal.Decimal // zero means no limit (used for capital-priority exits)
	DollarSize decimal.Decimal
	Shares     decimal.Decimal
}

// OrderResult reports the outcome of a placed order.
type OrderResult struct {
	OrderID      string
	FilledShares decimal.Decimal
	AvgPrice     decimal.Decimal
}

// OpenOrder is a still-resting order as reported by the exchange.
type OpenOrder struct {
	OrderID string
	TokenID string
	Signal  types.Signal
}

// OrderGateway is the LIVE-mode order-placement surface. Nothing in
// this module or the retrieved examples offers a ready-made client for
// this binary-outcome CLOB, so the interface is defined locally and
// satisfied by whatever exchange adapter the orchestrator wires in.
type OrderGateway interface {
	PlaceIOC(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	OpenOrders(ctx context.Context) ([]OpenOrder, error)
}

// DrawdownGuard reports whether the portfolio has auto-stopped new
// entries. A nil guard never stops entries — the wiring used until the
// orchestrator assembles a real portfolio ledger.
type DrawdownGuard interface {
	AutoStopped() bool
}

// SpotPriceSource resolves the latest underlying spot price for a
// symbol.
type SpotPriceSource interface {
	SpotPrice(symbol string) (decimal.Decimal, bool)
}

// BookSource resolves the latest order-book snapshot for a token.
type BookSource interface {
	GetBookSnapshot(tokenID string) (types.BookSnapshot, bool)
}

// SignalRecorder persists a signal once it has been produced, win or
// lose on entry.
type SignalRecorder interface {
	RecordSignal(ctx context.Context, sig types.Signal) error
}

// PredictionRecorder persists a probability prediction for later
// calibration scoring. Satisfied directly by internal/probability.Ledger.
type PredictionRecorder interface {
	Record(ctx context.Context, rec types.PredictionRecord) error
}

// Sizer converts a signal into a dollar position size.
type Sizer interface {
	Size(ctx context.Context, window *types.Window, sig types.Signal, book types.BookSnapshot, openExposure decimal.Decimal) (decimal.Decimal, error)
}

// Config controls loop-wide thresholds not already owned by a
// collaborator package.
type Config struct {
	// MinEdgeForHold is the edge floor below which a still-open order
	// is considered stale and canceled during the LIVE stale-order
	// sweep.
	MinEdgeForHold decimal.Decimal
	// OrphanGracePeriod is how long past a window's close time a
	// position may sit with no resolution before it is logged as
	// orphaned.
	OrphanGracePeriod time.Duration
	// FeeRate is charged on PAPER fills by the fill simulator.
	FeeRate decimal.Decimal
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		MinEdgeForHold:    decimal.NewFromFloat(0.03),
		OrphanGracePeriod: 5 * time.Minute,
		FeeRate:           decimal.NewFromFloat(0.02),
	}
}

// Deps bundles the loop's collaborators.
type Deps struct {
	Mode         types.Mode
	StrategyName string

	Breaker     *breaker.Breaker
	Drawdown    DrawdownGuard // optional
	Spot        SpotPriceSource
	Books       BookSource
	Composer    *composer.Composer
	Signals     SignalRecorder     // optional
	Predictions PredictionRecorder // optional
	Safeguards  *safeguards.Safeguards
	Sizer       Sizer
	Gateway     OrderGateway // required in LIVE mode, unused in PAPER
	Positions   *positions.Tracker
	Verifier    *verifier.Verifier
	Exits       *exits.Evaluator
}

// Loop implements the engine's entry and position-safety pipelines.
type Loop struct {
	cfg          Config
	mode         types.Mode
	strategyName string
	logger       *zap.Logger

	breaker    *breaker.Breaker
	drawdown   DrawdownGuard
	spot       SpotPriceSource
	books      BookSource
	composer    *composer.Composer
	signals     SignalRecorder
	predictions PredictionRecorder
	safeguards  *safeguards.Safeguards
	sizer      Sizer
	gateway    OrderGateway
	positions  *positions.Tracker
	verifier   *verifier.Verifier
	exits      *exits.Evaluator

	windowsMu sync.Mutex
	windows   map[string]*types.Window // last window pointer seen per window id

	sweepMu      sync.Mutex
	sweeping     bool
	droppedTicks int64

	sweepCancel context.CancelFunc
	sweepWG     sync.WaitGroup
}

var _ exits.ThesisSource = (*Loop)(nil)

// New builds an execution loop.
func New(cfg Config, deps Deps, logger *zap.Logger) *Loop {
	return &Loop{
		cfg:          cfg,
		mode:         deps.Mode,
		strategyName: deps.StrategyName,
		logger:       logger.Named("executionloop"),
		breaker:      deps.Breaker,
		drawdown:     deps.Drawdown,
		spot:         deps.Spot,
		books:        deps.Books,
		composer:     deps.Composer,
		signals:      deps.Signals,
		predictions:  deps.Predictions,
		safeguards:   deps.Safeguards,
		sizer:        deps.Sizer,
		gateway:      deps.Gateway,
		positions:    deps.Positions,
		verifier:     deps.Verifier,
		exits:        deps.Exits,
		windows:      make(map[string]*types.Window),
	}
}

// --- Entry path: driven by the scheduler's per-offset timer tree ---

// EvaluateSignals implements scheduler.SignalEvaluator. It runs stages
// 2 (drawdown gate), 4-7 (spot price, signal evaluation, recording,
// sizing & entry) for one window at one seconds-to-close offset.
func (l *Loop) EvaluateSignals(ctx context.Context, window *types.Window, offsetSec int) {
	l.rememberWindow(window)

	if !l.breaker.Allow() {
		l.logger.Debug("signal evaluation skipped: circuit breaker open", zap.String("windowId", window.ID))
		return
	}

	if l.drawdown != nil && l.drawdown.AutoStopped() {
		l.logger.Debug("signal evaluation skipped: drawdown auto-stop active", zap.String("windowId", window.ID))
		return
	}

	spot, ok := l.spot.SpotPrice(window.Symbol)
	if !ok {
		l.logger.Warn("no spot price available", zap.String("symbol", window.Symbol))
		return
	}

	upBook, ok := l.books.GetBookSnapshot(window.UpTokenID)
	if !ok {
		l.logger.Debug("no book snapshot for up token", zap.String("tokenId", window.UpTokenID))
		return
	}

	wctx := composer.WindowContext{
		OraclePrice:    spot,
		ReferencePrice: window.ReferencePrice,
		MarketPrice:    upBook.Mid,
		TimeToExpiry:   window.TimeRemaining(time.Now().UTC()),
		Symbol:         window.Symbol,
		WindowID:       window.ID,
		TokenIDUp:      window.UpTokenID,
		TokenIDDown:    window.DownTokenID,
		MarketID:       window.MarketID,
	}
	marketCtx := types.MarketContext{
		Bid:    upBook.BestBid,
		Ask:    upBook.BestAsk,
		Spread: upBook.Spread,
		Depth:  upBook.BidDepth1Pct,
	}

	signals, err := l.composer.Execute(ctx, l.strategyName, window, wctx, marketCtx)
	if err != nil {
		l.logger.Warn("strategy execution failed", zap.String("windowId", window.ID), zap.Error(err))
		return
	}

	l.safeguards.ResetTickEntries()

	for _, sig := range signals {
		l.recordSignal(ctx, sig)
		l.recordPrediction(ctx, window, wctx, sig)
	}

	for _, sig := range signals {
		l.processEntry(ctx, window, sig)
	}
}

func (l *Loop) rememberWindow(w *types.Window) {
	l.windowsMu.Lock()
	l.windows[w.ID] = w
	l.windowsMu.Unlock()
}

func (l *Loop) window(id string) (*types.Window, bool) {
	l.windowsMu.Lock()
	defer l.windowsMu.Unlock()
	w, ok := l.windows[id]
	return w, ok
}

// ThesisStrength recomputes the model edge backing an open position
// and signs it to the position's side, so a long UP position and a
// long DOWN position both read positive while the original entry
// thesis still holds. Satisfies internal/exits.ThesisSource.
func (l *Loop) ThesisStrength(ctx context.Context, p *types.Position) (float64, error) {
	window, ok := l.window(p.WindowID)
	if !ok {
		return 0, fmt.Errorf("executionloop: no remembered window %q for position %q", p.WindowID, p.ID)
	}

	spot, ok := l.spot.SpotPrice(window.Symbol)
	if !ok {
		return 0, fmt.Errorf("executionloop: no spot price for %q", window.Symbol)
	}

	upBook, ok := l.books.GetBookSnapshot(window.UpTokenID)
	if !ok {
		return 0, fmt.Errorf("executionloop: no book snapshot for %q", window.UpTokenID)
	}

	wctx := composer.WindowContext{
		OraclePrice:    spot,
		ReferencePrice: window.ReferencePrice,
		MarketPrice:    upBook.Mid,
		TimeToExpiry:   window.TimeRemaining(time.Now().UTC()),
		Symbol:         window.Symbol,
		WindowID:       window.ID,
		TokenIDUp:      window.UpTokenID,
		TokenIDDown:    window.DownTokenID,
		MarketID:       window.MarketID,
	}

	upEdge, err := l.composer.EstimateEdge(ctx, l.strategyName, wctx)
	if err != nil {
		return 0, err
	}

	if p.Side == types.SideDown {
		return -upEdge, nil
	}
	return upEdge, nil
}

func (l *Loop) recordSignal(ctx context.Context, sig types.Signal) {
	if l.signals == nil {
		return
	}
	if err := l.signals.RecordSignal(ctx, sig); err != nil {
		l.logger.Warn("signal recording failed", zap.String("signalId", sig.ID), zap.Error(err))
	}
}

// recordPrediction feeds the signal's probability into the calibration
// ledger, if one is configured. Sigma isn't carried on types.Signal
// today (the composer's probability component reports it only as
// EvaluateResult.Extra, which toSignal doesn't propagate), so the
// ledger sees every prediction as sigma 0 until that path is threaded
// through.
func (l *Loop) recordPrediction(ctx context.Context, window *types.Window, wctx composer.WindowContext, sig types.Signal) {
	if l.predictions == nil {
		return
	}
	pUp, _ := sig.ModelProbability.Float64()
	rec := types.PredictionRecord{
		ID:           sig.ID,
		WindowID:     window.ID,
		Symbol:       window.Symbol,
		PredictedPUp: sig.ModelProbability,
		Bucket:       probability.BucketFor(pUp),
		OraclePrice:  wctx.OraclePrice,
		Strike:       wctx.ReferencePrice,
		TMs:          wctx.TimeToExpiry.Milliseconds(),
	}
	if err := l.predictions.Record(ctx, rec); err != nil {
		l.logger.Warn("prediction recording failed", zap.String("signalId", sig.ID), zap.Error(err))
	}
}

// processEntry runs the reserve -> size -> place -> confirm/release
// contract for one signal.
func (l *Loop) processEntry(ctx context.Context, window *types.Window, sig types.Signal) {
	if !l.safeguards.CanEnterPosition() {
		l.logger.Debug("entry skipped: per-tick entry cap reached", zap.String("signalId", sig.ID))
		return
	}

	if !l.safeguards.ReserveEntry(sig.WindowID, sig.StrategyID) {
		l.logger.Debug("entry skipped: already reserved", zap.String("windowId", sig.WindowID), zap.String("strategyId", sig.StrategyID))
		return
	}

	book, ok := l.books.GetBookSnapshot(sig.TokenID)
	if !ok || book.BestAsk.IsZero() {
		l.logger.Warn("entry skipped: no tradable book", zap.String("tokenId", sig.TokenID))
		l.release(sig)
		return
	}

	dollarSize, err := l.sizer.Size(ctx, window, sig, book, l.openExposure())
	if err != nil || dollarSize.LessThanOrEqual(decimal.Zero) {
		l.logger.Warn("entry skipped: sizing produced no size", zap.String("signalId", sig.ID), zap.Error(err))
		l.release(sig)
		return
	}

	side := sideForToken(window, sig.TokenID)

	if l.mode == types.ModePaper {
		l.openPaperPosition(sig, side, book, dollarSize)
		return
	}
	l.openLivePosition(ctx, sig, side, dollarSize)
}

func (l *Loop) release(sig types.Signal) {
	if err := l.safeguards.ReleaseEntry(sig.WindowID, sig.StrategyID); err != nil {
		l.logger.Warn("reservation release failed", zap.String("windowId", sig.WindowID), zap.String("strategyId", sig.StrategyID), zap.Error(err))
	}
}

func (l *Loop) openPaperPosition(sig types.Signal, side types.Side, book types.BookSnapshot, dollarSize decimal.Decimal) {
	fill := fillsim.SimulateFill(book, dollarSize, l.cfg.FeeRate)
	if !fill.Success || fill.TotalShares.IsZero() {
		l.logger.Warn("paper entry produced no fill", zap.String("signalId", sig.ID))
		l.release(sig)
		return
	}

	p := positions.NewPosition(uuid.NewString(), sig.WindowID, sig.StrategyID, sig.TokenID, side, fill.TotalShares, fill.VWAPPrice)
	p.Virtual = true
	l.positions.Open(p)

	if err := l.safeguards.ConfirmEntry(sig.WindowID, sig.StrategyID); err != nil {
		l.logger.Error("confirm after paper fill failed", zap.Error(err))
	}

	l.logger.Info("paper position opened",
		zap.String("positionId", p.ID), zap.String("tokenId", sig.TokenID),
		zap.String("shares", fill.TotalShares.String()), zap.String("price", fill.VWAPPrice.String()))
}

func (l *Loop) openLivePosition(ctx context.Context, sig types.Signal, side types.Side, dollarSize decimal.Decimal) {
	req := OrderRequest{TokenID: sig.TokenID, Action: ActionBuy, MaxPrice: sig.Confidence, DollarSize: dollarSize}
	result, err := l.gateway.PlaceIOC(ctx, req)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			l.logger.Warn("live entry rejected", zap.String("signalId", sig.ID), zap.Error(err))
			l.release(sig)
			return
		}

		// The outcome of the order is unknown: it may have reached the
		// exchange and filled. Confirming (never releasing) keeps the
		// reservation from being taken twice; halting stops further
		// entries until an operator confirms the account state.
		l.logger.Error("live entry outcome uncertain, confirming and halting", zap.String("signalId", sig.ID), zap.Error(err))
		if cErr := l.safeguards.ConfirmEntry(sig.WindowID, sig.StrategyID); cErr != nil {
			l.logger.Error("confirm after uncertain order failed", zap.Error(cErr))
		}
		l.breaker.Halt(breaker.ReasonExchangeUncertain, err.Error())
		return
	}

	if result.FilledShares.IsZero() {
		l.release(sig)
		return
	}

	p := positions.NewPosition(result.OrderID, sig.WindowID, sig.StrategyID, sig.TokenID, side, result.FilledShares, result.AvgPrice)
	l.recordLiveFill(sig, p)
}

// recordLiveFill opens the position and confirms the reservation. The
// order has already reached the exchange at this point, so a failure
// here trips POSITION_TRACKING_FAILED rather than releasing — capital
// is already committed even if the local bookkeeping fails.
func (l *Loop) recordLiveFill(sig types.Signal, p *types.Position) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("position recording panicked after live fill", zap.Any("panic", r))
			l.breaker.Halt(breaker.ReasonPositionTrackingFailed, fmt.Sprintf("%v", r))
			_ = l.safeguards.ConfirmEntry(sig.WindowID, sig.StrategyID)
		}
	}()

	l.positions.Open(p)
	if err := l.safeguards.ConfirmEntry(sig.WindowID, sig.StrategyID); err != nil {
		l.logger.Error("confirm after live fill failed", zap.String("positionId", p.ID), zap.Error(err))
		l.breaker.Halt(breaker.ReasonPositionTrackingFailed, err.Error())
		return
	}

	l.logger.Info("live position opened",
		zap.String("positionId", p.ID), zap.String("tokenId", p.TokenID), zap.String("shares", p.SizeShares.String()))
}

func (l *Loop) openExposure() decimal.Decimal {
	total := decimal.Zero
	for _, p := range l.positions.All() {
		total = total.Add(p.SizeShares.Mul(p.EntryPrice))
	}
	return total
}

func sideForToken(w *types.Window, tokenID string) types.Side {
	if w != nil && tokenID == w.DownTokenID {
		return types.SideDown
	}
	return types.SideUp
}

// --- Position-safety sweep: stale orders, verification, exits ---

// StartSweep launches the position-safety sweep on its own ticker. It
// is non-reentrant: if a sweep is still running when the next tick
// fires, the new tick is dropped and counted rather than queued.
func (l *Loop) StartSweep(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	l.sweepCancel = cancel

	l.sweepWG.Add(1)
	go func() {
		defer l.sweepWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.runSweep(ctx)
			}
		}
	}()
}

// StopSweep halts the sweep goroutine and waits for it to exit.
func (l *Loop) StopSweep() {
	if l.sweepCancel != nil {
		l.sweepCancel()
	}
	l.sweepWG.Wait()
}

// DroppedSweeps reports how many sweep ticks were skipped because the
// previous sweep was still running.
func (l *Loop) DroppedSweeps() int64 {
	return atomic.LoadInt64(&l.droppedTicks)
}

func (l *Loop) runSweep(ctx context.Context) {
	defer l.recoverAndLog("sweep")

	l.sweepMu.Lock()
	if l.sweeping {
		l.sweepMu.Unlock()
		atomic.AddInt64(&l.droppedTicks, 1)
		l.logger.Warn("position sweep dropped: previous sweep still running")
		return
	}
	l.sweeping = true
	l.sweepMu.Unlock()

	defer func() {
		l.sweepMu.Lock()
		l.sweeping = false
		l.sweepMu.Unlock()
	}()

	if !l.breaker.Allow() {
		l.logger.Debug("position sweep skipped: circuit breaker open")
		return
	}

	if l.mode == types.ModeLive {
		l.sweepStaleOrders(ctx)
	}

	skipExits := false
	if l.verifier != nil {
		report, err := l.verifier.Verify(ctx, l.positions)
		switch {
		case err != nil:
			l.logger.Error("position verification failed", zap.Error(err))
			l.breaker.Halt(breaker.ReasonVerificationStale, err.Error())
			skipExits = true
		case report.HasMissing():
			l.breaker.Halt(breaker.ReasonStopLossBlind, fmt.Sprintf("missing positions: %v", report.Missing))
			skipExits = true
		case len(report.Orphans) > 0:
			l.breaker.Halt(breaker.ReasonOrphanPosition, fmt.Sprintf("orphaned exchange positions: %v", report.Orphans))
			skipExits = true
		}
	}

	if skipExits {
		return
	}

	l.refreshPrices()
	l.evaluateStopLoss(ctx)
	l.evaluateTakeProfit(ctx)
	l.evaluateExpiry(ctx)
}

func (l *Loop) sweepStaleOrders(ctx context.Context) {
	open, err := l.gateway.OpenOrders(ctx)
	if err != nil {
		l.logger.Warn("stale order sweep: list failed", zap.Error(err))
		return
	}

	for _, o := range open {
		book, ok := l.books.GetBookSnapshot(o.TokenID)
		if !ok {
			continue
		}

		currentEdge := o.Signal.ModelProbability.Sub(book.BestAsk)
		reversed := currentEdge.IsNegative() != o.Signal.Edge.IsNegative()
		if currentEdge.LessThan(l.cfg.MinEdgeForHold) || reversed {
			if err := l.gateway.CancelOrder(ctx, o.OrderID); err != nil {
				l.logger.Warn("cancel stale order failed", zap.String("orderId", o.OrderID), zap.Error(err))
				continue
			}
			l.logger.Info("canceled stale order", zap.String("orderId", o.OrderID), zap.String("currentEdge", currentEdge.String()))
		}
	}
}

func (l *Loop) refreshPrices() {
	for _, p := range l.positions.All() {
		snap, ok := l.books.GetBookSnapshot(p.TokenID)
		if !ok || snap.Mid.IsZero() {
			continue
		}
		if err := l.positions.UpdatePrice(p.ID, snap.Mid); err != nil {
			l.logger.Warn("price refresh failed", zap.String("positionId", p.ID), zap.Error(err))
		}
	}
}

func (l *Loop) evaluateStopLoss(ctx context.Context) {
	for _, p := range l.positions.All() {
		v, triggered := l.exits.CheckStopLoss(p)
		if !triggered {
			continue
		}
		l.closePosition(ctx, p, v)
	}
}

func (l *Loop) evaluateTakeProfit(ctx context.Context) {
	for _, p := range l.positions.All() {
		v, triggered := l.exits.CheckTakeProfit(p)
		if !triggered {
			continue
		}
		l.closePosition(ctx, p, v)
	}
}

func (l *Loop) evaluateExpiry(ctx context.Context) {
	now := time.Now().UTC()
	for _, p := range l.positions.All() {
		l.windowsMu.Lock()
		w, known := l.windows[p.WindowID]
		l.windowsMu.Unlock()

		if !known {
			continue
		}

		if !w.Settled {
			if now.After(time.UnixMilli(w.CloseTimeMs).Add(l.cfg.OrphanGracePeriod)) {
				l.logger.Warn("orphaned expiring window position",
					zap.String("positionId", p.ID), zap.String("windowId", p.WindowID))
			}
			continue
		}

		v, triggered := l.exits.CheckWindowExpiry(p, w)
		if !triggered {
			continue
		}
		l.closePosition(ctx, p, v)
	}
}

// closePosition removes the position from the tracker, frees its
// reservation slot, and — in LIVE mode — places an exit order. Exits
// are priced to fill (MaxPrice left at zero): once an exit condition
// has triggered, getting out matters more than the fill price.
func (l *Loop) closePosition(ctx context.Context, p *types.Position, v exits.Verdict) {
	closed, ok := l.positions.Close(p.ID)
	if !ok {
		return
	}

	now := time.Now().UTC()
	closed.ClosedAt = &now
	closed.CloseReason = string(v.Reason)
	closed.ExitPrice = v.ClosePrice

	l.safeguards.RemoveEntry(closed.WindowID, closed.StrategyID)
	l.recordTradeOutcome(closed)

	if l.mode == types.ModeLive && !closed.Virtual {
		req := OrderRequest{TokenID: closed.TokenID, Action: ActionSell, Shares: closed.SizeShares}
		if _, err := l.gateway.PlaceIOC(ctx, req); err != nil {
			l.logger.Error("exit order failed", zap.String("positionId", closed.ID), zap.Error(err))
		}
	}

	level := l.logger.Info
	if v.Emergency {
		level = l.logger.Warn
	}
	level("position closed",
		zap.String("positionId", closed.ID), zap.String("reason", string(v.Reason)),
		zap.String("exitPrice", closed.ExitPrice.String()), zap.String("pnl", closed.UnrealizedPnL().String()))
}

// recordTradeOutcome feeds the realized outcome of a just-closed
// position back into the sizer, if it supports recording one, so the
// sizer's empirical win-rate/payoff blend has real history to draw on
// beyond the price-implied Kelly estimate.
func (l *Loop) recordTradeOutcome(closed *types.Position) {
	recorder, ok := l.sizer.(interface{ RecordOutcome(sizing.TradeResult) })
	if !ok {
		return
	}

	cost := closed.EntryPrice.Mul(closed.SizeShares)
	netPnL := closed.ExitPrice.Sub(closed.EntryPrice).Mul(closed.SizeShares)
	returnPct := 0.0
	if !cost.IsZero() {
		returnPct, _ = netPnL.Div(cost).Float64()
	}

	recorder.RecordOutcome(sizing.TradeResult{
		WindowID:  closed.WindowID,
		TokenID:   closed.TokenID,
		Cost:      cost,
		NetPnL:    netPnL,
		ReturnPct: returnPct,
		IsWin:     netPnL.IsPositive(),
	})
}

// CloseForReason exits a position outside the regular sweep tick — the
// hook the thesis-degradation monitor calls via exits.ExitFunc once it
// decides a position's edge has decayed below the strategy's
// conviction threshold.
func (l *Loop) CloseForReason(ctx context.Context, p *types.Position, reason exits.Reason) {
	l.closePosition(ctx, p, exits.Verdict{Reason: reason, ClosePrice: p.CurrentPrice})
}

func (l *Loop) recoverAndLog(loop string) {
	if r := recover(); r != nil {
		l.logger.Error("recovered from panic in execution loop", zap.String("loop", loop), zap.Any("panic", r))
	}
}
