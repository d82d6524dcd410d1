// Package scheduler materializes 15-minute trading windows for each
// configured symbol and owns the per-window timer tree: latency probe,
// signal-evaluation offsets, and settlement with one retry. Loop
// structure (independent goroutines, boundary-aligned ticks, deferred
// panic recovery per loop) is grounded directly on the scheduler in
// other_examples/NevzatMmc-updown, generalized from a single 5-minute
// market-creation loop to a multi-symbol 15-minute window tree with a
// richer per-window timer set.
package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/windowtrader/pkg/types"
)

// windowDuration is the fixed epoch length this engine trades.
const windowDuration = 15 * time.Minute

// MarketMetadata describes the market resolved for one symbol/epoch.
type MarketMetadata struct {
	MarketID    string
	UpTokenID   string
	DownTokenID string
	Question    string
}

// MarketResolver finds (or creates) the market for a symbol's current
// epoch and returns its token ids and question text.
type MarketResolver interface {
	ResolveMarket(ctx context.Context, symbol string, epoch int64) (MarketMetadata, error)
}

// BookClient is the subset of the CLOB book client the scheduler needs
// to start/stop following a token's order book.
type BookClient interface {
	Subscribe(tokenID, symbolLabel string) error
	Unsubscribe(tokenID string) error
	SubscribeUpdates(tokenID string, fn func(types.BookSnapshot)) func()
}

// TickRecorder receives one book observation per update while a window
// is live.
type TickRecorder interface {
	Record(tokenID, symbol string, snap types.BookSnapshot)
}

// OpenPriceReader captures the three open-price readings a window is
// anchored on.
type OpenPriceReader interface {
	OpenPrices(ctx context.Context, symbol string, at time.Time) (types.OpenPrices, error)
}

// SignalEvaluator runs one signal-evaluation pass for a window at a
// given seconds-to-close offset.
type SignalEvaluator interface {
	EvaluateSignals(ctx context.Context, window *types.Window, offsetSec int)
}

// LatencyProber performs a single round-trip latency probe ahead of a
// window's close.
type LatencyProber interface {
	Probe(ctx context.Context)
}

// Settler attempts to resolve and settle a closed window. A false
// return with a nil error means the resolution isn't available yet and
// is worth one retry.
type Settler interface {
	Settle(ctx context.Context, window *types.Window) (bool, error)
}

// SettlementObserver is notified once a window has been successfully
// resolved and settled, with Window.ResolvedSide/ResolutionPrice
// already populated. Optional: a nil observer simply means nothing
// downstream of settlement cares, which is the expected wiring for a
// deployment with no calibration ledger configured.
type SettlementObserver interface {
	WindowSettled(ctx context.Context, window *types.Window)
}

// Config controls the scheduler's scan cadence and per-window timers.
type Config struct {
	ScanInterval       time.Duration
	SignalOffsetsSec   []int // seconds before close, e.g. 120,90,60,30,10
	LatencyProbeBefore time.Duration
	SettlementDelay    time.Duration
	SettlementRetry    time.Duration
}

// DefaultConfig returns the offsets named in the design notes.
func DefaultConfig() Config {
	return Config{
		ScanInterval:       10 * time.Second,
		SignalOffsetsSec:   []int{120, 90, 60, 30, 10},
		LatencyProbeBefore: 500 * time.Millisecond,
		SettlementDelay:    2 * time.Second,
		SettlementRetry:    30 * time.Second,
	}
}

type trackedWindow struct {
	window        *types.Window
	timers        []*time.Timer
	cancelUpdates []func()
}

// Scheduler owns window lifecycle for a set of symbols.
type Scheduler struct {
	cfg    Config
	logger *zap.Logger

	resolver MarketResolver
	books    BookClient
	recorder TickRecorder
	prices   OpenPriceReader
	signals  SignalEvaluator
	latency  LatencyProber
	settler  Settler
	observer SettlementObserver

	mu      sync.Mutex
	windows map[string]*trackedWindow // windowID -> tracked

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles the scheduler's collaborators.
type Deps struct {
	Resolver MarketResolver
	Books    BookClient
	Recorder TickRecorder
	Prices   OpenPriceReader
	Signals  SignalEvaluator
	Latency  LatencyProber
	Settler  Settler
	Observer SettlementObserver // optional
}

// New builds a scheduler.
func New(cfg Config, deps Deps, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		logger:   logger.Named("scheduler"),
		resolver: deps.Resolver,
		books:    deps.Books,
		recorder: deps.Recorder,
		prices:   deps.Prices,
		signals:  deps.Signals,
		latency:  deps.Latency,
		settler:  deps.Settler,
		observer: deps.Observer,
		windows:  make(map[string]*trackedWindow),
	}
}

// Start begins scanning for new windows across symbols. It returns
// immediately; window materialization and timers run in background
// goroutines.
func (s *Scheduler) Start(ctx context.Context, symbols []string) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.scanLoop(ctx, symbols)
}

// Stop cancels the scan loop and every pending per-window timer.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tw := range s.windows {
		s.cleanupLocked(tw)
		delete(s.windows, id)
	}
}

func (s *Scheduler) scanLoop(ctx context.Context, symbols []string) {
	defer s.wg.Done()
	defer s.recoverAndLog("scanLoop")

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	s.scanOnce(ctx, symbols)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx, symbols)
		}
	}
}

func (s *Scheduler) scanOnce(ctx context.Context, symbols []string) {
	now := time.Now().UTC()
	epoch := CurrentEpoch(now)

	for _, symbol := range symbols {
		id := WindowID(symbol, epoch)

		s.mu.Lock()
		_, exists := s.windows[id]
		s.mu.Unlock()
		if exists {
			continue
		}

		if err := s.materialize(ctx, symbol, epoch); err != nil {
			s.logger.Warn("window materialization failed",
				zap.String("symbol", symbol), zap.Int64("epoch", epoch), zap.Error(err))
		}
	}
}

// materialize resolves the market, subscribes both tokens, starts tick
// recording, captures open prices, and schedules the full timer set
// for a new window. A window is created at most once per
// (symbol, epoch) pair and is never rescheduled thereafter.
func (s *Scheduler) materialize(ctx context.Context, symbol string, epoch int64) error {
	meta, err := s.resolver.ResolveMarket(ctx, symbol, epoch)
	if err != nil {
		return fmt.Errorf("resolve market: %w", err)
	}

	strike, err := ParseStrike(meta.Question)
	if err != nil {
		s.logger.Warn("could not parse strike from question, leaving reference price unset",
			zap.String("symbol", symbol), zap.String("question", meta.Question), zap.Error(err))
	}

	closeTime := time.Unix(epoch, 0).UTC().Add(windowDuration)

	if err := s.books.Subscribe(meta.UpTokenID, symbol); err != nil {
		return fmt.Errorf("subscribe up token: %w", err)
	}
	if err := s.books.Subscribe(meta.DownTokenID, symbol); err != nil {
		return fmt.Errorf("subscribe down token: %w", err)
	}

	var cancels []func()
	if s.recorder != nil {
		cancels = append(cancels, s.books.SubscribeUpdates(meta.UpTokenID, func(snap types.BookSnapshot) {
			s.recorder.Record(meta.UpTokenID, symbol, snap)
		}))
		cancels = append(cancels, s.books.SubscribeUpdates(meta.DownTokenID, func(snap types.BookSnapshot) {
			s.recorder.Record(meta.DownTokenID, symbol, snap)
		}))
	}

	var openPrices types.OpenPrices
	if s.prices != nil {
		openPrices, err = s.prices.OpenPrices(ctx, symbol, time.Unix(epoch, 0).UTC())
		if err != nil {
			s.logger.Warn("open price capture failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	window := &types.Window{
		ID:             windowID(symbol, epoch),
		Symbol:         symbol,
		Epoch:          epoch,
		CloseTimeMs:    closeTime.UnixMilli(),
		ReferencePrice: strike,
		UpTokenID:      meta.UpTokenID,
		DownTokenID:    meta.DownTokenID,
		MarketID:       meta.MarketID,
		OpenPrices:     openPrices,
		CreatedAt:      time.Now().UTC(),
	}

	tw := &trackedWindow{window: window, cancelUpdates: cancels}

	s.mu.Lock()
	s.windows[window.ID] = tw
	s.mu.Unlock()

	s.scheduleTimers(ctx, tw, closeTime)

	s.logger.Info("window materialized",
		zap.String("windowId", window.ID), zap.String("marketId", window.MarketID),
		zap.Time("closeTime", closeTime))

	return nil
}

func (s *Scheduler) scheduleTimers(ctx context.Context, tw *trackedWindow, closeTime time.Time) {
	now := time.Now().UTC()
	window := tw.window

	for _, offset := range s.cfg.SignalOffsetsSec {
		fireAt := closeTime.Add(-time.Duration(offset) * time.Second)
		d := fireAt.Sub(now)
		if d < 0 {
			continue
		}
		offset := offset
		timer := time.AfterFunc(d, func() {
			defer s.recoverAndLog(fmt.Sprintf("signalEval[%s,%ds]", window.ID, offset))
			if s.signals != nil {
				s.signals.EvaluateSignals(ctx, window, offset)
			}
		})
		tw.timers = append(tw.timers, timer)
	}

	if d := closeTime.Add(-s.cfg.LatencyProbeBefore).Sub(now); d >= 0 {
		timer := time.AfterFunc(d, func() {
			defer s.recoverAndLog("latencyProbe[" + window.ID + "]")
			if s.latency != nil {
				s.latency.Probe(ctx)
			}
		})
		tw.timers = append(tw.timers, timer)
	}

	settleAt := closeTime.Add(s.cfg.SettlementDelay).Sub(now)
	if settleAt < 0 {
		settleAt = 0
	}
	settleTimer := time.AfterFunc(settleAt, func() {
		s.attemptSettlement(ctx, window, true)
	})
	tw.timers = append(tw.timers, settleTimer)
}

func (s *Scheduler) attemptSettlement(ctx context.Context, window *types.Window, allowRetry bool) {
	defer s.recoverAndLog("settle[" + window.ID + "]")

	if s.settler == nil {
		s.finishWindow(window.ID)
		return
	}

	resolved, err := s.settler.Settle(ctx, window)
	if err != nil {
		s.logger.Error("settlement attempt failed",
			zap.String("windowId", window.ID), zap.Error(err))
	}
	if resolved {
		if s.observer != nil {
			s.observer.WindowSettled(ctx, window)
		}
		s.finishWindow(window.ID)
		return
	}

	if !allowRetry {
		s.logger.Warn("settlement gave up after retry", zap.String("windowId", window.ID))
		s.finishWindow(window.ID)
		return
	}

	s.logger.Info("settlement not yet resolvable, retrying once",
		zap.String("windowId", window.ID), zap.Duration("retryIn", s.cfg.SettlementRetry))

	s.mu.Lock()
	tw, ok := s.windows[window.ID]
	s.mu.Unlock()
	if !ok {
		return
	}

	timer := time.AfterFunc(s.cfg.SettlementRetry, func() {
		s.attemptSettlement(ctx, window, false)
	})

	s.mu.Lock()
	tw.timers = append(tw.timers, timer)
	s.mu.Unlock()
}

// finishWindow cancels the window's remaining timers/subscriptions and
// drops it from the tracked set. Book subscriptions are left open
// since adjacent windows on the same symbol typically reuse a still-warm
// feed; callers that want a hard unsubscribe can do so via BookClient
// directly once a window is known to be fully wound down.
func (s *Scheduler) finishWindow(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tw, ok := s.windows[id]
	if !ok {
		return
	}
	s.cleanupLocked(tw)
	delete(s.windows, id)
}

func (s *Scheduler) cleanupLocked(tw *trackedWindow) {
	for _, t := range tw.timers {
		t.Stop()
	}
	for _, cancel := range tw.cancelUpdates {
		cancel()
	}
}

func (s *Scheduler) recoverAndLog(loop string) {
	if r := recover(); r != nil {
		s.logger.Error("recovered from panic in scheduler loop",
			zap.String("loop", loop), zap.Any("panic", r))
	}
}

// CurrentEpoch floors t to the most recent 15-minute boundary, in unix
// seconds.
func CurrentEpoch(t time.Time) int64 {
	sec := t.Unix()
	return (sec / int64(windowDuration.Seconds())) * int64(windowDuration.Seconds())
}

// WindowID builds the canonical "<symbol>-15m-<epoch>" identifier.
func WindowID(symbol string, epoch int64) string {
	return windowID(symbol, epoch)
}

func windowID(symbol string, epoch int64) string {
	return strings.ToLower(symbol) + "-15m-" + strconv.FormatInt(epoch, 10)
}

var strikeRe = regexp.MustCompile(`\$([0-9][0-9,]*(?:\.[0-9]+)?)`)

// ParseStrike extracts the dollar strike amount embedded in a market
// question such as "Will BTC be above $94,500 at 12:15 UTC?".
func ParseStrike(question string) (decimal.Decimal, error) {
	match := strikeRe.FindStringSubmatch(question)
	if match == nil {
		return decimal.Zero, fmt.Errorf("scheduler: no strike price found in question %q", question)
	}
	raw := strings.ReplaceAll(match[1], ",", "")
	return decimal.NewFromString(raw)
}
