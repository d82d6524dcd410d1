// Package orchestrator is the top-level lifecycle coordinator for the
// trading engine: it starts the leaf components (price feeds, CLOB book
// client, tick recorder) before the components that depend on them
// (window scheduler, execution loop, thesis monitor), writes a PID
// file and a periodic state snapshot while running, and watches for a
// wedged event loop. Start/Stop structure (running flag, stopCh,
// RWMutex, background loops selecting on ctx.Done()/stopCh) is
// grounded on the teacher's orchestrator in
// _examples/benedict-anokye-davies-atlas-ai/trading-backend/internal/orchestrator.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/windowtrader/internal/breaker"
	"github.com/atlas-desktop/windowtrader/internal/clobclient"
	"github.com/atlas-desktop/windowtrader/internal/executionloop"
	"github.com/atlas-desktop/windowtrader/internal/exits"
	"github.com/atlas-desktop/windowtrader/internal/positions"
	"github.com/atlas-desktop/windowtrader/internal/pricefeeds"
	"github.com/atlas-desktop/windowtrader/internal/safeguards"
	"github.com/atlas-desktop/windowtrader/internal/scheduler"
	"github.com/atlas-desktop/windowtrader/internal/tickrecorder"
	"github.com/atlas-desktop/windowtrader/pkg/types"
)

// PriceFeedLifecycle matches pricefeeds.Service's symbol-scoped start.
type PriceFeedLifecycle interface {
	Start(ctx context.Context, symbols []string)
	Stop()
}

// BookClientLifecycle matches clobclient.Client: it connects once at
// Start and has its own subscription calls made separately (by the
// scheduler, per window, as markets resolve), so there is no symbol
// list at this layer.
type BookClientLifecycle interface {
	Start(ctx context.Context) error
	Shutdown()
}

// TickRecorderLifecycle is tickrecorder.Recorder's narrower lifecycle
// (it has no symbol list to start against, just the flush loop).
type TickRecorderLifecycle interface {
	Start(ctx context.Context)
	Stop()
}

// SchedulerLifecycle is scheduler.Scheduler's lifecycle.
type SchedulerLifecycle interface {
	Start(ctx context.Context, symbols []string)
	Stop()
}

// SweepLoop is the executionloop.Loop's continuous safety-sweep
// lifecycle, independent from its SignalEvaluator role driven by the
// scheduler's own timers.
type SweepLoop interface {
	StartSweep(ctx context.Context, interval time.Duration)
	StopSweep()
	DroppedSweeps() int64
}

// ThesisLifecycle is exits.ThesisMonitor's background scan loop.
type ThesisLifecycle interface {
	Start(ctx context.Context)
	Stop()
}

// Config configures the orchestrator's own lifecycle behavior, not the
// components it coordinates (each component carries its own Config).
type Config struct {
	Symbols             []string
	PIDFilePath         string
	StateSnapshotPath   string
	StateSnapshotPeriod time.Duration
	SweepInterval       time.Duration
	WatchdogPeriod      time.Duration
	WatchdogStall       time.Duration

	// InflightTimeout bounds how long Stop waits for the in-flight
	// reservation counter to drain to zero before writing the final
	// snapshot and proceeding with teardown regardless.
	InflightTimeout time.Duration
	// ModuleShutdown bounds each component's shutdown call during Stop;
	// a component that exceeds it is abandoned rather than blocked on.
	ModuleShutdown time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PIDFilePath:         "windowtrader.pid",
		StateSnapshotPath:   "windowtrader.state.json",
		StateSnapshotPeriod: 10 * time.Second,
		SweepInterval:       2 * time.Second,
		WatchdogPeriod:      30 * time.Second,
		WatchdogStall:       2 * time.Minute,
		InflightTimeout:     5 * time.Second,
		ModuleShutdown:      5 * time.Second,
	}
}

// Components collects the already-constructed core components
// the orchestrator sequences through startup and shutdown. Optional
// fields (nil-able) are skipped rather than erroring, since a PAPER
// deployment may omit pieces a LIVE one needs (e.g. no thesis monitor
// configured, no tick recorder store wired yet).
type Components struct {
	PriceFeeds    PriceFeedLifecycle
	BookClient    BookClientLifecycle
	TickRecorder  TickRecorderLifecycle
	Scheduler     SchedulerLifecycle
	ExecLoop      SweepLoop
	ThesisMonitor ThesisLifecycle

	Breaker    *breaker.Breaker
	Positions  *positions.Tracker
	Safeguards *safeguards.Safeguards
}

// Orchestrator sequences component startup/shutdown and runs the
// ambient state-snapshot and watchdog loops while the engine is live.
type Orchestrator struct {
	cfg        Config
	components Components
	logger     *zap.Logger
	mode       types.Mode

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	heartbeatMu sync.Mutex
	lastTick    time.Time
}

// New builds an Orchestrator over an already-wired set of components.
func New(cfg Config, components Components, mode types.Mode, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		components: components,
		mode:       mode,
		logger:     logger.Named("orchestrator"),
	}
}

// Start brings up components leaf-first: price feeds and the CLOB book
// client have no dependents to wait on, the tick recorder only needs a
// store, the scheduler needs all three of those plus a signal
// evaluator, and the execution loop's safety sweep and the thesis
// monitor run independently once positions can exist. It then writes
// the PID file and launches the snapshot and watchdog loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: already running")
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.mu.Unlock()

	o.logger.Info("starting trading engine",
		zap.String("mode", string(o.mode)),
		zap.Strings("symbols", o.cfg.Symbols),
	)

	if err := o.writePIDFile(); err != nil {
		return fmt.Errorf("orchestrator: pid file: %w", err)
	}

	if o.components.PriceFeeds != nil {
		o.components.PriceFeeds.Start(ctx, o.cfg.Symbols)
	}
	if o.components.BookClient != nil {
		if err := o.components.BookClient.Start(ctx); err != nil {
			return fmt.Errorf("orchestrator: book client: %w", err)
		}
	}
	if o.components.TickRecorder != nil {
		o.components.TickRecorder.Start(ctx)
	}
	if o.components.Scheduler != nil {
		o.components.Scheduler.Start(ctx, o.cfg.Symbols)
	}
	if o.components.ExecLoop != nil {
		o.components.ExecLoop.StartSweep(ctx, o.cfg.SweepInterval)
	}
	if o.components.ThesisMonitor != nil {
		o.components.ThesisMonitor.Start(ctx)
	}

	o.touchHeartbeat()

	if o.cfg.StateSnapshotPeriod > 0 {
		o.wg.Add(1)
		go o.snapshotLoop(ctx)
	}
	if o.cfg.WatchdogPeriod > 0 {
		o.wg.Add(1)
		go o.watchdogLoop(ctx)
	}

	o.logger.Info("trading engine started")
	return nil
}

// Stop is idempotent: it stops the ambient snapshot/watchdog loops and
// the execution loop's sweep, waits up to InflightTimeout for
// outstanding reservations to drain, writes one final state snapshot,
// then shuts each component down in reverse init order — dependents
// first, leaves last — bounding each call by ModuleShutdown and
// abandoning (logging and moving on, never blocking) any component
// that overruns it. The PID file is removed last, after every other
// step has run.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	close(o.stopCh)
	o.mu.Unlock()

	o.logger.Info("stopping trading engine")

	o.wg.Wait()

	o.boundedShutdown("exec_loop", func() {
		if o.components.ExecLoop != nil {
			o.components.ExecLoop.StopSweep()
		}
	})

	o.waitForInflight()
	o.writeSnapshot()

	o.boundedShutdown("thesis_monitor", func() {
		if o.components.ThesisMonitor != nil {
			o.components.ThesisMonitor.Stop()
		}
	})
	o.boundedShutdown("scheduler", func() {
		if o.components.Scheduler != nil {
			o.components.Scheduler.Stop()
		}
	})
	o.boundedShutdown("tick_recorder", func() {
		if o.components.TickRecorder != nil {
			o.components.TickRecorder.Stop()
		}
	})
	o.boundedShutdown("book_client", func() {
		if o.components.BookClient != nil {
			o.components.BookClient.Shutdown()
		}
	})
	o.boundedShutdown("price_feeds", func() {
		if o.components.PriceFeeds != nil {
			o.components.PriceFeeds.Stop()
		}
	})

	o.removePIDFile()

	o.logger.Info("trading engine stopped")
	return nil
}

// waitForInflight polls the safeguards reservation counter until it
// drains to zero or InflightTimeout elapses, whichever comes first.
func (o *Orchestrator) waitForInflight() {
	if o.components.Safeguards == nil || o.cfg.InflightTimeout <= 0 {
		return
	}

	deadline := time.Now().Add(o.cfg.InflightTimeout)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		remaining := o.components.Safeguards.InflightCount()
		if remaining == 0 {
			return
		}
		if time.Now().After(deadline) {
			o.logger.Warn("in-flight operations did not drain before shutdown",
				zap.Int("remaining", remaining),
				zap.Duration("bound", o.cfg.InflightTimeout),
			)
			return
		}
		<-ticker.C
	}
}

// boundedShutdown runs stop on its own goroutine and abandons it —
// logging and returning without waiting further — if it does not
// finish within ModuleShutdown. A component left running past that
// point cannot block the rest of teardown.
func (o *Orchestrator) boundedShutdown(component string, stop func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		stop()
	}()

	bound := o.cfg.ModuleShutdown
	if bound <= 0 {
		<-done
		return
	}

	select {
	case <-done:
	case <-time.After(bound):
		o.logger.Warn("component shutdown abandoned: exceeded bound",
			zap.String("component", component),
			zap.Duration("bound", bound),
		)
	}
}

// Running reports whether Start has completed without a matching Stop.
func (o *Orchestrator) Running() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

func (o *Orchestrator) writePIDFile() error {
	if o.cfg.PIDFilePath == "" {
		return nil
	}
	return os.WriteFile(o.cfg.PIDFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func (o *Orchestrator) removePIDFile() {
	if o.cfg.PIDFilePath == "" {
		return
	}
	if err := os.Remove(o.cfg.PIDFilePath); err != nil && !os.IsNotExist(err) {
		o.logger.Warn("failed to remove pid file", zap.Error(err))
	}
}

// stateSnapshot is the periodic on-disk view of engine health, read by
// operators and by a future restart to reconcile against the exchange.
type stateSnapshot struct {
	TakenAt      time.Time `json:"taken_at"`
	Mode         string    `json:"mode"`
	BreakerHalt  bool      `json:"breaker_halted"`
	BreakerWhy   string    `json:"breaker_reason,omitempty"`
	OpenPosCount int       `json:"open_position_count"`
	DroppedTicks int64     `json:"dropped_sweeps"`
}

func (o *Orchestrator) snapshotLoop(ctx context.Context) {
	defer o.wg.Done()
	defer o.recoverAndLog("snapshot")

	ticker := time.NewTicker(o.cfg.StateSnapshotPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.writeSnapshot()
		}
	}
}

func (o *Orchestrator) writeSnapshot() {
	if o.cfg.StateSnapshotPath == "" {
		return
	}

	snap := stateSnapshot{TakenAt: time.Now().UTC(), Mode: string(o.mode)}
	if o.components.Breaker != nil {
		halted, reason, detail, _ := o.components.Breaker.HaltState()
		snap.BreakerHalt = halted
		if halted {
			snap.BreakerWhy = fmt.Sprintf("%s: %s", reason, detail)
		}
	}
	if o.components.Positions != nil {
		snap.OpenPosCount = o.components.Positions.Count()
	}
	if o.components.ExecLoop != nil {
		snap.DroppedTicks = o.components.ExecLoop.DroppedSweeps()
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		o.logger.Warn("failed to marshal state snapshot", zap.Error(err))
		return
	}
	if err := os.WriteFile(o.cfg.StateSnapshotPath, data, 0o644); err != nil {
		o.logger.Warn("failed to write state snapshot", zap.Error(err))
	}
}

// touchHeartbeat is called from anywhere that proves the engine is
// still making forward progress; the watchdog compares against it.
func (o *Orchestrator) touchHeartbeat() {
	o.heartbeatMu.Lock()
	o.lastTick = time.Now()
	o.heartbeatMu.Unlock()
}

func (o *Orchestrator) watchdogLoop(ctx context.Context) {
	defer o.wg.Done()
	defer o.recoverAndLog("watchdog")

	ticker := time.NewTicker(o.cfg.WatchdogPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.checkStall()
		}
	}
}

func (o *Orchestrator) checkStall() {
	if o.components.ExecLoop == nil {
		return
	}
	// Dropped sweeps rising monotonically with no other signal of life
	// is the cheapest available proxy for a wedged sweep goroutine,
	// since the sweep loop itself is what would otherwise report in.
	dropped := o.components.ExecLoop.DroppedSweeps()
	if dropped == 0 {
		o.touchHeartbeat()
		return
	}

	o.heartbeatMu.Lock()
	stalledFor := time.Since(o.lastTick)
	o.heartbeatMu.Unlock()

	if stalledFor > o.cfg.WatchdogStall {
		o.logger.Error("watchdog detected a stalled sweep loop",
			zap.Duration("stalled_for", stalledFor),
			zap.Int64("dropped_sweeps", dropped),
		)
		if o.components.Breaker != nil {
			o.components.Breaker.Halt(breaker.ReasonManual, "watchdog: sweep loop appears stalled")
		}
	}
}

func (o *Orchestrator) recoverAndLog(loop string) {
	if r := recover(); r != nil {
		o.logger.Error("orchestrator loop panicked", zap.String("loop", loop), zap.Any("panic", r))
	}
}

var (
	_ PriceFeedLifecycle    = (*pricefeeds.Service)(nil)
	_ BookClientLifecycle   = (*clobclient.Client)(nil)
	_ SchedulerLifecycle    = (*scheduler.Scheduler)(nil)
	_ TickRecorderLifecycle = (*tickrecorder.Recorder)(nil)
	_ SweepLoop             = (*executionloop.Loop)(nil)
	_ ThesisLifecycle       = (*exits.ThesisMonitor)(nil)
)
