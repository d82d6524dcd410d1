// Package breaker wraps sony/gobreaker/v2 for transient exchange-call
// failures and layers a fail-closed, manual-reset halt on top for the
// UNCERTAINTY-HALT taxonomy: a breaker state change caused by repeated
// RPC failures recovers on its own once calls start succeeding again,
// but a halt triggered by genuine uncertainty about exchange state
// (position tracking failure, stop-loss blindness) must not
// auto-recover — it waits for an operator to call Reset. Grounded on
// the `le.breaker.IsOpen()` call-site idiom in
// other_examples/AlejandroRuiz99-polybot.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Reason names an UNCERTAINTY-HALT condition.
type Reason string

const (
	ReasonPositionTrackingFailed Reason = "POSITION_TRACKING_FAILED"
	ReasonStopLossBlind          Reason = "STOP_LOSS_BLIND"
	ReasonExchangeUncertain      Reason = "EXCHANGE_UNCERTAIN"
	ReasonManual                 Reason = "MANUAL_HALT"
	ReasonOrphanPosition         Reason = "ORPHAN_POSITION"
	ReasonVerificationStale      Reason = "VERIFICATION_STALE"
)

// Config controls the underlying gobreaker instance.
type Config struct {
	ConsecutiveFailureThreshold uint32
	MaxRequests                 uint32
	Interval                    time.Duration
	Timeout                     time.Duration
}

// DefaultConfig trips the transient breaker after 3 consecutive
// exchange-call failures and probes again after a minute.
func DefaultConfig() Config {
	return Config{
		ConsecutiveFailureThreshold: 3,
		MaxRequests:                 1,
		Interval:                    time.Minute,
		Timeout:                     time.Minute,
	}
}

// Breaker gates the execution loop. It combines gobreaker's
// self-healing transient-failure circuit with an explicit halt flag
// for conditions that must not self-heal.
type Breaker struct {
	logger *zap.Logger
	cb     *gobreaker.CircuitBreaker[any]

	mu       sync.Mutex
	halted   bool
	reason   Reason
	detail   string
	haltedAt time.Time
}

// New builds a Breaker.
func New(cfg Config, logger *zap.Logger) *Breaker {
	b := &Breaker{logger: logger.Named("breaker")}

	settings := gobreaker.Settings{
		Name:        "exchange-calls",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("exchange-call breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	b.cb = gobreaker.NewCircuitBreaker[any](settings)
	return b
}

// Call runs fn through the transient-failure breaker — intended for
// exchange RPCs (order placement, verification polls) whose repeated
// failure should open the breaker automatically.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	return b.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
}

// Allow reports whether the execution loop may run this tick: the
// transient breaker must not be open, and no UNCERTAINTY-HALT
// condition may be active.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	halted := b.halted
	b.mu.Unlock()
	if halted {
		return false
	}
	return b.cb.State() != gobreaker.StateOpen
}

// Halt trips the manual, fail-closed halt for an UNCERTAINTY-HALT
// condition. It is idempotent — the first reason recorded wins until
// Reset is called.
func (b *Breaker) Halt(reason Reason, detail string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.halted {
		return
	}
	b.halted = true
	b.reason = reason
	b.detail = detail
	b.haltedAt = time.Now().UTC()
	b.logger.Error("execution loop halted",
		zap.String("reason", string(reason)), zap.String("detail", detail))
}

// Reset clears a manual halt. It does not affect the transient
// gobreaker state, which recovers on its own via its half-open probe.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halted = false
	b.reason = ""
	b.detail = ""
	b.logger.Info("execution loop halt cleared")
}

// HaltState reports the current manual halt, if any.
func (b *Breaker) HaltState() (halted bool, reason Reason, detail string, since time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.halted, b.reason, b.detail, b.haltedAt
}
