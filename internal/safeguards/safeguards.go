// Package safeguards implements the per-(window,strategy) entry
// reservation state machine and the per-tick entry rate limiter that
// gate the execution loop's sizing/entry stage. Map+mutex ownership
// style is grounded on the teacher's internal/execution.OrderManager,
// generalized from order/position bookkeeping to a reservation token.
package safeguards

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ReservationState is one of the three states a (windowId, strategyId)
// pair can be in.
type ReservationState string

const (
	StateNone      ReservationState = "none"
	StateReserved  ReservationState = "reserved"
	StateConfirmed ReservationState = "confirmed"
)

// Config controls the per-tick entry limiter.
type Config struct {
	MaxEntriesPerTick int
}

// DefaultConfig returns a conservative per-tick entry cap.
func DefaultConfig() Config {
	return Config{MaxEntriesPerTick: 3}
}

// Safeguards tracks reservation state per (windowId, strategyId) and
// the count of entries attempted in the current tick.
type Safeguards struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	reservations  map[string]ReservationState
	tickEntries   int
}

// New builds a Safeguards instance.
func New(cfg Config, logger *zap.Logger) *Safeguards {
	return &Safeguards{
		cfg:          cfg,
		logger:       logger.Named("safeguards"),
		reservations: make(map[string]ReservationState),
	}
}

func key(windowID, strategyID string) string {
	return windowID + "|" + strategyID
}

// ReserveEntry transitions (windowId, strategyId) from none to
// reserved. Returns false without mutating state if a reservation
// already exists — this is the mutual-exclusion point that prevents
// two concurrent signals from opening the same window/strategy twice.
func (s *Safeguards) ReserveEntry(windowID, strategyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(windowID, strategyID)
	if s.reservations[k] != "" && s.reservations[k] != StateNone {
		return false
	}
	s.reservations[k] = StateReserved
	return true
}

// ConfirmEntry transitions a reservation from reserved to confirmed.
func (s *Safeguards) ConfirmEntry(windowID, strategyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(windowID, strategyID)
	if s.reservations[k] != StateReserved {
		return fmt.Errorf("safeguards: cannot confirm %s: not reserved (state=%s)", k, s.reservations[k])
	}
	s.reservations[k] = StateConfirmed
	return nil
}

// ReleaseEntry transitions a reservation from reserved back to none.
// Callers must only do this when the order is known not to have
// reached the exchange; once money may have left the account the
// reservation must be confirmed instead, never released.
func (s *Safeguards) ReleaseEntry(windowID, strategyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(windowID, strategyID)
	if s.reservations[k] != StateReserved {
		return fmt.Errorf("safeguards: cannot release %s: not reserved (state=%s)", k, s.reservations[k])
	}
	delete(s.reservations, k)
	return nil
}

// RemoveEntry transitions a confirmed reservation back to none, called
// when the position backing it closes.
func (s *Safeguards) RemoveEntry(windowID, strategyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reservations, key(windowID, strategyID))
}

// StateOf returns the current reservation state.
func (s *Safeguards) StateOf(windowID, strategyID string) ReservationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.reservations[key(windowID, strategyID)]
	if !ok {
		return StateNone
	}
	return state
}

// InflightCount reports how many reservations are currently Reserved
// — an entry that has started but not yet reached a terminal outcome
// (Confirmed or released) — so callers tearing down the engine can
// wait for genuinely outstanding order placements to settle.
func (s *Safeguards) InflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, state := range s.reservations {
		if state == StateReserved {
			n++
		}
	}
	return n
}

// ResetTickEntries is called at the start of the entry-processing
// stage of each tick.
func (s *Safeguards) ResetTickEntries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickEntries = 0
}

// CanEnterPosition increments the per-tick entry counter and reports
// whether it is still within maxEntriesPerTick. Once the cap is
// reached, subsequent calls in the same tick keep returning false
// without incrementing further.
func (s *Safeguards) CanEnterPosition() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tickEntries >= s.cfg.MaxEntriesPerTick {
		return false
	}
	s.tickEntries++
	return true
}
