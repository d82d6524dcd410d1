package composer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/windowtrader/pkg/types"
)

// WindowContext carries everything a component needs to price one
// window: spot/reference/market prices, time to expiry, and the
// token/market identifiers the pipeline may need to emit a signal.
type WindowContext struct {
	OraclePrice    decimal.Decimal
	ReferencePrice decimal.Decimal
	MarketPrice    decimal.Decimal // UP-token mid
	TimeToExpiry   time.Duration
	Symbol         string
	WindowID       string
	TokenIDUp      string
	TokenIDDown    string
	MarketID       string
}

// SlotBinding maps one pipeline slot to one or more component
// versionIds, evaluated in the order listed.
type SlotBinding struct {
	Slot       string
	VersionIDs []string
}

// Strategy is a named composition of component bindings over a shared
// config.
type Strategy struct {
	Name     string
	Slots    []SlotBinding
	Config   map[string]interface{}
	Pipeline []string // ordered slot names; defaults to Slots' insertion order
}

func (s *Strategy) effectivePipeline() []string {
	if len(s.Pipeline) > 0 {
		return s.Pipeline
	}
	order := make([]string, 0, len(s.Slots))
	for _, sl := range s.Slots {
		order = append(order, sl.Slot)
	}
	return order
}

func (s *Strategy) binding(slot string) (SlotBinding, bool) {
	for _, sl := range s.Slots {
		if sl.Slot == slot {
			return sl, true
		}
	}
	return SlotBinding{}, false
}

// EdgeConfig controls the suspicious-edge rejection and minimum-edge
// emission thresholds.
type EdgeConfig struct {
	MaxEdge float64
	MinEdge float64
}

// DefaultEdgeConfig returns the spec's defaults.
func DefaultEdgeConfig() EdgeConfig {
	return EdgeConfig{MaxEdge: 0.50, MinEdge: 0.10}
}

// Composer holds the component registry and the set of composed
// strategies, and executes strategies against windows to produce
// entry signals.
type Composer struct {
	registry *Registry
	edgeCfg  EdgeConfig
	logger   *zap.Logger

	mu         sync.RWMutex
	strategies map[string]*Strategy
}

// New builds a composer over registry.
func New(registry *Registry, edgeCfg EdgeConfig, logger *zap.Logger) *Composer {
	return &Composer{
		registry:   registry,
		edgeCfg:    edgeCfg,
		logger:     logger.Named("composer"),
		strategies: make(map[string]*Strategy),
	}
}

// CreateStrategy validates and registers a strategy. Every slot's
// bound components must declare a matching type, and every
// component's ValidateConfig must accept the strategy's shared
// config; either failure rejects the whole strategy.
func (c *Composer) CreateStrategy(s Strategy) error {
	for _, slot := range s.Slots {
		for _, vid := range slot.VersionIDs {
			comp, ok := c.registry.Find(vid)
			if !ok {
				return fmt.Errorf("composer: strategy %q: unknown component %q in slot %q", s.Name, vid, slot.Slot)
			}
			if string(comp.Metadata().Type) != slot.Slot {
				return fmt.Errorf("composer: strategy %q: component %q has type %q, slot is %q",
					s.Name, vid, comp.Metadata().Type, slot.Slot)
			}
			if valid, errs := comp.ValidateConfig(s.Config); !valid {
				return fmt.Errorf("composer: strategy %q: component %q rejected config: %v", s.Name, vid, errs)
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategies[s.Name] = &s
	return nil
}

// Get returns a previously created strategy.
func (c *Composer) Get(name string) (*Strategy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.strategies[name]
	return s, ok
}

// StrategyNames returns every registered strategy's name, for callers
// that sweep across all of them rather than driving one by name (e.g.
// the paper trader's signal sweep).
func (c *Composer) StrategyNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.strategies))
	for name := range c.strategies {
		names = append(names, name)
	}
	return names
}

// Execute runs strategyName's pipeline against one window, returning
// every entry signal the pipeline's probability-bearing components
// produced. Components that error are logged and skipped; the
// pipeline does not abort.
func (c *Composer) Execute(ctx context.Context, strategyName string, window *types.Window, wctx WindowContext, marketCtx types.MarketContext) ([]types.Signal, error) {
	strategy, ok := c.Get(strategyName)
	if !ok {
		return nil, fmt.Errorf("composer: unknown strategy %q", strategyName)
	}

	if window.ReferencePrice.IsZero() {
		return nil, nil
	}

	var signals []types.Signal
	for _, slot := range strategy.effectivePipeline() {
		binding, ok := strategy.binding(slot)
		if !ok {
			continue
		}
		for _, vid := range binding.VersionIDs {
			comp, ok := c.registry.Find(vid)
			if !ok {
				c.logger.Warn("strategy references unregistered component",
					zap.String("strategy", strategyName), zap.String("versionId", vid))
				continue
			}

			result, err := comp.Evaluate(ctx, wctx, strategy.Config)
			if err != nil {
				c.logger.Warn("component evaluation failed",
					zap.String("versionId", vid), zap.String("windowId", window.ID), zap.Error(err))
				continue
			}

			sig, emit := c.toSignal(strategy.Name, window, wctx, marketCtx, vid, result)
			if emit {
				signals = append(signals, sig)
			}
		}
	}

	return signals, nil
}

// EstimateEdge runs strategyName's probability slot against wctx and
// returns the raw UP-side edge (probability minus market price),
// bypassing the MinEdge/MaxEdge entry gates Execute applies. Grounded
// for the thesis-degradation monitor, which needs to see an edge
// shrinking toward zero, not just whether it currently clears the
// entry bar.
func (c *Composer) EstimateEdge(ctx context.Context, strategyName string, wctx WindowContext) (float64, error) {
	strategy, ok := c.Get(strategyName)
	if !ok {
		return 0, fmt.Errorf("composer: unknown strategy %q", strategyName)
	}

	binding, ok := strategy.binding(string(TypeProbability))
	if !ok {
		return 0, fmt.Errorf("composer: strategy %q has no probability slot", strategyName)
	}

	for _, vid := range binding.VersionIDs {
		comp, ok := c.registry.Find(vid)
		if !ok {
			continue
		}
		result, err := comp.Evaluate(ctx, wctx, strategy.Config)
		if err != nil || result.Probability == nil {
			continue
		}
		marketPrice, _ := wctx.MarketPrice.Float64()
		return *result.Probability - marketPrice, nil
	}

	return 0, fmt.Errorf("composer: strategy %q probability slot produced no estimate", strategyName)
}

func (c *Composer) toSignal(strategyName string, window *types.Window, wctx WindowContext, marketCtx types.MarketContext, versionID string, result EvaluateResult) (types.Signal, bool) {
	if result.Probability == nil {
		if result.Signal == "entry" {
			c.logger.Warn("legacy entry signal without probability accepted (deprecated)",
				zap.String("versionId", versionID), zap.String("windowId", window.ID))
			return types.Signal{
				ID:               window.ID + "|" + versionID,
				WindowID:         window.ID,
				StrategyID:       strategyName,
				TokenID:          window.UpTokenID,
				Direction:        "long",
				ModelProbability: decimal.Zero,
				MarketPrice:      wctx.MarketPrice,
				Edge:             decimal.Zero,
				Confidence:       decimal.Zero,
				Context:          marketCtx,
				CreatedAt:        time.Now().UTC(),
			}, true
		}
		return types.Signal{}, false
	}

	if wctx.MarketPrice.IsZero() {
		return types.Signal{}, false
	}

	probability := *result.Probability
	marketPrice, _ := wctx.MarketPrice.Float64()
	edge := probability - marketPrice

	if edge > c.edgeCfg.MaxEdge {
		c.logger.Warn("rejecting suspicious edge",
			zap.String("versionId", versionID), zap.String("windowId", window.ID),
			zap.Float64("edge", edge), zap.Float64("maxEdge", c.edgeCfg.MaxEdge))
		return types.Signal{}, false
	}

	if edge < c.edgeCfg.MinEdge {
		return types.Signal{}, false
	}

	return types.Signal{
		ID:               window.ID + "|" + versionID,
		WindowID:         window.ID,
		StrategyID:       strategyName,
		TokenID:          window.UpTokenID,
		Direction:        "long",
		ModelProbability: decimal.NewFromFloat(probability),
		MarketPrice:      wctx.MarketPrice,
		Edge:             decimal.NewFromFloat(edge),
		Confidence:       decimal.NewFromFloat(probability),
		Context:          marketCtx,
		CreatedAt:        time.Now().UTC(),
	}, true
}
