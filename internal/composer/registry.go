// Package composer implements the typed component registry and
// strategy composition/execution model: components are registered
// under a (type, versionId) key, strategies bind slots to one or more
// component versions, and execution runs each window through the
// strategy's pipeline to emit edge-based entry signals.
//
// The registry pattern is grounded on the teacher's
// internal/strategy.StrategyRegistry (name -> factory map, guarded by
// an RWMutex, Register/Create/List methods). Components here are
// registered explicitly at wiring time rather than discovered from a
// directory of script files: Go has no dynamic module loading
// equivalent to scanning a folder of JS component files, so discovery
// collapses to the same explicit-registration idiom the teacher
// already uses for its built-in strategies.
package composer

import (
	"context"
	"fmt"
	"sync"
)

// ComponentType is one of the seven component kinds a strategy slot
// can hold.
type ComponentType string

const (
	TypeProbability     ComponentType = "probability"
	TypeEntry           ComponentType = "entry"
	TypeExit            ComponentType = "exit"
	TypeSizing          ComponentType = "sizing"
	TypePriceSource     ComponentType = "price-source"
	TypeAnalysis        ComponentType = "analysis"
	TypeSignalGenerator ComponentType = "signal-generator"
)

var typePrefix = map[ComponentType]string{
	TypeProbability:     "prob",
	TypeEntry:           "entry",
	TypeExit:            "exit",
	TypeSizing:          "sizing",
	TypePriceSource:     "src",
	TypeAnalysis:        "anal",
	TypeSignalGenerator: "sig",
}

// Metadata identifies a component and its declared type.
type Metadata struct {
	Name    string
	Version string
	Type    ComponentType
}

// VersionID builds the canonical "<prefix>-<name>-v<version>" id.
func (m Metadata) VersionID() string {
	return fmt.Sprintf("%s-%s-v%s", typePrefix[m.Type], m.Name, m.Version)
}

func (m Metadata) valid() bool {
	_, knownType := typePrefix[m.Type]
	return m.Name != "" && m.Version != "" && knownType
}

// Component is the contract every strategy-slot implementation
// satisfies: metadata, an evaluate call, and config validation.
// Init/Shutdown are optional and detected via the Initializer/
// Shutdowner interfaces below.
type Component interface {
	Metadata() Metadata
	Evaluate(ctx context.Context, wctx WindowContext, config map[string]interface{}) (EvaluateResult, error)
	ValidateConfig(config map[string]interface{}) (valid bool, errs []string)
}

// Initializer is implemented by components with start-up work.
type Initializer interface {
	Init() error
}

// Shutdowner is implemented by components with teardown work.
type Shutdowner interface {
	Shutdown() error
}

// EvaluateResult is what a component's Evaluate call returns.
type EvaluateResult struct {
	Probability *float64
	Signal      string // legacy: "entry" when emitted without a probability
	Extra       map[string]interface{}
}

// Registry is the process-wide catalog of registered components,
// keyed by (type, versionId).
type Registry struct {
	mu      sync.RWMutex
	catalog map[ComponentType]map[string]Component
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{catalog: make(map[ComponentType]map[string]Component)}
}

// Register adds a component to the catalog. Components missing any of
// name/version/a known type are skipped and reported via the returned
// error, mirroring the spec's discovery-time validation.
func (r *Registry) Register(c Component) error {
	meta := c.Metadata()
	if !meta.valid() {
		return fmt.Errorf("composer: component missing required metadata: %+v", meta)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.catalog[meta.Type]
	if !ok {
		bucket = make(map[string]Component)
		r.catalog[meta.Type] = bucket
	}
	bucket[meta.VersionID()] = c
	return nil
}

// Find looks up a component by versionId across all types.
func (r *Registry) Find(versionID string) (Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, bucket := range r.catalog {
		if c, ok := bucket[versionID]; ok {
			return c, true
		}
	}
	return nil, false
}

// Get looks up a component by type and versionId.
func (r *Registry) Get(t ComponentType, versionID string) (Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.catalog[t][versionID]
	return c, ok
}

// List returns every registered versionId for a type.
func (r *Registry) List(t ComponentType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.catalog[t]))
	for id := range r.catalog[t] {
		out = append(out, id)
	}
	return out
}
