package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/atlas-desktop/windowtrader/pkg/types"
)

func writeTestFile(t *testing.T, name, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const minimalManifest = `
mode: paper
symbols: [btc]
clobWsUrl: "wss://clob.example.com/ws/market"
clobRestBaseUrl: "https://clob.example.com/api"
manifest:
  allowedStrategies: [default]
  positionSizeDollars: 100
  maxExposureDollars: 1000
`

func TestLoadFillsDefaultsForOmittedFields(t *testing.T) {
	path := writeTestFile(t, "config.yaml", minimalManifest)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != types.ModePaper {
		t.Fatalf("expected mode paper, got %q", cfg.Mode)
	}
	if cfg.ClobWSURL != "wss://clob.example.com/ws/market" {
		t.Fatalf("unexpected clobWsUrl: %q", cfg.ClobWSURL)
	}
	// ReconnectMs is absent from the file; the default must survive.
	if cfg.ReconnectMs != types.DefaultEngineConfig().ReconnectMs {
		t.Fatalf("expected default reconnectMs to survive, got %d", cfg.ReconnectMs)
	}
	if len(cfg.SignalOffsetsSec) == 0 {
		t.Fatal("expected default signalOffsetsSec to survive")
	}
}

func TestLoadOverridesDefaultWithFileValue(t *testing.T) {
	path := writeTestFile(t, "config.yaml", minimalManifest+"\nmaxEntriesPerTick: 9\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxEntriesPerTick != 9 {
		t.Fatalf("expected file value to override default, got %d", cfg.MaxEntriesPerTick)
	}
}

func TestValidatePassesMinimalManifest(t *testing.T) {
	path := writeTestFile(t, "config.yaml", minimalManifest)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected a valid manifest, got: %v", err)
	}
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	path := writeTestFile(t, "config.yaml", `
mode: sandbox
symbols: [btc]
clobWsUrl: "wss://clob.example.com/ws/market"
manifest:
  allowedStrategies: [default]
  positionSizeDollars: 100
  maxExposureDollars: 1000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an unknown mode to fail validation")
	}
}

func TestValidateRejectsExposureBelowPositionSize(t *testing.T) {
	path := writeTestFile(t, "config.yaml", `
mode: paper
symbols: [btc]
clobWsUrl: "wss://clob.example.com/ws/market"
clobRestBaseUrl: "https://clob.example.com/api"
manifest:
  allowedStrategies: [default]
  positionSizeDollars: 1000
  maxExposureDollars: 100
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected maxExposureDollars below positionSizeDollars to fail validation")
	}
}

func TestValidateRejectsNoAllowedStrategies(t *testing.T) {
	path := writeTestFile(t, "config.yaml", `
mode: paper
symbols: [btc]
clobWsUrl: "wss://clob.example.com/ws/market"
clobRestBaseUrl: "https://clob.example.com/api"
manifest:
  positionSizeDollars: 100
  maxExposureDollars: 1000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an empty allowedStrategies list to fail validation")
	}
}

const strategyDocYAML = `
name: default
components:
  probability: ["black-scholes@1"]
  entry: ["edge-threshold@1"]
config:
  minEdge: 0.1
pipeline:
  order: ["probability", "entry"]
`

func TestLoadStrategyDocumentParsesComponentsAndPipeline(t *testing.T) {
	path := writeTestFile(t, "strategy.yaml", strategyDocYAML)

	doc, err := LoadStrategyDocument(path)
	if err != nil {
		t.Fatalf("load strategy doc: %v", err)
	}
	if doc.Name != "default" {
		t.Fatalf("expected name default, got %q", doc.Name)
	}
	if len(doc.Components["probability"]) != 1 || doc.Components["probability"][0] != "black-scholes@1" {
		t.Fatalf("unexpected probability binding: %v", doc.Components["probability"])
	}
	if doc.Pipeline == nil || len(doc.Pipeline.Order) != 2 {
		t.Fatalf("expected an explicit two-slot pipeline order, got %+v", doc.Pipeline)
	}
}

func TestToStrategyUsesExplicitPipelineOrder(t *testing.T) {
	doc := &types.StrategyDocument{
		Name: "default",
		Components: map[string][]string{
			"probability": {"black-scholes@1"},
			"entry":       {"edge-threshold@1"},
		},
		Pipeline: &types.PipelineSpec{Order: []string{"entry", "probability"}},
	}

	strat := ToStrategy(doc)

	if strat.Name != "default" {
		t.Fatalf("expected name default, got %q", strat.Name)
	}
	pipeline := strat.Pipeline
	if len(pipeline) != 2 || pipeline[0] != "entry" || pipeline[1] != "probability" {
		t.Fatalf("expected the document's explicit pipeline order to win, got %v", pipeline)
	}
}

func TestToStrategyDefaultsToSortedSlotOrderWithoutExplicitPipeline(t *testing.T) {
	doc := &types.StrategyDocument{
		Name: "default",
		Components: map[string][]string{
			"probability": {"black-scholes@1"},
			"entry":       {"edge-threshold@1"},
		},
	}

	strat := ToStrategy(doc)

	if len(strat.Slots) != 2 {
		t.Fatalf("expected 2 slot bindings, got %d", len(strat.Slots))
	}
	if strat.Slots[0].Slot != "entry" || strat.Slots[1].Slot != "probability" {
		t.Fatalf("expected deterministic alphabetical slot order, got %v", strat.Slots)
	}
}
