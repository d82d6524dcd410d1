// Package config loads the engine's launch manifest and strategy
// documents, the two on-disk artifacts named in the design notes (§6):
// one process-wide EngineConfig and per-strategy StrategyDocuments
// cmd/engine assembles into internal/composer strategies. Loader shape
// (viper.New + SetEnvPrefix + AutomaticEnv, defaults seeded before
// unmarshal) is grounded on
// 0xtitan6-polymarket-mm/internal/config/config.go, the only pack
// example with a config loader at all.
package config

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atlas-desktop/windowtrader/internal/composer"
	"github.com/atlas-desktop/windowtrader/pkg/types"
)

var decimalType = reflect.TypeOf(decimal.Decimal{})

// decimalHookFunc lets the manifest's dollar fields be written as plain
// YAML/JSON numbers or strings (e.g. positionSizeDollars: 100) instead
// of requiring callers to know decimal.Decimal's own marshaled shape.
// Composed alongside viper's own string-to-duration and string-to-slice
// hooks so ServerConfig's "10s" timeouts keep decoding too.
func decimalHookFunc(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if t != decimalType {
		return data, nil
	}
	switch f.Kind() {
	case reflect.String:
		return decimal.NewFromString(data.(string))
	case reflect.Float32, reflect.Float64:
		return decimal.NewFromFloat(reflect.ValueOf(data).Convert(reflect.TypeOf(float64(0))).Float()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return decimal.NewFromInt(reflect.ValueOf(data).Convert(reflect.TypeOf(int64(0))).Int()), nil
	default:
		return data, nil
	}
}

func decodeHookOption() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalHookFunc,
	))
}

// Load reads the launch manifest from a YAML (or JSON) file. Fields
// the file omits keep their types.DefaultEngineConfig value, since
// Unmarshal decodes onto a struct already seeded with the defaults
// rather than a zero value. WINDOWTRADER_* environment variables take
// precedence over the file for any key they set.
func Load(path string) (*types.EngineConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("WINDOWTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := types.DefaultEngineConfig()
	if err := v.Unmarshal(&cfg, decodeHookOption()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &cfg, nil
}

// LoadStrategyDocument reads a single strategy document from disk.
func LoadStrategyDocument(path string) (*types.StrategyDocument, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read strategy doc %s: %w", path, err)
	}

	var doc types.StrategyDocument
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("config: unmarshal strategy doc: %w", err)
	}
	return &doc, nil
}

// ToStrategy converts an on-disk StrategyDocument's slot-name-to-
// version-ids map into the ordered SlotBinding list composer.Strategy
// expects, preserving the document's explicit pipeline order when it
// names one.
func ToStrategy(doc *types.StrategyDocument) composer.Strategy {
	names := make([]string, 0, len(doc.Components))
	for slot := range doc.Components {
		names = append(names, slot)
	}
	sort.Strings(names) // deterministic default order when doc.Pipeline is absent

	slots := make([]composer.SlotBinding, 0, len(names))
	for _, slot := range names {
		slots = append(slots, composer.SlotBinding{Slot: slot, VersionIDs: doc.Components[slot]})
	}

	strat := composer.Strategy{
		Name:   doc.Name,
		Slots:  slots,
		Config: doc.Config,
	}
	if doc.Pipeline != nil {
		strat.Pipeline = doc.Pipeline.Order
	}
	return strat
}

// Validate checks the fields every mode needs to bring the engine up.
func Validate(cfg *types.EngineConfig) error {
	switch cfg.Mode {
	case types.ModePaper, types.ModeLive:
	default:
		return fmt.Errorf("config: mode must be %q or %q, got %q", types.ModePaper, types.ModeLive, cfg.Mode)
	}
	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("config: symbols: at least one trading symbol is required")
	}
	if cfg.ClobWSURL == "" {
		return fmt.Errorf("config: clobWsUrl is required")
	}
	if cfg.ClobRestBaseURL == "" {
		return fmt.Errorf("config: clobRestBaseUrl is required")
	}
	if cfg.MaxEntriesPerTick <= 0 {
		return fmt.Errorf("config: maxEntriesPerTick must be > 0")
	}
	if cfg.Manifest.PositionSizeDollars.IsZero() {
		return fmt.Errorf("config: manifest.positionSizeDollars must be set")
	}
	if cfg.Manifest.MaxExposureDollars.LessThan(cfg.Manifest.PositionSizeDollars) {
		return fmt.Errorf("config: manifest.maxExposureDollars must be >= manifest.positionSizeDollars")
	}
	if len(cfg.Manifest.AllowedStrategies) == 0 {
		return fmt.Errorf("config: manifest.allowedStrategies must name at least one strategy")
	}
	return nil
}
