// Package types provides configuration types for the window trading engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// LaunchManifest is the small on-disk document the orchestrator loads at
// startup (spec §6 "Launch manifest").
type LaunchManifest struct {
	AllowedStrategies   []string        `json:"allowedStrategies" mapstructure:"allowedStrategies"`
	PositionSizeDollars decimal.Decimal `json:"positionSizeDollars" mapstructure:"positionSizeDollars"`
	MaxExposureDollars  decimal.Decimal `json:"maxExposureDollars" mapstructure:"maxExposureDollars"`
	KillSwitchEnabled   bool            `json:"killSwitchEnabled" mapstructure:"killSwitchEnabled"`
}

// StrategyDocument is the on-disk structured document describing one
// composed strategy (spec §6 "Strategy configuration", §4.4).
type StrategyDocument struct {
	Name       string                 `json:"name" mapstructure:"name"`
	Components map[string][]string    `json:"components" mapstructure:"components"`
	Config     map[string]interface{} `json:"config" mapstructure:"config"`
	Pipeline   *PipelineSpec          `json:"pipeline,omitempty" mapstructure:"pipeline"`
}

// PipelineSpec holds the optional explicit slot execution order.
type PipelineSpec struct {
	Order []string `json:"order" mapstructure:"order"`
}

// ServerConfig configures the ambient HTTP/WS presentation surface.
type ServerConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	WebSocketPath string        `mapstructure:"websocketPath"`
	ReadTimeout   time.Duration `mapstructure:"readTimeout"`
	WriteTimeout  time.Duration `mapstructure:"writeTimeout"`
	EnableMetrics bool          `mapstructure:"enableMetrics"`
	MetricsPort   int           `mapstructure:"metricsPort"`
}

// EngineConfig is the top-level configuration for the orchestrator and every
// component it wires, loaded from the launch manifest plus environment/flag
// overrides.
type EngineConfig struct {
	Mode Mode `mapstructure:"mode"`

	Symbols []string `mapstructure:"symbols"`

	ClobWSURL             string        `mapstructure:"clobWsUrl"`
	ConnectionTimeoutMs   int           `mapstructure:"connectionTimeoutMs"`
	ReconnectMs           int           `mapstructure:"reconnectMs"`
	MaxReconnectMs        int           `mapstructure:"maxReconnectMs"`
	StaleThresholdMs      int           `mapstructure:"staleThresholdMs"`
	StaleWarningIntervalS int           `mapstructure:"staleWarningIntervalS"`
	MaxMessageSizeBytes   int           `mapstructure:"maxMessageSizeBytes"`

	AggregatorBaseURL string            `mapstructure:"aggregatorBaseUrl"`
	AggregatorAPIKey  string            `mapstructure:"aggregatorApiKey"`
	CoinIDs           map[string]string `mapstructure:"coinIds"`

	ClobRestBaseURL string `mapstructure:"clobRestBaseUrl"`
	ClobRestAPIKey  string `mapstructure:"clobRestApiKey"`

	ScanIntervalS      int `mapstructure:"scanIntervalS"`
	SignalOffsetsSec   []int `mapstructure:"signalOffsetsSec"`
	LatencyProbeMs     int `mapstructure:"latencyProbeMs"`
	SettlementDelayMs  int `mapstructure:"settlementDelayMs"`

	ShortTermLookbackMs int64   `mapstructure:"shortTermLookbackMs"`
	LongTermLookbackMs  int64   `mapstructure:"longTermLookbackMs"`
	FallbackSigma       float64 `mapstructure:"fallbackSigma"`
	VolCacheExpiryMs    int64   `mapstructure:"volCacheExpiryMs"`

	TickIntervalMs     int `mapstructure:"tickIntervalMs"`
	MaxEntriesPerTick  int `mapstructure:"maxEntriesPerTick"`

	InflightTimeoutMs  int `mapstructure:"inflightTimeoutMs"`
	ModuleShutdownMs   int `mapstructure:"moduleShutdownMs"`
	StateUpdateIntervalMs int `mapstructure:"stateUpdateIntervalMs"`

	PIDFilePath        string `mapstructure:"pidFilePath"`
	StateSnapshotPath  string `mapstructure:"stateSnapshotPath"`

	Manifest LaunchManifest `mapstructure:"manifest"`
	Server   ServerConfig   `mapstructure:"server"`
}

// DefaultEngineConfig mirrors the defaults named throughout spec §4/§5.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Mode:                  ModePaper,
		Symbols:               []string{"btc", "eth"},
		ConnectionTimeoutMs:   10_000,
		ReconnectMs:           1_000,
		MaxReconnectMs:        30_000,
		StaleThresholdMs:      10_000,
		StaleWarningIntervalS: 60,
		MaxMessageSizeBytes:   1 << 20,
		CoinIDs:               map[string]string{"btc": "bitcoin", "eth": "ethereum"},
		ScanIntervalS:         10,
		SignalOffsetsSec:      []int{120, 90, 60, 30, 10},
		LatencyProbeMs:        5_000,
		SettlementDelayMs:     15_000,
		ShortTermLookbackMs:   15 * 60 * 1000,
		LongTermLookbackMs:    6 * 60 * 60 * 1000,
		FallbackSigma:         0.5,
		VolCacheExpiryMs:      60_000,
		TickIntervalMs:        1_000,
		MaxEntriesPerTick:     5,
		InflightTimeoutMs:     5_000,
		ModuleShutdownMs:      5_000,
		StateUpdateIntervalMs: 5_000,
		PIDFilePath:           "./run/engine.pid",
		StateSnapshotPath:     "./run/state.json",
		Server: ServerConfig{
			Host:          "localhost",
			Port:          8090,
			WebSocketPath: "/ws",
			EnableMetrics: true,
			MetricsPort:   9090,
		},
	}
}
