// Package clobrest is the CLOB's REST side: the handful of endpoints
// the WebSocket book client (internal/clobclient) has no equivalent
// for — market discovery, settlement-resolution polling, and a
// one-shot latency probe ahead of window close. HTTP client shape
// (rate limiter, API-key header, soft-fail on non-200) mirrors
// internal/pricefeeds' aggregator client.
package clobrest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/atlas-desktop/windowtrader/internal/scheduler"
	"github.com/atlas-desktop/windowtrader/pkg/types"
)

// Config configures the REST client.
type Config struct {
	BaseURL           string
	APIKey            string
	RequestsPerSecond float64
	HTTPTimeout       time.Duration
	ProbeTimeout      time.Duration
}

// DefaultConfig mirrors the spec's connection/probe timeouts.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		HTTPTimeout:       10 * time.Second,
		ProbeTimeout:      3 * time.Second,
	}
}

// Client implements scheduler.MarketResolver, scheduler.LatencyProber,
// and scheduler.Settler against the off-exchange CLOB's REST surface.
type Client struct {
	cfg    Config
	logger *zap.Logger

	httpClient *http.Client
	limiter    *rate.Limiter

	lastLatencyMs int64
}

// New builds a REST client.
func New(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		cfg:        cfg,
		logger:     logger.Named("clobrest"),
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

var _ scheduler.MarketResolver = (*Client)(nil)
var _ scheduler.LatencyProber = (*Client)(nil)
var _ scheduler.Settler = (*Client)(nil)

func (c *Client) get(ctx context.Context, path string, out interface{}) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("clobrest: build request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("clobrest: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("clobrest: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

type marketResponse struct {
	MarketID    string `json:"marketId"`
	UpTokenID   string `json:"upTokenId"`
	DownTokenID string `json:"downTokenId"`
	Question    string `json:"question"`
}

// ResolveMarket finds the market backing symbol's epoch. Satisfies
// scheduler.MarketResolver.
func (c *Client) ResolveMarket(ctx context.Context, symbol string, epoch int64) (scheduler.MarketMetadata, error) {
	path := fmt.Sprintf("/markets?symbol=%s&epoch=%d", symbol, epoch)

	var parsed marketResponse
	status, err := c.get(ctx, path, &parsed)
	if err != nil {
		return scheduler.MarketMetadata{}, err
	}
	if status != http.StatusOK {
		return scheduler.MarketMetadata{}, fmt.Errorf("clobrest: market lookup for %s@%d returned status %d", symbol, epoch, status)
	}

	return scheduler.MarketMetadata{
		MarketID:    parsed.MarketID,
		UpTokenID:   parsed.UpTokenID,
		DownTokenID: parsed.DownTokenID,
		Question:    parsed.Question,
	}, nil
}

// LastLatencyMs returns the round trip time observed by the most
// recent Probe call, or 0 if none has completed yet.
func (c *Client) LastLatencyMs() int64 {
	return c.lastLatencyMs
}

// Probe performs a one-shot REST round trip ahead of window close and
// records its latency. Best-effort: a failure is logged and otherwise
// ignored, per spec's "best-effort with its own timeout" policy.
func (c *Client) Probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	status, err := c.get(ctx, "/time", nil)
	elapsed := time.Since(start)

	if err != nil {
		c.logger.Warn("latency probe failed", zap.Error(err))
		return
	}
	if status != http.StatusOK {
		c.logger.Warn("latency probe returned non-200", zap.Int("status", status))
		return
	}

	c.lastLatencyMs = elapsed.Milliseconds()
	c.logger.Debug("latency probe", zap.Int64("ms", c.lastLatencyMs))
}

type resolutionResponse struct {
	Resolved        bool            `json:"resolved"`
	WinningSide     types.Side      `json:"winningSide"`
	ResolutionPrice decimal.Decimal `json:"resolutionPrice"`
}

// Settle polls the market's resolution status and, once resolved,
// writes it onto window in place (the same pointer the scheduler and
// execution loop both hold, so callers observe the mutation without
// any further plumbing). A false, nil return means resolution is not
// yet available and is worth the scheduler's one retry.
func (c *Client) Settle(ctx context.Context, window *types.Window) (bool, error) {
	path := fmt.Sprintf("/markets/%s/resolution", window.MarketID)

	var parsed resolutionResponse
	status, err := c.get(ctx, path, &parsed)
	if err != nil {
		return false, err
	}
	if status == http.StatusNotFound {
		return false, nil
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("clobrest: resolution lookup for market %s returned status %d", window.MarketID, status)
	}
	if !parsed.Resolved {
		return false, nil
	}

	window.Settled = true
	window.ResolvedSide = parsed.WinningSide
	window.ResolutionPrice = parsed.ResolutionPrice
	return true, nil
}
