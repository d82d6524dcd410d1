// Package pricefeeds maintains the multi-source spot price cache:
// exchange-aggregated composite VWAP, a third-party aggregator HTTP
// client, and the on-chain settlement oracle. Polling idiom is
// grounded on the teacher's market-data poll/cache pattern; the
// aggregator client's rate limiting uses golang.org/x/time/rate the
// way the retrieval pack's Binance provider guards its HTTP fallback.
package pricefeeds

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/atlas-desktop/windowtrader/internal/probability"
	"github.com/atlas-desktop/windowtrader/internal/scheduler"
	"github.com/atlas-desktop/windowtrader/pkg/types"
)

var _ scheduler.OpenPriceReader = (*Service)(nil)

// Source identifies which spot price a reading came from.
type Source string

const (
	SourceComposite  Source = "composite"
	SourceAggregator Source = "aggregator"
	SourceOracle     Source = "oracle"
)

// Reading is a single cached price observation.
type Reading struct {
	Price       decimal.Decimal
	ObservedAt  time.Time
	LastUpdated int64 // unix seconds reported by the source, 0 if n/a
}

// historyDepth bounds the oracle price ring used for realized
// volatility; long-term lookback defaults to 6h at 1 reading/sec.
const historyDepth = 6*60*60 + 60

type oracleHistory struct {
	mu     sync.RWMutex
	prices []Reading
}

func (h *oracleHistory) append(r Reading) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prices = append(h.prices, r)
	if len(h.prices) > historyDepth {
		h.prices = h.prices[len(h.prices)-historyDepth:]
	}
}

// since returns all readings at or after cutoff, oldest first.
func (h *oracleHistory) since(cutoff time.Time) []Reading {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Reading, 0, len(h.prices))
	for _, r := range h.prices {
		if !r.ObservedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// Config configures the price feed service.
type Config struct {
	AggregatorBaseURL string
	AggregatorAPIKey  string
	ScanInterval      time.Duration
	RequestsPerSecond float64
	HTTPTimeout       time.Duration
}

// DefaultConfig mirrors spec defaults (10s scan interval).
func DefaultConfig() Config {
	return Config{
		ScanInterval:      10 * time.Second,
		RequestsPerSecond: 2,
		HTTPTimeout:       5 * time.Second,
	}
}

// CoinIDs maps an underlying symbol (e.g. "btc") to the aggregator's
// coin id (e.g. "bitcoin").
type CoinIDs map[string]string

// Service polls and caches composite/aggregator/oracle prices per
// underlying symbol.
type Service struct {
	cfg     Config
	coinIDs CoinIDs
	logger  *zap.Logger

	httpClient *http.Client
	limiter    *rate.Limiter

	mu    sync.RWMutex
	cache map[string]map[Source]Reading

	oracleMu      sync.Mutex
	oracleHistory map[string]*oracleHistory

	// compositeFn/oracleFn are injected feeds that don't go over the
	// aggregator HTTP path (e.g. composite VWAP computed from the CLOB
	// client's live books, oracle price from a chain RPC client). Both
	// are optional; when nil the corresponding source is simply never
	// populated and readers observe ok=false.
	compositeFn func(ctx context.Context, symbol string) (decimal.Decimal, error)
	oracleFn    func(ctx context.Context, symbol string) (decimal.Decimal, error)

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a price feed service.
func New(cfg Config, coinIDs CoinIDs, logger *zap.Logger) *Service {
	return &Service{
		cfg:           cfg,
		coinIDs:       coinIDs,
		logger:        logger.Named("pricefeeds"),
		httpClient:    &http.Client{Timeout: cfg.HTTPTimeout},
		limiter:       rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		cache:         make(map[string]map[Source]Reading),
		oracleHistory: make(map[string]*oracleHistory),
	}
}

// SetCompositeSource injects the live-book VWAP composite source.
func (s *Service) SetCompositeSource(fn func(ctx context.Context, symbol string) (decimal.Decimal, error)) {
	s.compositeFn = fn
}

// SetOracleSource injects the on-chain settlement oracle source.
func (s *Service) SetOracleSource(fn func(ctx context.Context, symbol string) (decimal.Decimal, error)) {
	s.oracleFn = fn
}

// Start launches the background poll loop for the given symbols.
func (s *Service) Start(ctx context.Context, symbols []string) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.pollLoop(ctx, symbols)
}

// Stop halts the poll loop. Idempotent.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *Service) pollLoop(ctx context.Context, symbols []string) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	s.pollOnce(ctx, symbols)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx, symbols)
		}
	}
}

func (s *Service) pollOnce(ctx context.Context, symbols []string) {
	if len(symbols) > 0 && len(s.coinIDs) > 0 {
		s.pollAggregator(ctx, symbols)
	}
	for _, sym := range symbols {
		if s.compositeFn != nil {
			if price, err := s.compositeFn(ctx, sym); err == nil {
				s.store(sym, SourceComposite, Reading{Price: price, ObservedAt: time.Now()})
			} else {
				s.logger.Debug("composite source error", zap.String("symbol", sym), zap.Error(err))
			}
		}
		if s.oracleFn != nil {
			if price, err := s.oracleFn(ctx, sym); err == nil {
				reading := Reading{Price: price, ObservedAt: time.Now()}
				s.store(sym, SourceOracle, reading)
				s.appendOracleHistory(sym, reading)
			} else {
				s.logger.Debug("oracle source error", zap.String("symbol", sym), zap.Error(err))
			}
		}
	}
}

type aggregatorResponse map[string]struct {
	USD           float64 `json:"usd"`
	LastUpdatedAt int64   `json:"last_updated_at"`
}

// pollAggregator performs one rate-limited GET against the aggregator
// for all configured symbols in a single request, per spec §6. A
// non-200 response is a soft error: the cache simply keeps its
// previous value and staleness grows.
func (s *Service) pollAggregator(ctx context.Context, symbols []string) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	ids := make([]string, 0, len(symbols))
	idToSymbol := make(map[string]string, len(symbols))
	for _, sym := range symbols {
		id, ok := s.coinIDs[strings.ToLower(sym)]
		if !ok {
			continue
		}
		ids = append(ids, id)
		idToSymbol[id] = sym
	}
	if len(ids) == 0 {
		return
	}

	url := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd&include_last_updated_at=true&precision=full",
		s.cfg.AggregatorBaseURL, strings.Join(ids, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		s.logger.Error("failed to build aggregator request", zap.Error(err))
		return
	}
	if s.cfg.AggregatorAPIKey != "" {
		req.Header.Set("x-cg-api-key", s.cfg.AggregatorAPIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("aggregator request failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("aggregator returned non-200", zap.Int("status", resp.StatusCode))
		return
	}

	var parsed aggregatorResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		s.logger.Warn("failed to decode aggregator response", zap.Error(err))
		return
	}

	for id, v := range parsed {
		sym, ok := idToSymbol[id]
		if !ok {
			continue
		}
		s.store(sym, SourceAggregator, Reading{
			Price:       decimal.NewFromFloat(v.USD),
			ObservedAt:  time.Now(),
			LastUpdated: v.LastUpdatedAt,
		})
	}
}

func (s *Service) store(symbol string, src Source, r Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySource, ok := s.cache[symbol]
	if !ok {
		bySource = make(map[Source]Reading)
		s.cache[symbol] = bySource
	}
	bySource[src] = r
}

func (s *Service) appendOracleHistory(symbol string, r Reading) {
	s.oracleMu.Lock()
	h, ok := s.oracleHistory[symbol]
	if !ok {
		h = &oracleHistory{}
		s.oracleHistory[symbol] = h
	}
	s.oracleMu.Unlock()
	h.append(r)
}

// Get returns the cached reading for a symbol/source.
func (s *Service) Get(symbol string, src Source) (Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bySource, ok := s.cache[symbol]
	if !ok {
		return Reading{}, false
	}
	r, ok := bySource[src]
	return r, ok
}

// OracleHistorySince returns oracle readings at or after cutoff,
// oldest first, for realized-volatility computation.
func (s *Service) OracleHistorySince(symbol string, cutoff time.Time) []Reading {
	s.oracleMu.Lock()
	h, ok := s.oracleHistory[symbol]
	s.oracleMu.Unlock()
	if !ok {
		return nil
	}
	return h.since(cutoff)
}

// spotPriority is the order Get is tried in when a caller wants a
// single authoritative "spot" price rather than a specific source.
// Composite VWAP reflects the CLOB's own book and is freshest; the
// aggregator is the cross-exchange fallback; the settlement oracle is
// the last resort since it updates slowest.
var spotPriority = [...]Source{SourceComposite, SourceAggregator, SourceOracle}

// SpotPrice returns the first available reading for symbol, trying
// each source in spotPriority order. Satisfies
// internal/executionloop's SpotPriceSource.
func (s *Service) SpotPrice(symbol string) (decimal.Decimal, bool) {
	for _, src := range spotPriority {
		if r, ok := s.Get(symbol, src); ok {
			return r.Price, true
		}
	}
	return decimal.Decimal{}, false
}

// vwap20Window is how many trailing oracle readings OpenPrices averages
// into VWAP20. The oracle feed carries no trade-volume data (only a
// settlement price), so there is no real volume to weight by; this is
// a plain trailing moving average standing in for a true VWAP until a
// volumed trade feed is wired in. Satisfies internal/scheduler's
// OpenPriceReader.
const vwap20Window = 20

// OpenPrices captures the three open-of-window spot readings the
// scheduler stamps onto a Window at creation. Composite/Aggregator are
// simply whatever is freshest in the cache, since the scheduler calls
// this at the moment the window opens. Satisfies
// internal/scheduler.OpenPriceReader.
func (s *Service) OpenPrices(ctx context.Context, symbol string, at time.Time) (types.OpenPrices, error) {
	composite, _ := s.Get(symbol, SourceComposite)
	aggregator, _ := s.Get(symbol, SourceAggregator)

	s.oracleMu.Lock()
	h, ok := s.oracleHistory[symbol]
	s.oracleMu.Unlock()

	var vwap20 decimal.Decimal
	if ok {
		readings := h.since(at.Add(-vwap20Window * time.Second))
		if len(readings) > vwap20Window {
			readings = readings[len(readings)-vwap20Window:]
		}
		if len(readings) > 0 {
			sum := decimal.Zero
			for _, r := range readings {
				sum = sum.Add(r.Price)
			}
			vwap20 = sum.Div(decimal.NewFromInt(int64(len(readings))))
		}
	}

	return types.OpenPrices{
		Composite:  composite.Price,
		Aggregator: aggregator.Price,
		VWAP20:     vwap20,
	}, nil
}

// HistoryAdapter exposes the oracle price history in the shape
// internal/probability's volatility cache expects. Satisfies
// internal/probability.HistoryReader.
type HistoryAdapter struct {
	Service *Service
}

// History satisfies internal/probability.HistoryReader.
func (h HistoryAdapter) History(symbol string, since time.Time) []probability.PriceObservation {
	readings := h.Service.OracleHistorySince(symbol, since)
	out := make([]probability.PriceObservation, 0, len(readings))
	for _, r := range readings {
		price, _ := r.Price.Float64()
		out = append(out, probability.PriceObservation{Price: price, ObservedAt: r.ObservedAt})
	}
	return out
}
