// Package tickrecorder buffers CLOB book updates per token and
// batch-persists them on a fixed flush interval. Batching/draining
// idiom is grounded on the teacher's data store caching pattern
// (`internal/data/store.go`), adapted from a file-backed OHLCV cache
// to a bounded per-token ring flushed through the persistence.Store
// contract.
package tickrecorder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/windowtrader/internal/persistence"
	"github.com/atlas-desktop/windowtrader/pkg/types"
)

// Tick is one recorded book observation for a token.
type Tick struct {
	TokenID      string
	Symbol       string
	Bids         []types.OrderBookLevel // top 5
	Asks         []types.OrderBookLevel // top 5
	BestBid      string
	BestAsk      string
	BidDepth1Pct string
	AskDepth1Pct string
	RecordedAt   time.Time
}

const (
	bufferCap     = 5000
	flushBatchMax = 200
	topLevels     = 5
)

// Config configures the tick recorder.
type Config struct {
	FlushInterval time.Duration
}

// DefaultConfig returns the spec's 1s flush interval.
func DefaultConfig() Config {
	return Config{FlushInterval: 1 * time.Second}
}

// Recorder buffers per-token ticks and flushes them to a Store.
type Recorder struct {
	cfg    Config
	store  persistence.Store
	logger *zap.Logger

	mu      sync.Mutex
	buffers map[string][]Tick

	dropped sync.Map // tokenID -> *int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a tick recorder backed by store.
func New(cfg Config, store persistence.Store, logger *zap.Logger) *Recorder {
	return &Recorder{
		cfg:     cfg,
		store:   store,
		logger:  logger.Named("tickrecorder"),
		buffers: make(map[string][]Tick),
	}
}

// Record appends one book observation to the token's ring buffer. On
// overflow, the oldest 10% of the buffer is dropped and the token's
// dropped counter is incremented.
func (r *Recorder) Record(tokenID, symbol string, snap types.BookSnapshot) {
	tick := Tick{
		TokenID:      tokenID,
		Symbol:       symbol,
		Bids:         topN(snap.Bids, topLevels),
		Asks:         topN(snap.Asks, topLevels),
		BestBid:      snap.BestBid.String(),
		BestAsk:      snap.BestAsk.String(),
		BidDepth1Pct: snap.BidDepth1Pct.String(),
		AskDepth1Pct: snap.AskDepth1Pct.String(),
		RecordedAt:   time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	buf := r.buffers[tokenID]
	buf = append(buf, tick)
	if len(buf) > bufferCap {
		drop := len(buf) / 10
		if drop == 0 {
			drop = 1
		}
		buf = buf[drop:]
		r.addDropped(tokenID, int64(drop))
	}
	r.buffers[tokenID] = buf
}

func (r *Recorder) addDropped(tokenID string, n int64) {
	v, _ := r.dropped.LoadOrStore(tokenID, new(int64))
	atomic.AddInt64(v.(*int64), n)
}

// DroppedCount returns the number of ticks dropped for a token due to
// buffer overflow.
func (r *Recorder) DroppedCount(tokenID string) int64 {
	v, ok := r.dropped.Load(tokenID)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v.(*int64))
}

// Start launches the background flush loop.
func (r *Recorder) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.flushAll(context.Background())
				return
			case <-ticker.C:
				r.flushAll(ctx)
			}
		}
	}()
}

// Stop halts the flush loop after a final flush.
func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Recorder) flushAll(ctx context.Context) {
	r.mu.Lock()
	drained := make(map[string][]Tick, len(r.buffers))
	for tokenID, buf := range r.buffers {
		if len(buf) == 0 {
			continue
		}
		drained[tokenID] = buf
		r.buffers[tokenID] = nil
	}
	r.mu.Unlock()

	for tokenID, ticks := range drained {
		r.flushToken(ctx, tokenID, ticks)
	}
}

func (r *Recorder) flushToken(ctx context.Context, tokenID string, ticks []Tick) {
	for start := 0; start < len(ticks); start += flushBatchMax {
		end := start + flushBatchMax
		if end > len(ticks) {
			end = len(ticks)
		}
		batch := ticks[start:end]
		if err := r.persistBatch(ctx, batch); err != nil {
			r.logger.Error("failed to persist tick batch",
				zap.String("tokenId", tokenID), zap.Int("rows", len(batch)), zap.Error(err))
		}
	}
}

func (r *Recorder) persistBatch(ctx context.Context, batch []Tick) error {
	for _, t := range batch {
		_, err := r.store.Run(ctx,
			"INSERT INTO ticks (token_id, symbol, best_bid, best_ask, bid_depth_1pct, ask_depth_1pct) VALUES ($1, $2, $3, $4, $5, $6)",
			t.TokenID, t.Symbol, t.BestBid, t.BestAsk, t.BidDepth1Pct, t.AskDepth1Pct)
		if err != nil {
			return fmt.Errorf("insert tick: %w", err)
		}
	}
	return nil
}

func topN(levels []types.OrderBookLevel, n int) []types.OrderBookLevel {
	if len(levels) <= n {
		return append([]types.OrderBookLevel(nil), levels...)
	}
	return append([]types.OrderBookLevel(nil), levels[:n]...)
}
