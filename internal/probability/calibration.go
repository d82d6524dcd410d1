package probability

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/windowtrader/internal/persistence"
	"github.com/atlas-desktop/windowtrader/pkg/types"
)

// BucketFor assigns a probability to a 10-point decile bucket on
// [0,1]. Values outside the range clamp to the nearest edge bucket;
// the last bucket is closed on the right (1.0 and anything above it
// falls in "90-100%").
func BucketFor(p float64) string {
	switch {
	case p < 0:
		p = 0
	case p > 1:
		p = 1
	}
	idx := int(p * 10)
	if idx > 9 {
		idx = 9
	}
	return fmt.Sprintf("%d-%d%%", idx*10, (idx+1)*10)
}

// CalibrationConfig controls the minimum sample size and deviation
// threshold for calibration alerts.
type CalibrationConfig struct {
	MinSampleSize  int
	AlertThreshold float64
}

// DefaultCalibrationConfig returns the spec's defaults.
func DefaultCalibrationConfig() CalibrationConfig {
	return CalibrationConfig{MinSampleSize: 100, AlertThreshold: 0.15}
}

// Alert describes a calibration bucket whose observed hit rate has
// drifted too far from its theoretical midpoint.
type Alert struct {
	Bucket      string
	SampleSize  int
	HitRate     float64
	Midpoint    float64
	Deviation   float64
}

// AlertSink receives calibration alerts as they fire.
type AlertSink interface {
	CalibrationAlert(alert Alert)
}

// LogSink is the default AlertSink: it just logs. Wired in until a
// dashboard/alerting channel is wired in its place.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *zap.Logger) LogSink {
	return LogSink{logger: logger.Named("probability.calibration")}
}

// CalibrationAlert satisfies AlertSink.
func (s LogSink) CalibrationAlert(alert Alert) {
	s.logger.Warn("calibration drift detected",
		zap.String("bucket", alert.Bucket),
		zap.Int("sampleSize", alert.SampleSize),
		zap.Float64("hitRate", alert.HitRate),
		zap.Float64("midpoint", alert.Midpoint),
		zap.Float64("deviation", alert.Deviation),
	)
}

// Ledger persists probability predictions and checks calibration on
// settlement.
type Ledger struct {
	cfg    CalibrationConfig
	store  persistence.Store
	logger *zap.Logger
	sink   AlertSink

	mu      sync.Mutex
	alerted map[string]bool // buckets already alerted this process lifetime
}

// NewLedger builds a calibration ledger backed by store.
func NewLedger(cfg CalibrationConfig, store persistence.Store, sink AlertSink, logger *zap.Logger) *Ledger {
	return &Ledger{
		cfg:     cfg,
		store:   store,
		logger:  logger.Named("probability.calibration"),
		sink:    sink,
		alerted: make(map[string]bool),
	}
}

// Record persists one prediction for later calibration scoring.
func (l *Ledger) Record(ctx context.Context, rec types.PredictionRecord) error {
	_, err := l.store.Run(ctx,
		`INSERT INTO predictions (id, window_id, symbol, predicted_p_up, bucket, oracle_price, strike, t_ms, sigma)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.WindowID, rec.Symbol, rec.PredictedPUp.String(), rec.Bucket,
		rec.OraclePrice.String(), rec.Strike.String(), rec.TMs, rec.Sigma)
	if err != nil {
		return fmt.Errorf("record prediction: %w", err)
	}
	return nil
}

// SettleOutcome marks every prediction for windowID with the realized
// outcome, then re-evaluates the affected bucket for a calibration
// alert.
func (l *Ledger) SettleOutcome(ctx context.Context, windowID string, outcome types.Side) error {
	rows, err := l.store.All(ctx, "SELECT * FROM predictions WHERE window_id = $1", windowID)
	if err != nil {
		return fmt.Errorf("load predictions: %w", err)
	}

	buckets := map[string]bool{}
	for _, row := range rows {
		correct := predictionCorrect(row, outcome)
		if _, err := l.store.Run(ctx,
			"UPDATE predictions SET correct = $1, actual_outcome = $2 WHERE id = $3",
			correct, string(outcome), row["id"]); err != nil {
			return fmt.Errorf("settle prediction %v: %w", row["id"], err)
		}
		if b, ok := row["bucket"].(string); ok {
			buckets[b] = true
		}
	}

	for bucket := range buckets {
		l.checkBucket(ctx, bucket)
	}
	return nil
}

func predictionCorrect(row persistence.Row, outcome types.Side) bool {
	pUpStr := fmt.Sprintf("%v", row["predicted_p_up"])
	var pUp float64
	fmt.Sscanf(pUpStr, "%f", &pUp)
	return (pUp >= 0.5) == (outcome == types.SideUp)
}

func (l *Ledger) checkBucket(ctx context.Context, bucket string) {
	rows, err := l.store.All(ctx, "SELECT * FROM predictions WHERE bucket = $1", bucket)
	if err != nil {
		l.logger.Warn("calibration bucket lookup failed", zap.String("bucket", bucket), zap.Error(err))
		return
	}

	var settled, correct int
	for _, row := range rows {
		correctVal, ok := row["correct"]
		if !ok || correctVal == nil {
			continue
		}
		settled++
		if fmt.Sprintf("%v", correctVal) == "true" {
			correct++
		}
	}

	if settled < l.cfg.MinSampleSize {
		return
	}

	hitRate := float64(correct) / float64(settled)
	midpoint := bucketMidpoint(bucket)
	deviation := math.Abs(hitRate - midpoint)
	if deviation <= l.cfg.AlertThreshold {
		l.mu.Lock()
		delete(l.alerted, bucket)
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	already := l.alerted[bucket]
	l.alerted[bucket] = true
	l.mu.Unlock()
	if already {
		return
	}

	alert := Alert{Bucket: bucket, SampleSize: settled, HitRate: hitRate, Midpoint: midpoint, Deviation: deviation}
	l.logger.Warn("calibration alert",
		zap.String("bucket", bucket), zap.Int("n", settled),
		zap.Float64("hitRate", hitRate), zap.Float64("deviation", deviation))

	if l.sink != nil {
		l.sink.CalibrationAlert(alert)
	}
}

// SettlementAdapter satisfies internal/scheduler.SettlementObserver,
// feeding a resolved window's outcome back into the calibration
// ledger so checkBucket has something to score against.
type SettlementAdapter struct {
	Ledger *Ledger
}

// WindowSettled satisfies scheduler.SettlementObserver.
func (a SettlementAdapter) WindowSettled(ctx context.Context, window *types.Window) {
	if err := a.Ledger.SettleOutcome(ctx, window.ID, window.ResolvedSide); err != nil {
		a.Ledger.logger.Warn("failed to settle calibration outcome",
			zap.String("windowId", window.ID), zap.Error(err))
	}
}

func bucketMidpoint(bucket string) float64 {
	var lo, hi int
	if _, err := fmt.Sscanf(bucket, "%d-%d%%", &lo, &hi); err != nil {
		return 0.5
	}
	return (float64(lo) + float64(hi)) / 2 / 100
}
