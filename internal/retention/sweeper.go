package retention

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/metrics"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/records"
	"go.uber.org/zap"
)

const (
	// DefaultHorizon is the age beyond which records are removed.
	DefaultHorizon = 7 * 24 * time.Hour
	// DefaultInterval is the pause between periodic sweeps.
	DefaultInterval = 24 * time.Hour

	tableRequests = "requests"
	tableComments = "comments"
)

var errMissingEvictor = errors.New("retention: evictor is required")

// Evictor removes rows older than a horizon.
type Evictor interface {
	EvictOlderThan(ctx context.Context, horizon time.Duration) (records.EvictionResult, error)
}

// SweeperConfig configures the retention sweeper.
type SweeperConfig struct {
	Store    Evictor
	Horizon  time.Duration
	Interval time.Duration
	Logger   *zap.Logger
}

// Sweeper deletes expired requests and comments.
type Sweeper struct {
	store    Evictor
	horizon  time.Duration
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, errMissingEvictor
	}
	horizon := cfg.Horizon
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: cfg.Store, horizon: horizon, interval: interval, logger: logger}, nil
}

// Sweep runs a single eviction pass.
func (s *Sweeper) Sweep(ctx context.Context) (records.EvictionResult, error) {
	timer := metrics.NewTimer()
	result, err := s.store.EvictOlderThan(ctx, s.horizon)
	timer.ObserveDuration(metrics.RetentionSweepDuration)
	if err != nil {
		s.logger.Error("retention sweep failed", zap.Duration("horizon", s.horizon), zap.Error(err))
		return records.EvictionResult{}, err
	}

	metrics.RetentionDeleted.WithLabelValues(tableRequests).Add(float64(result.RequestsDeleted))
	metrics.RetentionDeleted.WithLabelValues(tableComments).Add(float64(result.CommentsDeleted))
	s.logger.Info("retention sweep complete",
		zap.String("cutoff", result.Cutoff),
		zap.Int64("requests_deleted", result.RequestsDeleted),
		zap.Int64("comments_deleted", result.CommentsDeleted),
	)
	return result, nil
}

// Run sweeps once immediately and then on every interval until ctx is done.
// Failed sweeps are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	_, _ = s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.Sweep(ctx)
		}
	}
}
