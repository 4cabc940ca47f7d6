package ranking

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/devrev/engagement/internal/cache"
	"github.com/devrev/engagement/internal/metrics"
	"github.com/devrev/engagement/internal/model"
	"github.com/devrev/engagement/internal/store"
	"go.uber.org/zap"
)

// ErrLeaderboardUnavailable is returned when the cache store cannot serve a
// leaderboard and no snapshot is available
var ErrLeaderboardUnavailable = errors.New("leaderboard unavailable")

const metaCreatedAt = "created_at"

// Config holds ranking parameters
type Config struct {
	Weights       map[model.EntityType]model.Weights
	HalfLife      time.Duration
	DecayInterval time.Duration
	TopN          int
	ScoreFloor    float64
	MetaTTL       time.Duration
	SnapshotTTL   time.Duration
}

// MaintenanceReport summarizes one recompute or decay pass
type MaintenanceReport struct {
	EntityType model.EntityType
	Pass       string
	Scanned    int
	Updated    int
	Pruned     int
	Failed     int
	BelowFloor int64
	Truncated  int64
	Size       int64
}

// Engine maintains one bounded, time-decayed leaderboard per entity type
type Engine struct {
	cache     *cache.Ops
	source    store.SourceStore
	config    Config
	snapshots *snapshotCache
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewEngine creates a new ranking engine
func NewEngine(
	ops *cache.Ops,
	source store.SourceStore,
	config Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Engine {
	if config.Weights == nil {
		config.Weights = model.DefaultWeights()
	}
	if config.HalfLife == 0 {
		config.HalfLife = 24 * time.Hour
	}
	if config.DecayInterval == 0 {
		config.DecayInterval = time.Hour
	}
	if config.TopN == 0 {
		config.TopN = 1000
	}
	if config.MetaTTL == 0 {
		config.MetaTTL = 24 * time.Hour
	}
	if config.SnapshotTTL == 0 {
		config.SnapshotTTL = 10 * time.Minute
	}

	return &Engine{
		cache:     ops,
		source:    source,
		config:    config,
		snapshots: newSnapshotCache(config.SnapshotTTL),
		now:       time.Now,
		logger:    logger,
		metrics:   m,
	}
}

// DecayFactor returns the per-tick multiplier used by Decay
func (e *Engine) DecayFactor() float64 {
	return DecayFactor(e.config.DecayInterval, e.config.HalfLife)
}

// Score computes the current score of an entity from counts and creation time
func (e *Engine) Score(entityType model.EntityType, counts model.Counts, createdAt time.Time) float64 {
	return Score(e.config.Weights[entityType], counts, e.now().Sub(createdAt), e.config.HalfLife)
}

// RecordEngagement recomputes the score of one entity and overwrites its
// leaderboard entry. Cached counters are preferred over the primary store's
// denormalized columns since they carry the latest increments.
func (e *Engine) RecordEngagement(ctx context.Context, ref model.EntityRef) error {
	counts, createdAt, live, err := e.currentState(ctx, ref)
	if err != nil {
		return err
	}

	key := cache.RankKey(ref.Type)
	if !live {
		e.Remove(ctx, ref)
		return nil
	}

	score := e.Score(ref.Type, counts, createdAt)
	if score < e.config.ScoreFloor {
		e.cache.ZRemove(ctx, key, ref.Member())
		return nil
	}

	if !e.cache.ZAdd(ctx, key, ref.Member(), score) {
		return fmt.Errorf("failed to update score for %s: %w", ref, ErrLeaderboardUnavailable)
	}

	// Keep the bound between maintenance passes
	if _, err := e.Truncate(ctx, ref.Type); err != nil {
		return err
	}

	return nil
}

// Remove drops an entity from its leaderboard
func (e *Engine) Remove(ctx context.Context, ref model.EntityRef) bool {
	removed := e.cache.ZRemove(ctx, cache.RankKey(ref.Type), ref.Member())
	e.cache.Delete(ctx, cache.MetaKey(ref))
	return removed
}

// ScoreOf returns the stored score of an entity
func (e *Engine) ScoreOf(ctx context.Context, ref model.EntityRef) cache.Result[float64] {
	return e.cache.ZScore(ctx, cache.RankKey(ref.Type), ref.Member())
}

// TopN returns up to n entity ids by descending score. When the cache store
// fails the last snapshot read in this process is served instead.
func (e *Engine) TopN(ctx context.Context, entityType model.EntityType, n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}
	if n > e.config.TopN {
		n = e.config.TopN
	}

	res := e.cache.ZRevRange(ctx, cache.RankKey(entityType), 0, int64(n-1))
	if !res.Failed() {
		e.snapshots.Set(entityType, res.Value, len(res.Value) < n)
		return res.Value, nil
	}

	if members, ok := e.snapshots.Get(entityType, n); ok {
		e.logger.Warn("Serving leaderboard snapshot",
			zap.String("entity_type", string(entityType)),
			zap.Int("size", len(members)))
		return members, nil
	}

	return nil, fmt.Errorf("top %d %s: %w", n, entityType, ErrLeaderboardUnavailable)
}

// Recompute re-derives every leaderboard score from the primary store,
// prunes deleted entities and enforces the floor and the top-N bound. One
// failed member is logged and skipped.
func (e *Engine) Recompute(ctx context.Context, entityType model.EntityType) (*MaintenanceReport, error) {
	start := time.Now()
	report := &MaintenanceReport{EntityType: entityType, Pass: "recompute"}
	key := cache.RankKey(entityType)

	board := e.cache.ZRangeWithScores(ctx, key, 0, -1)
	if board.Failed() {
		e.metrics.RecordRankingPass(string(entityType), report.Pass, "error", 0, time.Since(start).Seconds())
		return report, fmt.Errorf("failed to read %s leaderboard: %w", entityType, ErrLeaderboardUnavailable)
	}

	e.logger.Info("Starting leaderboard recompute",
		zap.String("entity_type", string(entityType)),
		zap.Int("members", len(board.Value)))

	for _, entry := range board.Value {
		report.Scanned++

		id, err := strconv.ParseInt(entry.Member, 10, 64)
		if err != nil {
			e.logger.Warn("Dropping malformed leaderboard member",
				zap.String("entity_type", string(entityType)),
				zap.String("member", entry.Member))
			e.cache.ZRemove(ctx, key, entry.Member)
			report.Pruned++
			continue
		}
		ref := model.EntityRef{Type: entityType, ID: id}

		score, live, err := e.authoritativeScore(ctx, ref)
		if err != nil {
			e.logger.Warn("Failed to recompute score, skipping",
				zap.String("entity", ref.String()),
				zap.Error(err))
			report.Failed++
			continue
		}

		if !live {
			e.Remove(ctx, ref)
			report.Pruned++
			continue
		}

		// XX: a member removed concurrently stays removed
		if e.cache.ZAddExisting(ctx, key, entry.Member, score) {
			report.Updated++
		} else {
			report.Failed++
		}
	}

	e.metrics.RecordEvictions(string(entityType), "deleted", report.Pruned)

	if err := e.enforceBounds(ctx, report); err != nil {
		e.metrics.RecordRankingPass(string(entityType), report.Pass, "error", 0, time.Since(start).Seconds())
		return report, err
	}

	e.metrics.RecordRankingPass(string(entityType), report.Pass, "ok", report.Size, time.Since(start).Seconds())
	e.logger.Info("Leaderboard recompute completed",
		zap.String("entity_type", string(entityType)),
		zap.Int("updated", report.Updated),
		zap.Int("pruned", report.Pruned),
		zap.Int("failed", report.Failed),
		zap.Int64("below_floor", report.BelowFloor),
		zap.Int64("truncated", report.Truncated),
		zap.Int64("size", report.Size),
		zap.Duration("duration", time.Since(start)))

	return report, nil
}

// Decay multiplies every score by the per-tick factor, then enforces the
// floor and the top-N bound. Counters are not re-read.
func (e *Engine) Decay(ctx context.Context, entityType model.EntityType) (*MaintenanceReport, error) {
	start := time.Now()
	report := &MaintenanceReport{EntityType: entityType, Pass: "decay"}
	factor := e.DecayFactor()

	n, ok := e.cache.ZScaleScores(ctx, cache.RankKey(entityType), factor)
	if !ok {
		e.metrics.RecordRankingPass(string(entityType), report.Pass, "error", 0, time.Since(start).Seconds())
		return report, fmt.Errorf("failed to decay %s leaderboard: %w", entityType, ErrLeaderboardUnavailable)
	}
	report.Scanned = int(n)
	report.Updated = int(n)

	if err := e.enforceBounds(ctx, report); err != nil {
		e.metrics.RecordRankingPass(string(entityType), report.Pass, "error", 0, time.Since(start).Seconds())
		return report, err
	}

	e.metrics.RecordRankingPass(string(entityType), report.Pass, "ok", report.Size, time.Since(start).Seconds())
	e.logger.Info("Leaderboard decay completed",
		zap.String("entity_type", string(entityType)),
		zap.Float64("factor", factor),
		zap.Int64("decayed", n),
		zap.Int64("below_floor", report.BelowFloor),
		zap.Int64("truncated", report.Truncated),
		zap.Int64("size", report.Size))

	return report, nil
}

// Truncate evicts everything ranked below the top N and returns the number
// of members removed
func (e *Engine) Truncate(ctx context.Context, entityType model.EntityType) (int64, error) {
	removed, ok := e.cache.ZRemRangeByRank(ctx, cache.RankKey(entityType), 0, -int64(e.config.TopN)-1)
	if !ok {
		return 0, fmt.Errorf("failed to truncate %s leaderboard: %w", entityType, ErrLeaderboardUnavailable)
	}
	e.metrics.RecordEvictions(string(entityType), "truncated", int(removed))
	return removed, nil
}

func (e *Engine) enforceBounds(ctx context.Context, report *MaintenanceReport) error {
	key := cache.RankKey(report.EntityType)

	below, ok := e.cache.ZRemBelowScore(ctx, key, e.config.ScoreFloor)
	if !ok {
		return fmt.Errorf("failed to evict below floor: %w", ErrLeaderboardUnavailable)
	}
	report.BelowFloor = below
	e.metrics.RecordEvictions(string(report.EntityType), "below_floor", int(below))

	truncated, err := e.Truncate(ctx, report.EntityType)
	if err != nil {
		return err
	}
	report.Truncated = truncated

	size := e.cache.ZCard(ctx, key)
	if size.Failed() {
		return fmt.Errorf("failed to read leaderboard size: %w", ErrLeaderboardUnavailable)
	}
	report.Size = size.Value
	return nil
}

// authoritativeScore scores an entity from the primary store's relation
// counts. Views have no relation table, so the cached view counter is used
// when present.
func (e *Engine) authoritativeScore(ctx context.Context, ref model.EntityRef) (float64, bool, error) {
	entity, err := e.source.GetEntity(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if entity.Deleted {
		return 0, false, nil
	}

	counts, err := e.source.CountEngagement(ctx, ref)
	if err != nil {
		return 0, false, err
	}
	counts.Views = e.cache.GetCounter(ctx, cache.CounterKey(ref, model.MetricViews)).Or(entity.Counts.Views)

	return e.Score(ref.Type, counts, entity.CreatedAt), true, nil
}

// currentState returns the freshest counts and creation time of an entity.
// The primary store is only consulted when the cache cannot answer fully.
func (e *Engine) currentState(ctx context.Context, ref model.EntityRef) (model.Counts, time.Time, bool, error) {
	keys := make([]string, len(model.Metrics))
	for i, m := range model.Metrics {
		keys[i] = cache.CounterKey(ref, m)
	}
	cached := e.cache.GetCounters(ctx, keys...)

	var counts model.Counts
	complete := true
	for i, m := range model.Metrics {
		if !cached[i].Found() {
			complete = false
			continue
		}
		counts.Set(m, cached[i].Value)
	}

	if complete {
		if createdAt, ok := e.cachedCreatedAt(ctx, ref); ok {
			return counts, createdAt, true, nil
		}
	}

	entity, err := e.source.GetEntity(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return model.Counts{}, time.Time{}, false, nil
	}
	if err != nil {
		return model.Counts{}, time.Time{}, false, fmt.Errorf("failed to load %s: %w", ref, err)
	}
	if entity.Deleted {
		return model.Counts{}, time.Time{}, false, nil
	}

	e.cache.HSet(ctx, cache.MetaKey(ref), map[string]interface{}{
		metaCreatedAt: strconv.FormatInt(entity.CreatedAt.UnixMilli(), 10),
	}, e.config.MetaTTL)

	for i, m := range model.Metrics {
		if !cached[i].Found() {
			counts.Set(m, entity.Counts.Get(m))
		}
	}
	return counts, entity.CreatedAt, true, nil
}

func (e *Engine) cachedCreatedAt(ctx context.Context, ref model.EntityRef) (time.Time, bool) {
	meta := e.cache.HGetAll(ctx, cache.MetaKey(ref))
	if !meta.Found() {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(meta.Value[metaCreatedAt], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
