package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/devrev/engagement/internal/cache"
	"github.com/devrev/engagement/internal/lock"
	"github.com/devrev/engagement/internal/metrics"
	"github.com/devrev/engagement/internal/model"
	"github.com/devrev/engagement/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Views are fed by best-effort increments and are never compared
var reconciledMetrics = []model.Metric{model.MetricLikes, model.MetricComments, model.MetricFavorites}

// Config holds reconciliation parameters
type Config struct {
	BatchSize     int
	LockLease     time.Duration
	CounterTTL    time.Duration
	RateLimit     float64
	RateBurst     int
	RetryAttempts int
	RetryBackoff  time.Duration
	RepairLogTTL  time.Duration

	// SearchSyncSize bounds how many leaderboard members SyncSearch pushes
	SearchSyncSize int
}

// BatchReport summarizes a batch or a full sweep
type BatchReport struct {
	EntityType model.EntityType
	Offset     int
	NextOffset int
	Pages      int
	Checked    int
	DBRepairs  int
	CacheFixes int
	Populated  int
	Failed     int
	Skipped    bool
}

// FlushReport summarizes one view flush
type FlushReport struct {
	EntityType model.EntityType
	Flushed    int
	Failed     int
	// Expired counts pending entities whose counter was gone before the flush
	Expired int
}

// SearchSyncReport summarizes one search index sync
type SearchSyncReport struct {
	EntityType model.EntityType
	Synced     int
	Skipped    int
	Failed     int
}

// EntityReport is the outcome of reconciling one entity
type EntityReport struct {
	Ref        model.EntityRef
	DBRepaired bool
	CacheFixes int
	Populated  int
	Skipped    bool
}

// Repaired reports whether any drift was corrected
func (r *EntityReport) Repaired() bool {
	return r.DBRepaired || r.CacheFixes > 0
}

// Reconciler detects and repairs drift between the primary store and the
// derived copies: denormalized counter columns, cached counters and the
// search index. The primary store is always authoritative.
type Reconciler struct {
	source  store.SourceStore
	cache   *cache.Ops
	mutex   *lock.Mutex
	search  store.SearchIndex
	repairs store.RepairLog
	limiter *rate.Limiter
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	// Transient per-type offsets; a restart simply starts over at 0
	mu      sync.Mutex
	cursors map[model.EntityType]int
}

// NewReconciler creates a new reconciler
func NewReconciler(
	source store.SourceStore,
	ops *cache.Ops,
	mutex *lock.Mutex,
	search store.SearchIndex,
	repairs store.RepairLog,
	config Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Reconciler {
	if config.BatchSize == 0 {
		config.BatchSize = 500
	}
	if config.LockLease == 0 {
		config.LockLease = 5 * time.Minute
	}
	if config.RetryAttempts == 0 {
		config.RetryAttempts = 3
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = 100 * time.Millisecond
	}
	if config.RepairLogTTL == 0 {
		config.RepairLogTTL = 30 * 24 * time.Hour
	}
	if config.SearchSyncSize == 0 {
		config.SearchSyncSize = 1000
	}
	if search == nil {
		search = store.NoopSearchIndex{}
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	burst := config.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &Reconciler{
		source:  source,
		cache:   ops,
		mutex:   mutex,
		search:  search,
		repairs: repairs,
		limiter: rate.NewLimiter(limit, burst),
		config:  config,
		logger:  logger,
		metrics: m,
		cursors: make(map[model.EntityType]int),
	}
}

// RunBatch reconciles one page of entities at the type's cursor. Only one
// replica runs a batch for a type at a time; when the lock is held elsewhere
// the report comes back with Skipped set. The lease is renewed while the
// page is worked through, so a throttled page never outlives it.
func (r *Reconciler) RunBatch(ctx context.Context, entityType model.EntityType) (*BatchReport, error) {
	start := time.Now()
	report := &BatchReport{EntityType: entityType}

	lease, acquired, err := r.mutex.TryAcquire(ctx, lockKey(entityType), r.config.LockLease)
	if err != nil {
		return report, err
	}
	if !acquired {
		report.Skipped = true
		r.logger.Info("Reconciliation batch skipped, lock held by another runner",
			zap.String("entity_type", string(entityType)))
		return report, nil
	}
	defer r.release(ctx, lease)

	offset := r.cursor(entityType)
	report.Offset = offset

	n, err := r.processPage(ctx, entityType, offset, &lease, report)
	if err != nil {
		return report, err
	}
	report.Pages = 1

	// A short page means we reached the end of the table
	next := offset + n
	if n < r.config.BatchSize {
		next = 0
	}
	r.setCursor(entityType, next)
	report.NextOffset = next

	r.metrics.RecordReconcileBatch(string(entityType), report.Checked, report.Failed, time.Since(start).Seconds())
	r.logger.Info("Reconciliation batch completed",
		zap.String("entity_type", string(entityType)),
		zap.Int("offset", report.Offset),
		zap.Int("next_offset", report.NextOffset),
		zap.Int("checked", report.Checked),
		zap.Int("db_repairs", report.DBRepairs),
		zap.Int("cache_fixes", report.CacheFixes),
		zap.Int("populated", report.Populated),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", time.Since(start)))

	return report, nil
}

// Sweep reconciles every entity of a type from the first page to the last.
// It holds the same lock as RunBatch. The batch cursor is left untouched.
func (r *Reconciler) Sweep(ctx context.Context, entityType model.EntityType) (*BatchReport, error) {
	start := time.Now()
	report := &BatchReport{EntityType: entityType}

	lease, acquired, err := r.mutex.TryAcquire(ctx, lockKey(entityType), r.config.LockLease)
	if err != nil {
		return report, err
	}
	if !acquired {
		report.Skipped = true
		r.logger.Info("Reconciliation sweep skipped, lock held by another runner",
			zap.String("entity_type", string(entityType)))
		return report, nil
	}
	defer r.release(ctx, lease)

	r.logger.Info("Starting reconciliation sweep", zap.String("entity_type", string(entityType)))

	offset := 0
	for {
		n, err := r.processPage(ctx, entityType, offset, &lease, report)
		if err != nil {
			return report, err
		}
		report.Pages++
		offset += n
		if n < r.config.BatchSize {
			break
		}
	}

	r.metrics.RecordReconcileBatch(string(entityType), report.Checked, report.Failed, time.Since(start).Seconds())
	r.logger.Info("Reconciliation sweep completed",
		zap.String("entity_type", string(entityType)),
		zap.Int("pages", report.Pages),
		zap.Int("checked", report.Checked),
		zap.Int("db_repairs", report.DBRepairs),
		zap.Int("cache_fixes", report.CacheFixes),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", time.Since(start)))

	return report, nil
}

// ReconcileEntity repairs a single entity on demand. Concurrent repairs of
// the same entity are serialized with a short retry on the entity lock.
func (r *Reconciler) ReconcileEntity(ctx context.Context, ref model.EntityRef) (*EntityReport, error) {
	key := fmt.Sprintf("repair:%s:%d", ref.Type, ref.ID)
	lease, acquired, err := r.mutex.TryAcquireWithRetry(ctx, key, r.config.LockLease, r.config.RetryAttempts, r.config.RetryBackoff)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return &EntityReport{Ref: ref, Skipped: true}, nil
	}
	defer r.release(ctx, lease)

	entity, err := r.source.GetEntity(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", ref, err)
	}
	if entity.Deleted {
		return nil, fmt.Errorf("%s is deleted: %w", ref, store.ErrNotFound)
	}

	return r.reconcileEntity(ctx, entity)
}

// FlushViews writes the cached view counters of entities viewed since the
// last flush back to the primary store. Views have no relation table, so
// without this a counter that expires takes its views with it. Entities that
// could not be written stay pending for the next flush.
func (r *Reconciler) FlushViews(ctx context.Context, entityType model.EntityType) (*FlushReport, error) {
	start := time.Now()
	report := &FlushReport{EntityType: entityType}
	key := cache.PendingViewsKey(entityType)

	var retry []string
	defer func() {
		if len(retry) > 0 {
			r.cache.AddToSet(context.WithoutCancel(ctx), key, retry...)
		}
	}()

	for {
		popped := r.cache.PopMembers(ctx, key, int64(r.config.BatchSize))
		if popped.Failed() {
			return report, fmt.Errorf("failed to read pending views for %s: %w", entityType, popped.Err)
		}

		for _, member := range popped.Value {
			if !r.flushView(ctx, entityType, member, report) {
				retry = append(retry, member)
			}
		}

		if len(popped.Value) < r.config.BatchSize {
			break
		}
	}

	r.logger.Info("View counters flushed",
		zap.String("entity_type", string(entityType)),
		zap.Int("flushed", report.Flushed),
		zap.Int("expired", report.Expired),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", time.Since(start)))

	return report, nil
}

// flushView writes one view counter. It returns false when the entity must
// stay pending.
func (r *Reconciler) flushView(ctx context.Context, entityType model.EntityType, member string, report *FlushReport) bool {
	id, err := strconv.ParseInt(member, 10, 64)
	if err != nil {
		r.logger.Warn("Dropping malformed pending view entry",
			zap.String("entity_type", string(entityType)),
			zap.String("member", member))
		return true
	}
	ref := model.EntityRef{Type: entityType, ID: id}

	views := r.cache.GetCounter(ctx, cache.CounterKey(ref, model.MetricViews))
	if views.Failed() {
		report.Failed++
		return false
	}
	if !views.Found() {
		report.Expired++
		return true
	}

	if err := r.limiter.Wait(ctx); err != nil {
		report.Failed++
		return false
	}

	err = r.source.UpdateViews(ctx, ref, views.Value)
	if errors.Is(err, store.ErrNotFound) {
		return true
	}
	if err != nil {
		report.Failed++
		r.logger.Warn("Failed to flush view counter",
			zap.String("entity", ref.String()),
			zap.Error(err))
		return false
	}

	report.Flushed++
	return true
}

// SyncSearch pushes every leaderboard member of a type to the search index
// with its current counters and hot score. Counters missing from the cache
// are read from the primary store; deleted entities are skipped.
func (r *Reconciler) SyncSearch(ctx context.Context, entityType model.EntityType) (*SearchSyncReport, error) {
	start := time.Now()
	report := &SearchSyncReport{EntityType: entityType}

	board := r.cache.ZRangeWithScores(ctx, cache.RankKey(entityType), 0, int64(r.config.SearchSyncSize-1))
	if board.Failed() {
		return report, fmt.Errorf("failed to read %s leaderboard: %w", entityType, board.Err)
	}

	for _, member := range board.Value {
		id, err := strconv.ParseInt(member.Member, 10, 64)
		if err != nil {
			report.Skipped++
			continue
		}
		ref := model.EntityRef{Type: entityType, ID: id}

		counts, live, err := r.currentCounts(ctx, ref)
		if err != nil {
			report.Failed++
			r.logger.Warn("Failed to read counters for search sync",
				zap.String("entity", ref.String()),
				zap.Error(err))
			continue
		}
		if !live {
			report.Skipped++
			continue
		}

		if err := r.search.UpsertDocument(ctx, newSearchDocument(ref, counts, member.Score)); err != nil {
			report.Failed++
			r.logger.Warn("Failed to sync search document",
				zap.String("entity", ref.String()),
				zap.Error(err))
			continue
		}
		report.Synced++
	}

	r.logger.Info("Search index synced",
		zap.String("entity_type", string(entityType)),
		zap.Int("synced", report.Synced),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", time.Since(start)))

	return report, nil
}

// currentCounts prefers cached counters and falls back to the entity row for
// any that are missing
func (r *Reconciler) currentCounts(ctx context.Context, ref model.EntityRef) (model.Counts, bool, error) {
	keys := make([]string, len(model.Metrics))
	for i, m := range model.Metrics {
		keys[i] = cache.CounterKey(ref, m)
	}
	cached := r.cache.GetCounters(ctx, keys...)

	var counts model.Counts
	complete := true
	for i, m := range model.Metrics {
		if cached[i].Found() {
			counts.Set(m, cached[i].Value)
		} else {
			complete = false
		}
	}
	if complete {
		return counts, true, nil
	}

	entity, err := r.source.GetEntity(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return model.Counts{}, false, nil
	}
	if err != nil {
		return model.Counts{}, false, err
	}
	if entity.Deleted {
		return model.Counts{}, false, nil
	}

	for i, m := range model.Metrics {
		if !cached[i].Found() {
			counts.Set(m, entity.Counts.Get(m))
		}
	}
	return counts, true, nil
}

// PruneRepairLog deletes repair records older than the configured TTL
func (r *Reconciler) PruneRepairLog(ctx context.Context) (int64, error) {
	if r.repairs == nil {
		return 0, nil
	}
	deleted, err := r.repairs.CleanupOldRepairs(ctx, r.config.RepairLogTTL)
	if err != nil {
		return 0, err
	}
	r.logger.Info("Cleaned up old repair records", zap.Int64("deleted", deleted))
	return deleted, nil
}

// processPage lists one page and reconciles every entity in it. Per-entity
// failures are counted, never returned. It returns the page length. The
// lease is renewed between entities; losing it aborts the page.
func (r *Reconciler) processPage(ctx context.Context, entityType model.EntityType, offset int, lease *lock.Lease, report *BatchReport) (int, error) {
	entities, err := r.source.ListEntities(ctx, entityType, offset, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s entities at offset %d: %w", entityType, offset, err)
	}

	for _, entity := range entities {
		if err := r.limiter.Wait(ctx); err != nil {
			return 0, err
		}
		if err := r.mutex.Renew(ctx, lease); err != nil {
			return 0, fmt.Errorf("stopping %s reconciliation at offset %d: %w", entityType, offset, err)
		}

		report.Checked++
		result, err := r.reconcileEntity(ctx, entity)
		if err != nil {
			report.Failed++
			r.logger.Warn("Failed to reconcile entity, skipping",
				zap.String("entity", entity.Ref.String()),
				zap.Error(err))
			continue
		}

		if result.DBRepaired {
			report.DBRepairs++
		}
		report.CacheFixes += result.CacheFixes
		report.Populated += result.Populated
	}

	return len(entities), nil
}

// reconcileEntity recomputes authoritative counts from the normalized
// relations and repairs every derived copy that disagrees
func (r *Reconciler) reconcileEntity(ctx context.Context, entity *model.Entity) (*EntityReport, error) {
	ref := entity.Ref
	result := &EntityReport{Ref: ref}

	authoritative, err := r.source.CountEngagement(ctx, ref)
	if err != nil {
		return nil, err
	}
	authoritative.Views = entity.Counts.Views

	if countsDiffer(entity.Counts, authoritative) {
		if err := r.source.UpdateCounts(ctx, ref, authoritative); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Deleted since it was listed
				return result, nil
			}
			return nil, fmt.Errorf("failed to repair counts: %w", err)
		}
		result.DBRepaired = true
		r.recordRepair(ctx, ref, model.RepairSourceDatabase, entity.Counts, authoritative)
	}

	cachedBefore, cacheFixes, populated := r.repairCachedCounters(ctx, ref, authoritative)
	result.CacheFixes = cacheFixes
	result.Populated = populated
	if cacheFixes > 0 {
		r.recordRepair(ctx, ref, model.RepairSourceCache, cachedBefore, authoritative)
	}

	if result.Repaired() {
		r.upsertSearchDocument(ctx, ref, authoritative)
	}

	return result, nil
}

// repairCachedCounters overwrites cached counters that disagree and fills in
// missing ones. Counters the store could not read are left alone.
func (r *Reconciler) repairCachedCounters(ctx context.Context, ref model.EntityRef, authoritative model.Counts) (model.Counts, int, int) {
	keys := make([]string, len(reconciledMetrics))
	for i, m := range reconciledMetrics {
		keys[i] = cache.CounterKey(ref, m)
	}
	cached := r.cache.GetCounters(ctx, keys...)

	var before model.Counts
	fixes, populated := 0, 0
	for i, m := range reconciledMetrics {
		want := authoritative.Get(m)
		switch cached[i].Outcome {
		case cache.OutcomeHit:
			before.Set(m, cached[i].Value)
			if cached[i].Value == want {
				continue
			}
			if r.cache.SetCounter(ctx, keys[i], want, r.config.CounterTTL) {
				fixes++
			}
		case cache.OutcomeMiss:
			before.Set(m, want)
			if r.cache.SetCounter(ctx, keys[i], want, r.config.CounterTTL) {
				populated++
			}
		case cache.OutcomeFailed:
			before.Set(m, want)
		}
	}
	return before, fixes, populated
}

func (r *Reconciler) recordRepair(ctx context.Context, ref model.EntityRef, source model.RepairSource, before, after model.Counts) {
	r.metrics.RecordRepair(string(ref.Type), string(source))
	r.logger.Info("Repaired drifted counters",
		zap.String("entity", ref.String()),
		zap.String("source", string(source)),
		zap.Int64("likes_before", before.Likes),
		zap.Int64("likes_after", after.Likes),
		zap.Int64("comments_before", before.Comments),
		zap.Int64("comments_after", after.Comments),
		zap.Int64("favorites_before", before.Favorites),
		zap.Int64("favorites_after", after.Favorites))

	if r.repairs == nil {
		return
	}
	repair := &model.Repair{
		RepairID:   uuid.NewString(),
		Ref:        ref,
		Source:     source,
		Before:     before,
		After:      after,
		RepairedAt: time.Now(),
	}
	if err := r.repairs.Record(ctx, repair); err != nil {
		r.logger.Warn("Failed to record repair", zap.String("entity", ref.String()), zap.Error(err))
	}
}

func (r *Reconciler) upsertSearchDocument(ctx context.Context, ref model.EntityRef, counts model.Counts) {
	counts.Views = r.cache.GetCounter(ctx, cache.CounterKey(ref, model.MetricViews)).Or(counts.Views)
	hotScore := r.cache.ZScore(ctx, cache.RankKey(ref.Type), ref.Member()).Or(0)
	if err := r.search.UpsertDocument(ctx, newSearchDocument(ref, counts, hotScore)); err != nil {
		r.logger.Warn("Failed to update search document", zap.String("entity", ref.String()), zap.Error(err))
	}
}

func (r *Reconciler) release(ctx context.Context, lease lock.Lease) {
	// Release must survive cancellation of the caller's context
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := r.mutex.Release(releaseCtx, lease); err != nil {
		r.logger.Error("Failed to release reconcile lock", zap.String("key", lease.Key), zap.Error(err))
	}
}

func newSearchDocument(ref model.EntityRef, counts model.Counts, hotScore float64) model.SearchDocument {
	return model.SearchDocument{
		Type:          ref.Type,
		ID:            ref.ID,
		LikeCount:     counts.Likes,
		CommentCount:  counts.Comments,
		FavoriteCount: counts.Favorites,
		ViewCount:     counts.Views,
		HotScore:      hotScore,
		UpdatedAt:     time.Now(),
	}
}

func (r *Reconciler) cursor(entityType model.EntityType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursors[entityType]
}

func (r *Reconciler) setCursor(entityType model.EntityType, offset int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors[entityType] = offset
}

func countsDiffer(a, b model.Counts) bool {
	for _, m := range reconciledMetrics {
		if a.Get(m) != b.Get(m) {
			return true
		}
	}
	return false
}

func lockKey(entityType model.EntityType) string {
	return "reconcile:" + string(entityType)
}
