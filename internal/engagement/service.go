package engagement

import (
	"context"
	"strconv"
	"time"

	"github.com/devrev/engagement/internal/cache"
	"github.com/devrev/engagement/internal/model"
	"github.com/devrev/engagement/internal/ranking"
	"github.com/devrev/engagement/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Config holds engagement service parameters
type Config struct {
	CounterTTL  time.Duration
	RelationTTL time.Duration
	RankOnWrite bool
}

// Service is the surface business handlers call after they have written the
// primary store. It keeps counters, relation sets and leaderboards in step
// and never returns cache errors to its callers.
type Service struct {
	cache   *cache.Ops
	source  store.SourceStore
	ranking *ranking.Engine
	loads   singleflight.Group
	config  Config
	logger  *zap.Logger
}

// NewService creates a new engagement service
func NewService(
	ops *cache.Ops,
	source store.SourceStore,
	engine *ranking.Engine,
	config Config,
	logger *zap.Logger,
) *Service {
	if config.CounterTTL == 0 {
		config.CounterTTL = 7 * 24 * time.Hour
	}
	if config.RelationTTL == 0 {
		config.RelationTTL = 24 * time.Hour
	}

	return &Service{
		cache:   ops,
		source:  source,
		ranking: engine,
		config:  config,
		logger:  logger,
	}
}

// IncrementCounter adds delta to a counter and returns the new value, or
// zero when the cache store is unavailable. A counter that did not exist is
// seeded from the primary store rather than left at delta.
func (s *Service) IncrementCounter(ctx context.Context, ref model.EntityRef, metric model.Metric, delta int64) int64 {
	key := cache.CounterKey(ref, metric)

	inc, ok := s.cache.IncrementCounter(ctx, key, delta, s.config.CounterTTL)
	if !ok {
		return 0
	}
	if metric == model.MetricViews {
		// Views exist only here until the flush job writes them back
		s.cache.AddToSet(ctx, cache.PendingViewsKey(ref.Type), ref.Member())
	}
	if !inc.Created {
		return inc.Value
	}

	// Views are not in the primary store's relations, so the stored column
	// still lacks this increment
	if metric == model.MetricViews {
		delta = inc.Value
	} else {
		delta = 0
	}
	value, err := s.loadCounter(ctx, ref, metric, delta)
	if err != nil {
		s.logger.Warn("Failed to seed counter from primary store",
			zap.String("key", key),
			zap.Error(err))
		return inc.Value
	}
	return value
}

// Like records that userID liked ref
func (s *Service) Like(ctx context.Context, ref model.EntityRef, userID int64) {
	s.toggle(ctx, model.RelationLikedBy, ref, userID, true)
}

// Unlike records that userID no longer likes ref
func (s *Service) Unlike(ctx context.Context, ref model.EntityRef, userID int64) {
	s.toggle(ctx, model.RelationLikedBy, ref, userID, false)
}

// Favorite records that userID favorited ref
func (s *Service) Favorite(ctx context.Context, ref model.EntityRef, userID int64) {
	s.toggle(ctx, model.RelationFavoritedBy, ref, userID, true)
}

// Unfavorite records that userID removed ref from favorites
func (s *Service) Unfavorite(ctx context.Context, ref model.EntityRef, userID int64) {
	s.toggle(ctx, model.RelationFavoritedBy, ref, userID, false)
}

// RecordView counts one view
func (s *Service) RecordView(ctx context.Context, ref model.EntityRef) {
	s.IncrementCounter(ctx, ref, model.MetricViews, 1)
	s.nudge(ctx, ref)
}

// RecordComment counts one new comment on ref
func (s *Service) RecordComment(ctx context.Context, ref model.EntityRef) {
	s.IncrementCounter(ctx, ref, model.MetricComments, 1)
	s.nudge(ctx, ref)
}

// RemoveComment uncounts a deleted comment on ref
func (s *Service) RemoveComment(ctx context.Context, ref model.EntityRef) {
	s.IncrementCounter(ctx, ref, model.MetricComments, -1)
	s.nudge(ctx, ref)
}

// RecordEngagement recomputes the leaderboard score of ref
func (s *Service) RecordEngagement(ctx context.Context, ref model.EntityRef) {
	if err := s.ranking.RecordEngagement(ctx, ref); err != nil {
		s.logger.Warn("Failed to update leaderboard",
			zap.String("entity", ref.String()),
			zap.Error(err))
	}
}

// RemoveEntity drops a deleted entity from its leaderboard and forgets its
// cached metadata, so the next engagement re-reads it from the primary store
func (s *Service) RemoveEntity(ctx context.Context, ref model.EntityRef) {
	s.ranking.Remove(ctx, ref)
}

// GetCounter returns a counter value. A missing counter is recomputed from
// the primary store and cached again; when nothing can answer it is zero.
func (s *Service) GetCounter(ctx context.Context, ref model.EntityRef, metric model.Metric) int64 {
	res := s.cache.GetCounter(ctx, cache.CounterKey(ref, metric))
	if res.Found() {
		return res.Value
	}

	if res.Failed() {
		// Cache is down, answer from the primary store without repopulating
		value, err := s.authoritativeCount(ctx, ref, metric)
		if err != nil {
			s.logger.Warn("Counter unavailable",
				zap.String("entity", ref.String()),
				zap.String("metric", string(metric)),
				zap.Error(err))
			return 0
		}
		return value
	}

	value, err := s.loadCounter(ctx, ref, metric, 0)
	if err != nil {
		s.logger.Warn("Failed to recompute counter",
			zap.String("entity", ref.String()),
			zap.String("metric", string(metric)),
			zap.Error(err))
		return 0
	}
	return value
}

// TopN returns up to n entity ids ranked by popularity. It returns an empty
// list when no leaderboard can be served.
func (s *Service) TopN(ctx context.Context, entityType model.EntityType, n int) []string {
	ids, err := s.ranking.TopN(ctx, entityType, n)
	if err != nil {
		s.logger.Warn("Leaderboard unavailable",
			zap.String("entity_type", string(entityType)),
			zap.Error(err))
		return []string{}
	}
	return ids
}

// IsMember reports whether userID holds relation to ref. A relation set that
// is not cached is loaded in full from the primary store and cached.
func (s *Service) IsMember(ctx context.Context, relation model.Relation, ref model.EntityRef, userID int64) bool {
	key := cache.RelationKey(ref, relation)
	member := strconv.FormatInt(userID, 10)

	res := s.cache.IsMember(ctx, key, member)
	if res.Found() {
		return res.Value
	}

	if res.Failed() {
		ok, err := s.source.HasRelation(ctx, relation, ref, userID)
		if err != nil {
			s.logger.Warn("Relation check unavailable",
				zap.String("key", key),
				zap.Error(err))
			return false
		}
		return ok
	}

	v, err, _ := s.loads.Do("relation:"+key, func() (interface{}, error) {
		userIDs, err := s.source.ListRelationMembers(ctx, relation, ref)
		if err != nil {
			return nil, err
		}
		members := make([]string, len(userIDs))
		for i, id := range userIDs {
			members[i] = strconv.FormatInt(id, 10)
		}
		s.cache.ReplaceSet(ctx, key, members, s.config.RelationTTL)
		return members, nil
	})
	if err != nil {
		s.logger.Warn("Failed to load relation",
			zap.String("key", key),
			zap.Error(err))
		return false
	}

	for _, m := range v.([]string) {
		if m == member {
			return true
		}
	}
	return false
}

func (s *Service) toggle(ctx context.Context, relation model.Relation, ref model.EntityRef, userID int64, on bool) {
	key := cache.RelationKey(ref, relation)
	member := strconv.FormatInt(userID, 10)

	delta := int64(1)
	if on {
		s.cache.AddToExistingSet(ctx, key, member)
	} else {
		s.cache.RemoveFromSet(ctx, key, member)
		delta = -1
	}

	s.IncrementCounter(ctx, ref, relation.Metric(), delta)
	s.nudge(ctx, ref)
}

func (s *Service) nudge(ctx context.Context, ref model.EntityRef) {
	if s.config.RankOnWrite {
		s.RecordEngagement(ctx, ref)
	}
}

// loadCounter recomputes a counter from the primary store, adds extra and
// caches the result. Concurrent loads of the same counter share one query.
func (s *Service) loadCounter(ctx context.Context, ref model.EntityRef, metric model.Metric, extra int64) (int64, error) {
	key := cache.CounterKey(ref, metric)

	flight := "counter:" + key + ":" + strconv.FormatInt(extra, 10)
	v, err, _ := s.loads.Do(flight, func() (interface{}, error) {
		value, err := s.authoritativeCount(ctx, ref, metric)
		if err != nil {
			return int64(0), err
		}
		value += extra
		s.cache.SetCounter(ctx, key, value, s.config.CounterTTL)
		return value, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (s *Service) authoritativeCount(ctx context.Context, ref model.EntityRef, metric model.Metric) (int64, error) {
	if metric == model.MetricViews {
		entity, err := s.source.GetEntity(ctx, ref)
		if err != nil {
			return 0, err
		}
		return entity.Counts.Views, nil
	}

	counts, err := s.source.CountEngagement(ctx, ref)
	if err != nil {
		return 0, err
	}
	return counts.Get(metric), nil
}
