package cache

import (
	"fmt"

	"github.com/devrev/engagement/internal/model"
)

// Key naming is shared with every collaborator that reads the cache store.
// Do not change the formats below without migrating existing keys.

// CounterKey returns {entityType}:{entityId}:{metric}
func CounterKey(ref model.EntityRef, metric model.Metric) string {
	return fmt.Sprintf("%s:%d:%s", ref.Type, ref.ID, metric)
}

// RelationKey returns {entityType}:{entityId}:{relation}
func RelationKey(ref model.EntityRef, relation model.Relation) string {
	return fmt.Sprintf("%s:%d:%s", ref.Type, ref.ID, relation)
}

// MetaKey returns {entityType}:{entityId}:meta
func MetaKey(ref model.EntityRef) string {
	return fmt.Sprintf("%s:%d:meta", ref.Type, ref.ID)
}

// RankKey returns {entityType}:rank
func RankKey(entityType model.EntityType) string {
	return string(entityType) + ":rank"
}

// PendingViewsKey returns {entityType}:views:pending, the ids whose cached
// view counter has not been written back to the primary store yet
func PendingViewsKey(entityType model.EntityType) string {
	return string(entityType) + ":views:pending"
}
