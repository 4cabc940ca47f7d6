package store

import (
	"context"
	"errors"
	"time"

	"github.com/devrev/engagement/internal/model"
)

// ErrNotFound is returned when an entity does not exist
var ErrNotFound = errors.New("not found")

// SourceStore is the authoritative primary store. Every aggregate derived in
// the cache store is recomputed from here.
type SourceStore interface {
	// Entity operations
	GetEntity(ctx context.Context, ref model.EntityRef) (*model.Entity, error)
	ListEntities(ctx context.Context, entityType model.EntityType, offset, limit int) ([]*model.Entity, error)

	// CountEngagement counts likes, comments and favorites from the
	// normalized relation tables. Views have no relation table and are
	// always zero in the result.
	CountEngagement(ctx context.Context, ref model.EntityRef) (model.Counts, error)

	// UpdateCounts overwrites the denormalized like, comment and favorite
	// columns. The view column is left untouched.
	UpdateCounts(ctx context.Context, ref model.EntityRef, counts model.Counts) error

	// UpdateViews raises the view column to views. A lower value never
	// replaces a higher one.
	UpdateViews(ctx context.Context, ref model.EntityRef, views int64) error

	// Relation operations
	HasRelation(ctx context.Context, relation model.Relation, ref model.EntityRef, userID int64) (bool, error)
	ListRelationMembers(ctx context.Context, relation model.Relation, ref model.EntityRef) ([]int64, error)

	// Health check
	Ping(ctx context.Context) error
	Close()
}

// SearchIndex keeps denormalized counters in the secondary search index
type SearchIndex interface {
	UpsertDocument(ctx context.Context, doc model.SearchDocument) error
}

// RepairLog records applied drift repairs for troubleshooting
type RepairLog interface {
	Record(ctx context.Context, repair *model.Repair) error
	ListRepairs(ctx context.Context, ref model.EntityRef, limit int) ([]*model.Repair, error)
	CleanupOldRepairs(ctx context.Context, ttl time.Duration) (int64, error)
}
