package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/devrev/engagement/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const deletedStatus = "deleted"

// entityTables maps entity types to their tables. Table names are never
// taken from input.
var entityTables = map[model.EntityType]string{
	model.EntityTypePost:    "posts",
	model.EntityTypeArticle: "articles",
	model.EntityTypeComment: "comments",
}

var relationTables = map[model.Relation]string{
	model.RelationLikedBy:     "likes",
	model.RelationFavoritedBy: "favorites",
}

// PostgresSourceStore implements SourceStore using PostgreSQL
type PostgresSourceStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresSourceStore creates a new PostgreSQL source store
func NewPostgresSourceStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresSourceStore {
	return &PostgresSourceStore{
		pool:   pool,
		logger: logger,
	}
}

// GetEntity retrieves an entity with its denormalized counters
func (s *PostgresSourceStore) GetEntity(ctx context.Context, ref model.EntityRef) (*model.Entity, error) {
	table, err := entityTable(ref.Type)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, created_at, status, like_count, comment_count, favorite_count, view_count
		FROM %s
		WHERE id = $1
	`, table)

	var status string
	entity := &model.Entity{Ref: model.EntityRef{Type: ref.Type}}
	err = s.pool.QueryRow(ctx, query, ref.ID).Scan(
		&entity.Ref.ID,
		&entity.CreatedAt,
		&status,
		&entity.Counts.Likes,
		&entity.Counts.Comments,
		&entity.Counts.Favorites,
		&entity.Counts.Views,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", ref, err)
	}

	entity.Deleted = status == deletedStatus
	return entity, nil
}

// ListEntities returns one page of live entities ordered by id
func (s *PostgresSourceStore) ListEntities(ctx context.Context, entityType model.EntityType, offset, limit int) ([]*model.Entity, error) {
	table, err := entityTable(entityType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, created_at, like_count, comment_count, favorite_count, view_count
		FROM %s
		WHERE status <> $1
		ORDER BY id ASC
		LIMIT $2 OFFSET $3
	`, table)

	rows, err := s.pool.Query(ctx, query, deletedStatus, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	entities := make([]*model.Entity, 0, limit)
	for rows.Next() {
		entity := &model.Entity{Ref: model.EntityRef{Type: entityType}}
		if err := rows.Scan(
			&entity.Ref.ID,
			&entity.CreatedAt,
			&entity.Counts.Likes,
			&entity.Counts.Comments,
			&entity.Counts.Favorites,
			&entity.Counts.Views,
		); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		entities = append(entities, entity)
	}

	return entities, rows.Err()
}

// CountEngagement counts engagement rows from the normalized relations
func (s *PostgresSourceStore) CountEngagement(ctx context.Context, ref model.EntityRef) (model.Counts, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM likes WHERE target_type = $1 AND target_id = $2),
			(SELECT COUNT(*) FROM comments WHERE target_type = $1 AND target_id = $2 AND status <> $3),
			(SELECT COUNT(*) FROM favorites WHERE target_type = $1 AND target_id = $2)
	`

	var counts model.Counts
	err := s.pool.QueryRow(ctx, query, string(ref.Type), ref.ID, deletedStatus).Scan(
		&counts.Likes,
		&counts.Comments,
		&counts.Favorites,
	)
	if err != nil {
		return model.Counts{}, fmt.Errorf("failed to count engagement for %s: %w", ref, err)
	}

	return counts, nil
}

// UpdateCounts overwrites the denormalized counter columns in one statement
func (s *PostgresSourceStore) UpdateCounts(ctx context.Context, ref model.EntityRef, counts model.Counts) error {
	table, err := entityTable(ref.Type)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET like_count = $1, comment_count = $2, favorite_count = $3
		WHERE id = $4
	`, table)

	result, err := s.pool.Exec(ctx, query, counts.Likes, counts.Comments, counts.Favorites, ref.ID)
	if err != nil {
		return fmt.Errorf("failed to update counts for %s: %w", ref, err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateViews writes a flushed view counter back to the view column
func (s *PostgresSourceStore) UpdateViews(ctx context.Context, ref model.EntityRef, views int64) error {
	table, err := entityTable(ref.Type)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET view_count = GREATEST(view_count, $1)
		WHERE id = $2
	`, table)

	result, err := s.pool.Exec(ctx, query, views, ref.ID)
	if err != nil {
		return fmt.Errorf("failed to update views for %s: %w", ref, err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// HasRelation checks whether a user holds a relation to an entity
func (s *PostgresSourceStore) HasRelation(ctx context.Context, relation model.Relation, ref model.EntityRef, userID int64) (bool, error) {
	table, err := relationTable(relation)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1 FROM %s WHERE target_type = $1 AND target_id = $2 AND user_id = $3
		)
	`, table)

	var exists bool
	if err := s.pool.QueryRow(ctx, query, string(ref.Type), ref.ID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check %s for %s: %w", relation, ref, err)
	}

	return exists, nil
}

// ListRelationMembers returns every user holding a relation to an entity
func (s *PostgresSourceStore) ListRelationMembers(ctx context.Context, relation model.Relation, ref model.EntityRef) ([]int64, error) {
	table, err := relationTable(relation)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT user_id FROM %s WHERE target_type = $1 AND target_id = $2`, table)

	rows, err := s.pool.Query(ctx, query, string(ref.Type), ref.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s for %s: %w", relation, ref, err)
	}
	defer rows.Close()

	userIDs := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		userIDs = append(userIDs, id)
	}

	return userIDs, rows.Err()
}

// Ping checks database connectivity
func (s *PostgresSourceStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresSourceStore) Close() {
	s.pool.Close()
}

func entityTable(t model.EntityType) (string, error) {
	table, ok := entityTables[t]
	if !ok {
		return "", fmt.Errorf("unknown entity type %q", t)
	}
	return table, nil
}

func relationTable(r model.Relation) (string, error) {
	table, ok := relationTables[r]
	if !ok {
		return "", fmt.Errorf("unknown relation %q", r)
	}
	return table, nil
}
