package store

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/engagement/internal/model"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepairLog implements RepairLog using PostgreSQL
type PostgresRepairLog struct {
	pool *pgxpool.Pool
}

// NewPostgresRepairLog creates a new PostgreSQL repair log
func NewPostgresRepairLog(pool *pgxpool.Pool) *PostgresRepairLog {
	return &PostgresRepairLog{
		pool: pool,
	}
}

// Record appends one repair
func (l *PostgresRepairLog) Record(ctx context.Context, repair *model.Repair) error {
	query := `
		INSERT INTO engagement_repairs (
			repair_id, entity_type, entity_id, source,
			before_likes, before_comments, before_favorites, before_views,
			after_likes, after_comments, after_favorites, after_views,
			repaired_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := l.pool.Exec(ctx, query,
		repair.RepairID,
		string(repair.Ref.Type),
		repair.Ref.ID,
		string(repair.Source),
		repair.Before.Likes,
		repair.Before.Comments,
		repair.Before.Favorites,
		repair.Before.Views,
		repair.After.Likes,
		repair.After.Comments,
		repair.After.Favorites,
		repair.After.Views,
		repair.RepairedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to record repair: %w", err)
	}

	return nil
}

// ListRepairs returns the most recent repairs of an entity, newest first
func (l *PostgresRepairLog) ListRepairs(ctx context.Context, ref model.EntityRef, limit int) ([]*model.Repair, error) {
	query := `
		SELECT repair_id, entity_type, entity_id, source,
		       before_likes, before_comments, before_favorites, before_views,
		       after_likes, after_comments, after_favorites, after_views,
		       repaired_at
		FROM engagement_repairs
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY repaired_at DESC
		LIMIT $3
	`

	rows, err := l.pool.Query(ctx, query, string(ref.Type), ref.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list repairs: %w", err)
	}
	defer rows.Close()

	repairs := make([]*model.Repair, 0)
	for rows.Next() {
		var (
			repair     model.Repair
			entityType string
			source     string
		)
		if err := rows.Scan(
			&repair.RepairID,
			&entityType,
			&repair.Ref.ID,
			&source,
			&repair.Before.Likes,
			&repair.Before.Comments,
			&repair.Before.Favorites,
			&repair.Before.Views,
			&repair.After.Likes,
			&repair.After.Comments,
			&repair.After.Favorites,
			&repair.After.Views,
			&repair.RepairedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan repair: %w", err)
		}
		repair.Ref.Type = model.EntityType(entityType)
		repair.Source = model.RepairSource(source)
		repairs = append(repairs, &repair)
	}

	return repairs, rows.Err()
}

// CleanupOldRepairs deletes repairs older than the specified TTL
func (l *PostgresRepairLog) CleanupOldRepairs(ctx context.Context, ttl time.Duration) (int64, error) {
	query := `DELETE FROM engagement_repairs WHERE repaired_at < $1`

	cutoffTime := time.Now().Add(-ttl)
	result, err := l.pool.Exec(ctx, query, cutoffTime)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old repairs: %w", err)
	}

	return result.RowsAffected(), nil
}
