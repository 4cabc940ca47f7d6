package model

import "time"

// RepairSource identifies which derived copy a repair corrected
type RepairSource string

const (
	// RepairSourceDatabase is a denormalized counter column in the primary store
	RepairSourceDatabase RepairSource = "db"
	// RepairSourceCache is a counter entry in the cache store
	RepairSourceCache RepairSource = "cache"
)

// Repair records one drift correction
type Repair struct {
	RepairID   string
	Ref        EntityRef
	Source     RepairSource
	Before     Counts
	After      Counts
	RepairedAt time.Time
}

// SearchDocument is the denormalized search-index view of an entity
type SearchDocument struct {
	Type          EntityType `json:"type"`
	ID            int64      `json:"id"`
	LikeCount     int64      `json:"like_count"`
	CommentCount  int64      `json:"comment_count"`
	FavoriteCount int64      `json:"favorite_count"`
	ViewCount     int64      `json:"view_count"`
	HotScore      float64    `json:"hot_score"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
