package model

import (
	"fmt"
	"strconv"
	"time"
)

// EntityType identifies a kind of rankable content
type EntityType string

const (
	// EntityTypePost is a community post
	EntityTypePost EntityType = "post"
	// EntityTypeArticle is a long-form article
	EntityTypeArticle EntityType = "article"
	// EntityTypeComment is a comment on a post or article
	EntityTypeComment EntityType = "comment"
)

// EntityTypes lists every supported entity type
var EntityTypes = []EntityType{EntityTypePost, EntityTypeArticle, EntityTypeComment}

// Valid reports whether the entity type is supported
func (t EntityType) Valid() bool {
	switch t {
	case EntityTypePost, EntityTypeArticle, EntityTypeComment:
		return true
	default:
		return false
	}
}

// ParseEntityType converts a string into a supported EntityType
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

// Metric names a per-entity engagement counter
type Metric string

const (
	MetricLikes     Metric = "likes"
	MetricComments  Metric = "comments"
	MetricViews     Metric = "views"
	MetricFavorites Metric = "favorites"
)

// Metrics lists every counter tracked per entity
var Metrics = []Metric{MetricLikes, MetricComments, MetricViews, MetricFavorites}

// Relation names a user -> entity relationship cached as a set
type Relation string

const (
	RelationLikedBy     Relation = "liked_by"
	RelationFavoritedBy Relation = "favorited_by"
)

// Metric returns the counter kept in step with the relation
func (r Relation) Metric() Metric {
	if r == RelationFavoritedBy {
		return MetricFavorites
	}
	return MetricLikes
}

// EntityRef addresses one entity
type EntityRef struct {
	Type EntityType
	ID   int64
}

// Member returns the id as stored in sorted and plain sets
func (r EntityRef) Member() string {
	return strconv.FormatInt(r.ID, 10)
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s:%d", r.Type, r.ID)
}

// Counts holds engagement aggregates for an entity
type Counts struct {
	Likes     int64
	Comments  int64
	Views     int64
	Favorites int64
}

// Get returns the value of a single metric
func (c Counts) Get(m Metric) int64 {
	switch m {
	case MetricLikes:
		return c.Likes
	case MetricComments:
		return c.Comments
	case MetricViews:
		return c.Views
	case MetricFavorites:
		return c.Favorites
	default:
		return 0
	}
}

// Set updates a single metric in place
func (c *Counts) Set(m Metric, v int64) {
	switch m {
	case MetricLikes:
		c.Likes = v
	case MetricComments:
		c.Comments = v
	case MetricViews:
		c.Views = v
	case MetricFavorites:
		c.Favorites = v
	}
}

// Entity is the primary-store view of a rankable entity
type Entity struct {
	Ref       EntityRef
	CreatedAt time.Time
	Deleted   bool

	// Denormalized counter columns, possibly drifted
	Counts Counts
}
