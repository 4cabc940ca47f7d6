package model

// ScoredMember is one leaderboard entry
type ScoredMember struct {
	Member string
	Score  float64
}

// Weights is the per-type engagement weight table used by the score function
type Weights struct {
	Likes     float64 `mapstructure:"likes" yaml:"likes"`
	Comments  float64 `mapstructure:"comments" yaml:"comments"`
	Views     float64 `mapstructure:"views" yaml:"views"`
	Favorites float64 `mapstructure:"favorites" yaml:"favorites"`
}

// DefaultWeights returns the documented weight table. Comments weigh more
// than likes on posts and articles.
func DefaultWeights() map[EntityType]Weights {
	return map[EntityType]Weights{
		EntityTypePost:    {Likes: 3, Comments: 5, Views: 0.1, Favorites: 4},
		EntityTypeArticle: {Likes: 3, Comments: 4, Views: 0.2, Favorites: 5},
		EntityTypeComment: {Likes: 1, Comments: 2},
	}
}

// Engagement returns the undecayed weighted engagement for counts
func (w Weights) Engagement(c Counts) float64 {
	return w.Likes*float64(c.Likes) +
		w.Comments*float64(c.Comments) +
		w.Views*float64(c.Views) +
		w.Favorites*float64(c.Favorites)
}
