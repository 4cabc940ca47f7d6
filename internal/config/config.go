package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/devrev/engagement/internal/model"
	"gopkg.in/yaml.v3"
)

// Config represents the engagement engine configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Lock      LockConfig      `mapstructure:"lock" yaml:"lock"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Ranking   RankingConfig   `mapstructure:"ranking" yaml:"ranking"`
	Reconcile ReconcileConfig `mapstructure:"reconcile" yaml:"reconcile"`
	Search    SearchConfig    `mapstructure:"search" yaml:"search"`
	RepairLog RepairLogConfig `mapstructure:"repair_log" yaml:"repair_log"`
	Workers   WorkerConfig    `mapstructure:"workers" yaml:"workers"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig represents the ops HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// RedisConfig represents the cache store configuration
type RedisConfig struct {
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	Password     string        `mapstructure:"password" yaml:"password"`
	DB           int           `mapstructure:"db" yaml:"db"`
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// DatabaseConfig represents the PostgreSQL primary store configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host" yaml:"host"`
	Port           int    `mapstructure:"port" yaml:"port"`
	Database       string `mapstructure:"database" yaml:"database"`
	User           string `mapstructure:"user" yaml:"user"`
	Password       string `mapstructure:"password" yaml:"password"`
	MaxConnections int    `mapstructure:"max_connections" yaml:"max_connections"`
	MinConnections int    `mapstructure:"min_connections" yaml:"min_connections"`
}

// LockConfig represents distributed lock retry settings
type LockConfig struct {
	RetryAttempts int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
}

// CacheConfig represents counter and relation cache settings
type CacheConfig struct {
	CounterTTL  time.Duration `mapstructure:"counter_ttl" yaml:"counter_ttl"`
	RelationTTL time.Duration `mapstructure:"relation_ttl" yaml:"relation_ttl"`
	RankOnWrite bool          `mapstructure:"rank_on_write" yaml:"rank_on_write"`

	// ViewFlushInterval is how often cached view counters are written back
	// to the primary store. It must be shorter than CounterTTL.
	ViewFlushInterval time.Duration `mapstructure:"view_flush_interval" yaml:"view_flush_interval"`
}

// RankingConfig represents leaderboard settings. Weights are keyed by
// entity type.
type RankingConfig struct {
	EntityTypes       []string                 `mapstructure:"entity_types" yaml:"entity_types"`
	Weights           map[string]model.Weights `mapstructure:"weights" yaml:"weights"`
	TopN              int                      `mapstructure:"top_n" yaml:"top_n"`
	HalfLife          time.Duration            `mapstructure:"half_life" yaml:"half_life"`
	ScoreFloor        float64                  `mapstructure:"score_floor" yaml:"score_floor"`
	RecomputeInterval time.Duration            `mapstructure:"recompute_interval" yaml:"recompute_interval"`
	DecayInterval     time.Duration            `mapstructure:"decay_interval" yaml:"decay_interval"`
	MetaTTL           time.Duration            `mapstructure:"meta_ttl" yaml:"meta_ttl"`
	SnapshotTTL       time.Duration            `mapstructure:"snapshot_ttl" yaml:"snapshot_ttl"`
}

// ReconcileConfig represents drift reconciliation settings
type ReconcileConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
	BatchSize int           `mapstructure:"batch_size" yaml:"batch_size"`
	LockLease time.Duration `mapstructure:"lock_lease" yaml:"lock_lease"`
	RateLimit float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int           `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// SearchConfig represents the optional search index client
type SearchConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	Endpoint         string        `mapstructure:"endpoint" yaml:"endpoint"`
	Index            string        `mapstructure:"index" yaml:"index"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRequests      uint32        `mapstructure:"max_requests" yaml:"max_requests"`
	Interval         time.Duration `mapstructure:"interval" yaml:"interval"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
	FailureThreshold float64       `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	MinRequests      uint32        `mapstructure:"min_requests" yaml:"min_requests"`
	SyncInterval     time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`
}

// RepairLogConfig represents repair log retention
type RepairLogConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	TTL             time.Duration `mapstructure:"ttl" yaml:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// WorkerConfig represents the maintenance worker pool
type WorkerConfig struct {
	MaxWorkers  int           `mapstructure:"max_workers" yaml:"max_workers"`
	QueueSize   int           `mapstructure:"queue_size" yaml:"queue_size"`
	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Redis.Host == "" {
		return errors.New("redis.host is required")
	}
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.Database == "" {
		return errors.New("database.database is required")
	}
	if c.Database.User == "" {
		return errors.New("database.user is required")
	}
	if c.Lock.RetryAttempts <= 0 {
		return errors.New("lock.retry_attempts must be positive")
	}
	if c.Cache.CounterTTL <= 0 || c.Cache.RelationTTL <= 0 {
		return errors.New("cache TTLs must be positive")
	}
	if c.Cache.ViewFlushInterval <= 0 || c.Cache.ViewFlushInterval >= c.Cache.CounterTTL {
		return errors.New("cache.view_flush_interval must be positive and shorter than cache.counter_ttl")
	}
	if c.Ranking.TopN <= 0 {
		return errors.New("ranking.top_n must be positive")
	}
	if c.Ranking.HalfLife <= 0 {
		return errors.New("ranking.half_life must be positive")
	}
	if c.Ranking.ScoreFloor < 0 {
		return errors.New("ranking.score_floor must not be negative")
	}
	if c.Ranking.RecomputeInterval <= 0 || c.Ranking.DecayInterval <= 0 {
		return errors.New("ranking intervals must be positive")
	}
	if _, err := c.Ranking.Types(); err != nil {
		return err
	}
	if _, err := c.Ranking.EntityWeights(); err != nil {
		return err
	}
	if c.Reconcile.Enabled {
		if c.Reconcile.Interval <= 0 {
			return errors.New("reconcile.interval must be positive")
		}
		if c.Reconcile.BatchSize <= 0 {
			return errors.New("reconcile.batch_size must be positive")
		}
		if c.Reconcile.LockLease <= 0 {
			return errors.New("reconcile.lock_lease must be positive")
		}
	}
	if c.Search.Enabled {
		if c.Search.Endpoint == "" {
			return errors.New("search.endpoint is required when search is enabled")
		}
		if c.Search.SyncInterval <= 0 {
			return errors.New("search.sync_interval must be positive")
		}
	}
	if c.RepairLog.Enabled && (c.RepairLog.TTL <= 0 || c.RepairLog.CleanupInterval <= 0) {
		return errors.New("repair_log ttl and cleanup_interval must be positive")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// Types returns the configured entity types
func (r RankingConfig) Types() ([]model.EntityType, error) {
	if len(r.EntityTypes) == 0 {
		return nil, errors.New("ranking.entity_types must not be empty")
	}
	types := make([]model.EntityType, 0, len(r.EntityTypes))
	for _, s := range r.EntityTypes {
		t, err := model.ParseEntityType(s)
		if err != nil {
			return nil, fmt.Errorf("ranking.entity_types: %w", err)
		}
		types = append(types, t)
	}
	return types, nil
}

// EntityWeights returns the weight table keyed by entity type. Types without
// an entry keep the built-in weights.
func (r RankingConfig) EntityWeights() (map[model.EntityType]model.Weights, error) {
	weights := model.DefaultWeights()
	for s, w := range r.Weights {
		t, err := model.ParseEntityType(s)
		if err != nil {
			return nil, fmt.Errorf("ranking.weights: %w", err)
		}
		weights[t] = w
	}
	return weights, nil
}

// YAML renders the configuration with secrets masked
func (c *Config) YAML() ([]byte, error) {
	masked := *c
	if masked.Redis.Password != "" {
		masked.Redis.Password = "****"
	}
	if masked.Database.Password != "" {
		masked.Database.Password = "****"
	}
	return yaml.Marshal(&masked)
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	weights := make(map[string]model.Weights)
	for t, w := range model.DefaultWeights() {
		weights[string(t)] = w
	}

	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			DB:           0,
			PoolSize:     100,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "community",
			User:           "engagement",
			MaxConnections: 20,
			MinConnections: 2,
		},
		Lock: LockConfig{
			RetryAttempts: 3,
			RetryBackoff:  100 * time.Millisecond,
		},
		Cache: CacheConfig{
			CounterTTL:  7 * 24 * time.Hour,
			RelationTTL: 24 * time.Hour,

			ViewFlushInterval: time.Minute,
		},
		Ranking: RankingConfig{
			EntityTypes:       []string{string(model.EntityTypePost), string(model.EntityTypeArticle)},
			Weights:           weights,
			TopN:              1000,
			HalfLife:          24 * time.Hour,
			ScoreFloor:        1.0,
			RecomputeInterval: time.Hour,
			DecayInterval:     time.Hour,
			MetaTTL:           24 * time.Hour,
			SnapshotTTL:       10 * time.Minute,
		},
		Reconcile: ReconcileConfig{
			Enabled:   true,
			Interval:  5 * time.Minute,
			BatchSize: 500,
			LockLease: 5 * time.Minute,
			RateLimit: 200,
			RateBurst: 50,
		},
		Search: SearchConfig{
			Index:            "engagement",
			Timeout:          5 * time.Second,
			MaxRequests:      3,
			Interval:         time.Minute,
			OpenTimeout:      30 * time.Second,
			FailureThreshold: 0.5,
			MinRequests:      5,
			SyncInterval:     5 * time.Minute,
		},
		RepairLog: RepairLogConfig{
			Enabled:         true,
			TTL:             30 * 24 * time.Hour,
			CleanupInterval: 24 * time.Hour,
		},
		Workers: WorkerConfig{
			MaxWorkers:  4,
			QueueSize:   16,
			StopTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
