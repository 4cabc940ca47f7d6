package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Cache metrics
	CacheOps *prometheus.CounterVec

	// Lock metrics
	LockAcquisitions *prometheus.CounterVec
	LockReleases     *prometheus.CounterVec

	// Ranking metrics
	RankingPasses    *prometheus.CounterVec
	RankingEvictions *prometheus.CounterVec
	LeaderboardSize  *prometheus.GaugeVec
	RankingDuration  *prometheus.HistogramVec

	// Reconciliation metrics
	RepairsTotal      *prometheus.CounterVec
	ReconcileFailures *prometheus.CounterVec
	ReconcileEntities *prometheus.CounterVec
	ReconcileDuration *prometheus.HistogramVec

	// Scheduler metrics
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CacheOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engagement_cache_ops_total",
				Help: "Cache operations by operation and outcome",
			},
			[]string{"op", "outcome"},
		),

		LockAcquisitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engagement_lock_acquisitions_total",
				Help: "Distributed lock acquisition attempts",
			},
			[]string{"result"},
		),

		LockReleases: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engagement_lock_releases_total",
				Help: "Distributed lock releases",
			},
			[]string{"result"},
		),

		RankingPasses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engagement_ranking_passes_total",
				Help: "Leaderboard maintenance passes",
			},
			[]string{"entity_type", "pass", "status"},
		),

		RankingEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engagement_ranking_evictions_total",
				Help: "Members evicted from leaderboards",
			},
			[]string{"entity_type", "reason"},
		),

		LeaderboardSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engagement_leaderboard_size",
				Help: "Leaderboard size after the last maintenance pass",
			},
			[]string{"entity_type"},
		),

		RankingDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engagement_ranking_duration_seconds",
				Help:    "Duration of leaderboard maintenance passes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pass"},
		),

		RepairsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engagement_repairs_total",
				Help: "Drift repairs applied",
			},
			[]string{"entity_type", "source"},
		),

		ReconcileFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engagement_reconcile_failures_total",
				Help: "Entities whose reconciliation failed",
			},
			[]string{"entity_type"},
		),

		ReconcileEntities: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engagement_reconcile_entities_total",
				Help: "Entities checked for drift",
			},
			[]string{"entity_type"},
		),

		ReconcileDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engagement_reconcile_batch_duration_seconds",
				Help:    "Duration of reconciliation batches",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"entity_type"},
		),

		JobRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engagement_job_runs_total",
				Help: "Scheduled job runs by status",
			},
			[]string{"job", "status"},
		),

		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engagement_job_duration_seconds",
				Help:    "Duration of scheduled job runs",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
	}
}

// RecordCacheOp records a cache operation outcome
func (m *Metrics) RecordCacheOp(op, outcome string) {
	if m == nil {
		return
	}
	m.CacheOps.WithLabelValues(op, outcome).Inc()
}

// RecordLockAcquire records a lock acquisition attempt
func (m *Metrics) RecordLockAcquire(result string) {
	if m == nil {
		return
	}
	m.LockAcquisitions.WithLabelValues(result).Inc()
}

// RecordLockRelease records a lock release
func (m *Metrics) RecordLockRelease(result string) {
	if m == nil {
		return
	}
	m.LockReleases.WithLabelValues(result).Inc()
}

// RecordRankingPass records a maintenance pass and the resulting board size
func (m *Metrics) RecordRankingPass(entityType, pass, status string, size int64, duration float64) {
	if m == nil {
		return
	}
	m.RankingPasses.WithLabelValues(entityType, pass, status).Inc()
	m.RankingDuration.WithLabelValues(pass).Observe(duration)
	if status == "ok" {
		m.LeaderboardSize.WithLabelValues(entityType).Set(float64(size))
	}
}

// RecordEvictions records members removed from a leaderboard
func (m *Metrics) RecordEvictions(entityType, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RankingEvictions.WithLabelValues(entityType, reason).Add(float64(n))
}

// RecordRepair records an applied repair
func (m *Metrics) RecordRepair(entityType, source string) {
	if m == nil {
		return
	}
	m.RepairsTotal.WithLabelValues(entityType, source).Inc()
}

// RecordReconcileBatch records a finished reconciliation batch
func (m *Metrics) RecordReconcileBatch(entityType string, checked, failed int, duration float64) {
	if m == nil {
		return
	}
	m.ReconcileEntities.WithLabelValues(entityType).Add(float64(checked))
	if failed > 0 {
		m.ReconcileFailures.WithLabelValues(entityType).Add(float64(failed))
	}
	m.ReconcileDuration.WithLabelValues(entityType).Observe(duration)
}

// RecordJobRun records a scheduled job run
func (m *Metrics) RecordJobRun(job, status string, duration float64) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(duration)
}
