package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/engagement/internal/lock"
	"github.com/devrev/engagement/internal/metrics"
	"github.com/devrev/engagement/internal/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownJob is returned when triggering a job that is not registered
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobRunning is returned when a run of the job is already in progress
	// in this process
	ErrJobRunning = errors.New("job already running")
)

// Job is a periodic maintenance task
type Job struct {
	Name     string
	Interval time.Duration
	// Lease bounds how long a replica may hold the job lock. Defaults to
	// Interval.
	Lease time.Duration
	// Manual jobs never tick; they only run through Trigger
	Manual bool
	Run    func(ctx context.Context) error
}

type job struct {
	Job
	running atomic.Bool
}

// Scheduler runs registered jobs on their intervals. A job never overlaps
// with itself: in-process through a running flag, across replicas through
// the distributed mutex. A periodic job also runs at most once per interval
// across all replicas: the first run of an interval leaves a marker that
// expires shortly before the next tick.
type Scheduler struct {
	mu      sync.RWMutex
	jobs    map[string]*job
	pool    *workerpool.Pool
	mutex   *lock.Mutex
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a scheduler that executes runs on pool
func New(pool *workerpool.Pool, mutex *lock.Mutex, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		jobs:    make(map[string]*job),
		pool:    pool,
		mutex:   mutex,
		metrics: m,
		logger:  logger,
	}
}

// Register adds a job. Names must be unique.
func (s *Scheduler) Register(j Job) error {
	if j.Name == "" || j.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	if j.Interval <= 0 && !j.Manual {
		return fmt.Errorf("job %s: interval must be positive", j.Name)
	}
	if j.Lease <= 0 {
		j.Lease = j.Interval
	}
	if j.Lease <= 0 {
		return fmt.Errorf("job %s: manual jobs need a lease", j.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[j.Name]; exists {
		return fmt.Errorf("job %s already registered", j.Name)
	}
	s.jobs[j.Name] = &job{Job: j}
	return nil
}

// Jobs returns the registered job names in order
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Running reports whether a run of the named job is in progress here
func (s *Scheduler) Running(name string) bool {
	j, ok := s.lookup(name)
	return ok && j.running.Load()
}

// Run ticks every registered job until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.RLock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if !j.Manual {
			jobs = append(jobs, j)
		}
	}
	s.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			s.loop(ctx, j)
			return nil
		})
	}

	s.logger.Info("Scheduler started", zap.Int("jobs", len(jobs)))
	err := g.Wait()
	s.logger.Info("Scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(j)
		}
	}
}

func (s *Scheduler) tick(j *job) {
	_, err := s.dispatch(j, false, func(task workerpool.Task) error {
		return s.pool.TrySubmit(task)
	})
	if errors.Is(err, ErrJobRunning) {
		s.logger.Info("Previous run still in progress, skipping tick",
			zap.String("job", j.Name))
	} else if err != nil {
		s.logger.Warn("Failed to schedule job",
			zap.String("job", j.Name),
			zap.Error(err))
	}
}

// Trigger starts a run of the named job now and returns its run id. The run
// still goes through the distributed lock but ignores the interval marker.
func (s *Scheduler) Trigger(ctx context.Context, name string) (string, error) {
	j, ok := s.lookup(name)
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrUnknownJob)
	}

	return s.dispatch(j, true, func(task workerpool.Task) error {
		return s.pool.Submit(ctx, task)
	})
}

func (s *Scheduler) lookup(name string) (*job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[name]
	return j, ok
}

func (s *Scheduler) dispatch(j *job, force bool, submit func(workerpool.Task) error) (string, error) {
	if !j.running.CompareAndSwap(false, true) {
		return "", fmt.Errorf("%s: %w", j.Name, ErrJobRunning)
	}

	runID := uuid.NewString()
	task := workerpool.Task{
		ID:   runID,
		Name: j.Name,
		Run: func(ctx context.Context) error {
			return s.execute(ctx, j, runID, force)
		},
		Done: func(error) {
			j.running.Store(false)
		},
	}

	if err := submit(task); err != nil {
		j.running.Store(false)
		return "", fmt.Errorf("failed to submit %s: %w", j.Name, err)
	}
	return runID, nil
}

func (s *Scheduler) execute(ctx context.Context, j *job, runID string, force bool) error {
	start := time.Now()

	ran := false
	acquired, err := s.mutex.WithLock(ctx, "job:"+j.Name, j.Lease, func(ctx context.Context) error {
		if j.Manual {
			ran = true
			return j.Run(ctx)
		}

		marker, claimed, err := s.mutex.TryAcquire(ctx, markerKey(j.Name), markerWindow(j.Interval))
		if err != nil {
			return err
		}
		if !claimed && !force {
			s.logger.Debug("Job already ran this interval",
				zap.String("job", j.Name))
			return nil
		}

		ran = true
		if runErr := j.Run(ctx); runErr != nil {
			if claimed {
				// Let the next tick retry instead of waiting out the interval
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if _, err := s.mutex.Release(releaseCtx, marker); err != nil {
					s.logger.Warn("Failed to clear job marker", zap.String("job", j.Name), zap.Error(err))
				}
			}
			return runErr
		}
		return nil
	})
	duration := time.Since(start)

	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case !acquired || !ran:
		status = "skipped"
	}
	s.metrics.RecordJobRun(j.Name, status, duration.Seconds())

	if err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}

	s.logger.Info("Job finished",
		zap.String("job", j.Name),
		zap.String("run_id", runID),
		zap.String("status", status),
		zap.Duration("duration", duration))
	return nil
}

func markerKey(name string) string {
	return "job:" + name + ":last"
}

// markerWindow is slightly shorter than the interval so the marker is gone
// by the time the same replica ticks again
func markerWindow(interval time.Duration) time.Duration {
	window := interval - interval/10
	if window < time.Millisecond {
		window = time.Millisecond
	}
	return window
}
