package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/engagement/internal/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix      = "lock:"
	releaseTimeout = 5 * time.Second
)

var (
	// ErrInvalidLease is returned for lease durations Redis cannot represent
	ErrInvalidLease = errors.New("lease must be at least 1ms")
	// ErrLeaseLost is returned by Renew when the lock is no longer held
	ErrLeaseLost = errors.New("lease lost")
)

// Mutex is a lease-based mutual exclusion primitive stored in Redis.
//
// Contention is never an error: TryAcquire reports it as acquired=false.
// Errors are returned only when the store itself cannot answer, so callers
// never mistake an unreachable store for a free or held lock.
type Mutex struct {
	client  redis.UniversalClient
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Lease is proof of ownership returned by a successful acquisition.
// The token is the only thing that authorizes Release.
type Lease struct {
	Key        string
	Token      string
	AcquiredAt time.Time
	TTL        time.Duration
}

// ExpiresAt returns when the store will drop the lock record on its own
func (l Lease) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(l.TTL)
}

// NewMutex creates a new distributed mutex
func NewMutex(client redis.UniversalClient, m *metrics.Metrics, logger *zap.Logger) *Mutex {
	return &Mutex{
		client:  client,
		logger:  logger,
		metrics: m,
	}
}

// TryAcquire creates the lock record only if it is absent. It returns true
// iff this call created the record.
func (m *Mutex) TryAcquire(ctx context.Context, key string, lease time.Duration) (Lease, bool, error) {
	if lease < time.Millisecond {
		return Lease{}, false, ErrInvalidLease
	}

	// Fresh per attempt so a late release of an expired lease never matches a newer holder
	token := uuid.NewString()
	now := time.Now()

	ok, err := m.client.SetNX(ctx, recordKey(key), token, lease).Result()
	if err != nil {
		m.metrics.RecordLockAcquire("error")
		return Lease{}, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		m.metrics.RecordLockAcquire("contended")
		return Lease{}, false, nil
	}

	m.metrics.RecordLockAcquire("acquired")
	m.logger.Debug("Lock acquired",
		zap.String("key", key),
		zap.Duration("lease", lease))

	return Lease{Key: key, Token: token, AcquiredAt: now, TTL: lease}, true, nil
}

// TryAcquireWithRetry calls TryAcquire up to maxAttempts times with a fixed
// backoff between attempts. Cancelling ctx while waiting aborts the loop and
// reports false without an error.
func (m *Mutex) TryAcquireWithRetry(
	ctx context.Context,
	key string,
	lease time.Duration,
	maxAttempts int,
	backoff time.Duration,
) (Lease, bool, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return Lease{}, false, nil
		}

		l, ok, err := m.TryAcquire(ctx, key, lease)
		if err != nil || ok {
			return l, ok, err
		}
		if attempt >= maxAttempts {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Debug("Lock wait canceled",
				zap.String("key", key),
				zap.Int("attempt", attempt))
			return Lease{}, false, nil
		case <-timer.C:
		}
	}

	m.logger.Debug("Lock not acquired after retries",
		zap.String("key", key),
		zap.Int("attempts", maxAttempts))
	return Lease{}, false, nil
}

// Release deletes the lock record if it still holds lease.Token. The compare
// and delete run in one WATCH/MULTI transaction; false means the lease had
// expired or the record changed hands.
func (m *Mutex) Release(ctx context.Context, lease Lease) (bool, error) {
	if lease.Token == "" {
		return false, nil
	}

	key := recordKey(lease.Key)
	released := false

	err := m.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if current != lease.Token {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err != nil {
			return err
		}
		released = true
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// Record was rewritten between WATCH and EXEC, so it is no longer ours
		released = false
	} else if err != nil {
		m.metrics.RecordLockRelease("error")
		return false, fmt.Errorf("failed to release lock %s: %w", lease.Key, err)
	}

	if !released {
		m.metrics.RecordLockRelease("not_owner")
		m.logger.Warn("Lock release skipped, lease expired or held by another owner",
			zap.String("key", lease.Key))
		return false, nil
	}

	m.metrics.RecordLockRelease("released")
	m.logger.Debug("Lock released", zap.String("key", lease.Key))
	return true, nil
}

// Extend resets the TTL of a lease that is still held. It returns false when
// the token no longer matches.
func (m *Mutex) Extend(ctx context.Context, lease *Lease, ttl time.Duration) (bool, error) {
	if ttl < time.Millisecond {
		return false, ErrInvalidLease
	}

	key := recordKey(lease.Key)
	extended := false

	err := m.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if current != lease.Token {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.PExpire(ctx, key, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		extended = true
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to extend lock %s: %w", lease.Key, err)
	}

	if extended {
		lease.AcquiredAt = time.Now()
		lease.TTL = ttl
	}
	return extended, nil
}

// Renew extends a lease once a third of it has elapsed and is a no-op
// before that, so long-running holders can call it on every unit of work.
func (m *Mutex) Renew(ctx context.Context, lease *Lease) error {
	if time.Since(lease.AcquiredAt) < lease.TTL/3 {
		return nil
	}
	extended, err := m.Extend(ctx, lease, lease.TTL)
	if err != nil {
		return err
	}
	if !extended {
		return fmt.Errorf("%s: %w", lease.Key, ErrLeaseLost)
	}
	return nil
}

// WithLock runs fn while holding key. acquired=false means fn did not run.
// The lock is released even if fn returns an error or panics.
func (m *Mutex) WithLock(
	ctx context.Context,
	key string,
	lease time.Duration,
	fn func(ctx context.Context) error,
) (bool, error) {
	_, acquired, err := WithLockValue(ctx, m, key, lease, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return acquired, err
}

// WithLockValue is WithLock for actions that produce a value
func WithLockValue[T any](
	ctx context.Context,
	m *Mutex,
	key string,
	lease time.Duration,
	fn func(ctx context.Context) (T, error),
) (result T, acquired bool, err error) {
	l, ok, err := m.TryAcquire(ctx, key, lease)
	if err != nil {
		return result, false, err
	}
	if !ok {
		m.logger.Info("Lock held elsewhere, skipping operation",
			zap.String("key", key))
		return result, false, nil
	}

	defer func() {
		// Release must survive cancellation of the caller's context
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()

		if _, relErr := m.Release(releaseCtx, l); relErr != nil {
			m.logger.Error("Failed to release lock",
				zap.String("key", key),
				zap.Error(relErr))
		}
	}()

	result, err = fn(ctx)
	return result, true, err
}

func recordKey(key string) string {
	return keyPrefix + key
}
