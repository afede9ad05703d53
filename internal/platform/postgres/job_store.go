package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/spin-api/internal/platform/logger"
	"github.com/phrazzld/spin-api/internal/queue"
	"github.com/phrazzld/spin-api/internal/store"
)

// PostgresJobStore implements queue.Broker on PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED, so any number of consumers may share the table.
type PostgresJobStore struct {
	db  store.DBTX
	now func() time.Time
}

// JobStoreOption customizes a PostgresJobStore.
type JobStoreOption func(*PostgresJobStore)

// WithJobStoreClock overrides time.Now.
func WithJobStoreClock(now func() time.Time) JobStoreOption {
	return func(s *PostgresJobStore) { s.now = now }
}

// NewPostgresJobStore creates a new PostgresJobStore.
func NewPostgresJobStore(db store.DBTX, opts ...JobStoreOption) *PostgresJobStore {
	s := &PostgresJobStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ queue.Broker = (*PostgresJobStore)(nil)

// WithTx returns a store bound to tx.
func (s *PostgresJobStore) WithTx(tx *sql.Tx) *PostgresJobStore {
	return &PostgresJobStore{db: tx, now: s.now}
}

func (s *PostgresJobStore) clock() time.Time {
	return s.now().UTC()
}

// inTx runs fn in a transaction, or directly when the store is already
// bound to one.
func (s *PostgresJobStore) inTx(ctx context.Context, fn func(ctx context.Context, db store.DBTX) error) error {
	if beginner, ok := s.db.(store.TxBeginner); ok {
		return store.RunInTransaction(ctx, beginner, func(ctx context.Context, tx *sql.Tx) error {
			return fn(ctx, tx)
		})
	}
	return fn(ctx, s.db)
}

const jobColumns = `id, seq, type, payload, job_class, priority, state, attempts, max_attempts,
	backoff_type, backoff_delay_ms, keep_completed, keep_failed, run_at, created_at,
	claimed_at, finished_at, COALESCE(consumer_id, ''), COALESCE(last_error, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresJobStore) scanJob(row rowScanner) (*queue.Job, error) {
	var (
		job         queue.Job
		class       string
		state       string
		backoffType string
		backoffMs   int64
		payload     []byte
		claimedAt   sql.NullTime
		finishedAt  sql.NullTime
	)
	if err := row.Scan(
		&job.ID, &job.Seq, &job.Type, &payload, &class, &job.Priority, &state, &job.Attempts, &job.MaxAttempts,
		&backoffType, &backoffMs, &job.Retention.KeepCompleted, &job.Retention.KeepFailed, &job.RunAt, &job.CreatedAt,
		&claimedAt, &finishedAt, &job.ConsumerID, &job.LastError,
	); err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		job.Payload = payload
	}
	job.Class = queue.JobClass(class)
	job.State = queue.JobState(state)
	job.Backoff = queue.Backoff{Type: queue.BackoffType(backoffType), Delay: time.Duration(backoffMs) * time.Millisecond}
	job.RunAt = job.RunAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	if claimedAt.Valid {
		job.ClaimedAt = claimedAt.Time.UTC()
	}
	if finishedAt.Valid {
		job.FinishedAt = finishedAt.Time.UTC()
	}
	if job.State == queue.JobStateWaiting && job.RunAt.After(s.clock()) {
		job.State = queue.JobStateDelayed
	}
	return &job, nil
}

// AddJob implements queue.Producer.
func (s *PostgresJobStore) AddJob(ctx context.Context, spec queue.JobSpec) (*queue.Job, error) {
	if spec.Type == "" {
		return nil, fmt.Errorf("%w: type is required", queue.ErrInvalidJob)
	}
	opts := spec.Options.Normalize()
	now := s.clock()

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO jobs (id, type, payload, job_class, priority, state, max_attempts,
			backoff_type, backoff_delay_ms, keep_completed, keep_failed, run_at, created_at)
		VALUES ($1, $2, $3, $4, $5, 'waiting', $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+jobColumns,
		uuid.New(), spec.Type, append([]byte{}, spec.Payload...), string(opts.Class), opts.Priority, opts.MaxAttempts,
		string(opts.Backoff.Type), opts.Backoff.Delay.Milliseconds(),
		opts.Retention.KeepCompleted, opts.Retention.KeepFailed,
		now.Add(opts.Delay), now,
	)
	job, err := s.scanJob(row)
	if err != nil {
		logger.FromContext(ctx).Error("failed to add job",
			"job_type", spec.Type,
			"error", err)
		return nil, fmt.Errorf("failed to add job: %w", MapError(err))
	}
	return job, nil
}

// PauseJobClass implements queue.Controller.
func (s *PostgresJobStore) PauseJobClass(ctx context.Context, class queue.JobClass) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO paused_job_classes (job_class, paused_at) VALUES ($1, $2) ON CONFLICT (job_class) DO NOTHING`,
		string(class), s.clock()); err != nil {
		return fmt.Errorf("failed to pause job class %s: %w", class, MapError(err))
	}
	return nil
}

// ResumeJobClass implements queue.Controller.
func (s *PostgresJobStore) ResumeJobClass(ctx context.Context, class queue.JobClass) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM paused_job_classes WHERE job_class = $1`, string(class)); err != nil {
		return fmt.Errorf("failed to resume job class %s: %w", class, err)
	}
	return nil
}

// IsJobClassPaused implements queue.Controller.
func (s *PostgresJobStore) IsJobClassPaused(ctx context.Context, class queue.JobClass) (bool, error) {
	var paused bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM paused_job_classes WHERE job_class = $1)`, string(class),
	).Scan(&paused); err != nil {
		return false, fmt.Errorf("failed to read pause state of %s: %w", class, err)
	}
	return paused, nil
}

// GetStats implements queue.Controller.
func (s *PostgresJobStore) GetStats(ctx context.Context) (queue.Stats, error) {
	var stats queue.Stats
	if err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state = 'active'),
			COUNT(*) FILTER (WHERE state = 'waiting' AND run_at <= $1),
			COUNT(*) FILTER (WHERE state = 'waiting' AND run_at > $1),
			COUNT(*) FILTER (WHERE state = 'completed'),
			COUNT(*) FILTER (WHERE state = 'failed')
		FROM jobs`, s.clock(),
	).Scan(&stats.Active, &stats.Waiting, &stats.Delayed, &stats.Completed, &stats.Failed); err != nil {
		return stats, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return stats, nil
}

// Claim implements queue.Consumer.
func (s *PostgresJobStore) Claim(ctx context.Context, consumerID string) (*queue.Job, error) {
	now := s.clock()
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET state = 'active', attempts = attempts + 1, consumer_id = $1, claimed_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE state = 'waiting'
				AND run_at <= $2
				AND job_class NOT IN (SELECT job_class FROM paused_job_classes)
			ORDER BY priority DESC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		consumerID, now)

	job, err := s.scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// Complete implements queue.Consumer.
func (s *PostgresJobStore) Complete(ctx context.Context, id uuid.UUID, consumerID string) error {
	return s.inTx(ctx, func(ctx context.Context, db store.DBTX) error {
		var (
			keep  int
			class string
		)
		err := db.QueryRowContext(ctx, `
			UPDATE jobs SET state = 'completed', consumer_id = NULL, finished_at = $3
			WHERE id = $1 AND state = 'active' AND consumer_id = $2
			RETURNING keep_completed, job_class`,
			id, consumerID, s.clock()).Scan(&keep, &class)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: no active job %s for consumer %s", store.ErrJobNotFound, id, consumerID)
		}
		if err != nil {
			return fmt.Errorf("failed to complete job: %w", err)
		}
		return trimFinished(ctx, db, "completed", class, keep)
	})
}

// Fail implements queue.Consumer.
func (s *PostgresJobStore) Fail(ctx context.Context, id uuid.UUID, consumerID string, cause error) (queue.JobState, error) {
	var result queue.JobState
	err := s.inTx(ctx, func(ctx context.Context, db store.DBTX) error {
		var (
			attempts, maxAttempts, keepFailed int
			backoffType, class                string
			backoffMs                         int64
		)
		err := db.QueryRowContext(ctx, `
			SELECT attempts, max_attempts, backoff_type, backoff_delay_ms, keep_failed, job_class
			FROM jobs WHERE id = $1 AND state = 'active' AND consumer_id = $2
			FOR UPDATE`, id, consumerID,
		).Scan(&attempts, &maxAttempts, &backoffType, &backoffMs, &keepFailed, &class)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: no active job %s for consumer %s", store.ErrJobNotFound, id, consumerID)
		}
		if err != nil {
			return fmt.Errorf("failed to load job for failure: %w", err)
		}

		now := s.clock()
		lastError := queue.ErrorText(cause)

		if attempts >= maxAttempts {
			if _, err := db.ExecContext(ctx, `
				UPDATE jobs SET state = 'failed', consumer_id = NULL, finished_at = $2, last_error = $3
				WHERE id = $1`, id, now, lastError); err != nil {
				return fmt.Errorf("failed to mark job failed: %w", err)
			}
			result = queue.JobStateFailed
			return trimFinished(ctx, db, "failed", class, keepFailed)
		}

		backoff := queue.Backoff{Type: queue.BackoffType(backoffType), Delay: time.Duration(backoffMs) * time.Millisecond}
		delay := backoff.Next(attempts)
		if _, err := db.ExecContext(ctx, `
			UPDATE jobs SET state = 'waiting', consumer_id = NULL, claimed_at = NULL, run_at = $2, last_error = $3
			WHERE id = $1`, id, now.Add(delay), lastError); err != nil {
			return fmt.Errorf("failed to schedule job retry: %w", err)
		}
		result = queue.JobStateWaiting
		if delay > 0 {
			result = queue.JobStateDelayed
		}
		return nil
	})
	return result, err
}

// trimFinished deletes the oldest jobs of class in a terminal state beyond
// keep.
func trimFinished(ctx context.Context, db store.DBTX, state, class string, keep int) error {
	if _, err := db.ExecContext(ctx, `
		DELETE FROM jobs WHERE id IN (
			SELECT id FROM jobs WHERE state = $1 AND job_class = $2
			ORDER BY finished_at DESC, seq DESC
			OFFSET $3
		)`, state, class, keep); err != nil {
		return fmt.Errorf("failed to apply %s retention: %w", state, err)
	}
	return nil
}

// requeueActive returns matching active jobs to waiting, failing those
// without attempts left.
func (s *PostgresJobStore) requeueActive(ctx context.Context, where string, reason string, args ...any) (int, error) {
	now := s.clock()
	args = append([]any{now, reason}, args...)
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			state = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'waiting' END,
			finished_at = CASE WHEN attempts >= max_attempts THEN $1::timestamptz ELSE NULL END,
			last_error = CASE WHEN attempts >= max_attempts THEN $2 ELSE last_error END,
			run_at = $1,
			consumer_id = NULL,
			claimed_at = NULL
		WHERE state = 'active' AND `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// Release implements queue.Consumer.
func (s *PostgresJobStore) Release(ctx context.Context, consumerID string) (int, error) {
	return s.requeueActive(ctx, "consumer_id = $3", "released by consumer "+consumerID, consumerID)
}

// RequeueStalled implements queue.Consumer.
func (s *PostgresJobStore) RequeueStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := s.requeueActive(ctx, "claimed_at < $3", "stalled", s.clock().Add(-olderThan))
	if err == nil && n > 0 {
		logger.FromContext(ctx).Warn("requeued stalled jobs", "count", n, "older_than", olderThan)
	}
	return n, err
}

// GetJob implements queue.Broker.
func (s *PostgresJobStore) GetJob(ctx context.Context, id uuid.UUID) (*queue.Job, error) {
	job, err := s.scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}
