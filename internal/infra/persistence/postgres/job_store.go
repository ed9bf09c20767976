package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/dexroute/internal/domain/jobstore"
)

// JobStore persists the durable order job queue. Jobs are leased with FOR UPDATE SKIP LOCKED
// and a visibility deadline; an expired lease makes the job claimable again.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore constructs a JobStore backed by the provided pool.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

const (
	defaultClaimLimit = 16
	maxClaimLimit     = 256
)

const jobColumns = `
    id,
    queue,
    order_id::text,
    payload,
    state,
    attempts,
    max_attempts,
    backoff_type,
    backoff_delay_ms,
    remove_on_complete,
    last_error,
    lease_token::text,
    available_at,
    locked_until,
    created_at,
    updated_at`

const (
	jobInsertSQL = `
INSERT INTO order_jobs (
    queue,
    order_id,
    payload,
    max_attempts,
    backoff_type,
    backoff_delay_ms,
    remove_on_complete,
    available_at
)
VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, NOW())
RETURNING` + jobColumns + `;
`

	jobClaimSQL = `
WITH ready AS (
    SELECT id
    FROM order_jobs
    WHERE queue = $1
      AND (
            (state = 'waiting' AND available_at <= NOW())
         OR (state = 'active' AND locked_until <= NOW())
      )
    ORDER BY available_at ASC, id ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE order_jobs AS j
SET state = 'active',
    attempts = j.attempts + 1,
    lease_token = $3,
    locked_until = NOW() + ($4 * INTERVAL '1 millisecond'),
    updated_at = NOW()
FROM ready
WHERE j.id = ready.id
RETURNING
    j.id,
    j.queue,
    j.order_id::text,
    j.payload,
    j.state,
    j.attempts,
    j.max_attempts,
    j.backoff_type,
    j.backoff_delay_ms,
    j.remove_on_complete,
    j.last_error,
    j.lease_token::text,
    j.available_at,
    j.locked_until,
    j.created_at,
    j.updated_at;
`

	jobDeleteSQL = `
DELETE FROM order_jobs
WHERE id = $1 AND lease_token = $2 AND state = 'active';
`

	jobCompleteSQL = `
UPDATE order_jobs
SET state = 'completed',
    last_error = NULL,
    lease_token = NULL,
    locked_until = NULL,
    updated_at = NOW()
WHERE id = $1 AND lease_token = $2 AND state = 'active';
`

	jobRetrySQL = `
UPDATE order_jobs
SET state = 'waiting',
    last_error = $3,
    available_at = $4,
    lease_token = NULL,
    locked_until = NULL,
    updated_at = NOW()
WHERE id = $1 AND lease_token = $2 AND state = 'active';
`

	jobFailSQL = `
UPDATE order_jobs
SET state = 'failed',
    last_error = $3,
    lease_token = NULL,
    locked_until = NULL,
    updated_at = NOW()
WHERE id = $1 AND lease_token = $2 AND state = 'active';
`

	jobSelectSQL = `
SELECT` + jobColumns + `
FROM order_jobs
WHERE id = $1;
`
)

func (s *JobStore) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("job store: nil pool")
	}
	return s.pool, nil
}

// Enqueue inserts a waiting job.
func (s *JobStore) Enqueue(ctx context.Context, job jobstore.Job) (jobstore.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return jobstore.Record{}, err
	}
	queue := strings.TrimSpace(job.Queue)
	if queue == "" {
		return jobstore.Record{}, fmt.Errorf("job store: queue required")
	}
	orderID, err := uuid.Parse(strings.TrimSpace(job.OrderID))
	if err != nil {
		return jobstore.Record{}, fmt.Errorf("job store: invalid order id %q: %w", job.OrderID, err)
	}
	if len(job.Payload) == 0 || !json.Valid(job.Payload) {
		return jobstore.Record{}, fmt.Errorf("job store: payload must be valid json")
	}
	opts := job.Options.Normalize()
	row := pool.QueryRow(ctx, jobInsertSQL,
		queue,
		orderID,
		string(job.Payload),
		opts.Attempts,
		string(opts.Backoff.Type),
		opts.Backoff.Delay.Milliseconds(),
		opts.RemoveOnComplete,
	)
	return scanJob(row)
}

// Claim leases up to limit ready jobs from queue for the lease duration.
func (s *JobStore) Claim(ctx context.Context, queue string, limit int, lease time.Duration) ([]jobstore.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultClaimLimit
	} else if limit > maxClaimLimit {
		limit = maxClaimLimit
	}
	if lease <= 0 {
		return nil, fmt.Errorf("job store: lease must be positive")
	}
	rows, err := pool.Query(ctx, jobClaimSQL, queue, limit, uuid.NewString(), lease.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("job store: claim: %w", err)
	}
	defer rows.Close()

	var records []jobstore.Record
	for rows.Next() {
		record, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job store: iterate claimed: %w", err)
	}
	return records, nil
}

// Complete settles a leased job, deleting the row when remove is set.
func (s *JobStore) Complete(ctx context.Context, id int64, leaseToken string, remove bool) error {
	statement := jobCompleteSQL
	if remove {
		statement = jobDeleteSQL
	}
	return s.settle(ctx, "complete", statement, id, leaseToken)
}

// Retry returns a leased job to the waiting state until availableAt.
func (s *JobStore) Retry(ctx context.Context, id int64, leaseToken, lastError string, availableAt time.Time) error {
	return s.settle(ctx, "retry", jobRetrySQL, id, leaseToken, strings.TrimSpace(lastError), availableAt)
}

// Fail dead-letters a leased job.
func (s *JobStore) Fail(ctx context.Context, id int64, leaseToken, lastError string) error {
	return s.settle(ctx, "fail", jobFailSQL, id, leaseToken, strings.TrimSpace(lastError))
}

func (s *JobStore) settle(ctx context.Context, op, statement string, id int64, leaseToken string, extra ...any) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	token, err := uuid.Parse(leaseToken)
	if err != nil {
		return fmt.Errorf("job store: %s %d: %w", op, id, jobstore.ErrLeaseLost)
	}
	args := append([]any{id, token}, extra...)
	tag, err := pool.Exec(ctx, statement, args...)
	if err != nil {
		return fmt.Errorf("job store: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job store: %s %d: %w", op, id, jobstore.ErrLeaseLost)
	}
	return nil
}

// Get loads a job by id.
func (s *JobStore) Get(ctx context.Context, id int64) (jobstore.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return jobstore.Record{}, err
	}
	record, err := scanJob(pool.QueryRow(ctx, jobSelectSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return jobstore.Record{}, fmt.Errorf("job store: get %d: %w", id, jobstore.ErrNotFound)
	}
	return record, err
}

func scanJob(row rowScanner) (jobstore.Record, error) {
	var (
		record      jobstore.Record
		payload     []byte
		state       string
		backoffType string
		delayMillis int64
		lastError   pgtype.Text
		leaseToken  pgtype.Text
		lockedUntil pgtype.Timestamptz
	)
	if err := row.Scan(
		&record.ID,
		&record.Queue,
		&record.OrderID,
		&payload,
		&state,
		&record.Attempts,
		&record.Options.Attempts,
		&backoffType,
		&delayMillis,
		&record.Options.RemoveOnComplete,
		&lastError,
		&leaseToken,
		&record.AvailableAt,
		&lockedUntil,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return jobstore.Record{}, err
		}
		return jobstore.Record{}, fmt.Errorf("job store: scan job: %w", err)
	}
	record.Payload = json.RawMessage(payload)
	record.State = jobstore.State(state)
	record.Options.Backoff = jobstore.Backoff{
		Type:  jobstore.BackoffType(backoffType),
		Delay: time.Duration(delayMillis) * time.Millisecond,
	}
	if lastError.Valid {
		record.LastError = lastError.String
	}
	if leaseToken.Valid {
		record.LeaseToken = leaseToken.String
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		record.LockedUntil = &t
	}
	return record, nil
}

var _ jobstore.Store = (*JobStore)(nil)
