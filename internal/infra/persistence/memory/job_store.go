package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/dexroute/internal/domain/jobstore"
)

// JobStore is an in-process job queue with lease semantics matching the Postgres store.
type JobStore struct {
	mu   sync.Mutex
	seq  int64
	jobs map[int64]*jobstore.Record
	now  func() time.Time
}

// JobStoreOption configures a JobStore.
type JobStoreOption func(*JobStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) JobStoreOption {
	return func(s *JobStore) { s.now = now }
}

// NewJobStore creates an empty queue.
func NewJobStore(opts ...JobStoreOption) *JobStore {
	s := &JobStore{
		jobs: make(map[int64]*jobstore.Record),
		now:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Enqueue stores a waiting job available immediately.
func (s *JobStore) Enqueue(ctx context.Context, job jobstore.Job) (jobstore.Record, error) {
	if err := ctx.Err(); err != nil {
		return jobstore.Record{}, err
	}
	queue := strings.TrimSpace(job.Queue)
	if queue == "" {
		return jobstore.Record{}, fmt.Errorf("job store: queue required")
	}
	if len(job.Payload) == 0 || !json.Valid(job.Payload) {
		return jobstore.Record{}, fmt.Errorf("job store: payload must be valid json")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	now := s.now()
	rec := &jobstore.Record{
		ID:          s.seq,
		Queue:       queue,
		OrderID:     job.OrderID,
		Payload:     append(json.RawMessage(nil), job.Payload...),
		Options:     job.Options.Normalize(),
		State:       jobstore.StateWaiting,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[rec.ID] = rec
	return clone(rec), nil
}

// Claim leases up to limit ready jobs, oldest availability first.
func (s *JobStore) Claim(ctx context.Context, queue string, limit int, lease time.Duration) ([]jobstore.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if lease <= 0 {
		return nil, fmt.Errorf("job store: lease must be positive")
	}
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	ready := make([]*jobstore.Record, 0)
	for _, rec := range s.jobs {
		if rec.Queue != queue {
			continue
		}
		waiting := rec.State == jobstore.StateWaiting && !rec.AvailableAt.After(now)
		expired := rec.State == jobstore.StateActive && rec.LockedUntil != nil && !rec.LockedUntil.After(now)
		if waiting || expired {
			ready = append(ready, rec)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].AvailableAt.Equal(ready[j].AvailableAt) {
			return ready[i].ID < ready[j].ID
		}
		return ready[i].AvailableAt.Before(ready[j].AvailableAt)
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}

	token := uuid.NewString()
	lockedUntil := now.Add(lease)
	out := make([]jobstore.Record, 0, len(ready))
	for _, rec := range ready {
		rec.State = jobstore.StateActive
		rec.Attempts++
		rec.LeaseToken = token
		until := lockedUntil
		rec.LockedUntil = &until
		rec.UpdatedAt = now
		out = append(out, clone(rec))
	}
	return out, nil
}

// Complete settles a leased job, deleting it when remove is set.
func (s *JobStore) Complete(ctx context.Context, id int64, leaseToken string, remove bool) error {
	return s.settle(ctx, "complete", id, leaseToken, func(rec *jobstore.Record) {
		if remove {
			delete(s.jobs, id)
			return
		}
		rec.State = jobstore.StateCompleted
		rec.LastError = ""
	})
}

// Retry returns a leased job to waiting until availableAt.
func (s *JobStore) Retry(ctx context.Context, id int64, leaseToken, lastError string, availableAt time.Time) error {
	return s.settle(ctx, "retry", id, leaseToken, func(rec *jobstore.Record) {
		rec.State = jobstore.StateWaiting
		rec.LastError = strings.TrimSpace(lastError)
		rec.AvailableAt = availableAt
	})
}

// Fail dead-letters a leased job.
func (s *JobStore) Fail(ctx context.Context, id int64, leaseToken, lastError string) error {
	return s.settle(ctx, "fail", id, leaseToken, func(rec *jobstore.Record) {
		rec.State = jobstore.StateFailed
		rec.LastError = strings.TrimSpace(lastError)
	})
}

func (s *JobStore) settle(ctx context.Context, op string, id int64, leaseToken string, apply func(*jobstore.Record)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok || rec.State != jobstore.StateActive || rec.LeaseToken != leaseToken {
		return fmt.Errorf("job store: %s %d: %w", op, id, jobstore.ErrLeaseLost)
	}
	rec.LeaseToken = ""
	rec.LockedUntil = nil
	rec.UpdatedAt = s.now()
	apply(rec)
	return nil
}

// Get returns a copy of the job.
func (s *JobStore) Get(ctx context.Context, id int64) (jobstore.Record, error) {
	if err := ctx.Err(); err != nil {
		return jobstore.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return jobstore.Record{}, fmt.Errorf("job store: get %d: %w", id, jobstore.ErrNotFound)
	}
	return clone(rec), nil
}

// Len reports how many jobs are stored in any state.
func (s *JobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func clone(rec *jobstore.Record) jobstore.Record {
	out := *rec
	out.Payload = append(json.RawMessage(nil), rec.Payload...)
	if rec.LockedUntil != nil {
		until := *rec.LockedUntil
		out.LockedUntil = &until
	}
	return out
}

var _ jobstore.Store = (*JobStore)(nil)
