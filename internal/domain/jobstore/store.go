// Package jobstore defines persistence contracts for the durable order job queue.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

var (
	// ErrLeaseLost is returned when a job's lease was taken over by another consumer.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrNotFound is returned when a job id is unknown to the store.
	ErrNotFound = errors.New("job not found")
)

// State enumerates persisted job states.
type State string

const (
	// StateWaiting marks a job ready for delivery once AvailableAt passes.
	StateWaiting State = "waiting"
	// StateActive marks a job leased by a consumer.
	StateActive State = "active"
	// StateCompleted marks a finished job kept for inspection (removeOnComplete disabled).
	StateCompleted State = "completed"
	// StateFailed marks a job whose attempts are exhausted or whose failure is permanent.
	StateFailed State = "failed"
)

// BackoffType selects the redelivery delay curve.
type BackoffType string

const (
	// BackoffExponential doubles the delay after each attempt.
	BackoffExponential BackoffType = "exponential"
	// BackoffFixed waits the same delay between attempts.
	BackoffFixed BackoffType = "fixed"
)

// Backoff configures redelivery delays.
type Backoff struct {
	Type  BackoffType   `yaml:"type" json:"type"`
	Delay time.Duration `yaml:"delay" json:"delay"`
}

// Options configures delivery of a single job.
type Options struct {
	Attempts         int     `yaml:"attempts" json:"attempts"`
	Backoff          Backoff `yaml:"backoff" json:"backoff"`
	RemoveOnComplete bool    `yaml:"removeOnComplete" json:"removeOnComplete"`
}

// Job is a new queue entry.
type Job struct {
	Queue   string
	OrderID string
	Payload json.RawMessage
	Options Options
}

// Record is the persisted state of a queue entry.
type Record struct {
	ID          int64
	Queue       string
	OrderID     string
	Payload     json.RawMessage
	Options     Options
	State       State
	Attempts    int
	LastError   string
	LeaseToken  string
	AvailableAt time.Time
	LockedUntil *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store abstracts persistence operations for the job queue. Claim leases up to limit ready jobs,
// incrementing their attempt counters; the remaining methods settle a leased job and fail with
// ErrLeaseLost when the lease token no longer matches.
type Store interface {
	Enqueue(ctx context.Context, job Job) (Record, error)
	Claim(ctx context.Context, queue string, limit int, lease time.Duration) ([]Record, error)
	Complete(ctx context.Context, id int64, leaseToken string, remove bool) error
	Retry(ctx context.Context, id int64, leaseToken, lastError string, availableAt time.Time) error
	Fail(ctx context.Context, id int64, leaseToken, lastError string) error
	Get(ctx context.Context, id int64) (Record, error)
}

// DefaultOptions returns three attempts with exponential backoff from one second, removing
// completed jobs.
func DefaultOptions() Options {
	return Options{
		Attempts:         3,
		Backoff:          Backoff{Type: BackoffExponential, Delay: time.Second},
		RemoveOnComplete: true,
	}
}

// Normalize clamps invalid values: at least one attempt, exponential backoff when unset and no
// negative delay.
func (o Options) Normalize() Options {
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = BackoffExponential
	}
	if o.Backoff.Delay < 0 {
		o.Backoff.Delay = 0
	}
	return o
}

// Validate rejects unknown backoff types.
func (o Options) Validate() error {
	switch o.Backoff.Type {
	case "", BackoffExponential, BackoffFixed:
	default:
		return fmt.Errorf("unknown backoff type %q", o.Backoff.Type)
	}
	if o.Attempts < 1 {
		return fmt.Errorf("attempts must be at least 1")
	}
	return nil
}
