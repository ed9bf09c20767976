// Package queue implements the durable order job queue on top of a jobstore.Store.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/dexroute/internal/domain/jobstore"
	"github.com/coachpo/dexroute/internal/domain/order"
)

// DefaultQueue is the queue order jobs are published to.
const DefaultQueue = "order-execution-queue"

// Producer enqueues order jobs with a fixed set of delivery options.
type Producer struct {
	store jobstore.Store
	queue string
	opts  jobstore.Options
}

// NewProducer validates opts and returns a producer for queue.
func NewProducer(store jobstore.Store, queue string, opts jobstore.Options) (*Producer, error) {
	if store == nil {
		return nil, fmt.Errorf("queue producer: job store required")
	}
	queue = strings.TrimSpace(queue)
	if queue == "" {
		queue = DefaultQueue
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("queue producer: %w", err)
	}
	return &Producer{store: store, queue: queue, opts: opts.Normalize()}, nil
}

// Submit publishes exactly one job for the order and returns the job id.
func (p *Producer) Submit(ctx context.Context, job order.Job) (string, error) {
	if strings.TrimSpace(job.OrderID) == "" {
		return "", fmt.Errorf("queue producer: order id required")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("queue producer: encode job: %w", err)
	}
	rec, err := p.store.Enqueue(ctx, jobstore.Job{
		Queue:   p.queue,
		OrderID: job.OrderID,
		Payload: payload,
		Options: p.opts,
	})
	if err != nil {
		return "", fmt.Errorf("queue producer: enqueue: %w", err)
	}
	return strconv.FormatInt(rec.ID, 10), nil
}

// Queue returns the queue name.
func (p *Producer) Queue() string { return p.queue }
