// Package notify pushes order status updates to live subscribers.
package notify

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/coachpo/dexroute/internal/domain/order"
	"github.com/coachpo/dexroute/internal/infra/logging"
	"github.com/coachpo/dexroute/internal/infra/telemetry"
)

// Message types.
const (
	TypeConnectionAck = "connection_ack"
	TypeOrderUpdate   = "order_update"
)

const (
	defaultBufferSize   = 16
	defaultWriteTimeout = 5 * time.Second
)

// Message is the frame sent to subscribers.
type Message struct {
	Type    string       `json:"type"`
	OrderID string       `json:"orderId"`
	Status  order.Status `json:"status,omitempty"`
	Data    any          `json:"data,omitempty"`
	Message string       `json:"message,omitempty"`
}

// Sink delivers encoded frames to one subscriber.
type Sink interface {
	Write(ctx context.Context, payload []byte) error
}

// Options configures a Hub.
type Options struct {
	BufferSize   int
	WriteTimeout time.Duration
	Metrics      *telemetry.Metrics
	Logger       *zap.Logger
}

// Hub is a concurrency-safe registry of one subscription per order id. Inserted on connect,
// removed on close or write error; a newer subscription for the same order replaces the older.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	bufferSize   int
	writeTimeout time.Duration
	metrics      *telemetry.Metrics
	logger       *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(opts Options) *Hub {
	size := opts.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &Hub{
		subs:         make(map[string]*Subscription),
		bufferSize:   size,
		writeTimeout: timeout,
		metrics:      opts.Metrics,
		logger:       logging.Or(opts.Logger),
	}
}

// Subscription is one registered sink with its own ordered writer goroutine.
type Subscription struct {
	hub     *Hub
	orderID string
	sink    Sink
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
}

// Done is closed once the subscription stops delivering.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// OrderID returns the subscribed order id.
func (s *Subscription) OrderID() string { return s.orderID }

// Subscribe registers sink for orderID and queues a connection_ack as its first frame.
func (h *Hub) Subscribe(orderID string, sink Sink) *Subscription {
	sub := &Subscription{
		hub:     h,
		orderID: orderID,
		sink:    sink,
		queue:   make(chan []byte, h.bufferSize),
		done:    make(chan struct{}),
	}
	if payload, err := json.Marshal(Message{
		Type:    TypeConnectionAck,
		OrderID: orderID,
		Message: "Connected to order updates",
	}); err == nil {
		sub.queue <- payload
	}

	h.mu.Lock()
	previous := h.subs[orderID]
	h.subs[orderID] = sub
	h.mu.Unlock()

	if previous != nil {
		previous.stop()
	}
	h.metrics.AdjustConnections(context.Background(), 1)
	go sub.run()
	h.logger.Debug("subscriber connected", zap.String("order_id", orderID))
	return sub
}

// Unsubscribe removes sub if it is still the registered subscription for its order.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if h.subs[sub.orderID] == sub {
		delete(h.subs, sub.orderID)
	}
	h.mu.Unlock()
	sub.stop()
}

// Notify queues a status update for the order's subscriber. Delivery is best effort: a missing
// subscriber or a full buffer drops the message.
func (h *Hub) Notify(ctx context.Context, orderID string, status order.Status, data any) {
	h.mu.RLock()
	sub := h.subs[orderID]
	h.mu.RUnlock()
	if sub == nil {
		h.metrics.RecordNotification(ctx, telemetry.ResultNoSubscriber)
		return
	}
	payload, err := json.Marshal(Message{Type: TypeOrderUpdate, OrderID: orderID, Status: status, Data: data})
	if err != nil {
		h.logger.Warn("encode notification", zap.String("order_id", orderID), zap.Error(err))
		h.metrics.RecordNotification(ctx, telemetry.ResultDropped)
		return
	}
	select {
	case <-sub.done:
		h.metrics.RecordNotification(ctx, telemetry.ResultDropped)
	case sub.queue <- payload:
		h.metrics.RecordNotification(ctx, telemetry.ResultSent)
	default:
		h.logger.Warn("subscriber buffer full, dropping update",
			zap.String("order_id", orderID), zap.String("status", string(status)))
		h.metrics.RecordNotification(ctx, telemetry.ResultDropped)
	}
}

// Subscribed reports whether orderID has a live subscription.
func (h *Hub) Subscribed(orderID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[orderID]
	return ok
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close stops every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), s.hub.writeTimeout)
			err := s.sink.Write(ctx, payload)
			cancel()
			if err != nil {
				s.hub.logger.Debug("subscriber write failed",
					zap.String("order_id", s.orderID), zap.Error(err))
				s.hub.Unsubscribe(s)
				return
			}
		}
	}
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		close(s.done)
		s.hub.metrics.AdjustConnections(context.Background(), -1)
		s.hub.logger.Debug("subscriber disconnected", zap.String("order_id", s.orderID))
	})
}
