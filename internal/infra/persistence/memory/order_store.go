// Package memory provides in-process stores with the same semantics as the Postgres ones, for
// local runs and tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/dexroute/errs"
	"github.com/coachpo/dexroute/internal/domain/order"
	"github.com/coachpo/dexroute/internal/domain/orderstore"
)

// OrderStore keeps orders in a map.
type OrderStore struct {
	mu     sync.RWMutex
	orders map[string]order.Order
	now    func() time.Time
}

// NewOrderStore creates an empty store.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders: make(map[string]order.Order),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts o. A duplicate id yields an errs.CodeConflict envelope.
func (s *OrderStore) Create(ctx context.Context, o order.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := strings.TrimSpace(o.ID)
	if id == "" {
		return fmt.Errorf("order store: id required")
	}
	if !o.Status.Valid() {
		return fmt.Errorf("order store: invalid status %q", o.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[id]; exists {
		return errs.New("order store", errs.CodeConflict,
			errs.WithMessage("order already exists"), errs.WithField("order_id", id))
	}
	now := s.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = o.CreatedAt
	s.orders[id] = o
	return nil
}

// Get returns a copy of the stored order.
func (s *OrderStore) Get(ctx context.Context, id string) (order.Order, error) {
	if err := ctx.Err(); err != nil {
		return order.Order{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, fmt.Errorf("order store: get %q: %w", id, orderstore.ErrNotFound)
	}
	return o, nil
}

// Update overwrites the lifecycle fields of an existing order.
func (s *OrderStore) Update(ctx context.Context, id string, update orderstore.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !update.Status.Valid() {
		return fmt.Errorf("order store: invalid status %q", update.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order store: update %q: %w", id, orderstore.ErrNotFound)
	}
	o.Status = update.Status
	if update.Provider != nil {
		o.Provider = *update.Provider
	}
	if update.TxHash != nil {
		o.TxHash = *update.TxHash
	}
	o.UpdatedAt = s.now()
	s.orders[id] = o
	return nil
}

var _ orderstore.Store = (*OrderStore)(nil)
