// Package orderstore defines persistence contracts for order lifecycle state.
package orderstore

import (
	"context"
	"errors"

	"github.com/coachpo/dexroute/internal/domain/order"
)

// ErrNotFound is returned when an order id is unknown to the store.
var ErrNotFound = errors.New("order not found")

// Update overwrites lifecycle fields of an existing order. Provider and TxHash are left untouched
// when nil; a pointer to an empty string clears the column.
type Update struct {
	Status   order.Status
	Provider *string
	TxHash   *string
}

// Clear returns a pointer to the empty string, used to null a column.
func Clear() *string {
	empty := ""
	return &empty
}

// Set returns a pointer to value.
func Set(value string) *string {
	return &value
}

// Store defines the contract for order persistence operations.
type Store interface {
	Create(ctx context.Context, o order.Order) error
	Get(ctx context.Context, id string) (order.Order, error)
	Update(ctx context.Context, id string, update Update) error
}
