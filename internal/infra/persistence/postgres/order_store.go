package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/dexroute/errs"
	"github.com/coachpo/dexroute/internal/domain/order"
	"github.com/coachpo/dexroute/internal/domain/orderstore"
)

// OrderStore persists order lifecycle information.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const uniqueViolation = "23505"

const (
	orderInsertSQL = `
INSERT INTO orders (
    id,
    user_id,
    token_in,
    token_out,
    amount,
    status,
    provider,
    tx_hash,
    created_at,
    updated_at
)
VALUES (
    @id,
    @user_id,
    @token_in,
    @token_out,
    @amount,
    @status,
    NULLIF(@provider::text, ''),
    NULLIF(@tx_hash::text, ''),
    @created_at,
    @created_at
);
`

	orderUpdateSQL = `
UPDATE orders
SET status = @status,
    provider = CASE WHEN @set_provider::boolean THEN NULLIF(@provider::text, '') ELSE provider END,
    tx_hash = CASE WHEN @set_tx_hash::boolean THEN NULLIF(@tx_hash::text, '') ELSE tx_hash END,
    updated_at = NOW()
WHERE id = @id;
`

	orderSelectSQL = `
SELECT
    id::text,
    user_id,
    token_in,
    token_out,
    amount::text,
    status,
    provider,
    tx_hash,
    created_at,
    updated_at
FROM orders
WHERE id = $1;
`
)

func (s *OrderStore) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	return s.pool, nil
}

// Create inserts a new order. A duplicate id yields an errs.CodeConflict envelope.
func (s *OrderStore) Create(ctx context.Context, o order.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	id, err := uuid.Parse(strings.TrimSpace(o.ID))
	if err != nil {
		return fmt.Errorf("order store: invalid order id %q: %w", o.ID, err)
	}
	if !o.Status.Valid() {
		return fmt.Errorf("order store: invalid status %q", o.Status)
	}
	amount, err := numericFromDecimal(o.Amount)
	if err != nil {
		return fmt.Errorf("order store: amount: %w", err)
	}
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	args := pgx.NamedArgs{
		"id":         id,
		"user_id":    o.UserID,
		"token_in":   o.TokenIn,
		"token_out":  o.TokenOut,
		"amount":     amount,
		"status":     string(o.Status),
		"provider":   o.Provider,
		"tx_hash":    o.TxHash,
		"created_at": createdAt,
	}
	if _, err := pool.Exec(ctx, orderInsertSQL, args); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return errs.New("order store", errs.CodeConflict,
				errs.WithMessage("order already exists"),
				errs.WithField("order_id", o.ID),
				errs.WithCause(err))
		}
		return fmt.Errorf("order store: insert order: %w", err)
	}
	return nil
}

// Get loads an order by id. Unknown or malformed ids return orderstore.ErrNotFound.
func (s *OrderStore) Get(ctx context.Context, id string) (order.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return order.Order{}, err
	}
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return order.Order{}, fmt.Errorf("order store: get %q: %w", id, orderstore.ErrNotFound)
	}
	record, err := scanOrder(pool.QueryRow(ctx, orderSelectSQL, parsed))
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Order{}, fmt.Errorf("order store: get %q: %w", id, orderstore.ErrNotFound)
	}
	if err != nil {
		return order.Order{}, err
	}
	return record, nil
}

// Update overwrites the lifecycle columns of an order. Zero affected rows means the order does
// not exist and yields orderstore.ErrNotFound.
func (s *OrderStore) Update(ctx context.Context, id string, update orderstore.Update) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if !update.Status.Valid() {
		return fmt.Errorf("order store: invalid status %q", update.Status)
	}
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("order store: update %q: %w", id, orderstore.ErrNotFound)
	}
	args := pgx.NamedArgs{
		"id":           parsed,
		"status":       string(update.Status),
		"set_provider": update.Provider != nil,
		"provider":     deref(update.Provider),
		"set_tx_hash":  update.TxHash != nil,
		"tx_hash":      deref(update.TxHash),
	}
	tag, err := pool.Exec(ctx, orderUpdateSQL, args)
	if err != nil {
		return fmt.Errorf("order store: update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order store: update %q: %w", id, orderstore.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (order.Order, error) {
	var (
		record   order.Order
		amount   string
		status   string
		provider pgtype.Text
		txHash   pgtype.Text
	)
	if err := row.Scan(
		&record.ID,
		&record.UserID,
		&record.TokenIn,
		&record.TokenOut,
		&amount,
		&status,
		&provider,
		&txHash,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.Order{}, err
		}
		return order.Order{}, fmt.Errorf("order store: scan order: %w", err)
	}
	parsedAmount, err := decimalFromText(amount)
	if err != nil {
		return order.Order{}, fmt.Errorf("order store: amount: %w", err)
	}
	record.Amount = parsedAmount
	record.Status = order.Status(status)
	if provider.Valid {
		record.Provider = provider.String
	}
	if txHash.Valid {
		record.TxHash = txHash.String
	}
	return record, nil
}

func deref(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

var _ orderstore.Store = (*OrderStore)(nil)
