// Package order defines the swap order lifecycle model shared by the pipeline, stores and transports.
package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates the persisted lifecycle stages of an order.
type Status string

const (
	// StatusPending is assigned at submission, before a worker picks up the job.
	StatusPending Status = "pending"
	// StatusRouting marks quote collection across venues.
	StatusRouting Status = "routing"
	// StatusBuilding marks a selected venue whose swap is being prepared.
	StatusBuilding Status = "building"
	// StatusSubmitted marks a swap handed to the venue for execution.
	StatusSubmitted Status = "submitted"
	// StatusConfirmed is the successful terminal state.
	StatusConfirmed Status = "confirmed"
	// StatusFailed is the unsuccessful terminal state.
	StatusFailed Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusRouting:   1,
	StatusBuilding:  2,
	StatusSubmitted: 3,
	StatusConfirmed: 4,
	StatusFailed:    4,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether no further transitions follow s within one run.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Rank orders statuses by pipeline stage. Unknown statuses rank -1.
func (s Status) Rank() int {
	rank, ok := statusRank[s]
	if !ok {
		return -1
	}
	return rank
}

// ParseStatus normalises raw into a Status.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown order status %q", raw)
	}
	return status, nil
}

// Order is the persisted unit of work.
type Order struct {
	ID        string          `json:"orderId"`
	UserID    string          `json:"userId"`
	TokenIn   string          `json:"tokenIn"`
	TokenOut  string          `json:"tokenOut"`
	Amount    decimal.Decimal `json:"amount"`
	Status    Status          `json:"status"`
	Provider  string          `json:"provider,omitempty"`
	TxHash    string          `json:"txHash,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Job is the queue payload delivered to one pipeline run.
type Job struct {
	ID          string          `json:"-"`
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id,omitempty"`
	TokenIn     string          `json:"token_in"`
	TokenOut    string          `json:"token_out"`
	Amount      decimal.Decimal `json:"amount"`
	Attempt     int             `json:"-"`
	MaxAttempts int             `json:"-"`
}

// JobFor derives the job payload for an order.
func JobFor(o Order) Job {
	return Job{
		OrderID:  o.ID,
		UserID:   o.UserID,
		TokenIn:  o.TokenIn,
		TokenOut: o.TokenOut,
		Amount:   o.Amount,
	}
}

// Final reports whether this delivery is the last one the queue will make.
func (j Job) Final() bool {
	return j.MaxAttempts > 0 && j.Attempt >= j.MaxAttempts
}

// Matches reports whether the job payload agrees with the persisted order.
func (j Job) Matches(o Order) bool {
	return j.OrderID == o.ID &&
		j.TokenIn == o.TokenIn &&
		j.TokenOut == o.TokenOut &&
		j.Amount.Equal(o.Amount)
}

// Settlement is returned by a successful venue execution.
type Settlement struct {
	TxHash string `json:"txHash"`
	Status Status `json:"status"`
}

// Result is the outcome of a confirmed pipeline run.
type Result struct {
	OrderID        string          `json:"orderId"`
	Venue          string          `json:"selectedDex"`
	EffectivePrice decimal.Decimal `json:"bestPrice"`
	TxHash         string          `json:"txHash"`
	Status         Status          `json:"status"`
}
