package models

import (
	"regexp"
	"time"
)

// User represents a registered user
type User struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Role separates ordinary traders from balance/instrument admins
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Instrument is a tradeable asset. One designated ticker (the cash
// ticker, "RUB" by default) is the currency all prices are quoted in.
type Instrument struct {
	Ticker   string `json:"ticker"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

var tickerRe = regexp.MustCompile(`^[A-Z0-9]{1,16}$`)

// ValidTicker reports whether s is an acceptable instrument ticker
// (uppercase alphanumeric, at most 16 characters).
func ValidTicker(s string) bool {
	return tickerRe.MatchString(s)
}

// Balance holds one user's position in one asset, in integer minor
// units. Locked is the portion reserved for open orders; the ledger
// maintains 0 <= Locked <= Amount at all times.
type Balance struct {
	Amount int64 `json:"amount"`
	Locked int64 `json:"locked_amount"`
}

// Available returns the portion usable for new reservations.
func (b Balance) Available() int64 {
	return b.Amount - b.Locked
}

// Direction of an order
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// OrderKind discriminates market from limit orders. Limit orders carry
// a price and may rest in the book; market orders resolve immediately.
type OrderKind string

const (
	Market OrderKind = "MARKET"
	Limit  OrderKind = "LIMIT"
)

// OrderStatus lifecycle: NEW -> PARTIALLY_EXECUTED -> EXECUTED;
// NEW/PARTIALLY_EXECUTED -> CANCELLED; NEW -> REJECTED.
// EXECUTED, REJECTED and CANCELLED are terminal.
type OrderStatus string

const (
	StatusNew               OrderStatus = "NEW"
	StatusPartiallyExecuted OrderStatus = "PARTIALLY_EXECUTED"
	StatusExecuted          OrderStatus = "EXECUTED"
	StatusCancelled         OrderStatus = "CANCELLED"
	StatusRejected          OrderStatus = "REJECTED"
)

// Order is the audit record of one submission. Quantity is the amount
// requested at entry and is never mutated; Filled tracks the matched
// total, so the unfilled remainder is always Quantity - Filled.
type Order struct {
	ID              int64       `json:"id"`
	UserID          int64       `json:"user_id"`
	Ticker          string      `json:"ticker"`
	Direction       Direction   `json:"direction"`
	Kind            OrderKind   `json:"kind"`
	Quantity        int64       `json:"quantity"`
	Price           int64       `json:"price,omitempty"` // limit orders only
	Status          OrderStatus `json:"status"`
	Filled          int64       `json:"filled"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time   `json:"created_at"` // defines time priority
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.Quantity - o.Filled
}

// Resting reports whether the order can still sit in the book.
func (o *Order) Resting() bool {
	return o.Kind == Limit && (o.Status == StatusNew || o.Status == StatusPartiallyExecuted)
}

// Terminal reports whether no further status transition is possible.
func (o *Order) Terminal() bool {
	return o.Status == StatusExecuted || o.Status == StatusRejected || o.Status == StatusCancelled
}

// Execution is the immutable record of one match. A single row is
// written per match: OrderID is the incoming (taker) order and
// CounterpartyOrderID the resting one; filled-quantity accounting for
// an order sums quantities over both columns.
type Execution struct {
	ID                  int64     `json:"id"`
	OrderID             int64     `json:"order_id"`
	CounterpartyOrderID int64     `json:"counterparty_order_id"`
	Quantity            int64     `json:"quantity"`
	Price               int64     `json:"price"` // always the resting order's price
	ExecutedAt          time.Time `json:"executed_at"`
}

// Involves reports whether order id is either leg of the execution.
func (e Execution) Involves(id int64) bool {
	return e.OrderID == id || e.CounterpartyOrderID == id
}

// OrderResult is what a submission returns. Business rejections
// (insufficient funds, no liquidity) come back as Success=false with a
// RejectionReason; they are not errors.
type OrderResult struct {
	OrderID         int64       `json:"order_id"`
	Success         bool        `json:"success"`
	Status          OrderStatus `json:"status"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
}

// BookLevel aggregates the remaining quantity resting at one price.
type BookLevel struct {
	Price    int64 `json:"price"`
	Quantity int64 `json:"quantity"`
}

// L2Book is an aggregated order book snapshot: bids descending,
// asks ascending, truncated to the requested depth.
type L2Book struct {
	Ticker string      `json:"ticker"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
}

// ExecutionSummary aggregates an order's fills.
type ExecutionSummary struct {
	OrderID         int64     `json:"order_id"`
	TotalFilled     int64     `json:"total_filled"`
	AveragePrice    float64   `json:"average_price"` // volume-weighted
	LastExecutionAt time.Time `json:"last_execution_at,omitempty"`
}
