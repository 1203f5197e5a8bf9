package models

import "errors"

// Error taxonomy. Reservation and cancellation failures are returned to
// the caller before any state mutation; ErrIntegrity marks conditions
// that correct locking makes unreachable but are still checked rather
// than silently ignored.
var (
	// ErrNotFound covers unknown instruments, orders and users.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientAvailable means a reservation or withdrawal
	// exceeds amount - locked_amount.
	ErrInsufficientAvailable = errors.New("insufficient available balance")

	// ErrNoLiquidity means a market order cannot be priced: there is no
	// resting opposite limit order to take a price from.
	ErrNoLiquidity = errors.New("no liquidity")

	// ErrNotCancellable means the order is a market order or is in a
	// status that does not allow cancellation.
	ErrNotCancellable = errors.New("order cannot be cancelled")

	// ErrForbidden means the requesting user does not own the order.
	ErrForbidden = errors.New("order belongs to another user")

	// ErrIntegrity means an operation would leave a balance violating
	// 0 <= locked_amount <= amount.
	ErrIntegrity = errors.New("ledger integrity violation")
)
