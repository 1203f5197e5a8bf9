// Package db is the durable mirror of the in-memory core: four tables
// (instruments, balances, orders, executions) plus users for auth. The
// engine write-throughs committed state here and reloads it at boot;
// during a run the in-memory state is authoritative.
package db

import (
	"context"
	"errors"
	"fmt"

	"bourse/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, name, passwordHash string, role models.Role) (models.User, error) {
	var user models.User
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (name, password_hash, role) VALUES ($1, $2, $3) RETURNING id, name, password_hash, role, created_at",
		name, passwordHash, role).Scan(&user.ID, &user.Name, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByName retrieves a user by name
func (db *DB) GetUserByName(ctx context.Context, name string) (models.User, error) {
	var user models.User
	err := db.Pool.QueryRow(ctx,
		"SELECT id, name, password_hash, role, created_at FROM users WHERE name = $1",
		name).Scan(&user.ID, &user.Name, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %q: %w", name, models.ErrNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// SaveInstrument upserts an instrument row
func (db *DB) SaveInstrument(ctx context.Context, inst models.Instrument) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO instruments (ticker, name, is_active) VALUES ($1, $2, $3)
		 ON CONFLICT (ticker) DO UPDATE SET name = $2, is_active = $3`,
		inst.Ticker, inst.Name, inst.IsActive)
	if err != nil {
		return fmt.Errorf("failed to save instrument: %w", err)
	}
	return nil
}

// DeleteInstrument removes an instrument row
func (db *DB) DeleteInstrument(ctx context.Context, ticker string) error {
	tag, err := db.Pool.Exec(ctx, "DELETE FROM instruments WHERE ticker = $1", ticker)
	if err != nil {
		return fmt.Errorf("failed to delete instrument: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instrument %s: %w", ticker, models.ErrNotFound)
	}
	return nil
}

// ListInstruments retrieves all instrument rows
func (db *DB) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	rows, err := db.Pool.Query(ctx, "SELECT ticker, name, is_active FROM instruments ORDER BY ticker")
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	defer rows.Close()

	var out []models.Instrument
	for rows.Next() {
		var inst models.Instrument
		if err := rows.Scan(&inst.Ticker, &inst.Name, &inst.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// SaveOrder upserts the full order row; the engine calls it on creation
// and after every status/filled change.
func (db *DB) SaveOrder(ctx context.Context, o models.Order) error {
	var price *int64
	if o.Kind == models.Limit {
		price = &o.Price
	}
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, ticker, direction, kind, quantity, price, status, filled, rejection_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)
		 ON CONFLICT (id) DO UPDATE SET status = $8, filled = $9, rejection_reason = NULLIF($10, '')`,
		o.ID, o.UserID, o.Ticker, o.Direction, o.Kind, o.Quantity, price, o.Status, o.Filled, o.RejectionReason, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// SaveExecution inserts an execution row. Executions are immutable, so
// replays are ignored.
func (db *DB) SaveExecution(ctx context.Context, e models.Execution) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO executions (id, order_id, counterparty_order_id, quantity, price, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.OrderID, e.CounterpartyOrderID, e.Quantity, e.Price, e.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// SaveBalance upserts a balance row
func (db *DB) SaveBalance(ctx context.Context, userID int64, ticker string, b models.Balance) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO balances (user_id, ticker, amount, locked_amount) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, ticker) DO UPDATE SET amount = $3, locked_amount = $4`,
		userID, ticker, b.Amount, b.Locked)
	if err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}

// LoadOrders retrieves every order, oldest first, for boot recovery.
func (db *DB) LoadOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, user_id, ticker, direction, kind, quantity, price, status, filled, COALESCE(rejection_reason, ''), created_at
		FROM orders
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		var o models.Order
		var price *int64
		if err := rows.Scan(&o.ID, &o.UserID, &o.Ticker, &o.Direction, &o.Kind, &o.Quantity,
			&price, &o.Status, &o.Filled, &o.RejectionReason, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		if price != nil {
			o.Price = *price
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// LoadExecutions retrieves every execution, oldest first.
func (db *DB) LoadExecutions(ctx context.Context) ([]models.Execution, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, order_id, counterparty_order_id, quantity, price, executed_at
		FROM executions
		ORDER BY executed_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load executions: %w", err)
	}
	defer rows.Close()

	var out []models.Execution
	for rows.Next() {
		var e models.Execution
		if err := rows.Scan(&e.ID, &e.OrderID, &e.CounterpartyOrderID, &e.Quantity, &e.Price, &e.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// BalanceRow is one persisted (user, asset) balance.
type BalanceRow struct {
	UserID  int64
	Ticker  string
	Balance models.Balance
}

// LoadBalances retrieves every balance row for boot recovery.
func (db *DB) LoadBalances(ctx context.Context) ([]BalanceRow, error) {
	rows, err := db.Pool.Query(ctx, "SELECT user_id, ticker, amount, locked_amount FROM balances")
	if err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	defer rows.Close()

	var out []BalanceRow
	for rows.Next() {
		var r BalanceRow
		if err := rows.Scan(&r.UserID, &r.Ticker, &r.Balance.Amount, &r.Balance.Locked); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
