// Package ledger owns all balances. Every balance row is guarded by its
// own mutex, replacing the row locks (SELECT ... FOR UPDATE) a SQL
// store would use. Operations that touch more than one row acquire the
// row locks in a single fixed global order, sorted by (ticker, user
// id), identically in every code path; this is the deadlock-avoidance
// invariant the whole engine relies on.
package ledger

import (
	"fmt"
	"sort"
	"sync"

	"bourse/internal/models"

	"go.uber.org/zap"
)

type balanceKey struct {
	UserID int64
	Ticker string
}

// row is one (user, asset) balance. mu serializes every read-then-write
// against it so concurrent reservations cannot both pass the available
// check.
type row struct {
	mu     sync.Mutex
	amount int64
	locked int64
}

// Ledger is an in-memory balance store with per-row locking.
type Ledger struct {
	log *zap.Logger

	mu   sync.RWMutex // guards the rows map only, never held across row work
	rows map[balanceKey]*row
}

// New creates an empty ledger.
func New(log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		log:  log,
		rows: make(map[balanceKey]*row),
	}
}

// row returns the balance row for (userID, ticker), creating a zero row
// on first touch.
func (l *Ledger) row(userID int64, ticker string) *row {
	key := balanceKey{UserID: userID, Ticker: ticker}

	l.mu.RLock()
	r, ok := l.rows[key]
	l.mu.RUnlock()
	if ok {
		return r
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok = l.rows[key]; !ok {
		r = &row{}
		l.rows[key] = r
	}
	return r
}

// lockAll acquires the given rows' mutexes in the fixed global order:
// sort by (ticker, user id), duplicates collapsed. Callers must release
// via the returned func.
func (l *Ledger) lockAll(keys []balanceKey) func() {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Ticker != keys[j].Ticker {
			return keys[i].Ticker < keys[j].Ticker
		}
		return keys[i].UserID < keys[j].UserID
	})

	locked := make([]*row, 0, len(keys))
	var prev balanceKey
	for i, k := range keys {
		if i > 0 && k == prev {
			continue // same row twice (e.g. self-trade), lock once
		}
		prev = k
		r := l.row(k.UserID, k.Ticker)
		r.mu.Lock()
		locked = append(locked, r)
	}
	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}
}

// Reserve locks amount of the user's asset for an open order. Fails
// with ErrInsufficientAvailable if amount exceeds amount - locked; on
// success the funds stay in amount but leave available.
func (l *Ledger) Reserve(userID int64, ticker string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("reserve amount must be positive, got %d", amount)
	}
	r := l.row(userID, ticker)
	r.mu.Lock()
	defer r.mu.Unlock()

	if available := r.amount - r.locked; available < amount {
		return fmt.Errorf("%w: %s available %d < %d", models.ErrInsufficientAvailable, ticker, available, amount)
	}
	r.locked += amount
	return nil
}

// Release returns a reservation to the available pool. Releasing more
// than is locked is a logic error upstream: the value is clamped at
// zero so the invariant holds, and the clamp is logged loudly.
func (l *Ledger) Release(userID int64, ticker string, amount int64) {
	if amount <= 0 {
		return
	}
	r := l.row(userID, ticker)
	r.mu.Lock()
	defer r.mu.Unlock()

	if amount > r.locked {
		l.log.Error("release exceeds locked amount, clamping",
			zap.Int64("user_id", userID),
			zap.String("ticker", ticker),
			zap.Int64("locked", r.locked),
			zap.Int64("release", amount))
		r.locked = 0
		return
	}
	r.locked -= amount
}

// Settle applies the four-way balance update for one fill of qty units
// of ticker at price (cash per unit):
//
//	buyer:  -qty*price cash (consuming locked cash), +qty asset
//	seller: +qty*price cash, -qty asset (consuming locked asset)
//
// All four sub-updates are validated first and then applied together
// under the row locks, so either all apply or none do. cash is the
// designated cash ticker.
func (l *Ledger) Settle(buyerID, sellerID int64, ticker, cash string, qty, price int64) error {
	if qty <= 0 || price <= 0 {
		return fmt.Errorf("settle requires positive qty and price, got qty=%d price=%d", qty, price)
	}
	notional := qty * price

	unlock := l.lockAll([]balanceKey{
		{UserID: buyerID, Ticker: cash},
		{UserID: sellerID, Ticker: cash},
		{UserID: buyerID, Ticker: ticker},
		{UserID: sellerID, Ticker: ticker},
	})
	defer unlock()

	buyerCash := l.row(buyerID, cash)
	sellerCash := l.row(sellerID, cash)
	buyerAsset := l.row(buyerID, ticker)
	sellerAsset := l.row(sellerID, ticker)

	// Validate before mutating: a failed check leaves every row as it was.
	if buyerCash.amount < notional {
		return fmt.Errorf("%w: buyer %d cash %d < notional %d", models.ErrIntegrity, buyerID, buyerCash.amount, notional)
	}
	if sellerAsset.amount < qty {
		return fmt.Errorf("%w: seller %d holds %d %s < qty %d", models.ErrIntegrity, sellerID, sellerAsset.amount, ticker, qty)
	}

	buyerCash.amount -= notional
	buyerCash.locked -= minInt64(buyerCash.locked, notional)
	sellerCash.amount += notional
	buyerAsset.amount += qty
	sellerAsset.amount -= qty
	sellerAsset.locked -= minInt64(sellerAsset.locked, qty)
	return nil
}

// Deposit credits amount to the user's balance. It goes through the
// same amount-mutation path as settlement but never touches locked.
func (l *Ledger) Deposit(userID int64, ticker string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive, got %d", amount)
	}
	r := l.row(userID, ticker)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.amount += amount
	return nil
}

// Withdraw debits amount from the user's balance. The check is against
// available, not amount: funds reserved for open orders cannot leave,
// otherwise locked could exceed amount.
func (l *Ledger) Withdraw(userID int64, ticker string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("withdraw amount must be positive, got %d", amount)
	}
	r := l.row(userID, ticker)
	r.mu.Lock()
	defer r.mu.Unlock()

	if available := r.amount - r.locked; available < amount {
		return fmt.Errorf("%w: %s available %d < %d", models.ErrInsufficientAvailable, ticker, available, amount)
	}
	r.amount -= amount
	return nil
}

// Balance returns a consistent snapshot of one (user, asset) row.
func (l *Ledger) Balance(userID int64, ticker string) models.Balance {
	r := l.row(userID, ticker)
	r.mu.Lock()
	defer r.mu.Unlock()
	return models.Balance{Amount: r.amount, Locked: r.locked}
}

// Balances returns all non-empty balances of one user.
func (l *Ledger) Balances(userID int64) map[string]models.Balance {
	l.mu.RLock()
	keys := make([]balanceKey, 0, 8)
	for k := range l.rows {
		if k.UserID == userID {
			keys = append(keys, k)
		}
	}
	l.mu.RUnlock()

	out := make(map[string]models.Balance, len(keys))
	for _, k := range keys {
		b := l.Balance(k.UserID, k.Ticker)
		if b.Amount != 0 || b.Locked != 0 {
			out[k.Ticker] = b
		}
	}
	return out
}

// Restore sets one row outright. Used only when reloading persisted
// balances at boot, before the ledger is shared.
func (l *Ledger) Restore(userID int64, ticker string, b models.Balance) {
	r := l.row(userID, ticker)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.amount = b.Amount
	r.locked = b.Locked
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
