// Package exchange implements the matching engine and the order
// lifecycle: reservation on entry, the matching loop, settlement via
// the ledger, execution recording, status transitions and cancellation.
//
// Concurrency model: every instrument has its own mutex guarding its
// book, the mutable fields (status, filled) of its orders, and its
// execution log. The whole select-candidates / settle-fills / update-
// statuses sequence for one submission runs inside that critical
// section, so two concurrent incoming orders can never both match the
// same resting quantity. Balance rows have their own locks inside the
// ledger and are always acquired in the ledger's fixed global order.
// The engine-wide mutex guards only the registries (maps) and is never
// held while waiting for an instrument lock.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bourse/internal/book"
	"bourse/internal/ledger"
	"bourse/internal/models"

	"go.uber.org/zap"
)

// reasonNoLiquidity is the rejection reason for market orders that
// cannot be priced or find nothing to match.
var reasonNoLiquidity = models.ErrNoLiquidity.Error()

// Caps on caller-supplied order fields, so every notional (qty * price)
// stays far inside int64 range.
const (
	maxQuantity = 1_000_000_000
	maxPrice    = 1_000_000_000
)

// Directory resolves instruments. Implemented by internal/instruments;
// the engine only needs lookups.
type Directory interface {
	Get(ticker string) (models.Instrument, error)
}

// Journal mirrors committed state to durable storage. Implementations
// must be safe for concurrent use. Journal writes are best-effort: the
// in-memory engine is the source of truth during a run and journal
// errors are logged, not propagated.
type Journal interface {
	SaveOrder(ctx context.Context, o models.Order) error
	SaveExecution(ctx context.Context, e models.Execution) error
	SaveBalance(ctx context.Context, userID int64, ticker string, b models.Balance) error
}

type noopJournal struct{}

func (noopJournal) SaveOrder(context.Context, models.Order) error         { return nil }
func (noopJournal) SaveExecution(context.Context, models.Execution) error { return nil }
func (noopJournal) SaveBalance(context.Context, int64, string, models.Balance) error {
	return nil
}

// market is one instrument's critical section: its book plus the
// execution log of all orders on that ticker.
type market struct {
	mu    sync.Mutex
	book  *book.Book
	execs []models.Execution
}

// Engine runs matching for all instruments against a shared ledger.
type Engine struct {
	cash    string
	ledger  *ledger.Ledger
	dir     Directory
	journal Journal
	log     *zap.Logger

	mu          sync.RWMutex // guards the maps and id counters below
	markets     map[string]*market
	orders      map[int64]*models.Order
	byUser      map[int64][]*models.Order
	lastOrderID int64
	lastExecID  int64
}

// New creates an engine. cash is the designated cash ticker. journal
// may be nil for a purely in-memory engine.
func New(cash string, led *ledger.Ledger, dir Directory, journal Journal, log *zap.Logger) *Engine {
	if journal == nil {
		journal = noopJournal{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cash:    cash,
		ledger:  led,
		dir:     dir,
		journal: journal,
		log:     log,
		markets: make(map[string]*market),
		orders:  make(map[int64]*models.Order),
		byUser:  make(map[int64][]*models.Order),
	}
}

// CashTicker returns the designated cash ticker.
func (e *Engine) CashTicker() string { return e.cash }

func (e *Engine) marketFor(ticker string) *market {
	e.mu.RLock()
	m, ok := e.markets[ticker]
	e.mu.RUnlock()
	if ok {
		return m
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok = e.markets[ticker]; !ok {
		m = &market{book: book.New(ticker)}
		e.markets[ticker] = m
	}
	return m
}

// register assigns an id and records the order in the registries.
// Called while holding the order's market lock.
func (e *Engine) register(o *models.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastOrderID++
	o.ID = e.lastOrderID
	e.orders[o.ID] = o
	e.byUser[o.UserID] = append(e.byUser[o.UserID], o)
}

func (e *Engine) nextExecID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastExecID++
	return e.lastExecID
}

// SubmitMarket submits a market order. Business rejections (unpriceable
// order, insufficient funds, no liquidity) come back in the
// OrderResult; the error channel is for infrastructure and bad input.
func (e *Engine) SubmitMarket(ctx context.Context, userID int64, ticker string, direction models.Direction, qty int64) (models.OrderResult, error) {
	return e.submit(ctx, models.Order{
		UserID:    userID,
		Ticker:    ticker,
		Direction: direction,
		Kind:      models.Market,
		Quantity:  qty,
	})
}

// SubmitLimit submits a limit order at the given price.
func (e *Engine) SubmitLimit(ctx context.Context, userID int64, ticker string, direction models.Direction, qty, price int64) (models.OrderResult, error) {
	if price <= 0 {
		return models.OrderResult{}, fmt.Errorf("limit price must be positive, got %d", price)
	}
	if price > maxPrice {
		return models.OrderResult{}, fmt.Errorf("limit price must not exceed %d, got %d", maxPrice, price)
	}
	return e.submit(ctx, models.Order{
		UserID:    userID,
		Ticker:    ticker,
		Direction: direction,
		Kind:      models.Limit,
		Quantity:  qty,
		Price:     price,
	})
}

func (e *Engine) submit(ctx context.Context, o models.Order) (models.OrderResult, error) {
	if o.Quantity <= 0 {
		return models.OrderResult{}, fmt.Errorf("quantity must be positive, got %d", o.Quantity)
	}
	if o.Quantity > maxQuantity {
		return models.OrderResult{}, fmt.Errorf("quantity must not exceed %d, got %d", maxQuantity, o.Quantity)
	}
	if o.Direction != models.Buy && o.Direction != models.Sell {
		return models.OrderResult{}, fmt.Errorf("direction must be BUY or SELL, got %q", o.Direction)
	}
	inst, err := e.dir.Get(o.Ticker)
	if err != nil {
		return models.OrderResult{}, fmt.Errorf("instrument %s: %w", o.Ticker, err)
	}
	if !inst.IsActive {
		return models.OrderResult{}, fmt.Errorf("instrument %s is inactive: %w", o.Ticker, models.ErrNotFound)
	}

	m := e.marketFor(o.Ticker)
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return models.OrderResult{}, err
	}

	// Reserve before the order exists. If reservation fails the order
	// is never created; the caller gets a rejection, not a resting NEW.
	reserved, rejection, err := e.reserveOnEntry(m, &o)
	if err != nil {
		return models.OrderResult{}, err
	}
	if rejection != "" {
		e.log.Info("order rejected on entry",
			zap.Int64("user_id", o.UserID),
			zap.String("ticker", o.Ticker),
			zap.String("reason", rejection))
		return models.OrderResult{
			Success:         false,
			Status:          models.StatusRejected,
			RejectionReason: rejection,
		}, nil
	}

	o.Status = models.StatusNew
	o.CreatedAt = time.Now().UTC()
	e.register(&o)

	dirty := e.match(m, &o, reserved)
	e.flushJournal(ctx, m, dirty)

	e.log.Info("order processed",
		zap.Int64("order_id", o.ID),
		zap.Int64("user_id", o.UserID),
		zap.String("ticker", o.Ticker),
		zap.String("direction", string(o.Direction)),
		zap.String("kind", string(o.Kind)),
		zap.Int64("quantity", o.Quantity),
		zap.Int64("filled", o.Filled),
		zap.String("status", string(o.Status)))

	return models.OrderResult{
		OrderID:         o.ID,
		Success:         o.Status != models.StatusRejected,
		Status:          o.Status,
		RejectionReason: o.RejectionReason,
	}, nil
}

// reservation tracks what was locked on entry so the unconsumed part
// can be released when the order stops matching.
type reservation struct {
	ticker string
	amount int64
	spent  int64 // portion consumed (unlocked) by settlements so far
}

// reserveOnEntry locks the funds an order needs before it is created:
// the asset quantity for any SELL, qty*limit cash for a BUY limit, and
// qty*best-ask cash for a BUY market. A non-empty rejection string is a
// business rejection; err is infrastructure only. Caller holds m.mu.
func (e *Engine) reserveOnEntry(m *market, o *models.Order) (reservation, string, error) {
	var res reservation
	switch {
	case o.Direction == models.Sell:
		res = reservation{ticker: o.Ticker, amount: o.Quantity}
	case o.Kind == models.Limit:
		res = reservation{ticker: e.cash, amount: o.Quantity * o.Price}
	default: // BUY market: price off the best resting ask
		best, ok := m.book.BestOppositePrice(models.Buy)
		if !ok {
			return reservation{}, reasonNoLiquidity, nil
		}
		res = reservation{ticker: e.cash, amount: o.Quantity * best}
	}

	if err := e.ledger.Reserve(o.UserID, res.ticker, res.amount); err != nil {
		if errors.Is(err, models.ErrInsufficientAvailable) {
			return reservation{}, err.Error(), nil
		}
		return reservation{}, "", err
	}
	return res, "", nil
}

// match walks the opposing side of the book in price-time priority,
// settling min(remaining, candidate remaining) per candidate at the
// candidate's (resting) price, then assigns the final status. It
// returns every order whose state changed, for journaling. Caller
// holds m.mu.
func (e *Engine) match(m *market, o *models.Order, res reservation) []*models.Order {
	dirty := []*models.Order{o}
	remaining := o.Quantity

	for _, cand := range m.book.Candidates(o) {
		if remaining == 0 {
			break
		}
		available := cand.Remaining()
		if available <= 0 {
			continue
		}
		qty := minInt64(remaining, available)

		// A market BUY reserved qty*best-ask on entry; deeper asks may be
		// pricier. Cap each fill at what the reservation still covers so
		// the order never spends cash locked for other open orders. The
		// uncovered remainder is abandoned, same as any market leftover.
		if o.Kind == models.Market && o.Direction == models.Buy {
			budget := res.amount - res.spent
			if affordable := budget / cand.Price; affordable < qty {
				qty = affordable
			}
			if qty == 0 {
				break
			}
		}

		// The BUY side is always the buyer, whichever side is incoming.
		buyer, seller := o, cand
		if o.Direction == models.Sell {
			buyer, seller = cand, o
		}
		if err := e.ledger.Settle(buyer.UserID, seller.UserID, o.Ticker, e.cash, qty, cand.Price); err != nil {
			// Unreachable under correct locking; surface and stop
			// rather than leave one leg applied.
			e.log.Error("settlement failed, matching stopped",
				zap.Int64("order_id", o.ID),
				zap.Int64("counterparty_order_id", cand.ID),
				zap.Error(err))
			break
		}

		exec := models.Execution{
			ID:                  e.nextExecID(),
			OrderID:             o.ID,
			CounterpartyOrderID: cand.ID,
			Quantity:            qty,
			Price:               cand.Price,
			ExecutedAt:          time.Now().UTC(),
		}
		m.execs = append(m.execs, exec)

		o.Filled += qty
		cand.Filled += qty
		remaining -= qty

		// Settle consumed qty*cand.Price of the incoming buyer's locked
		// cash, but a limit BUY reserved at its own (worse) price; hand
		// the price improvement back immediately.
		if o.Direction == models.Buy {
			res.spent += qty * cand.Price
			if o.Kind == models.Limit && o.Price > cand.Price {
				improvement := qty * (o.Price - cand.Price)
				e.ledger.Release(o.UserID, e.cash, improvement)
				res.spent += improvement
			}
		} else {
			res.spent += qty
		}

		if cand.Remaining() == 0 {
			cand.Status = models.StatusExecuted
			m.book.Remove(cand.ID)
		} else {
			cand.Status = models.StatusPartiallyExecuted
		}
		dirty = append(dirty, cand)

		e.log.Debug("fill",
			zap.Int64("order_id", o.ID),
			zap.Int64("counterparty_order_id", cand.ID),
			zap.Int64("quantity", qty),
			zap.Int64("price", cand.Price))
	}

	e.finalize(m, o, res, remaining)
	return dirty
}

// finalize assigns the incoming order's terminal-or-resting status and
// releases whatever part of the entry reservation was not consumed.
//
// Market orders never rest: a partially filled market order keeps the
// PARTIALLY_EXECUTED label (filled is tracked, so the label is the
// audit truth) but its remainder is abandoned and its leftover
// reservation released. A market order with no fill at all is REJECTED.
// Limit orders rest while unfilled quantity remains.
func (e *Engine) finalize(m *market, o *models.Order, res reservation, remaining int64) {
	switch {
	case remaining == 0:
		o.Status = models.StatusExecuted
	case o.Kind == models.Market:
		if o.Filled == 0 {
			o.Status = models.StatusRejected
			o.RejectionReason = reasonNoLiquidity
		} else {
			o.Status = models.StatusPartiallyExecuted
		}
	case o.Filled > 0:
		o.Status = models.StatusPartiallyExecuted
		m.book.Insert(o)
	default:
		o.Status = models.StatusNew
		m.book.Insert(o)
	}

	if o.Kind == models.Market || o.Status == models.StatusExecuted {
		if leftover := res.amount - res.spent; leftover > 0 {
			e.ledger.Release(o.UserID, res.ticker, leftover)
		}
	}
	// A resting limit order keeps remaining*price (BUY) or remaining
	// (SELL) locked; that is exactly res.amount - res.spent.
}

// Cancel cancels a resting order. Market orders are never cancellable
// (they resolve at submission) and terminal statuses stay terminal; the
// unfilled remainder's reservation is released exactly once.
func (e *Engine) Cancel(ctx context.Context, orderID, requestingUserID int64) error {
	e.mu.RLock()
	o, ok := e.orders[orderID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("order %d: %w", orderID, models.ErrNotFound)
	}
	if o.UserID != requestingUserID {
		return fmt.Errorf("order %d: %w", orderID, models.ErrForbidden)
	}

	m := e.marketFor(o.Ticker)
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.Kind == models.Market {
		return fmt.Errorf("market orders resolve immediately: %w", models.ErrNotCancellable)
	}
	if o.Status != models.StatusNew && o.Status != models.StatusPartiallyExecuted {
		return fmt.Errorf("order %d is %s: %w", orderID, o.Status, models.ErrNotCancellable)
	}

	if unfilled := o.Remaining(); unfilled > 0 {
		if o.Direction == models.Sell {
			e.ledger.Release(o.UserID, o.Ticker, unfilled)
		} else {
			e.ledger.Release(o.UserID, e.cash, unfilled*o.Price)
		}
	}
	o.Status = models.StatusCancelled
	m.book.Remove(o.ID)

	e.flushJournal(ctx, m, []*models.Order{o})
	e.log.Info("order cancelled",
		zap.Int64("order_id", o.ID),
		zap.Int64("user_id", o.UserID),
		zap.Int64("unfilled", o.Remaining()))
	return nil
}

// flushJournal mirrors changed orders, their new executions and the
// touched balances. Called while holding m.mu; journal errors are
// logged, never propagated (the journal is a mirror, not the source of
// truth during a run).
func (e *Engine) flushJournal(ctx context.Context, m *market, dirty []*models.Order) {
	type balKey struct {
		userID int64
		ticker string
	}
	touched := make(map[balKey]struct{})

	for _, o := range dirty {
		if err := e.journal.SaveOrder(ctx, *o); err != nil {
			e.log.Error("journal: save order", zap.Int64("order_id", o.ID), zap.Error(err))
		}
		touched[balKey{o.UserID, o.Ticker}] = struct{}{}
		touched[balKey{o.UserID, e.cash}] = struct{}{}
	}
	if len(dirty) > 0 {
		id := dirty[0].ID
		for _, ex := range m.execs {
			if ex.OrderID == id {
				if err := e.journal.SaveExecution(ctx, ex); err != nil {
					e.log.Error("journal: save execution", zap.Int64("execution_id", ex.ID), zap.Error(err))
				}
			}
		}
	}
	for k := range touched {
		b := e.ledger.Balance(k.userID, k.ticker)
		if err := e.journal.SaveBalance(ctx, k.userID, k.ticker, b); err != nil {
			e.log.Error("journal: save balance", zap.Int64("user_id", k.userID), zap.String("ticker", k.ticker), zap.Error(err))
		}
	}
}

// GetOrder returns a snapshot of one order.
func (e *Engine) GetOrder(orderID int64) (models.Order, error) {
	e.mu.RLock()
	o, ok := e.orders[orderID]
	e.mu.RUnlock()
	if !ok {
		return models.Order{}, fmt.Errorf("order %d: %w", orderID, models.ErrNotFound)
	}
	m := e.marketFor(o.Ticker)
	m.mu.Lock()
	defer m.mu.Unlock()
	return *o, nil
}

// OrderFilter narrows UserOrders results.
type OrderFilter struct {
	Status models.OrderStatus // zero value: any
	Ticker string             // zero value: any
	Limit  int                // zero value: no cap
}

// UserOrders returns snapshots of a user's orders in submission order.
func (e *Engine) UserOrders(userID int64, f OrderFilter) []models.Order {
	e.mu.RLock()
	refs := make([]*models.Order, len(e.byUser[userID]))
	copy(refs, e.byUser[userID])
	e.mu.RUnlock()

	out := make([]models.Order, 0, len(refs))
	for _, ref := range refs {
		if f.Ticker != "" && ref.Ticker != f.Ticker {
			continue
		}
		m := e.marketFor(ref.Ticker)
		m.mu.Lock()
		snap := *ref
		m.mu.Unlock()
		if f.Status != "" && snap.Status != f.Status {
			continue
		}
		out = append(out, snap)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// ActiveOrders returns the user's orders still eligible for matching.
func (e *Engine) ActiveOrders(userID int64) []models.Order {
	all := e.UserOrders(userID, OrderFilter{})
	out := all[:0]
	for _, o := range all {
		if o.Status == models.StatusNew || o.Status == models.StatusPartiallyExecuted {
			out = append(out, o)
		}
	}
	return out
}

// Executions returns every execution where the order is either leg,
// oldest first. Each match appears exactly once.
func (e *Engine) Executions(orderID int64) ([]models.Execution, error) {
	e.mu.RLock()
	o, ok := e.orders[orderID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, models.ErrNotFound)
	}

	m := e.marketFor(o.Ticker)
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.Execution{}
	for _, ex := range m.execs {
		if ex.Involves(orderID) {
			out = append(out, ex)
		}
	}
	return out, nil
}

// ExecutionSummary aggregates an order's fills: total filled quantity,
// volume-weighted average price and the last execution time.
func (e *Engine) ExecutionSummary(orderID int64) (models.ExecutionSummary, error) {
	execs, err := e.Executions(orderID)
	if err != nil {
		return models.ExecutionSummary{}, err
	}
	sum := models.ExecutionSummary{OrderID: orderID}
	var notional int64
	for _, ex := range execs {
		sum.TotalFilled += ex.Quantity
		notional += ex.Quantity * ex.Price
		if ex.ExecutedAt.After(sum.LastExecutionAt) {
			sum.LastExecutionAt = ex.ExecutedAt
		}
	}
	if sum.TotalFilled > 0 {
		sum.AveragePrice = float64(notional) / float64(sum.TotalFilled)
	}
	return sum, nil
}

// OrderBook returns an aggregated L2 snapshot truncated to depth.
func (e *Engine) OrderBook(ticker string, depth int) (models.L2Book, error) {
	if _, err := e.dir.Get(ticker); err != nil {
		return models.L2Book{}, fmt.Errorf("instrument %s: %w", ticker, err)
	}
	m := e.marketFor(ticker)
	m.mu.Lock()
	defer m.mu.Unlock()
	bids, asks := m.book.Levels(depth)
	return models.L2Book{Ticker: ticker, Bids: bids, Asks: asks}, nil
}

// HasActiveOrders reports whether any order on ticker is still NEW or
// PARTIALLY_EXECUTED. Instrument deletion is forbidden while true.
func (e *Engine) HasActiveOrders(ticker string) bool {
	e.mu.RLock()
	refs := make([]*models.Order, 0)
	for _, o := range e.orders {
		if o.Ticker == ticker {
			refs = append(refs, o)
		}
	}
	e.mu.RUnlock()

	if len(refs) == 0 {
		return false
	}
	m := e.marketFor(ticker)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range refs {
		if o.Status == models.StatusNew || o.Status == models.StatusPartiallyExecuted {
			return true
		}
	}
	return false
}

// Tickers returns every ticker with a market, sorted.
func (e *Engine) Tickers() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.markets))
	for t := range e.markets {
		out = append(out, t)
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Restore reloads persisted orders and executions at boot, before the
// engine is shared: resting limit orders go back into their books and
// the id counters move past everything seen.
func (e *Engine) Restore(orders []models.Order, execs []models.Execution) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range orders {
		o := orders[i]
		ref := &o
		e.orders[o.ID] = ref
		e.byUser[o.UserID] = append(e.byUser[o.UserID], ref)
		if o.ID > e.lastOrderID {
			e.lastOrderID = o.ID
		}
		m, ok := e.markets[o.Ticker]
		if !ok {
			m = &market{book: book.New(o.Ticker)}
			e.markets[o.Ticker] = m
		}
		m.book.Insert(ref)
	}
	for _, ex := range execs {
		if ex.ID > e.lastExecID {
			e.lastExecID = ex.ID
		}
		ref, ok := e.orders[ex.OrderID]
		if !ok {
			continue
		}
		m := e.markets[ref.Ticker]
		m.execs = append(m.execs, ex)
	}
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
