package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"bourse/internal/ledger"
	"bourse/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	cash  = "RUB"
	asset = "TEST"
)

// stubDirectory treats every ticker as listed except NOPE (unknown)
// and HALT (inactive).
type stubDirectory struct{}

func (stubDirectory) Get(ticker string) (models.Instrument, error) {
	if ticker == "NOPE" {
		return models.Instrument{}, models.ErrNotFound
	}
	return models.Instrument{Ticker: ticker, Name: ticker, IsActive: ticker != "HALT"}, nil
}

type fixture struct {
	led *ledger.Ledger
	eng *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	led := ledger.New(nil)
	return &fixture{led: led, eng: New(cash, led, stubDirectory{}, nil, nil)}
}

func (f *fixture) deposit(t *testing.T, userID int64, ticker string, amount int64) {
	t.Helper()
	require.NoError(t, f.led.Deposit(userID, ticker, amount))
}

func (f *fixture) limit(t *testing.T, userID int64, dir models.Direction, qty, price int64) models.OrderResult {
	t.Helper()
	res, err := f.eng.SubmitLimit(context.Background(), userID, asset, dir, qty, price)
	require.NoError(t, err)
	return res
}

func (f *fixture) market(t *testing.T, userID int64, dir models.Direction, qty int64) models.OrderResult {
	t.Helper()
	res, err := f.eng.SubmitMarket(context.Background(), userID, asset, dir, qty)
	require.NoError(t, err)
	return res
}

// Scenario: a limit BUY reserves qty*price cash and rests NEW.
func TestLimitBuyReservesCash(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1, cash, 100)

	res := f.limit(t, 1, models.Buy, 10, 5)
	require.True(t, res.Success)
	assert.Equal(t, models.StatusNew, res.Status)

	b := f.led.Balance(1, cash)
	assert.Equal(t, int64(100), b.Amount)
	assert.Equal(t, int64(50), b.Locked)
	assert.Equal(t, int64(50), b.Available())

	book, err := f.eng.OrderBook(asset, 10)
	require.NoError(t, err)
	assert.Equal(t, []models.BookLevel{{Price: 5, Quantity: 10}}, book.Bids)
}

// Scenario: a crossing SELL fully matches the resting BUY; both end
// EXECUTED with one execution row, and the four-way settlement holds.
func TestLimitOrdersMatchAndSettle(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1, cash, 100)
	f.deposit(t, 2, asset, 10)

	buyRes := f.limit(t, 1, models.Buy, 10, 5)
	sellRes := f.limit(t, 2, models.Sell, 10, 5)

	assert.Equal(t, models.StatusExecuted, sellRes.Status)
	buyOrder, err := f.eng.GetOrder(buyRes.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, buyOrder.Status)
	assert.Equal(t, int64(10), buyOrder.Filled)

	execs, err := f.eng.Executions(sellRes.OrderID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, sellRes.OrderID, execs[0].OrderID)
	assert.Equal(t, buyRes.OrderID, execs[0].CounterpartyOrderID)
	assert.Equal(t, int64(10), execs[0].Quantity)
	assert.Equal(t, int64(5), execs[0].Price)

	// Both legs see the same execution.
	buyExecs, err := f.eng.Executions(buyRes.OrderID)
	require.NoError(t, err)
	assert.Equal(t, execs, buyExecs)

	assert.Equal(t, models.Balance{Amount: 50, Locked: 0}, f.led.Balance(1, cash))
	assert.Equal(t, models.Balance{Amount: 10, Locked: 0}, f.led.Balance(1, asset))
	assert.Equal(t, models.Balance{Amount: 50, Locked: 0}, f.led.Balance(2, cash))
	assert.Equal(t, models.Balance{Amount: 0, Locked: 0}, f.led.Balance(2, asset))
}

// Scenario: assets locked by one SELL cannot back a second SELL.
func TestSellRejectedWhenAssetLocked(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 3, asset, 1)

	first := f.limit(t, 3, models.Sell, 1, 5)
	require.True(t, first.Success)

	second := f.limit(t, 3, models.Sell, 1, 5)
	assert.False(t, second.Success)
	assert.Equal(t, models.StatusRejected, second.Status)
	assert.Contains(t, second.RejectionReason, "insufficient available")
	assert.Zero(t, second.OrderID) // rejected orders are never created

	b := f.led.Balance(3, asset)
	assert.Equal(t, int64(1), b.Amount)
	assert.Equal(t, int64(1), b.Locked)
}

// Scenario: a market BUY with zero resting asks cannot be priced and is
// rejected with no balance mutation.
func TestMarketBuyRejectedWithoutLiquidity(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1, cash, 100)

	res := f.market(t, 1, models.Buy, 10)
	assert.False(t, res.Success)
	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Equal(t, "no liquidity", res.RejectionReason)

	assert.Equal(t, models.Balance{Amount: 100, Locked: 0}, f.led.Balance(1, cash))
}

// A market SELL into an empty bid side reserves, finds nothing, and
// releases the reservation in full.
func TestMarketSellRejectedWithoutLiquidity(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1, asset, 5)

	res := f.market(t, 1, models.Sell, 5)
	assert.False(t, res.Success)
	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Equal(t, "no liquidity", res.RejectionReason)
	assert.Equal(t, models.Balance{Amount: 5, Locked: 0}, f.led.Balance(1, asset))
}

// Resting SELLs at [100, 100, 110]: an incoming market BUY spanning the
// first two fills both price-100 orders completely before the 110
// order fills at all.
func TestPriceTimePriority(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1, asset, 2)
	f.deposit(t, 2, asset, 2)
	f.deposit(t, 3, asset, 2)
	f.deposit(t, 4, cash, 1_000)

	s1 := f.limit(t, 1, models.Sell, 2, 100)
	s2 := f.limit(t, 2, models.Sell, 2, 100)
	s3 := f.limit(t, 3, models.Sell, 2, 110)

	buy := f.market(t, 4, models.Buy, 4)
	require.True(t, buy.Success)
	assert.Equal(t, models.StatusExecuted, buy.Status)

	for id, want := range map[int64]models.OrderStatus{
		s1.OrderID: models.StatusExecuted,
		s2.OrderID: models.StatusExecuted,
		s3.OrderID: models.StatusNew,
	} {
		o, err := f.eng.GetOrder(id)
		require.NoError(t, err)
		assert.Equal(t, want, o.Status, "order %d", id)
	}

	execs, err := f.eng.Executions(buy.OrderID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, s1.OrderID, execs[0].CounterpartyOrderID)
	assert.Equal(t, s2.OrderID, execs[1].CounterpartyOrderID)

	// Taker paid 400, all at the resting price.
	assert.Equal(t, models.Balance{Amount: 600, Locked: 0}, f.led.Balance(4, cash))
}

// An incoming limit BUY that crosses the book trades at the better,
// already-resting price; the over-reserved cash comes back.
func TestTakerGetsRestingPrice(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1, asset, 10)
	f.deposit(t, 2, cash, 1_000)

	f.limit(t, 1, models.Sell, 10, 90)
	buy := f.limit(t, 2, models.Buy, 10, 100)
	require.True(t, buy.Success)
	assert.Equal(t, models.StatusExecuted, buy.Status)

	execs, err := f.eng.Executions(buy.OrderID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, int64(90), execs[0].Price)

	assert.Equal(t, models.Balance{Amount: 100, Locked: 0}, f.led.Balance(2, cash))
	assert.Equal(t, models.Balance{Amount: 10, Locked: 0}, f.led.Balance(2, asset))
}

// Policy: a partially filled market order keeps the PARTIALLY_EXECUTED
// label, never rests, and its leftover reservation is released.
func TestMarketPartialFillAbandonsRemainder(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1, asset, 5)
	f.deposit(t, 2, cash, 100)

	f.limit(t, 1, models.Sell, 5, 10)
	buy := f.market(t, 2, models.Buy, 8)
	require.True(t, buy.Success)
	assert.Equal(t, models.StatusPartiallyExecuted, buy.Status)

	o, err := f.eng.GetOrder(buy.OrderID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), o.Filled)
	assert.Equal(t, int64(3), o.Remaining())

	// Nothing rests and nothing stays locked.
	book, err := f.eng.OrderBook(asset, 10)
	require.NoError(t, err)
	assert.Empty(t, book.Bids)
	assert.Equal(t, models.Balance{Amount: 50, Locked: 0}, f.led.Balance(2, cash))
	assert.Equal(t, int64(5), f.led.Balance(2, asset).Amount)
}

// A market BUY reserves qty*best-ask; walking to worse-priced asks must
// stop at that reservation instead of consuming cash locked for other
// open orders.
func TestMarketBuySpendCappedByReservation(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1, asset, 5)
	f.deposit(t, 2, asset, 5)
	f.deposit(t, 4, cash, 200)

	// An unrelated resting BUY holds 50 of the buyer's cash.
	rest := f.limit(t, 4, models.Buy, 10, 5)
	require.True(t, rest.Success)

	f.limit(t, 1, models.Sell, 5, 10)
	sell2 := f.limit(t, 2, models.Sell, 5, 20)

	// Reservation is 10*10=100: 5@10 fills fully, then only 2@20 fit.
	buy := f.market(t, 4, models.Buy, 10)
	require.True(t, buy.Success)
	assert.Equal(t, models.StatusPartiallyExecuted, buy.Status)

	o, err := f.eng.GetOrder(buy.OrderID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), o.Filled)

	// Spent 90, leftover 10 released; the resting order's 50 is intact.
	b := f.led.Balance(4, cash)
	assert.Equal(t, int64(110), b.Amount)
	assert.Equal(t, int64(50), b.Locked)
	assert.Equal(t, int64(7), f.led.Balance(4, asset).Amount)

	s2, err := f.eng.GetOrder(sell2.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartiallyExecuted, s2.Status)
	assert.Equal(t, int64(2), s2.Filled)

	// The untouched reservation still cancels cleanly.
	require.NoError(t, f.eng.Cancel(context.Background(), rest.OrderID, 4))
	b = f.led.Balance(4, cash)
	assert.Equal(t, int64(110), b.Amount)
	assert.Equal(t, int64(0), b.Locked)
}

// A partially crossed limit order rests with the unfilled remainder
// still reserved, and the remainder keeps matching later.
func TestPartiallyFilledLimitRests(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1, cash, 1_000)
	f.deposit(t, 2, asset, 4)
	f.deposit(t, 3, asset, 6)

	f.limit(t, 2, models.Sell, 4, 5)
	buy := f.limit(t, 1, models.Buy, 10, 5)
	require.True(t, buy.Success)
	assert.Equal(t, models.StatusPartiallyExecuted, buy.Status)

	// 4 filled (20 cash consumed), 6*5=30 still reserved for the rest.
	b := f.led.Balance(1, cash)
	assert.Equal(t, int64(980), b.Amount)
	assert.Equal(t, int64(30), b.Locked)

	book, err := f.eng.OrderBook(asset, 10)
	require.NoError(t, err)
	assert.Equal(t, []models.BookLevel{{Price: 5, Quantity: 6}}, book.Bids)

	// A later SELL finishes it off.
	sell := f.limit(t, 3, models.Sell, 6, 5)
	assert.Equal(t, models.StatusExecuted, sell.Status)

	o, err := f.eng.GetOrder(buy.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, o.Status)
	assert.Equal(t, int64(10), o.Filled)
	assert.Equal(t, models.Balance{Amount: 950, Locked: 0}, f.led.Balance(1, cash))
	assert.Equal(t, int64(10), f.led.Balance(1, asset).Amount)
}

func TestCancelLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deposit(t, 1, cash, 100)

	res := f.limit(t, 1, models.Buy, 10, 5)
	require.True(t, res.Success)

	// Only the owner may cancel.
	err := f.eng.Cancel(ctx, res.OrderID, 99)
	assert.ErrorIs(t, err, models.ErrForbidden)

	require.NoError(t, f.eng.Cancel(ctx, res.OrderID, 1))
	o, err := f.eng.GetOrder(res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, o.Status)
	assert.Equal(t, models.Balance{Amount: 100, Locked: 0}, f.led.Balance(1, cash))

	// Cancelling twice is rejected and releases nothing further.
	err = f.eng.Cancel(ctx, res.OrderID, 1)
	assert.ErrorIs(t, err, models.ErrNotCancellable)
	assert.Equal(t, models.Balance{Amount: 100, Locked: 0}, f.led.Balance(1, cash))

	err = f.eng.Cancel(ctx, 42_000, 1)
	assert.ErrorIs(t, err, models.ErrNotFound)

	book, err := f.eng.OrderBook(asset, 10)
	require.NoError(t, err)
	assert.Empty(t, book.Bids)
}

func TestMarketOrdersAreNeverCancellable(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1, asset, 5)
	f.deposit(t, 2, cash, 100)

	f.limit(t, 1, models.Sell, 5, 10)
	buy := f.market(t, 2, models.Buy, 5)
	require.True(t, buy.Success)

	err := f.eng.Cancel(context.Background(), buy.OrderID, 2)
	assert.ErrorIs(t, err, models.ErrNotCancellable)
}

// Cancelling a partially filled resting order releases exactly the
// unfilled remainder's reservation.
func TestCancelPartiallyFilledReleasesRemainder(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1, cash, 100)
	f.deposit(t, 2, asset, 4)

	buy := f.limit(t, 1, models.Buy, 10, 5)
	f.limit(t, 2, models.Sell, 4, 5)

	b := f.led.Balance(1, cash)
	assert.Equal(t, int64(80), b.Amount)
	assert.Equal(t, int64(30), b.Locked) // 6 unfilled * 5

	require.NoError(t, f.eng.Cancel(context.Background(), buy.OrderID, 1))
	b = f.led.Balance(1, cash)
	assert.Equal(t, int64(80), b.Amount)
	assert.Equal(t, int64(0), b.Locked)

	o, err := f.eng.GetOrder(buy.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, o.Status)
	assert.Equal(t, int64(4), o.Filled)
}

// No over-fill: two market BUYs racing for the same resting quantity
// never settle more than the seller offered.
func TestConcurrentMarketBuysNoOverfill(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1, asset, 10)
	f.deposit(t, 2, cash, 1_000)
	f.deposit(t, 3, cash, 1_000)

	sell := f.limit(t, 1, models.Sell, 10, 5)

	results := make([]models.OrderResult, 2)
	var wg sync.WaitGroup
	for i, buyer := range []int64{2, 3} {
		wg.Add(1)
		go func(i int, buyer int64) {
			defer wg.Done()
			res, err := f.eng.SubmitMarket(context.Background(), buyer, asset, models.Buy, 10)
			assert.NoError(t, err)
			results[i] = res
		}(i, buyer)
	}
	wg.Wait()

	var executed, rejected int
	for _, res := range results {
		switch res.Status {
		case models.StatusExecuted:
			executed++
		case models.StatusRejected:
			rejected++
		}
	}
	assert.Equal(t, 1, executed)
	assert.Equal(t, 1, rejected)

	sellOrder, err := f.eng.GetOrder(sell.OrderID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), sellOrder.Filled)

	totalAsset := f.led.Balance(1, asset).Amount + f.led.Balance(2, asset).Amount + f.led.Balance(3, asset).Amount
	totalCash := f.led.Balance(1, cash).Amount + f.led.Balance(2, cash).Amount + f.led.Balance(3, cash).Amount
	assert.Equal(t, int64(10), totalAsset)
	assert.Equal(t, int64(2_000), totalCash)
	assert.Equal(t, int64(0), f.led.Balance(2, cash).Locked)
	assert.Equal(t, int64(0), f.led.Balance(3, cash).Locked)
}

func TestExecutionSummaryVWAP(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1, asset, 4)
	f.deposit(t, 2, asset, 6)
	f.deposit(t, 3, cash, 20_000)

	f.limit(t, 1, models.Sell, 4, 1_000)
	f.limit(t, 2, models.Sell, 6, 1_100)

	buy := f.limit(t, 3, models.Buy, 10, 1_100)
	require.True(t, buy.Success)
	assert.Equal(t, models.StatusExecuted, buy.Status)

	sum, err := f.eng.ExecutionSummary(buy.OrderID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), sum.TotalFilled)
	assert.Equal(t, 1060.0, sum.AveragePrice) // (4*1000 + 6*1100) / 10
	assert.False(t, sum.LastExecutionAt.IsZero())

	// An unfilled order has an empty summary, not an error.
	f.deposit(t, 4, cash, 100)
	rest := f.limit(t, 4, models.Buy, 1, 5)
	sum, err = f.eng.ExecutionSummary(rest.OrderID)
	require.NoError(t, err)
	assert.Zero(t, sum.TotalFilled)
	assert.Zero(t, sum.AveragePrice)
}

// Filled always equals the sum of the order's own execution quantities,
// counting both legs, and never exceeds quantity.
func TestFilledMatchesExecutions(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1, cash, 10_000)
	f.deposit(t, 2, asset, 3)
	f.deposit(t, 3, asset, 4)

	buy := f.limit(t, 1, models.Buy, 10, 7)
	f.limit(t, 2, models.Sell, 3, 7)
	f.limit(t, 3, models.Sell, 4, 7)

	o, err := f.eng.GetOrder(buy.OrderID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), o.Filled)
	assert.LessOrEqual(t, o.Filled, o.Quantity)

	execs, err := f.eng.Executions(buy.OrderID)
	require.NoError(t, err)
	var total int64
	for _, ex := range execs {
		require.True(t, ex.Involves(buy.OrderID))
		total += ex.Quantity
	}
	assert.Equal(t, o.Filled, total)
}

func TestUnknownAndInactiveInstruments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deposit(t, 1, cash, 100)

	_, err := f.eng.SubmitLimit(ctx, 1, "NOPE", models.Buy, 1, 5)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.eng.SubmitMarket(ctx, 1, "HALT", models.Buy, 1)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.eng.OrderBook("NOPE", 10)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.eng.SubmitLimit(ctx, 1, asset, models.Buy, 0, 5)
	assert.Error(t, err)
	_, err = f.eng.SubmitLimit(ctx, 1, asset, models.Buy, 5, 0)
	assert.Error(t, err)
	_, err = f.eng.SubmitMarket(ctx, 1, asset, "SIDEWAYS", 5)
	assert.Error(t, err)

	// Quantity and price are bounded so qty*price cannot overflow.
	_, err = f.eng.SubmitLimit(ctx, 1, asset, models.Buy, 1_000_000_001, 5)
	assert.Error(t, err)
	_, err = f.eng.SubmitLimit(ctx, 1, asset, models.Buy, 5, 1_000_000_001)
	assert.Error(t, err)
	_, err = f.eng.SubmitMarket(ctx, 1, asset, models.Buy, 1_000_000_001)
	assert.Error(t, err)
}

func TestUserOrdersAndFilters(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, 1, cash, 1_000)
	f.deposit(t, 2, asset, 5)

	first := f.limit(t, 1, models.Buy, 5, 5)
	f.limit(t, 2, models.Sell, 5, 5) // fills first completely
	second := f.limit(t, 1, models.Buy, 3, 4)

	all := f.eng.UserOrders(1, OrderFilter{})
	require.Len(t, all, 2)
	assert.Equal(t, first.OrderID, all[0].ID)
	assert.Equal(t, second.OrderID, all[1].ID)

	executed := f.eng.UserOrders(1, OrderFilter{Status: models.StatusExecuted})
	require.Len(t, executed, 1)
	assert.Equal(t, first.OrderID, executed[0].ID)

	capped := f.eng.UserOrders(1, OrderFilter{Limit: 1})
	assert.Len(t, capped, 1)

	active := f.eng.ActiveOrders(1)
	require.Len(t, active, 1)
	assert.Equal(t, second.OrderID, active[0].ID)

	assert.True(t, f.eng.HasActiveOrders(asset))
	require.NoError(t, f.eng.Cancel(context.Background(), second.OrderID, 1))
	assert.False(t, f.eng.HasActiveOrders(asset))
}

// Restored resting orders are matchable again after a restart.
func TestRestoreRepopulatesBook(t *testing.T) {
	f := newFixture(t)

	resting := models.Order{
		ID:        7,
		UserID:    1,
		Ticker:    asset,
		Direction: models.Sell,
		Kind:      models.Limit,
		Quantity:  10,
		Price:     5,
		Status:    models.StatusPartiallyExecuted,
		Filled:    4,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	f.led.Restore(1, asset, models.Balance{Amount: 6, Locked: 6})
	f.eng.Restore([]models.Order{resting}, []models.Execution{
		{ID: 3, OrderID: 9, CounterpartyOrderID: 7, Quantity: 4, Price: 5, ExecutedAt: resting.CreatedAt},
	})

	book, err := f.eng.OrderBook(asset, 10)
	require.NoError(t, err)
	assert.Equal(t, []models.BookLevel{{Price: 5, Quantity: 6}}, book.Asks)

	f.deposit(t, 2, cash, 100)
	buy := f.market(t, 2, models.Buy, 6)
	require.True(t, buy.Success)
	assert.Equal(t, models.StatusExecuted, buy.Status)

	o, err := f.eng.GetOrder(7)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuted, o.Status)
	assert.Equal(t, int64(10), o.Filled)

	// New ids continue past the restored ones.
	assert.Greater(t, buy.OrderID, int64(7))
}
