package ledger

import (
	"sync"
	"testing"

	"bourse/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	cash  = "RUB"
	asset = "TEST"
)

func TestDepositAndWithdraw(t *testing.T) {
	l := New(nil)

	require.NoError(t, l.Deposit(1, cash, 100))
	assert.Equal(t, models.Balance{Amount: 100}, l.Balance(1, cash))

	require.NoError(t, l.Withdraw(1, cash, 40))
	assert.Equal(t, models.Balance{Amount: 60}, l.Balance(1, cash))

	err := l.Withdraw(1, cash, 61)
	assert.ErrorIs(t, err, models.ErrInsufficientAvailable)

	assert.Error(t, l.Deposit(1, cash, 0))
	assert.Error(t, l.Withdraw(1, cash, -5))
}

func TestReserveAndRelease(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Deposit(1, cash, 100))

	require.NoError(t, l.Reserve(1, cash, 60))
	b := l.Balance(1, cash)
	assert.Equal(t, int64(100), b.Amount)
	assert.Equal(t, int64(60), b.Locked)
	assert.Equal(t, int64(40), b.Available())

	// Reserved funds are excluded from further reservations.
	err := l.Reserve(1, cash, 41)
	assert.ErrorIs(t, err, models.ErrInsufficientAvailable)

	l.Release(1, cash, 60)
	assert.Equal(t, int64(100), l.Balance(1, cash).Available())
}

func TestWithdrawRespectsLocked(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Deposit(1, cash, 100))
	require.NoError(t, l.Reserve(1, cash, 80))

	err := l.Withdraw(1, cash, 50)
	assert.ErrorIs(t, err, models.ErrInsufficientAvailable)

	require.NoError(t, l.Withdraw(1, cash, 20))
	b := l.Balance(1, cash)
	assert.Equal(t, int64(80), b.Amount)
	assert.Equal(t, int64(80), b.Locked)
}

func TestReleaseClampsAtZero(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Deposit(1, cash, 100))
	require.NoError(t, l.Reserve(1, cash, 10))

	l.Release(1, cash, 25)
	b := l.Balance(1, cash)
	assert.Equal(t, int64(0), b.Locked)
	assert.Equal(t, int64(100), b.Amount)
}

func TestSettle(t *testing.T) {
	l := New(nil)
	buyer, seller := int64(1), int64(2)

	require.NoError(t, l.Deposit(buyer, cash, 100))
	require.NoError(t, l.Reserve(buyer, cash, 50))
	require.NoError(t, l.Deposit(seller, asset, 10))
	require.NoError(t, l.Reserve(seller, asset, 10))

	require.NoError(t, l.Settle(buyer, seller, asset, cash, 10, 5))

	assert.Equal(t, models.Balance{Amount: 50, Locked: 0}, l.Balance(buyer, cash))
	assert.Equal(t, models.Balance{Amount: 10, Locked: 0}, l.Balance(buyer, asset))
	assert.Equal(t, models.Balance{Amount: 50, Locked: 0}, l.Balance(seller, cash))
	assert.Equal(t, models.Balance{Amount: 0, Locked: 0}, l.Balance(seller, asset))
}

func TestSettleValidatesBeforeMutating(t *testing.T) {
	l := New(nil)
	buyer, seller := int64(1), int64(2)

	require.NoError(t, l.Deposit(buyer, cash, 100))
	require.NoError(t, l.Deposit(seller, asset, 3))

	// Seller does not hold enough of the asset: nothing may change.
	err := l.Settle(buyer, seller, asset, cash, 10, 5)
	require.ErrorIs(t, err, models.ErrIntegrity)

	assert.Equal(t, models.Balance{Amount: 100}, l.Balance(buyer, cash))
	assert.Equal(t, models.Balance{Amount: 3}, l.Balance(seller, asset))
	assert.Equal(t, models.Balance{}, l.Balance(seller, cash))

	// Buyer short on cash is equally atomic.
	err = l.Settle(seller, buyer, asset, cash, 1, 5)
	require.ErrorIs(t, err, models.ErrIntegrity)
	assert.Equal(t, models.Balance{Amount: 3}, l.Balance(seller, asset))
}

func TestSettleSelfTrade(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Deposit(1, cash, 100))
	require.NoError(t, l.Deposit(1, asset, 10))

	// Same user on both legs must not deadlock on its own row locks,
	// and the net effect on every balance is zero.
	require.NoError(t, l.Settle(1, 1, asset, cash, 10, 5))
	assert.Equal(t, int64(100), l.Balance(1, cash).Amount)
	assert.Equal(t, int64(10), l.Balance(1, asset).Amount)
}

func TestConcurrentReservesSerialize(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Deposit(1, asset, 10))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Reserve(1, asset, 1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	b := l.Balance(1, asset)
	assert.Equal(t, int64(10), b.Locked)
	assert.Equal(t, int64(0), b.Available())
}

// Opposing settlements touch the same four balance rows from both
// directions; the fixed global lock order must keep them deadlock-free
// and conservation must hold.
func TestConcurrentOpposingSettlesConserve(t *testing.T) {
	l := New(nil)
	const rounds = 200

	require.NoError(t, l.Deposit(1, cash, 10_000))
	require.NoError(t, l.Deposit(1, asset, 1_000))
	require.NoError(t, l.Deposit(2, cash, 10_000))
	require.NoError(t, l.Deposit(2, asset, 1_000))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			assert.NoError(t, l.Settle(1, 2, asset, cash, 1, 5))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			assert.NoError(t, l.Settle(2, 1, asset, cash, 1, 5))
		}
	}()
	wg.Wait()

	totalCash := l.Balance(1, cash).Amount + l.Balance(2, cash).Amount
	totalAsset := l.Balance(1, asset).Amount + l.Balance(2, asset).Amount
	assert.Equal(t, int64(20_000), totalCash)
	assert.Equal(t, int64(2_000), totalAsset)

	for _, userID := range []int64{1, 2} {
		for _, ticker := range []string{cash, asset} {
			b := l.Balance(userID, ticker)
			assert.GreaterOrEqual(t, b.Locked, int64(0))
			assert.LessOrEqual(t, b.Locked, b.Amount)
		}
	}
}

func TestBalancesSnapshot(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Deposit(1, cash, 100))
	require.NoError(t, l.Deposit(1, asset, 5))
	require.NoError(t, l.Deposit(2, cash, 7))

	got := l.Balances(1)
	assert.Equal(t, map[string]models.Balance{
		cash:  {Amount: 100},
		asset: {Amount: 5},
	}, got)
}
