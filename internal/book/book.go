// Package book holds the resting limit orders of one instrument in
// price-time priority. The book itself is not synchronized: the
// matching engine wraps every access in that instrument's critical
// section.
package book

import (
	"sort"

	"bourse/internal/models"
)

// Book is the per-instrument order book: two ordered views of active
// limit orders. Bids are sorted best-first as (price desc, created_at
// asc), asks as (price asc, created_at asc).
type Book struct {
	Ticker string
	bids   []*models.Order
	asks   []*models.Order
}

// New creates an empty book for ticker.
func New(ticker string) *Book {
	return &Book{
		Ticker: ticker,
		bids:   []*models.Order{},
		asks:   []*models.Order{},
	}
}

// Insert places a resting limit order on its side of the book.
// Market orders and non-resting statuses are ignored.
func (b *Book) Insert(o *models.Order) {
	if !o.Resting() {
		return
	}
	if o.Direction == models.Buy {
		b.bids = append(b.bids, o)
		sort.Slice(b.bids, func(i, j int) bool {
			if b.bids[i].Price == b.bids[j].Price {
				return b.bids[i].CreatedAt.Before(b.bids[j].CreatedAt)
			}
			return b.bids[i].Price > b.bids[j].Price
		})
	} else {
		b.asks = append(b.asks, o)
		sort.Slice(b.asks, func(i, j int) bool {
			if b.asks[i].Price == b.asks[j].Price {
				return b.asks[i].CreatedAt.Before(b.asks[j].CreatedAt)
			}
			return b.asks[i].Price < b.asks[j].Price
		})
	}
}

// Remove takes an order out of the book. An order leaves the book when
// its remaining quantity reaches zero or it is cancelled.
func (b *Book) Remove(orderID int64) bool {
	if removed := removeByID(&b.bids, orderID); removed {
		return true
	}
	return removeByID(&b.asks, orderID)
}

func removeByID(side *[]*models.Order, orderID int64) bool {
	for i, o := range *side {
		if o.ID == orderID {
			*side = append((*side)[:i], (*side)[i+1:]...)
			return true
		}
	}
	return false
}

// Candidates returns the resting orders eligible to match an incoming
// order, pre-sorted best price first with ties broken by earliest
// submission: opposite side, still resting, not the incoming order
// itself, and price-compatible. Market orders are compatible with
// every priced candidate.
func (b *Book) Candidates(incoming *models.Order) []*models.Order {
	var side []*models.Order
	if incoming.Direction == models.Buy {
		side = b.asks
	} else {
		side = b.bids
	}

	out := make([]*models.Order, 0, len(side))
	for _, o := range side {
		if o.ID == incoming.ID || !o.Resting() || o.Remaining() <= 0 {
			continue
		}
		if incoming.Kind == models.Limit {
			if incoming.Direction == models.Buy && o.Price > incoming.Price {
				continue
			}
			if incoming.Direction == models.Sell && o.Price < incoming.Price {
				continue
			}
		}
		out = append(out, o)
	}
	return out
}

// BestOppositePrice returns the best resting price an incoming order of
// the given direction would trade against: the lowest ask for a BUY,
// the highest bid for a SELL. ok is false on an empty side. Used to
// estimate the cash a market BUY must reserve before it has matched.
func (b *Book) BestOppositePrice(direction models.Direction) (price int64, ok bool) {
	side := b.asks
	if direction == models.Sell {
		side = b.bids
	}
	for _, o := range side {
		if o.Resting() && o.Remaining() > 0 {
			return o.Price, true
		}
	}
	return 0, false
}

// Levels aggregates remaining quantity per distinct price on both
// sides, truncated to depth levels (bids descending, asks ascending).
func (b *Book) Levels(depth int) (bids, asks []models.BookLevel) {
	return aggregate(b.bids, depth), aggregate(b.asks, depth)
}

func aggregate(side []*models.Order, depth int) []models.BookLevel {
	levels := []models.BookLevel{}
	for _, o := range side {
		if !o.Resting() || o.Remaining() <= 0 {
			continue
		}
		if n := len(levels); n > 0 && levels[n-1].Price == o.Price {
			levels[n-1].Quantity += o.Remaining()
			continue
		}
		if len(levels) == depth {
			break
		}
		levels = append(levels, models.BookLevel{Price: o.Price, Quantity: o.Remaining()})
	}
	return levels
}

// Size returns the number of resting orders per side.
func (b *Book) Size() (bids, asks int) {
	return len(b.bids), len(b.asks)
}
