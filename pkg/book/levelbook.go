package book

import (
	"slices"

	"github.com/gregtusar/wallsignal/pkg/models"
)

// LevelBook is a two-sided sparse price->quantity map. A price present in
// either map always has strictly positive quantity.
//
// LevelBook is not safe for concurrent use; the synchronizer serializes access.
type LevelBook struct {
	nLevels int
	bids    map[models.Price]float64
	asks    map[models.Price]float64
}

func NewLevelBook(nLevels int) *LevelBook {
	if nLevels < 1 {
		nLevels = 1
	}
	return &LevelBook{
		nLevels: nLevels,
		bids:    make(map[models.Price]float64),
		asks:    make(map[models.Price]float64),
	}
}

// ApplySnapshot replaces all state with the given levels.
func (b *LevelBook) ApplySnapshot(bids, asks []models.Level) {
	b.bids = make(map[models.Price]float64, len(bids))
	b.asks = make(map[models.Price]float64, len(asks))
	for _, l := range bids {
		applyLevel(b.bids, l)
	}
	for _, l := range asks {
		applyLevel(b.asks, l)
	}
}

// ApplyDiff upserts positive quantities, removes non-positive ones and returns the new top-N view.
func (b *LevelBook) ApplyDiff(bids, asks []models.Level) models.BookView {
	for _, l := range bids {
		applyLevel(b.bids, l)
	}
	for _, l := range asks {
		applyLevel(b.asks, l)
	}
	return b.TopLevels(b.nLevels)
}

func (b *LevelBook) Clear() {
	clear(b.bids)
	clear(b.asks)
}

// TopLevels returns at most n levels per side, bids descending and asks ascending.
func (b *LevelBook) TopLevels(n int) models.BookView {
	return models.BookView{
		Bids: topFromMap(b.bids, n, true),
		Asks: topFromMap(b.asks, n, false),
	}
}

// View is TopLevels at the configured depth.
func (b *LevelBook) View() models.BookView {
	return b.TopLevels(b.nLevels)
}

func (b *LevelBook) QuantityAt(side models.Side, price models.Price) float64 {
	if side == models.SideBid {
		return b.bids[price]
	}
	return b.asks[price]
}

func (b *LevelBook) Len() (bids, asks int) {
	return len(b.bids), len(b.asks)
}

func (b *LevelBook) Empty() bool {
	return len(b.bids) == 0 && len(b.asks) == 0
}

func applyLevel(side map[models.Price]float64, l models.Level) {
	if l.Qty <= 0 {
		delete(side, l.Price)
		return
	}
	side[l.Price] = l.Qty
}

func topFromMap(side map[models.Price]float64, n int, desc bool) []models.Level {
	if n <= 0 || len(side) == 0 {
		return nil
	}
	prices := make([]models.Price, 0, len(side))
	for p := range side {
		prices = append(prices, p)
	}
	slices.SortFunc(prices, func(a, b models.Price) int {
		if desc {
			return compare(b, a)
		}
		return compare(a, b)
	})
	if len(prices) > n {
		prices = prices[:n]
	}
	out := make([]models.Level, len(prices))
	for i, p := range prices {
		out[i] = models.Level{Price: p, Qty: side[p]}
	}
	return out
}

func compare(a, b models.Price) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
