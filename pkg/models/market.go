package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

func (s Side) String() string { return string(s) }

// PriceScale is the number of decimal places carried by Price.
const PriceScale = 8

var priceMul = decimal.New(1, PriceScale)

// Price is a fixed-precision price expressed in 1e-8 units so that it can be
// used as an exact map key.
type Price int64

// ParsePrice parses a venue decimal string. Digits beyond PriceScale are truncated.
func ParsePrice(s string) (Price, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	return PriceFromDecimal(d), nil
}

func PriceFromDecimal(d decimal.Decimal) Price {
	return Price(d.Mul(priceMul).Truncate(0).IntPart())
}

func PriceFromFloat(f float64) Price {
	return PriceFromDecimal(decimal.NewFromFloat(f))
}

func (p Price) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -PriceScale)
}

func (p Price) Float() float64 {
	f, _ := p.Decimal().Float64()
	return f
}

func (p Price) String() string {
	return p.Decimal().String()
}

func (p Price) MarshalJSON() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Price) UnmarshalJSON(b []byte) error {
	parsed, err := ParsePrice(strings.Trim(string(b), `"`))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

type Level struct {
	Price Price   `json:"price"`
	Qty   float64 `json:"qty"`
}

// BookView is the materialized top-N of a LevelBook: bids descending, asks ascending.
type BookView struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

func (v BookView) Levels(side Side) []Level {
	if side == SideBid {
		return v.Bids
	}
	return v.Asks
}

func (v BookView) BestBid() (Price, bool) {
	if len(v.Bids) == 0 {
		return 0, false
	}
	return v.Bids[0].Price, true
}

func (v BookView) BestAsk() (Price, bool) {
	if len(v.Asks) == 0 {
		return 0, false
	}
	return v.Asks[0].Price, true
}

// Mid returns (bestBid+bestAsk)/2, or 0 when either side is empty.
func (v BookView) Mid() float64 {
	bid, okBid := v.BestBid()
	ask, okAsk := v.BestAsk()
	if !okBid || !okAsk {
		return 0
	}
	return (bid.Float() + ask.Float()) / 2
}

// SpreadBps returns the spread relative to mid in basis points, 0 when undefined.
func (v BookView) SpreadBps() float64 {
	mid := v.Mid()
	if mid <= 0 {
		return 0
	}
	bid, _ := v.BestBid()
	ask, _ := v.BestAsk()
	return (ask.Float() - bid.Float()) / mid * 10_000
}

// QuantityFunc looks up the resting quantity at a price, 0 if absent.
type QuantityFunc func(side Side, price Price) float64
